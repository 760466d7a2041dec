// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// sbc-dump displays the header and the lines of SBC waveform files.
//
// Usage: sbc-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]
//
// Example:
//
//	$> sbc-dump -n 1 ./3_50cell_25degC_52V_data.bin
//	=== ./3_50cell_25degC_52V_data.bin ===
//	order:   LittleEndian
//	lines:   200000
//	columns:
//	  sample_rate     double   [1]
//	  en_chs          uint8    [1]
//	  [...]
//	--- line 0 ---
//	  sample_rate     [1e+09]
//	  [...]
package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/go-lpc/sipm/sbc"
)

func main() {
	log.SetPrefix("sbc-dump: ")
	log.SetFlags(0)

	var (
		first  = flag.IntP("skip", "s", 0, "number of lines to skip")
		nlines = flag.IntP("lines", "n", 10, "number of lines to display (-1 for all)")
		hdr    = flag.Bool("header", false, "only display the header")
	)

	flag.ErrHelp = errors.New("help requested")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `sbc-dump displays the header and the lines of SBC waveform files.

Usage: sbc-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]

Example:

 $> sbc-dump -n 1 ./3_50cell_25degC_52V_data.bin

`)
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		log.Fatalf("missing path to input SBC file")
	}

	n := *nlines
	if *hdr {
		n = 0
	}

	for _, fname := range flag.Args() {
		err := process(os.Stdout, fname, *first, n)
		if err != nil {
			log.Fatalf("could not dump file %q: %+v", fname, err)
		}
	}
}

func process(w io.Writer, fname string, first, n int) error {
	r, err := sbc.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open SBC file: %w", err)
	}
	defer r.Close()

	hdr := r.Header()
	fmt.Fprintf(w, "=== %s ===\n", fname)
	fmt.Fprintf(w, "order:   %v\n", hdr.Order)
	fmt.Fprintf(w, "lines:   %d\n", r.Len())
	fmt.Fprintf(w, "columns:\n")
	width := 0
	for _, col := range hdr.Columns {
		if len(col.Name) > width {
			width = len(col.Name)
		}
	}
	for _, col := range hdr.Columns {
		fmt.Fprintf(w, "  %-*s %-8s %s\n", width, col.Name, col.Type, dims(col.Dims))
	}

	if first < 0 {
		first = 0
	}
	last := r.Len()
	if n >= 0 && first+n < last {
		last = first + n
	}

	for i := first; i < last; i++ {
		line, err := r.Line(i)
		if err != nil {
			return fmt.Errorf("could not read line %d: %w", i, err)
		}
		fmt.Fprintf(w, "--- line %d ---\n", i)
		for j, col := range hdr.Columns {
			fmt.Fprintf(w, "  %-*s %v\n", width, col.Name, line.Value(j))
		}
	}

	return nil
}

func dims(ds []int) string {
	o := make([]string, len(ds))
	for i, d := range ds {
		o[i] = fmt.Sprintf("%d", d)
	}
	return "[" + strings.Join(o, ", ") + "]"
}
