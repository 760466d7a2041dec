// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command sbc2lcio converts an SBC waveform file to an LCIO one.
package main // import "github.com/go-lpc/sipm/cmd/sbc2lcio"

import (
	"compress/flate"
	"flag"
	"fmt"
	"log"
	"os"

	"go-hep.org/x/hep/lcio"

	"github.com/go-lpc/sipm/internal/xcnv"
	"github.com/go-lpc/sipm/sbc"
)

var (
	msg = log.New(os.Stdout, "sbc2lcio: ", 0)
)

func main() {
	var (
		oname = flag.String("o", "out.slcio", "path to output LCIO file")
		compr = flag.Int("lvl", flate.DefaultCompression, "compression level for output LCIO file")
		run   = flag.Int("run", 0, "run number of the LCIO events")
	)

	flag.Usage = func() {
		fmt.Printf(`Usage: sbc2lcio [OPTIONS] file.bin

ex:
 $> sbc2lcio -o out.slcio -run=42 -lvl=9 ./3_50cell_25degC_52V_data.bin

options:
`)
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		msg.Fatalf("missing input SBC file")
	}

	if *oname == "" {
		flag.Usage()
		msg.Fatalf("invalid output LCIO file name")
	}

	err := process(*oname, *compr, int32(*run), flag.Arg(0))
	if err != nil {
		msg.Fatalf("could not convert SBC file: %+v", err)
	}
}

func process(oname string, lvl int, run int32, fname string) error {
	f, err := os.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open SBC file: %w", err)
	}
	defer f.Close()

	w, err := lcio.Create(oname)
	if err != nil {
		return fmt.Errorf("could not create output LCIO file: %w", err)
	}
	defer w.Close()

	w.SetCompressionLevel(lvl)

	err = xcnv.SBC2LCIO(w, sbc.NewDecoder(f), run, msg)
	if err != nil {
		return fmt.Errorf("could not convert SBC to LCIO: %w", err)
	}

	err = w.Close()
	if err != nil {
		return fmt.Errorf("could not close output LCIO file: %w", err)
	}

	return nil
}
