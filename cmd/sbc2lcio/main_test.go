// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"compress/flate"
	"io"
	"path/filepath"
	"testing"

	"go-hep.org/x/hep/lcio"

	"github.com/go-lpc/sipm/sbc"
)

func TestSBC2LCIO(t *testing.T) {
	const rl = 8
	var (
		tmp   = t.TempDir()
		fname = filepath.Join(tmp, "3_50cell_25degC_52V_data.bin")
	)

	cols := []sbc.Column{
		{Name: "sample_rate", Type: sbc.Double, Dims: []int{1}},
		{Name: "en_chs", Type: sbc.Uint8, Dims: []int{1}},
		{Name: "trg_mask", Type: sbc.Uint64, Dims: []int{1}},
		{Name: "thresholds", Type: sbc.Uint16, Dims: []int{1}},
		{Name: "dc_offsets", Type: sbc.Uint16, Dims: []int{1}},
		{Name: "dc_corrections", Type: sbc.Uint8, Dims: []int{1}},
		{Name: "dc_range", Type: sbc.Single, Dims: []int{1}},
		{Name: "time_stamp", Type: sbc.Uint32, Dims: []int{1}},
		{Name: "trg_source", Type: sbc.Uint32, Dims: []int{1}},
		{Name: "data", Type: sbc.Uint16, Dims: []int{1, rl}},
	}

	w, err := sbc.Create(fname, cols)
	if err != nil {
		t.Fatalf("could not create SBC file: %+v", err)
	}
	for i := 0; i < 5; i++ {
		data := make([]uint16, rl)
		for j := range data {
			data[j] = uint16(2500 + i + j)
		}
		err = w.Write(
			1e9, []uint8{0}, uint64(1),
			[]uint16{2000}, []uint16{0x8000}, []uint8{0},
			[]float32{2},
			uint32(10*i), uint32(0),
			data,
		)
		if err != nil {
			t.Fatalf("could not write SBC line %d: %+v", i, err)
		}
	}
	err = w.Close()
	if err != nil {
		t.Fatalf("could not close SBC file: %+v", err)
	}

	oname := fname + ".slcio"
	err = process(oname, flate.DefaultCompression, 63, fname)
	if err != nil {
		t.Fatalf("could not convert SBC file: %+v", err)
	}

	r, err := lcio.Open(oname)
	if err != nil {
		t.Fatalf("could not open LCIO file: %+v", err)
	}
	defer r.Close()

	n := 0
	for r.Next() {
		evt := r.Event()
		if got, want := evt.RunNumber, int32(63); got != want {
			t.Fatalf("invalid run number: got=%d, want=%d", got, want)
		}
		n++
	}
	if err := r.Err(); err != nil && err != io.EOF {
		t.Fatalf("could not read LCIO file: %+v", err)
	}
	if got, want := n, 5; got != want {
		t.Fatalf("invalid number of events: got=%d, want=%d", got, want)
	}
}

func TestProcessMissingFile(t *testing.T) {
	tmp := t.TempDir()
	err := process(filepath.Join(tmp, "out.slcio"), flate.DefaultCompression, 1, filepath.Join(tmp, "missing.bin"))
	if err == nil {
		t.Fatalf("expected an error")
	}
}
