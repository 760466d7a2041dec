// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sbc

import (
	"bytes"
	"fmt"

	"github.com/go-lpc/sipm/internal/mmap"
)

// Reader gives random access to the lines of a memory-mapped SBC file.
type Reader struct {
	h   *mmap.Handle
	hdr Header
	beg int // offset of the first line
	n   int // number of lines
}

// Open memory-maps the named SBC file.
func Open(fname string) (*Reader, error) {
	h, err := mmap.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("sbc: could not open %q: %w", fname, err)
	}

	raw, err := h.Bytes(0, h.Len())
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("sbc: could not access %q: %w", fname, err)
	}

	hdr, err := NewDecoder(bytes.NewReader(raw)).Header()
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("sbc: could not decode header of %q: %w", fname, err)
	}

	r := &Reader{
		h:   h,
		hdr: hdr,
		beg: hdr.Size(),
	}

	lsize := hdr.LineSize()
	r.n = (h.Len() - r.beg) / lsize
	if hdr.Lines > 0 {
		if int(hdr.Lines) > r.n {
			_ = h.Close()
			return nil, fmt.Errorf(
				"sbc: file %q declares %d lines but holds %d",
				fname, hdr.Lines, r.n,
			)
		}
		r.n = int(hdr.Lines)
	}

	return r, nil
}

// Header returns the header of the file.
func (r *Reader) Header() Header { return r.hdr }

// Len returns the number of lines of the file.
// When the header does not declare a number of lines, it is inferred from
// the file size; a trailing partial line is ignored.
func (r *Reader) Len() int { return r.n }

// Line returns the i-th line of the file.
// The returned line must not be used after the reader is closed.
func (r *Reader) Line(i int) (Line, error) {
	if i < 0 || i >= r.n {
		return Line{}, fmt.Errorf("sbc: line index %d out of range [0, %d)", i, r.n)
	}
	var (
		size = r.hdr.LineSize()
		beg  = r.beg + i*size
	)
	raw, err := r.h.Bytes(beg, beg+size)
	if err != nil {
		return Line{}, fmt.Errorf("sbc: could not read line %d: %w", i, err)
	}
	return Line{hdr: &r.hdr, raw: raw}, nil
}

// Close unmaps the file.
func (r *Reader) Close() error {
	return r.h.Close()
}
