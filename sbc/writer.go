// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sbc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// Option configures a writer.
type Option func(*Writer)

// WithByteOrder sets the byte order used to encode the file.
// The byte order of an existing file is kept.
func WithByteOrder(order binary.ByteOrder) Option {
	return func(w *Writer) {
		w.hdr.Order = order
	}
}

// Writer writes lines to an SBC file.
type Writer struct {
	f    *os.File
	w    *bufio.Writer
	hdr  Header
	line []byte
	n    int // number of lines written
}

// Create opens the named file for appending lines described by cols.
//
// The header is written, as a single block, only if the file is empty.
// Otherwise, the columns of the existing header must match cols.
func Create(fname string, cols []Column, opts ...Option) (*Writer, error) {
	w := &Writer{
		hdr: Header{Order: nativeOrder, Columns: cols},
	}
	for _, opt := range opts {
		opt(w)
	}

	err := w.hdr.validate()
	if err != nil {
		return nil, fmt.Errorf("sbc: invalid columns for %q: %w", fname, err)
	}

	f, err := os.OpenFile(fname, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("sbc: could not open %q: %w", fname, err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sbc: could not stat %q: %w", fname, err)
	}

	switch fi.Size() {
	case 0:
		raw, err := w.hdr.MarshalBinary()
		if err == nil {
			_, err = f.Write(raw)
		}
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("sbc: could not write header to %q: %w", fname, err)
		}
	default:
		dec := NewDecoder(io.NewSectionReader(f, 0, fi.Size()))
		hdr, err := dec.Header()
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("sbc: could not read header of %q: %w", fname, err)
		}
		if !sameColumns(hdr.Columns, cols) {
			_ = f.Close()
			return nil, fmt.Errorf("sbc: columns mismatch with existing file %q", fname)
		}
		w.hdr.Order = hdr.Order
	}

	w.f = f
	w.w = bufio.NewWriter(f)
	w.line = make([]byte, w.hdr.LineSize())
	return w, nil
}

func sameColumns(a, b []Column) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].equal(b[i]) {
			return false
		}
	}
	return true
}

// Header returns the header of the file.
func (w *Writer) Header() Header {
	return w.hdr
}

// Lines returns the number of lines written by this writer.
func (w *Writer) Lines() int {
	return w.n
}

// Write writes a line made of the provided fields, one per column.
//
// A field is either a scalar or a slice of the Go type matching the column
// type (byte for char, float32 for single, float64 for double, Quad for
// float128), holding exactly the number of values of the column.
func (w *Writer) Write(fields ...interface{}) error {
	if w.f == nil {
		return os.ErrClosed
	}
	if len(fields) != len(w.hdr.Columns) {
		return fmt.Errorf("sbc: invalid number of fields (got=%d, want=%d)", len(fields), len(w.hdr.Columns))
	}

	o := 0
	for i, col := range w.hdr.Columns {
		n, err := put(w.hdr.Order, w.line[o:o+col.Size()], col, fields[i])
		if err != nil {
			return err
		}
		o += n
	}

	_, err := w.w.Write(w.line)
	if err != nil {
		return fmt.Errorf("sbc: could not write line: %w", err)
	}
	w.n++
	return nil
}

// Flush writes any buffered line to the underlying file.
func (w *Writer) Flush() error {
	if w.f == nil {
		return os.ErrClosed
	}
	err := w.w.Flush()
	if err != nil {
		return fmt.Errorf("sbc: could not flush: %w", err)
	}
	return nil
}

// Close flushes the buffered lines and closes the file.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	defer func() {
		w.f = nil
	}()

	err := w.w.Flush()
	if err != nil {
		_ = w.f.Close()
		return fmt.Errorf("sbc: could not flush: %w", err)
	}

	err = w.f.Close()
	if err != nil {
		return fmt.Errorf("sbc: could not close file: %w", err)
	}
	return nil
}

func put(order binary.ByteOrder, p []byte, col Column, v interface{}) (int, error) {
	n := col.Len()
	mismatch := func(got int) error {
		return fmt.Errorf("sbc: invalid number of values for column %q (got=%d, want=%d)", col.Name, got, n)
	}
	invalid := func() error {
		return fmt.Errorf("sbc: invalid value of type %T for column %q (%v)", v, col.Name, col.Type)
	}

	switch col.Type {
	case Char, Uint8:
		var vs []uint8
		switch v := v.(type) {
		case uint8:
			vs = []uint8{v}
		case []uint8:
			vs = v
		case string:
			vs = []uint8(v)
		default:
			return 0, invalid()
		}
		if len(vs) != n {
			return 0, mismatch(len(vs))
		}
		copy(p, vs)

	case Int8:
		var vs []int8
		switch v := v.(type) {
		case int8:
			vs = []int8{v}
		case []int8:
			vs = v
		default:
			return 0, invalid()
		}
		if len(vs) != n {
			return 0, mismatch(len(vs))
		}
		for i, x := range vs {
			p[i] = uint8(x)
		}

	case Uint16, Int16:
		vs, ok := u16s(v, col.Type)
		if !ok {
			return 0, invalid()
		}
		if len(vs) != n {
			return 0, mismatch(len(vs))
		}
		for i, x := range vs {
			order.PutUint16(p[2*i:], x)
		}

	case Uint32, Int32, Single:
		vs, ok := u32s(v, col.Type)
		if !ok {
			return 0, invalid()
		}
		if len(vs) != n {
			return 0, mismatch(len(vs))
		}
		for i, x := range vs {
			order.PutUint32(p[4*i:], x)
		}

	case Uint64, Int64, Double:
		vs, ok := u64s(v, col.Type)
		if !ok {
			return 0, invalid()
		}
		if len(vs) != n {
			return 0, mismatch(len(vs))
		}
		for i, x := range vs {
			order.PutUint64(p[8*i:], x)
		}

	case Float128:
		var vs []Quad
		switch v := v.(type) {
		case Quad:
			vs = []Quad{v}
		case []Quad:
			vs = v
		default:
			return 0, invalid()
		}
		if len(vs) != n {
			return 0, mismatch(len(vs))
		}
		for i, x := range vs {
			copy(p[16*i:], x[:])
		}

	default:
		return 0, invalid()
	}

	return col.Size(), nil
}

func u16s(v interface{}, typ Type) ([]uint16, bool) {
	switch v := v.(type) {
	case uint16:
		return []uint16{v}, typ == Uint16
	case []uint16:
		return v, typ == Uint16
	case int16:
		return []uint16{uint16(v)}, typ == Int16
	case []int16:
		vs := make([]uint16, len(v))
		for i, x := range v {
			vs[i] = uint16(x)
		}
		return vs, typ == Int16
	}
	return nil, false
}

func u32s(v interface{}, typ Type) ([]uint32, bool) {
	switch v := v.(type) {
	case uint32:
		return []uint32{v}, typ == Uint32
	case []uint32:
		return v, typ == Uint32
	case int32:
		return []uint32{uint32(v)}, typ == Int32
	case []int32:
		vs := make([]uint32, len(v))
		for i, x := range v {
			vs[i] = uint32(x)
		}
		return vs, typ == Int32
	case float32:
		return []uint32{math.Float32bits(v)}, typ == Single
	case []float32:
		vs := make([]uint32, len(v))
		for i, x := range v {
			vs[i] = math.Float32bits(x)
		}
		return vs, typ == Single
	}
	return nil, false
}

func u64s(v interface{}, typ Type) ([]uint64, bool) {
	switch v := v.(type) {
	case uint64:
		return []uint64{v}, typ == Uint64
	case []uint64:
		return v, typ == Uint64
	case int64:
		return []uint64{uint64(v)}, typ == Int64
	case []int64:
		vs := make([]uint64, len(v))
		for i, x := range v {
			vs[i] = uint64(x)
		}
		return vs, typ == Int64
	case float64:
		return []uint64{math.Float64bits(v)}, typ == Double
	case []float64:
		vs := make([]uint64, len(v))
		for i, x := range v {
			vs[i] = math.Float64bits(x)
		}
		return vs, typ == Double
	}
	return nil, false
}
