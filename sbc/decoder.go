// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sbc

import (
	"encoding/binary"
	"errors"
	"io"
	"math"

	"golang.org/x/xerrors"
)

// Decoder reads an SBC stream.
type Decoder struct {
	r    io.Reader
	err  error
	hdr  *Header
	buf  []byte
	line Line
	n    int // number of lines read
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

func (dec *Decoder) load(n int) []byte {
	if dec.err != nil {
		return nil
	}
	if cap(dec.buf) < n {
		dec.buf = make([]byte, n)
	}
	buf := dec.buf[:n]
	_, dec.err = io.ReadFull(dec.r, buf)
	return buf
}

// Header reads, if needed, and returns the header of the stream.
func (dec *Decoder) Header() (Header, error) {
	if dec.hdr != nil {
		return *dec.hdr, nil
	}
	if dec.err != nil {
		return Header{}, dec.err
	}

	var hdr Header
	buf := dec.load(6)
	if dec.err != nil {
		dec.err = xerrors.Errorf("sbc: could not read header prefix: %w", dec.err)
		return hdr, dec.err
	}

	switch {
	case binary.LittleEndian.Uint32(buf) == marker:
		hdr.Order = binary.LittleEndian
	case binary.BigEndian.Uint32(buf) == marker:
		hdr.Order = binary.BigEndian
	default:
		dec.err = xerrors.Errorf("sbc: invalid endianness marker 0x%x", buf[:4])
		return hdr, dec.err
	}

	n := int(hdr.Order.Uint16(buf[4:]))
	buf = dec.load(n + 4)
	if dec.err != nil {
		dec.err = xerrors.Errorf("sbc: could not read header description: %w", dec.err)
		return hdr, dec.err
	}

	hdr.Columns, dec.err = parseDescription(string(buf[:n]))
	if dec.err != nil {
		dec.err = xerrors.Errorf("sbc: could not parse header: %w", dec.err)
		return hdr, dec.err
	}
	hdr.Lines = int32(hdr.Order.Uint32(buf[n:]))
	if hdr.Lines < 0 {
		dec.err = xerrors.Errorf("sbc: invalid number of lines %d", hdr.Lines)
		return hdr, dec.err
	}

	dec.hdr = &hdr
	return hdr, nil
}

// Next reads the next line.
// Next returns false at the end of the stream or at the first error.
func (dec *Decoder) Next() bool {
	if _, err := dec.Header(); err != nil {
		return false
	}
	if dec.hdr.Lines > 0 && dec.n >= int(dec.hdr.Lines) {
		return false
	}

	raw := dec.load(dec.hdr.LineSize())
	switch {
	case dec.err == nil:
		// ok.
	case errors.Is(dec.err, io.EOF):
		dec.err = nil
		return false
	default:
		dec.err = xerrors.Errorf("sbc: could not read line %d: %w", dec.n, dec.err)
		return false
	}

	dec.line = Line{hdr: dec.hdr, raw: raw}
	dec.n++
	return true
}

// Line returns the last line read by Next.
// The returned line is only valid until the next call to Next.
func (dec *Decoder) Line() Line {
	return dec.line
}

// Err returns the first error encountered while decoding.
func (dec *Decoder) Err() error {
	return dec.err
}

// Line is a line of an SBC file.
type Line struct {
	hdr *Header
	raw []byte
}

// Raw returns the raw bytes of the line.
func (l Line) Raw() []byte { return l.raw }

// Field returns the raw bytes of the i-th column.
func (l Line) Field(i int) []byte {
	o := 0
	for _, col := range l.hdr.Columns[:i] {
		o += col.Size()
	}
	return l.raw[o : o+l.hdr.Columns[i].Size()]
}

// Value decodes the i-th column into a slice of the Go type matching the
// column type.
func (l Line) Value(i int) interface{} {
	var (
		col   = l.hdr.Columns[i]
		p     = l.Field(i)
		n     = col.Len()
		order = l.hdr.Order
	)
	switch col.Type {
	case Char, Uint8:
		vs := make([]uint8, n)
		copy(vs, p)
		return vs
	case Int8:
		vs := make([]int8, n)
		for i := range vs {
			vs[i] = int8(p[i])
		}
		return vs
	case Uint16:
		vs := make([]uint16, n)
		for i := range vs {
			vs[i] = order.Uint16(p[2*i:])
		}
		return vs
	case Int16:
		vs := make([]int16, n)
		for i := range vs {
			vs[i] = int16(order.Uint16(p[2*i:]))
		}
		return vs
	case Uint32:
		vs := make([]uint32, n)
		for i := range vs {
			vs[i] = order.Uint32(p[4*i:])
		}
		return vs
	case Int32:
		vs := make([]int32, n)
		for i := range vs {
			vs[i] = int32(order.Uint32(p[4*i:]))
		}
		return vs
	case Uint64:
		vs := make([]uint64, n)
		for i := range vs {
			vs[i] = order.Uint64(p[8*i:])
		}
		return vs
	case Int64:
		vs := make([]int64, n)
		for i := range vs {
			vs[i] = int64(order.Uint64(p[8*i:]))
		}
		return vs
	case Single:
		vs := make([]float32, n)
		for i := range vs {
			vs[i] = math.Float32frombits(order.Uint32(p[4*i:]))
		}
		return vs
	case Double:
		vs := make([]float64, n)
		for i := range vs {
			vs[i] = math.Float64frombits(order.Uint64(p[8*i:]))
		}
		return vs
	case Float128:
		vs := make([]Quad, n)
		for i := range vs {
			copy(vs[i][:], p[16*i:])
		}
		return vs
	}
	panic(xerrors.Errorf("sbc: invalid column type %v", col.Type))
}
