// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sbc reads and writes SBC binary waveform files.
//
// An SBC file starts with a header made of:
//   - a 4-byte endianness marker (0x01020304, written in the file byte order),
//   - a 2-byte length of the columns description,
//   - the columns description, as "name;type;dim1,dim2,...;" triples,
//   - a 4-byte number of lines (0 means the number of lines is inferred
//     from the file size).
//
// The header is followed by fixed-size lines holding, for each column,
// the product of its dimensions values of its type.
//
// New files are written in the byte order of the host, unless WithByteOrder
// is given.
package sbc // import "github.com/go-lpc/sipm/sbc"

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"unsafe"
)

const marker = 0x01020304

// nativeOrder is the byte order of the host.
var nativeOrder = func() binary.ByteOrder {
	v := uint16(0x0102)
	if *(*byte)(unsafe.Pointer(&v)) == 0x02 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}()

// Type is the type of the values held by a column.
type Type uint8

const (
	Char Type = iota + 1
	Uint8
	Uint16
	Uint32
	Uint64
	Int8
	Int16
	Int32
	Int64
	Single
	Double
	Float128
)

var types = [...]struct {
	name string
	size int
}{
	Char:     {"char", 1},
	Uint8:    {"uint8", 1},
	Uint16:   {"uint16", 2},
	Uint32:   {"uint32", 4},
	Uint64:   {"uint64", 8},
	Int8:     {"int8", 1},
	Int16:    {"int16", 2},
	Int32:    {"int32", 4},
	Int64:    {"int64", 8},
	Single:   {"single", 4},
	Double:   {"double", 8},
	Float128: {"float128", 16},
}

func (t Type) valid() bool {
	return t > 0 && int(t) < len(types)
}

func (t Type) String() string {
	if !t.valid() {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return types[t].name
}

// Size returns the size in bytes of a value of type t.
func (t Type) Size() int {
	if !t.valid() {
		return 0
	}
	return types[t].size
}

// ParseType returns the type named name.
func ParseType(name string) (Type, error) {
	for i, v := range types {
		if i > 0 && v.name == name {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("sbc: unknown type %q", name)
}

// Quad is an extended precision float value, stored as raw bytes.
type Quad [16]byte

// Column describes a column of an SBC file.
type Column struct {
	Name string
	Type Type
	Dims []int
}

// Len returns the number of values held by the column in a line.
func (col Column) Len() int {
	n := 1
	for _, d := range col.Dims {
		n *= d
	}
	return n
}

// Size returns the number of bytes used by the column in a line.
func (col Column) Size() int {
	return col.Len() * col.Type.Size()
}

func (col Column) validate() error {
	switch {
	case col.Name == "":
		return fmt.Errorf("sbc: empty column name")
	case strings.ContainsAny(col.Name, ";,"):
		return fmt.Errorf("sbc: invalid column name %q", col.Name)
	case !col.Type.valid():
		return fmt.Errorf("sbc: invalid type %v for column %q", col.Type, col.Name)
	case len(col.Dims) == 0:
		return fmt.Errorf("sbc: column %q has no dimension", col.Name)
	}
	for _, d := range col.Dims {
		if d <= 0 {
			return fmt.Errorf("sbc: column %q has invalid dimensions %v", col.Name, col.Dims)
		}
	}
	return nil
}

func (col Column) equal(o Column) bool {
	if col.Name != o.Name || col.Type != o.Type || len(col.Dims) != len(o.Dims) {
		return false
	}
	for i := range col.Dims {
		if col.Dims[i] != o.Dims[i] {
			return false
		}
	}
	return true
}

// Header is the header of an SBC file.
type Header struct {
	Order   binary.ByteOrder
	Columns []Column
	Lines   int32 // declared number of lines, 0 if unbounded
}

// LineSize returns the size in bytes of a line.
func (hdr Header) LineSize() int {
	n := 0
	for _, col := range hdr.Columns {
		n += col.Size()
	}
	return n
}

// Size returns the size in bytes of the encoded header.
func (hdr Header) Size() int {
	return 4 + 2 + len(hdr.description()) + 4
}

func (hdr Header) description() string {
	var o strings.Builder
	for _, col := range hdr.Columns {
		o.WriteString(col.Name)
		o.WriteString(";")
		o.WriteString(col.Type.String())
		o.WriteString(";")
		for i, d := range col.Dims {
			if i > 0 {
				o.WriteString(",")
			}
			o.WriteString(strconv.Itoa(d))
		}
		o.WriteString(";")
	}
	return o.String()
}

func (hdr Header) validate() error {
	if len(hdr.Columns) == 0 {
		return fmt.Errorf("sbc: no columns")
	}
	seen := make(map[string]struct{}, len(hdr.Columns))
	for _, col := range hdr.Columns {
		err := col.validate()
		if err != nil {
			return err
		}
		if _, dup := seen[col.Name]; dup {
			return fmt.Errorf("sbc: duplicate column %q", col.Name)
		}
		seen[col.Name] = struct{}{}
	}
	return nil
}

// MarshalBinary encodes the header.
func (hdr Header) MarshalBinary() ([]byte, error) {
	err := hdr.validate()
	if err != nil {
		return nil, err
	}

	desc := hdr.description()
	if len(desc) > 0xffff {
		return nil, fmt.Errorf("sbc: header description too long (%d bytes)", len(desc))
	}

	order := hdr.Order
	if order == nil {
		order = binary.LittleEndian
	}

	buf := make([]byte, hdr.Size())
	order.PutUint32(buf[0:], marker)
	order.PutUint16(buf[4:], uint16(len(desc)))
	copy(buf[6:], desc)
	order.PutUint32(buf[6+len(desc):], uint32(hdr.Lines))
	return buf, nil
}

func parseDescription(desc string) ([]Column, error) {
	if !strings.HasSuffix(desc, ";") {
		return nil, fmt.Errorf("sbc: unterminated header description %q", desc)
	}
	toks := strings.Split(strings.TrimSuffix(desc, ";"), ";")
	if len(toks)%3 != 0 {
		return nil, fmt.Errorf("sbc: invalid header description %q", desc)
	}

	cols := make([]Column, 0, len(toks)/3)
	for i := 0; i < len(toks); i += 3 {
		typ, err := ParseType(toks[i+1])
		if err != nil {
			return nil, err
		}
		col := Column{Name: toks[i], Type: typ}
		for _, v := range strings.Split(toks[i+2], ",") {
			d, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("sbc: invalid dimension %q for column %q: %w", v, col.Name, err)
			}
			col.Dims = append(col.Dims, d)
		}
		err = col.validate()
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	return cols, nil
}
