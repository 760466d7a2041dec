// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sensor

import (
	"fmt"
	"testing"
	"time"
)

type fakeConn struct {
	word   uint16
	err    error
	addr   uint8
	cmd    uint8
	closed bool
}

func (c *fakeConn) ReadWord(addr, cmd uint8) (uint16, error) {
	c.addr = addr
	c.cmd = cmd
	return c.word, c.err
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestToCelsius(t *testing.T) {
	for _, tc := range []struct {
		raw  uint16 // as sent by the sensor, MSB first
		want float64
	}{
		{0x7FF0, 127.9375},
		{0x1900, 25},
		{0x0010, 0.0625},
		{0x0000, 0},
		{0xFFF0, -0.0625},
		{0xE700, -25},
	} {
		t.Run(fmt.Sprintf("0x%04x", tc.raw), func(t *testing.T) {
			w := tc.raw>>8 | tc.raw<<8
			if got := toCelsius(w); got != tc.want {
				t.Fatalf("invalid temperature: got=%v, want=%v", got, tc.want)
			}
		})
	}
}

func TestTMP(t *testing.T) {
	defer func(f func(int, uint8) (smbusConn, error)) {
		smbusOpen = f
	}(smbusOpen)

	conn := &fakeConn{word: 0x0019} // 25 degC
	smbusOpen = func(bus int, addr uint8) (smbusConn, error) {
		if bus != 1 {
			return nil, fmt.Errorf("no such bus %d", bus)
		}
		return conn, nil
	}

	_, err := OpenTMP(0, 0x48)
	if err == nil {
		t.Fatalf("expected an error")
	}

	tmp, err := OpenTMP(1, 0x48)
	if err != nil {
		t.Fatalf("could not open sensor: %+v", err)
	}

	v, err := tmp.Temperature()
	if err != nil {
		t.Fatalf("could not read temperature: %+v", err)
	}
	if v != 25 {
		t.Fatalf("invalid temperature: got=%v, want=25", v)
	}
	if conn.addr != 0x48 || conn.cmd != regTemp {
		t.Fatalf("invalid register access: addr=0x%x, cmd=0x%x", conn.addr, conn.cmd)
	}

	conn.err = fmt.Errorf("i/o error")
	_, err = tmp.Temperature()
	if err == nil {
		t.Fatalf("expected an error")
	}

	err = tmp.Close()
	if err != nil {
		t.Fatalf("could not close sensor: %+v", err)
	}
	if !conn.closed {
		t.Fatalf("connection not closed")
	}
}

func TestStability(t *testing.T) {
	var (
		t0 = time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)
		s  = NewStability(10*time.Second, 0.5)
	)
	if s.Stable() {
		t.Fatalf("empty tracker should not be stable")
	}

	for i := 0; i < 10; i++ {
		s.Add(t0.Add(time.Duration(i)*time.Second), 25+0.01*float64(i))
	}
	if s.Stable() {
		t.Fatalf("window not covered yet")
	}

	s.Add(t0.Add(10*time.Second), 25.1)
	if !s.Stable() {
		t.Fatalf("tracker should be stable")
	}

	s.Add(t0.Add(11*time.Second), 26)
	if s.Stable() {
		t.Fatalf("tracker should not be stable after a jump")
	}

	// the jump leaves the window.
	for i := 12; i < 23; i++ {
		s.Add(t0.Add(time.Duration(i)*time.Second), 26)
	}
	if !s.Stable() {
		t.Fatalf("tracker should be stable again")
	}

	s.Reset()
	if s.Stable() {
		t.Fatalf("reset tracker should not be stable")
	}
}
