// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sensor reads the temperature of the SiPM test stand.
package sensor // import "github.com/go-lpc/sipm/sensor"

import (
	"fmt"
	"math"
	"time"

	"github.com/go-daq/smbus"
)

// Thermometer measures a temperature in degrees Celsius.
type Thermometer interface {
	Temperature() (float64, error)
	Close() error
}

type smbusConn interface {
	ReadWord(addr, cmd uint8) (uint16, error)
	Close() error
}

var smbusOpen = smbusOpenImpl

func smbusOpenImpl(bus int, addr uint8) (smbusConn, error) {
	return smbus.Open(bus, addr)
}

// regTemp is the temperature register of TMP1xx-like sensors.
const regTemp = 0x00

// TMP is a TMP1xx-like temperature sensor on an SMBus.
type TMP struct {
	conn smbusConn
	addr uint8
}

// OpenTMP opens the sensor at address addr of the SMBus bus.
func OpenTMP(bus int, addr uint8) (*TMP, error) {
	conn, err := smbusOpen(bus, addr)
	if err != nil {
		return nil, fmt.Errorf("sensor: could not open SMBus %d (addr=0x%x): %w", bus, addr, err)
	}
	return &TMP{conn: conn, addr: addr}, nil
}

func (tmp *TMP) Temperature() (float64, error) {
	w, err := tmp.conn.ReadWord(tmp.addr, regTemp)
	if err != nil {
		return math.NaN(), fmt.Errorf("sensor: could not read temperature (addr=0x%x): %w", tmp.addr, err)
	}
	return toCelsius(w), nil
}

// toCelsius converts a word read over SMBus (least significant byte
// first) into degrees Celsius. The sensor holds a 12-bit two's complement
// value, most significant byte first, with a 0.0625 degC resolution.
func toCelsius(w uint16) float64 {
	raw := w>>8 | w<<8
	return float64(int16(raw)>>4) * 0.0625
}

func (tmp *TMP) Close() error {
	return tmp.conn.Close()
}

// Fixed is a thermometer returning a constant temperature.
type Fixed float64

func (v Fixed) Temperature() (float64, error) { return float64(v), nil }
func (Fixed) Close() error                    { return nil }

type sample struct {
	t time.Time
	v float64
}

// Stability tracks whether a quantity stays within a tolerance over a
// time window.
type Stability struct {
	Window    time.Duration
	Tolerance float64

	samples []sample
}

// NewStability returns a stability tracker.
func NewStability(window time.Duration, tolerance float64) *Stability {
	return &Stability{Window: window, Tolerance: tolerance}
}

// Add records the value v measured at time t.
func (s *Stability) Add(t time.Time, v float64) {
	s.samples = append(s.samples, sample{t, v})
	// keep the samples within the window, plus the one just before.
	i := 0
	for i+1 < len(s.samples) && t.Sub(s.samples[i+1].t) >= s.Window {
		i++
	}
	s.samples = append(s.samples[:0], s.samples[i:]...)
}

// Reset discards the recorded values.
func (s *Stability) Reset() {
	s.samples = s.samples[:0]
}

// Stable reports whether the recorded values span at least the time
// window and all lie within the tolerance.
func (s *Stability) Stable() bool {
	if len(s.samples) == 0 {
		return false
	}
	var (
		beg = s.samples[0]
		end = s.samples[len(s.samples)-1]
		lo  = beg.v
		hi  = beg.v
	)
	if end.t.Sub(beg.t) < s.Window {
		return false
	}
	for _, smp := range s.samples {
		if math.IsNaN(smp.v) {
			return false
		}
		lo = math.Min(lo, smp.v)
		hi = math.Max(hi, smp.v)
	}
	return hi-lo <= s.Tolerance
}
