// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package volt drives the bias-voltage system of a SiPM: a Keithley 6487
// picoammeter/voltage source and a Keithley 2000 multimeter, both reached
// through a Prologix GPIB-USB adapter.
package volt // import "github.com/go-lpc/sipm/volt"

import (
	"errors"
	"math"
	"time"
)

// ErrOverflow reports an overflow (or NaN) reading of the multimeter or
// the picoammeter.
var ErrOverflow = errors.New("volt: reading overflow")

// overflow is the value returned by the instruments on overflow.
const overflow = 9.9e37

// Measure is a measurement of the bias voltage and of the SiPM current.
type Measure struct {
	Time    time.Time
	Volt    float64 // compensated SiPM voltage, in volts
	Current float64 // in amperes
}

// Calibration is the compensation of the voltage measured by the
// multimeter into the voltage seen by the SiPM.
type Calibration struct {
	M         float64 // slope of the multimeter calibration
	B         float64 // offset of the multimeter calibration, in volts
	RInternal float64 // internal resistance of the circuit, in ohms
}

// DefaultCalibration is the calibration of the SiPM test stand.
var DefaultCalibration = Calibration{
	M:         1.00000790,
	B:         -7.03796763e-06,
	RInternal: 30642,
}

// SiPMVoltage returns the voltage seen by the SiPM given the measured
// voltage v and current i.
func (c Calibration) SiPMVoltage(v, i float64) float64 {
	return c.M*v + c.B - i*c.RInternal
}

// System is a bias-voltage system.
type System interface {
	// Init configures the instruments with the provided initial voltage.
	// The output is left disabled.
	Init(v float64) error
	// SetVoltage sets the output voltage.
	SetVoltage(v float64) error
	// Enable enables or disables the output.
	Enable(on bool) error
	// Measure reads the voltage and the current.
	Measure() (Measure, error)
	// Close disables the output and releases the instruments.
	Close() error
}

// Emulated is an in-memory bias-voltage system.
type Emulated struct {
	Leakage float64 // current per volt, in amperes
	Now     func() time.Time

	volt float64
	on   bool
}

// NewEmulated returns an emulated bias-voltage system.
func NewEmulated() *Emulated {
	return &Emulated{Leakage: 1e-11, Now: time.Now}
}

func (sys *Emulated) Init(v float64) error {
	sys.volt = v
	sys.on = false
	return nil
}

func (sys *Emulated) SetVoltage(v float64) error {
	if v < 0 || v > maxVoltage || math.IsNaN(v) {
		return errVoltageRange(v)
	}
	sys.volt = v
	return nil
}

func (sys *Emulated) Enable(on bool) error {
	sys.on = on
	return nil
}

func (sys *Emulated) Measure() (Measure, error) {
	m := Measure{Time: sys.Now()}
	if sys.on {
		m.Volt = sys.volt
		m.Current = sys.Leakage * sys.volt
	}
	return m, nil
}

func (sys *Emulated) Close() error {
	sys.on = false
	sys.volt = 0
	return nil
}

var (
	_ System = (*Keithley)(nil)
	_ System = (*Emulated)(nil)
)
