// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acq

import (
	"math"

	"github.com/go-lpc/sipm/caen"
	"github.com/go-lpc/sipm/calib"
	"github.com/go-lpc/sipm/pipe"
	"github.com/go-lpc/sipm/volt"
)

// Voltage is the bias-voltage state of the manager.
type Voltage struct {
	Target float64      `json:"target"` // requested voltage
	Enable bool         `json:"enable"` // requested output state
	Change bool         `json:"change"` // request not yet applied
	Stable bool         `json:"stable"`
	Latest volt.Measure `json:"latest"`
}

// Data is the state of the manager shared with the control side.
//
// The manager holds the authoritative copy: commands sent through the
// pipe modify it, snapshots published through the pipe are copies of it.
type Data struct {
	State   State   `json:"state"`
	Request Request `json:"-"` // pending state change request
	Trigger bool    `json:"-"` // pending software trigger

	Global caen.GlobalConfig   `json:"global"`
	Groups []caen.GroupConfig `json:"groups"`

	RunName string  `json:"run_name"`
	Voltage Voltage `json:"voltage"`

	Temperature       float64 `json:"temperature"`
	TemperatureStable bool    `json:"temperature_stable"`

	Triggered uint64     `json:"triggered"` // number of triggered events
	Saved     uint64     `json:"saved"`     // number of saved events
	File      string     `json:"file"`      // current waveform file
	Waveform  [][]uint16 `json:"-"`         // last displayed event, one slice per enabled channel

	Routine    calib.State     `json:"routine"`
	Calibrated bool            `json:"calibrated"`
	Breakdown  calib.Breakdown `json:"breakdown"`

	Err string `json:"err,omitempty"` // last error
}

func (d Data) clone() Data {
	o := d
	o.Groups = append([]caen.GroupConfig(nil), d.Groups...)
	if d.Waveform != nil {
		o.Waveform = make([][]uint16, len(d.Waveform))
		for i, v := range d.Waveform {
			o.Waveform[i] = append([]uint16(nil), v...)
		}
	}
	o.Breakdown.Pairs = append([]calib.Pair(nil), d.Breakdown.Pairs...)
	return o
}

// Pipe carries commands to a manager and snapshots of its data back.
type Pipe = pipe.Pipe[Data]

// Command modifies the data of a manager.
type Command = pipe.Command[Data]

// Do returns a command requesting a state change.
func Do(req Request) Command {
	return func(d *Data) bool {
		d.Request = req
		return true
	}
}

// SoftwareTrigger returns a command requesting a software trigger,
// issued during the next oscilloscope tick.
func SoftwareTrigger() Command {
	return func(d *Data) bool {
		if d.State != scope {
			return false
		}
		d.Trigger = true
		return true
	}
}

// SetVoltage returns a command changing the bias voltage and the output
// state of the voltage system.
func SetVoltage(v float64, enable bool) Command {
	return func(d *Data) bool {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
		if d.State.Mode == Calibration && d.State.Top == Acquisition {
			// the calibration routine drives the voltage.
			return false
		}
		d.Voltage.Target = v
		d.Voltage.Enable = enable
		d.Voltage.Change = true
		return true
	}
}

// Configure returns a command replacing the digitizer configuration.
// The configuration is applied at the next connection or reset.
func Configure(global caen.GlobalConfig, groups []caen.GroupConfig) Command {
	groups = append([]caen.GroupConfig(nil), groups...)
	return func(d *Data) bool {
		if len(groups) == 0 {
			return false
		}
		d.Global = global
		d.Groups = groups
		return true
	}
}

// SetRunName returns a command changing the name of the endless
// acquisition file.
func SetRunName(name string) Command {
	return func(d *Data) bool {
		if name == "" {
			return false
		}
		if d.State.Top == Acquisition && d.State.Mode == EndlessAcquisition {
			return false
		}
		d.RunName = name
		return true
	}
}
