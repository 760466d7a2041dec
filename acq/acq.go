// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package acq runs the acquisition of a SiPM test stand.
//
// A Manager owns the digitizer and drives it through a two-level state
// machine: a top state (Standby, Acquisition or Closing) and, while in
// Acquisition, a mode (Oscilloscope, EndlessAcquisition,
// NumberedAcquisition, Calibration or Reset).
// The control side talks to the manager through a pipe: it sends commands
// modifying the manager data and reads back snapshots of that data.
package acq // import "github.com/go-lpc/sipm/acq"

import (
	"errors"
	"fmt"
)

// ErrIO reports a failure to create or write an output file.
var ErrIO = errors.New("acq: i/o error")

// IOError is a file failure of the acquisition.
// IOError matches ErrIO.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("acq: could not %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }

// Top is the top-level state of the manager.
type Top uint8

const (
	Standby Top = iota
	Acquisition
	Closing
)

func (t Top) String() string {
	switch t {
	case Standby:
		return "standby"
	case Acquisition:
		return "acquisition"
	case Closing:
		return "closing"
	}
	return fmt.Sprintf("Top(%d)", int(t))
}

// Mode is the acquisition mode of the manager.
type Mode uint8

const (
	Oscilloscope Mode = iota
	EndlessAcquisition
	NumberedAcquisition
	Calibration
	Reset
)

var modeNames = [...]string{
	Oscilloscope:        "oscilloscope",
	EndlessAcquisition:  "endless",
	NumberedAcquisition: "numbered",
	Calibration:         "calibration",
	Reset:               "reset",
}

func (m Mode) String() string {
	if int(m) >= len(modeNames) {
		return fmt.Sprintf("Mode(%d)", int(m))
	}
	return modeNames[m]
}

// State is the state of the manager.
// Mode is only meaningful when Top is Acquisition, and is Oscilloscope
// otherwise.
type State struct {
	Top  Top  `json:"top"`
	Mode Mode `json:"mode"`
}

func (s State) String() string {
	if s.Top != Acquisition {
		return s.Top.String()
	}
	return s.Top.String() + "/" + s.Mode.String()
}

var (
	standby = State{Top: Standby}
	closing = State{Top: Closing}
	scope   = State{Top: Acquisition, Mode: Oscilloscope}
)

// Request is a state change requested to the manager.
type Request uint8

const (
	ReqNone Request = iota
	ReqConnect
	ReqDisconnect
	ReqClose
	ReqOscilloscope
	ReqEndless
	ReqNumbered
	ReqCalibrate
	ReqCancel
	ReqReset
	ReqDone // the current mode completed
	ReqFail // the current mode failed
)

var reqNames = [...]string{
	ReqNone:         "none",
	ReqConnect:      "connect",
	ReqDisconnect:   "disconnect",
	ReqClose:        "close",
	ReqOscilloscope: "osc",
	ReqEndless:      "endless",
	ReqNumbered:     "run",
	ReqCalibrate:    "calib",
	ReqCancel:       "cancel",
	ReqReset:        "reset",
	ReqDone:         "done",
	ReqFail:         "fail",
}

func (r Request) String() string {
	if int(r) >= len(reqNames) {
		return fmt.Sprintf("Request(%d)", int(r))
	}
	return reqNames[r]
}

// Next returns the state following s when req is applied.
// healthy reports whether the manager holds a connected digitizer that
// did not fail.
//
// Next is defined for every state, request and health. Mode changes are
// only allowed while healthy: an unhealthy acquisition falls back to
// Standby. A failed mode falls back to Oscilloscope. Closing is final.
func Next(s State, req Request, healthy bool) State {
	switch s.Top {
	case Standby:
		switch req {
		case ReqConnect:
			return scope
		case ReqClose:
			return closing
		}
		return standby
	case Acquisition:
		// handled below.
	default:
		return closing
	}

	switch req {
	case ReqClose:
		return closing
	case ReqDisconnect:
		return standby
	}
	if !healthy || int(s.Mode) >= len(modeNames) {
		return standby
	}

	switch req {
	case ReqOscilloscope, ReqCancel:
		if s.Mode == Reset {
			return s
		}
		return scope
	case ReqEndless, ReqNumbered, ReqCalibrate:
		if s.Mode != Oscilloscope {
			return s
		}
		return State{Top: Acquisition, Mode: modeOf(req)}
	case ReqReset:
		return State{Top: Acquisition, Mode: Reset}
	case ReqDone:
		if s.Mode == EndlessAcquisition {
			return s
		}
		return scope
	case ReqFail:
		return scope
	}
	return s
}

func modeOf(req Request) Mode {
	switch req {
	case ReqEndless:
		return EndlessAcquisition
	case ReqNumbered:
		return NumberedAcquisition
	case ReqCalibrate:
		return Calibration
	}
	return Oscilloscope
}
