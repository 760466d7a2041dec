// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package caen

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection reports a failure to open or close a digitizer.
	ErrConnection = errors.New("caen: connection error")

	// ErrProtocol reports a failure of a register or data transfer
	// operation on an opened digitizer.
	ErrProtocol = errors.New("caen: protocol error")

	errClosed = errors.New("caen: digitizer closed")
)

// Code is an error code returned by the vendor library.
type Code int32

const (
	Success                  Code = 0
	CommError                Code = -1
	GenericError             Code = -2
	InvalidParam             Code = -3
	InvalidLinkType          Code = -4
	InvalidHandle            Code = -5
	MaxDevicesError          Code = -6
	BadBoardType             Code = -7
	BadInterruptLev          Code = -8
	BadEventNumber           Code = -9
	ReadDeviceRegisterFail   Code = -10
	WriteDeviceRegisterFail  Code = -11
	InvalidChannelNumber     Code = -13
	ChannelBusy              Code = -14
	FPIOModeInvalid          Code = -15
	WrongAcqMode             Code = -16
	FunctionNotAllowed       Code = -17
	Timeout                  Code = -18
	InvalidBuffer            Code = -19
	EventNotFound            Code = -20
	InvalidEvent             Code = -21
	OutOfMemory              Code = -22
	CalibrationError         Code = -23
	DigitizerNotFound        Code = -24
	DigitizerAlreadyOpen     Code = -25
	DigitizerNotReady        Code = -26
	InterruptNotConfigured   Code = -27
	DigitizerMemoryCorrupted Code = -28
	NotYetImplemented        Code = -99
)

var codeMessages = map[Code]string{
	Success:                  "operation completed successfully",
	CommError:                "communication error",
	GenericError:             "unspecified error",
	InvalidParam:             "invalid parameter",
	InvalidLinkType:          "invalid link type",
	InvalidHandle:            "invalid device handle",
	MaxDevicesError:          "maximum number of devices exceeded",
	BadBoardType:             "operation not allowed on this type of board",
	BadInterruptLev:          "invalid interrupt level",
	BadEventNumber:           "invalid event number",
	ReadDeviceRegisterFail:   "unable to read the registry",
	WriteDeviceRegisterFail:  "unable to write into the registry",
	InvalidChannelNumber:     "invalid channel number",
	ChannelBusy:              "channel is busy",
	FPIOModeInvalid:          "invalid FPIO mode",
	WrongAcqMode:             "wrong acquisition mode",
	FunctionNotAllowed:       "function not allowed for this module",
	Timeout:                  "communication timeout",
	InvalidBuffer:            "invalid buffer",
	EventNotFound:            "event not found",
	InvalidEvent:             "invalid event",
	OutOfMemory:              "out of memory",
	CalibrationError:         "unable to calibrate the board",
	DigitizerNotFound:        "unable to open the digitizer",
	DigitizerAlreadyOpen:     "digitizer already open",
	DigitizerNotReady:        "digitizer not ready to function",
	InterruptNotConfigured:   "digitizer has no IRQ configured",
	DigitizerMemoryCorrupted: "digitizer flash memory is corrupted",
	NotYetImplemented:        "function not yet implemented",
}

func (c Code) Error() string {
	msg, ok := codeMessages[c]
	if !ok {
		msg = "unknown error"
	}
	return fmt.Sprintf("caen error %d: %s", int32(c), msg)
}

// Error is an error reported by an operation on a digitizer.
type Error struct {
	Op   string // name of the failing operation
	Code Code   // vendor error code
	Kind error  // ErrConnection or ErrProtocol
	Err  error  // underlying error, if any
}

func (e *Error) Error() string {
	kind := "protocol"
	if e.Kind == ErrConnection {
		kind = "connection"
	}
	if e.Err != nil && !errors.Is(e.Err, e.Code) {
		return fmt.Sprintf("caen: %s error during %s: %v (code=%d)", kind, e.Op, e.Err, int32(e.Code))
	}
	return fmt.Sprintf("caen: %s error during %s: %s (code=%d)", kind, e.Op, codeMessage(e.Code), int32(e.Code))
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the kind of this error.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func codeMessage(c Code) string {
	msg, ok := codeMessages[c]
	if !ok {
		return "unknown error"
	}
	return msg
}

func newError(kind error, op string, err error) *Error {
	e := &Error{Op: op, Kind: kind, Code: GenericError, Err: err}
	var code Code
	if errors.As(err, &code) {
		e.Code = code
	}
	return e
}
