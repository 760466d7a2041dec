// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package caen

import (
	"fmt"
	"io"

	"github.com/go-daq/tdaq/log"
)

// Option configures a digitizer.
type Option func(*Digitizer)

// WithMsgStream sets the message stream used to report the digitizer
// activity.
func WithMsgStream(msg log.MsgStream) Option {
	return func(dig *Digitizer) {
		dig.msg = msg
	}
}

// Digitizer is an opened CAEN digitizer.
//
// Once an operation failed, the digitizer latches the error and all the
// subsequent operations are no-ops returning that error. A failed digitizer
// has to be closed and connected again.
//
// A Digitizer is not safe for concurrent use.
type Digitizer struct {
	msg   log.MsgStream
	sdk   SDK
	reg   *Registry
	key   Key
	h     Handle
	model Model
	mc    ModelConstants

	err    error // latched error
	closed bool

	global GlobalConfig
	groups []GroupConfig
	maxbuf uint32 // current maximum number of buffers

	buf     []byte // readout buffer
	size    uint32 // number of bytes held in the readout buffer
	nevts   uint32 // number of events held in the readout buffer
	evts    []Event
	running bool
}

// Connect opens the digitizer reachable through the provided connection
// parameters.
// Connect fails with ErrConnection if the digitizer is already registered
// in reg or if it could not be opened.
func Connect(reg *Registry, sdk SDK, model Model, conn ConnectionType, link, conet int, vme uint32, opts ...Option) (*Digitizer, error) {
	key := Key{Conn: conn, Link: link, Conet: conet, VME: vme}
	err := reg.acquire(key)
	if err != nil {
		return nil, &Error{Op: "connect", Code: DigitizerAlreadyOpen, Kind: ErrConnection, Err: err}
	}

	h, err := sdk.Open(conn, link, conet, vme)
	if err != nil {
		reg.release(key)
		return nil, newError(ErrConnection, "connect", err)
	}

	dig := &Digitizer{
		msg:    log.NewMsgStream("caen", log.LvlInfo, io.Discard),
		sdk:    sdk,
		reg:    reg,
		key:    key,
		h:      h,
		model:  model,
		mc:     model.Constants(),
		global: DefaultGlobalConfig(),
	}
	for _, opt := range opts {
		opt(dig)
	}
	dig.maxbuf = MaxBuffers(model, dig.global)
	dig.msg.Infof("connected to %v digitizer (%v)", model, key)

	return dig, nil
}

// Model returns the model of the digitizer.
func (dig *Digitizer) Model() Model { return dig.model }

// Err returns the latched error, if any.
func (dig *Digitizer) Err() error { return dig.err }

// Config returns the effective configuration of the digitizer.
func (dig *Digitizer) Config() (GlobalConfig, []GroupConfig) {
	groups := make([]GroupConfig, len(dig.groups))
	copy(groups, dig.groups)
	return dig.global, groups
}

// MaxBuffers returns the number of events the board memory can hold
// with the current configuration.
func (dig *Digitizer) MaxBuffers() uint32 { return dig.maxbuf }

// EnabledChannels returns the enabled acquisition channels.
func (dig *Digitizer) EnabledChannels() []Channel {
	return EnabledChannels(dig.model, dig.groups)
}

func (dig *Digitizer) check() error {
	if dig.closed {
		return errClosed
	}
	return dig.err
}

func (dig *Digitizer) latch(op string, err error) error {
	if err == nil {
		return nil
	}
	e := newError(ErrProtocol, op, err)
	dig.err = e
	dig.msg.Errorf("%+v", e)
	return e
}

// Reset resets the board registers to their default values.
func (dig *Digitizer) Reset() error {
	if err := dig.check(); err != nil {
		return err
	}
	return dig.latch("reset", dig.sdk.Reset(dig.h))
}

// Setup configures the board and its groups (or channels, for models
// without groups). Group configurations are keyed by their number: a
// number provided twice keeps its first configuration.
//
// The board may round the requested record length: Setup returns the
// effective global configuration, which callers should use for sizing.
func (dig *Digitizer) Setup(global GlobalConfig, groups []GroupConfig) (GlobalConfig, error) {
	if err := dig.check(); err != nil {
		return dig.global, err
	}

	var (
		h   = dig.h
		sdk = dig.sdk
		err error
	)
	do := func(op string, f func() error) {
		if err != nil {
			return
		}
		if e := f(); e != nil {
			err = dig.latch(op, e)
		}
	}

	do("set max events per BLT", func() error {
		return sdk.SetMaxNumEventsBLT(h, global.MaxEventsPerRead)
	})
	do("set record length", func() error {
		return sdk.SetRecordLength(h, global.RecordLength)
	})
	do("get record length", func() error {
		rl, err := sdk.RecordLength(h)
		if err != nil {
			return err
		}
		global.RecordLength = rl
		return nil
	})
	do("set post trigger size", func() error {
		return sdk.SetPostTriggerSize(h, global.PostTriggerPercentage)
	})
	do("set SW trigger mode", func() error {
		return sdk.SetSWTriggerMode(h, global.SWTriggerMode)
	})
	do("set EXT trigger mode", func() error {
		return sdk.SetExtTriggerInputMode(h, global.EXTTriggerMode)
	})
	do("set acquisition mode", func() error {
		return sdk.SetAcquisitionMode(h, global.AcqMode)
	})
	do("set IO level", func() error {
		return sdk.SetIOLevel(h, global.IOLevel)
	})
	do("write trigger overlapping", func() error {
		return dig.writeBits(regBoardConfig, b2u(global.TriggerOverlappingEn), 1, 1)
	})
	do("write memory full mode", func() error {
		return dig.writeBits(regAcqControl, b2u(global.MemoryFullModeSelection), 5, 1)
	})
	do("write EXT as gate", func() error {
		return dig.writeBits(regFrontPanelIO, b2u(global.EXTAsGate), 10, 1)
	})

	groups = normalize(groups)
	mask := uint32(0)
	for _, grp := range groups {
		if grp.Enabled {
			mask |= 1 << grp.Number
		}
	}

	switch {
	case dig.mc.HasGroups():
		do("set group enable mask", func() error {
			return sdk.SetGroupEnableMask(h, mask)
		})
		do("set group self trigger", func() error {
			return sdk.SetGroupSelfTrigger(h, global.CHTriggerMode, mask)
		})
		for _, grp := range groups {
			n := uint32(grp.Number)
			do("set channel group mask", func() error {
				return sdk.SetChannelGroupMask(h, n, uint32(grp.TriggerMask))
			})
			do("set group trigger threshold", func() error {
				return sdk.SetGroupTriggerThreshold(h, n, grp.TriggerThreshold)
			})
			do("set group DC offset", func() error {
				return sdk.SetGroupDCOffset(h, n, grp.DCOffset)
			})
			do("write DC corrections", func() error {
				lo, hi := packCorrections(grp.DCCorrections)
				if err := sdk.WriteRegister(h, regDCCorrectionsLo|(n&0x0f)<<8, lo); err != nil {
					return err
				}
				return sdk.WriteRegister(h, regDCCorrectionsHi|(n&0x0f)<<8, hi)
			})
			dig.setupCommon(do, n, grp, global)
		}

	default:
		do("set channel enable mask", func() error {
			return sdk.SetChannelEnableMask(h, mask)
		})
		do("set channel self trigger", func() error {
			return sdk.SetChannelSelfTrigger(h, global.CHTriggerMode, mask)
		})
		for _, grp := range groups {
			n := uint32(grp.Number)
			do("set channel trigger threshold", func() error {
				return sdk.SetChannelTriggerThreshold(h, n, grp.TriggerThreshold)
			})
			do("set channel DC offset", func() error {
				return sdk.SetChannelDCOffset(h, n, grp.DCOffset)
			})
			dig.setupCommon(do, n, grp, global)
		}
	}

	if err != nil {
		return dig.global, fmt.Errorf("caen: could not setup digitizer: %w", err)
	}

	dig.global = global
	dig.groups = groups
	dig.maxbuf = MaxBuffers(dig.model, global)
	dig.msg.Infof(
		"setup done: record-length=%d, max-buffers=%d",
		global.RecordLength, dig.maxbuf,
	)

	return global, nil
}

func (dig *Digitizer) setupCommon(do func(string, func() error), n uint32, grp GroupConfig, global GlobalConfig) {
	if len(dig.mc.VoltageRanges) > 1 {
		do("write DC range", func() error {
			return dig.sdk.WriteRegister(dig.h, regDCRangeBase|(n&0x0f)<<8, uint32(grp.DCRange)&0x1)
		})
	}
	do("set trigger polarity", func() error {
		return dig.sdk.SetTriggerPolarity(dig.h, n, global.TriggerPolarity)
	})
}

func packCorrections(v [8]uint8) (lo, hi uint32) {
	for i := 0; i < 4; i++ {
		lo |= uint32(v[i]) << (8 * i)
		hi |= uint32(v[4+i]) << (8 * i)
	}
	return lo, hi
}

func b2u(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

// EnableAcquisition allocates the readout buffer and the event slots, and
// starts the acquisition.
// EnableAcquisition must be called after Setup.
func (dig *Digitizer) EnableAcquisition() error {
	if err := dig.check(); err != nil {
		return err
	}

	if dig.buf == nil {
		buf, err := dig.sdk.MallocReadoutBuffer(dig.h)
		if err != nil {
			return dig.latch("malloc readout buffer", err)
		}
		dig.buf = buf
	}

	dig.allocEvents()

	err := dig.sdk.ClearData(dig.h)
	if err != nil {
		return dig.latch("clear data", err)
	}

	err = dig.sdk.SWStartAcquisition(dig.h)
	if err != nil {
		return dig.latch("start acquisition", err)
	}
	dig.running = true
	dig.size = 0
	dig.nevts = 0

	return nil
}

func (dig *Digitizer) allocEvents() {
	n := dig.global.MaxEventsPerRead
	if n < dig.maxbuf {
		n = dig.maxbuf
	}
	if n > dig.mc.MaxNumBuffers {
		n = dig.mc.MaxNumBuffers
	}
	if n == 0 {
		n = 1
	}

	mask := uint64(0)
	for _, ch := range dig.EnabledChannels() {
		mask |= 1 << ch.ID
	}

	if uint32(len(dig.evts)) != n {
		dig.evts = make([]Event, n)
	}
	for i := range dig.evts {
		dig.evts[i].reserve(dig.global.RecordLength, mask)
	}
}

// DisableAcquisition stops the acquisition.
func (dig *Digitizer) DisableAcquisition() error {
	if err := dig.check(); err != nil {
		return err
	}
	err := dig.sdk.SWStopAcquisition(dig.h)
	if err != nil {
		return dig.latch("stop acquisition", err)
	}
	dig.running = false
	return nil
}

// EventsInBuffer returns the number of events held in the board memory.
func (dig *Digitizer) EventsInBuffer() (uint32, error) {
	return dig.ReadRegister(regEventsInBuffer)
}

// RetrieveData transfers the events held in the board memory into the
// readout buffer.
// Events decoded before the call are invalidated.
func (dig *Digitizer) RetrieveData() error {
	if err := dig.check(); err != nil {
		return err
	}
	if dig.buf == nil {
		return dig.latch("read data", InvalidBuffer)
	}

	size, err := dig.sdk.ReadData(dig.h, dig.buf)
	if err != nil {
		dig.size = 0
		dig.nevts = 0
		return dig.latch("read data", err)
	}
	dig.size = size

	n, err := dig.sdk.NumEvents(dig.h, dig.buf[:size])
	if err != nil {
		dig.nevts = 0
		return dig.latch("get number of events", err)
	}
	dig.nevts = n
	return nil
}

// RetrieveDataUntilNEvents retrieves data only once the board holds at
// least n events, or as many events as its memory can hold if n is larger.
// RetrieveDataUntilNEvents reports whether data was retrieved.
func (dig *Digitizer) RetrieveDataUntilNEvents(n uint32) (bool, error) {
	if err := dig.check(); err != nil {
		return false, err
	}

	evts, err := dig.EventsInBuffer()
	if err != nil {
		return false, err
	}

	threshold := n
	if n > dig.maxbuf {
		threshold = dig.maxbuf
	}
	if evts < threshold {
		return false, nil
	}

	err = dig.RetrieveData()
	if err != nil {
		return false, err
	}
	return true, nil
}

// NumEvents returns the number of events held in the readout buffer.
func (dig *Digitizer) NumEvents() uint32 {
	return dig.nevts
}

// DecodeEvent decodes the i-th event of the readout buffer.
//
// The returned event is a slot owned by the digitizer: its content is only
// valid until the next call to RetrieveData, RetrieveDataUntilNEvents or
// DecodeEvent with the same index.
func (dig *Digitizer) DecodeEvent(i uint32) (*Event, error) {
	if err := dig.check(); err != nil {
		return nil, err
	}
	if i >= dig.nevts || int(i) >= len(dig.evts) {
		return nil, fmt.Errorf("caen: invalid event index %d (events=%d)", i, dig.nevts)
	}

	info, raw, err := dig.sdk.EventInfo(dig.h, dig.buf[:dig.size], i)
	if err != nil {
		return nil, dig.latch("get event info", err)
	}

	evt := &dig.evts[i]
	evt.Info = info
	err = dig.sdk.DecodeEvent(dig.h, raw, evt)
	if err != nil {
		return nil, dig.latch("decode event", err)
	}
	return evt, nil
}

// ClearData stops the acquisition, clears the board memory and restarts
// the acquisition.
func (dig *Digitizer) ClearData() error {
	if err := dig.check(); err != nil {
		return err
	}
	err := dig.sdk.SWStopAcquisition(dig.h)
	if err != nil {
		return dig.latch("stop acquisition", err)
	}
	err = dig.sdk.ClearData(dig.h)
	if err != nil {
		return dig.latch("clear data", err)
	}
	err = dig.sdk.SWStartAcquisition(dig.h)
	if err != nil {
		return dig.latch("start acquisition", err)
	}
	dig.running = true
	dig.size = 0
	dig.nevts = 0
	return nil
}

// SoftwareTrigger sends a software trigger.
func (dig *Digitizer) SoftwareTrigger() error {
	if err := dig.check(); err != nil {
		return err
	}
	return dig.latch("send SW trigger", dig.sdk.SendSWTrigger(dig.h))
}

// ReadRegister reads the register at addr.
func (dig *Digitizer) ReadRegister(addr uint32) (uint32, error) {
	if err := dig.check(); err != nil {
		return 0, err
	}
	v, err := dig.sdk.ReadRegister(dig.h, addr)
	if err != nil {
		return 0, dig.latch(fmt.Sprintf("read register 0x%x", addr), err)
	}
	return v, nil
}

// WriteRegister writes value to the register at addr.
func (dig *Digitizer) WriteRegister(addr, value uint32) error {
	if err := dig.check(); err != nil {
		return err
	}
	return dig.latch(
		fmt.Sprintf("write register 0x%x", addr),
		dig.sdk.WriteRegister(dig.h, addr, value),
	)
}

// WriteBits writes the n bits of value starting at bit shift of the
// register at addr, leaving the other bits untouched.
func (dig *Digitizer) WriteBits(addr, value uint32, shift, n uint) error {
	if err := dig.check(); err != nil {
		return err
	}
	return dig.latch(
		fmt.Sprintf("write bits of register 0x%x", addr),
		dig.writeBits(addr, value, shift, n),
	)
}

func (dig *Digitizer) writeBits(addr, value uint32, shift, n uint) error {
	old, err := dig.sdk.ReadRegister(dig.h, addr)
	if err != nil {
		return err
	}
	mask := uint32((1<<n)-1) << shift
	v := (old &^ mask) | ((value << shift) & mask)
	return dig.sdk.WriteRegister(dig.h, addr, v)
}

// Close stops the acquisition, releases the readout buffer and closes
// the connection to the digitizer.
// Close is attempted even if the digitizer latched an error.
func (dig *Digitizer) Close() error {
	if dig.closed {
		return nil
	}
	dig.closed = true
	defer dig.reg.release(dig.key)

	var errs []error
	if err := dig.sdk.SWStopAcquisition(dig.h); err != nil {
		errs = append(errs, fmt.Errorf("could not stop acquisition: %w", err))
	}
	dig.running = false
	if err := dig.sdk.ClearData(dig.h); err != nil {
		errs = append(errs, fmt.Errorf("could not clear data: %w", err))
	}
	if dig.buf != nil {
		if err := dig.sdk.FreeReadoutBuffer(dig.h, dig.buf); err != nil {
			errs = append(errs, fmt.Errorf("could not free readout buffer: %w", err))
		}
		dig.buf = nil
	}
	dig.evts = nil
	dig.size = 0
	dig.nevts = 0
	if err := dig.sdk.Close(dig.h); err != nil {
		errs = append(errs, fmt.Errorf("could not close digitizer: %w", err))
	}

	if len(errs) > 0 {
		return newError(ErrConnection, "close", errs[0])
	}
	dig.msg.Infof("disconnected from %v digitizer (%v)", dig.model, dig.key)
	return nil
}
