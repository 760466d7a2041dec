// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package caen

// Handle identifies an opened digitizer within an SDK.
type Handle int

// MaxChannels is the maximum number of channels an event can hold.
const MaxChannels = 64

// EventInfo is the header of an event held in a readout buffer.
type EventInfo struct {
	EventSize      uint32
	BoardID        uint32
	Pattern        uint32
	ChannelMask    uint32
	EventCounter   uint32
	TriggerTimeTag uint32 // in units of 8ns, wraps around
}

// Event is a decoded waveform event.
type Event struct {
	Info   EventInfo
	ChSize [MaxChannels]uint32
	Data   [MaxChannels][]uint16
}

// Samples returns the samples of channel ch.
func (evt *Event) Samples(ch int) []uint16 {
	return evt.Data[ch][:evt.ChSize[ch]]
}

func (evt *Event) reserve(rl uint32, mask uint64) {
	for ch := range evt.Data {
		if (mask>>ch)&1 == 0 {
			continue
		}
		if uint32(cap(evt.Data[ch])) < rl {
			evt.Data[ch] = make([]uint16, rl)
		}
		evt.Data[ch] = evt.Data[ch][:rl]
	}
}

// SDK is the capability exposed by the vendor digitizer library.
//
// Implementations report failures with a Code when one is available.
type SDK interface {
	Open(conn ConnectionType, link, conet int, vme uint32) (Handle, error)
	Close(h Handle) error
	Reset(h Handle) error

	SetMaxNumEventsBLT(h Handle, n uint32) error
	SetRecordLength(h Handle, n uint32) error
	RecordLength(h Handle) (uint32, error)
	SetPostTriggerSize(h Handle, percent uint32) error
	SetSWTriggerMode(h Handle, mode TriggerMode) error
	SetExtTriggerInputMode(h Handle, mode TriggerMode) error
	SetAcquisitionMode(h Handle, mode AcqMode) error
	SetIOLevel(h Handle, lvl IOLevel) error

	SetChannelEnableMask(h Handle, mask uint32) error
	SetChannelSelfTrigger(h Handle, mode TriggerMode, mask uint32) error
	SetChannelTriggerThreshold(h Handle, ch, threshold uint32) error
	SetChannelDCOffset(h Handle, ch, offset uint32) error
	SetTriggerPolarity(h Handle, ch uint32, pol TriggerPolarity) error

	SetGroupEnableMask(h Handle, mask uint32) error
	SetGroupSelfTrigger(h Handle, mode TriggerMode, mask uint32) error
	SetChannelGroupMask(h Handle, grp, mask uint32) error
	SetGroupTriggerThreshold(h Handle, grp, threshold uint32) error
	SetGroupDCOffset(h Handle, grp, offset uint32) error

	ReadRegister(h Handle, addr uint32) (uint32, error)
	WriteRegister(h Handle, addr, value uint32) error

	MallocReadoutBuffer(h Handle) ([]byte, error)
	FreeReadoutBuffer(h Handle, buf []byte) error

	// ReadData transfers the board memory into buf and returns the
	// number of bytes read.
	ReadData(h Handle, buf []byte) (uint32, error)
	NumEvents(h Handle, buf []byte) (uint32, error)
	// EventInfo returns the header of the i-th event and the raw event.
	EventInfo(h Handle, buf []byte, i uint32) (EventInfo, []byte, error)
	// DecodeEvent decodes raw into evt, reusing its sample slices.
	DecodeEvent(h Handle, raw []byte, evt *Event) error

	SWStartAcquisition(h Handle) error
	SWStopAcquisition(h Handle) error
	ClearData(h Handle) error
	SendSWTrigger(h Handle) error
}

// Registers used by the driver.
const (
	regBoardConfig     = 0x8000 // bit 1: trigger overlapping
	regAcqControl      = 0x8100 // bit 5: memory full mode selection
	regFrontPanelIO    = 0x811C // bit 10: TRG-IN as gate
	regEventsInBuffer  = 0x812C
	regDCRangeBase     = 0x1028 // 0x1n28
	regDCCorrectionsLo = 0x10C0 // 0x1nC0, channels 0-3 of group n
	regDCCorrectionsHi = 0x10C4 // 0x1nC4, channels 4-7 of group n
)
