// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build caen

package caen

// #cgo LDFLAGS: -lCAENDigitizer
// #include <stdlib.h>
// #include <CAENDigitizer.h>
import "C"

import (
	"sync"
	"unsafe"
)

// Vendor is the SDK backed by the CAENDigitizer library.
type Vendor struct {
	mu   sync.Mutex
	evts map[Handle]unsafe.Pointer // decoding slots allocated by the library
}

// NewVendor returns the SDK backed by the CAENDigitizer library.
func NewVendor() *Vendor {
	return &Vendor{evts: make(map[Handle]unsafe.Pointer)}
}

func cerr(rc C.CAEN_DGTZ_ErrorCode) error {
	if rc == C.CAEN_DGTZ_Success {
		return nil
	}
	return Code(rc)
}

func (*Vendor) Open(conn ConnectionType, link, conet int, vme uint32) (Handle, error) {
	var (
		h  C.int
		ct C.CAEN_DGTZ_ConnectionType
	)
	switch conn {
	case USB:
		ct = C.CAEN_DGTZ_USB
	case OpticalLink:
		ct = C.CAEN_DGTZ_OpticalLink
	case A4818:
		ct = C.CAEN_DGTZ_USB_A4818
	default:
		return 0, InvalidLinkType
	}
	rc := C.CAEN_DGTZ_OpenDigitizer(ct, C.int(link), C.int(conet), C.uint32_t(vme), &h)
	return Handle(h), cerr(rc)
}

func (v *Vendor) Close(h Handle) error {
	v.mu.Lock()
	if evt, ok := v.evts[h]; ok {
		C.CAEN_DGTZ_FreeEvent(C.int(h), &evt)
		delete(v.evts, h)
	}
	v.mu.Unlock()
	return cerr(C.CAEN_DGTZ_CloseDigitizer(C.int(h)))
}

func (*Vendor) Reset(h Handle) error {
	return cerr(C.CAEN_DGTZ_Reset(C.int(h)))
}

func (*Vendor) SetMaxNumEventsBLT(h Handle, n uint32) error {
	return cerr(C.CAEN_DGTZ_SetMaxNumEventsBLT(C.int(h), C.uint32_t(n)))
}

func (*Vendor) SetRecordLength(h Handle, n uint32) error {
	return cerr(C.CAEN_DGTZ_SetRecordLength(C.int(h), C.uint32_t(n)))
}

func (*Vendor) RecordLength(h Handle) (uint32, error) {
	var n C.uint32_t
	rc := C.CAEN_DGTZ_GetRecordLength(C.int(h), &n)
	return uint32(n), cerr(rc)
}

func (*Vendor) SetPostTriggerSize(h Handle, percent uint32) error {
	return cerr(C.CAEN_DGTZ_SetPostTriggerSize(C.int(h), C.uint32_t(percent)))
}

func (*Vendor) SetSWTriggerMode(h Handle, mode TriggerMode) error {
	return cerr(C.CAEN_DGTZ_SetSWTriggerMode(C.int(h), C.CAEN_DGTZ_TriggerMode_t(mode)))
}

func (*Vendor) SetExtTriggerInputMode(h Handle, mode TriggerMode) error {
	return cerr(C.CAEN_DGTZ_SetExtTriggerInputMode(C.int(h), C.CAEN_DGTZ_TriggerMode_t(mode)))
}

func (*Vendor) SetAcquisitionMode(h Handle, mode AcqMode) error {
	return cerr(C.CAEN_DGTZ_SetAcquisitionMode(C.int(h), C.CAEN_DGTZ_AcqMode_t(mode)))
}

func (*Vendor) SetIOLevel(h Handle, lvl IOLevel) error {
	return cerr(C.CAEN_DGTZ_SetIOLevel(C.int(h), C.CAEN_DGTZ_IOLevel_t(lvl)))
}

func (*Vendor) SetChannelEnableMask(h Handle, mask uint32) error {
	return cerr(C.CAEN_DGTZ_SetChannelEnableMask(C.int(h), C.uint32_t(mask)))
}

func (*Vendor) SetChannelSelfTrigger(h Handle, mode TriggerMode, mask uint32) error {
	return cerr(C.CAEN_DGTZ_SetChannelSelfTrigger(C.int(h), C.CAEN_DGTZ_TriggerMode_t(mode), C.uint32_t(mask)))
}

func (*Vendor) SetChannelTriggerThreshold(h Handle, ch, threshold uint32) error {
	return cerr(C.CAEN_DGTZ_SetChannelTriggerThreshold(C.int(h), C.uint32_t(ch), C.uint32_t(threshold)))
}

func (*Vendor) SetChannelDCOffset(h Handle, ch, offset uint32) error {
	return cerr(C.CAEN_DGTZ_SetChannelDCOffset(C.int(h), C.uint32_t(ch), C.uint32_t(offset)))
}

func (*Vendor) SetTriggerPolarity(h Handle, ch uint32, pol TriggerPolarity) error {
	return cerr(C.CAEN_DGTZ_SetTriggerPolarity(C.int(h), C.uint32_t(ch), C.CAEN_DGTZ_TriggerPolarity_t(pol)))
}

func (*Vendor) SetGroupEnableMask(h Handle, mask uint32) error {
	return cerr(C.CAEN_DGTZ_SetGroupEnableMask(C.int(h), C.uint32_t(mask)))
}

func (*Vendor) SetGroupSelfTrigger(h Handle, mode TriggerMode, mask uint32) error {
	return cerr(C.CAEN_DGTZ_SetGroupSelfTrigger(C.int(h), C.CAEN_DGTZ_TriggerMode_t(mode), C.uint32_t(mask)))
}

func (*Vendor) SetChannelGroupMask(h Handle, grp, mask uint32) error {
	return cerr(C.CAEN_DGTZ_SetChannelGroupMask(C.int(h), C.uint32_t(grp), C.uint32_t(mask)))
}

func (*Vendor) SetGroupTriggerThreshold(h Handle, grp, threshold uint32) error {
	return cerr(C.CAEN_DGTZ_SetGroupTriggerThreshold(C.int(h), C.uint32_t(grp), C.uint32_t(threshold)))
}

func (*Vendor) SetGroupDCOffset(h Handle, grp, offset uint32) error {
	return cerr(C.CAEN_DGTZ_SetGroupDCOffset(C.int(h), C.uint32_t(grp), C.uint32_t(offset)))
}

func (*Vendor) ReadRegister(h Handle, addr uint32) (uint32, error) {
	var v C.uint32_t
	rc := C.CAEN_DGTZ_ReadRegister(C.int(h), C.uint32_t(addr), &v)
	return uint32(v), cerr(rc)
}

func (*Vendor) WriteRegister(h Handle, addr, value uint32) error {
	return cerr(C.CAEN_DGTZ_WriteRegister(C.int(h), C.uint32_t(addr), C.uint32_t(value)))
}

func (*Vendor) MallocReadoutBuffer(h Handle) ([]byte, error) {
	var (
		ptr  *C.char
		size C.uint32_t
	)
	rc := C.CAEN_DGTZ_MallocReadoutBuffer(C.int(h), &ptr, &size)
	if err := cerr(rc); err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), int(size)), nil
}

func (*Vendor) FreeReadoutBuffer(h Handle, buf []byte) error {
	if len(buf) == 0 {
		return InvalidBuffer
	}
	ptr := (*C.char)(unsafe.Pointer(&buf[0]))
	return cerr(C.CAEN_DGTZ_FreeReadoutBuffer(&ptr))
}

func (*Vendor) ReadData(h Handle, buf []byte) (uint32, error) {
	if len(buf) == 0 {
		return 0, InvalidBuffer
	}
	var size C.uint32_t
	rc := C.CAEN_DGTZ_ReadData(
		C.int(h), C.CAEN_DGTZ_SLAVE_TERMINATED_READOUT_MBLT,
		(*C.char)(unsafe.Pointer(&buf[0])), &size,
	)
	return uint32(size), cerr(rc)
}

func (*Vendor) NumEvents(h Handle, buf []byte) (uint32, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	var n C.uint32_t
	rc := C.CAEN_DGTZ_GetNumEvents(
		C.int(h), (*C.char)(unsafe.Pointer(&buf[0])), C.uint32_t(len(buf)), &n,
	)
	return uint32(n), cerr(rc)
}

func (*Vendor) EventInfo(h Handle, buf []byte, i uint32) (EventInfo, []byte, error) {
	if len(buf) == 0 {
		return EventInfo{}, nil, EventNotFound
	}
	var (
		info C.CAEN_DGTZ_EventInfo_t
		ptr  *C.char
		beg  = unsafe.Pointer(&buf[0])
	)
	rc := C.CAEN_DGTZ_GetEventInfo(
		C.int(h), (*C.char)(beg), C.uint32_t(len(buf)), C.int32_t(i), &info, &ptr,
	)
	if err := cerr(rc); err != nil {
		return EventInfo{}, nil, err
	}
	var (
		off = uintptr(unsafe.Pointer(ptr)) - uintptr(beg)
		end = off + uintptr(info.EventSize)
	)
	if end > uintptr(len(buf)) {
		return EventInfo{}, nil, InvalidEvent
	}
	return EventInfo{
		EventSize:      uint32(info.EventSize),
		BoardID:        uint32(info.BoardId),
		Pattern:        uint32(info.Pattern),
		ChannelMask:    uint32(info.ChannelMask),
		EventCounter:   uint32(info.EventCounter),
		TriggerTimeTag: uint32(info.TriggerTimeTag),
	}, buf[off:end], nil
}

func (v *Vendor) DecodeEvent(h Handle, raw []byte, evt *Event) error {
	if len(raw) == 0 {
		return InvalidEvent
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	slot, ok := v.evts[h]
	if !ok {
		rc := C.CAEN_DGTZ_AllocateEvent(C.int(h), &slot)
		if err := cerr(rc); err != nil {
			return err
		}
		v.evts[h] = slot
	}

	rc := C.CAEN_DGTZ_DecodeEvent(C.int(h), (*C.char)(unsafe.Pointer(&raw[0])), &slot)
	if err := cerr(rc); err != nil {
		return err
	}

	cevt := (*C.CAEN_DGTZ_UINT16_EVENT_t)(slot)
	for ch := 0; ch < MaxChannels; ch++ {
		n := int(cevt.ChSize[ch])
		evt.ChSize[ch] = uint32(n)
		if n == 0 {
			continue
		}
		if cap(evt.Data[ch]) < n {
			evt.Data[ch] = make([]uint16, n)
		}
		evt.Data[ch] = evt.Data[ch][:n]
		src := unsafe.Slice((*uint16)(unsafe.Pointer(cevt.DataChannel[ch])), n)
		copy(evt.Data[ch], src)
	}
	return nil
}

func (*Vendor) SWStartAcquisition(h Handle) error {
	return cerr(C.CAEN_DGTZ_SWStartAcquisition(C.int(h)))
}

func (*Vendor) SWStopAcquisition(h Handle) error {
	return cerr(C.CAEN_DGTZ_SWStopAcquisition(C.int(h)))
}

func (*Vendor) ClearData(h Handle) error {
	return cerr(C.CAEN_DGTZ_ClearData(C.int(h)))
}

func (*Vendor) SendSWTrigger(h Handle) error {
	return cerr(C.CAEN_DGTZ_SendSWtrigger(C.int(h)))
}

var _ SDK = (*Vendor)(nil)

// NewSDK returns the SDK able to drive the provided model.
func NewSDK(model Model, opts ...EmuOption) (SDK, error) {
	if model == DEBUG {
		return NewEmulator(model, opts...), nil
	}
	return NewVendor(), nil
}
