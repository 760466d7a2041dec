// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package caen

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// EmuOption configures an emulator.
type EmuOption func(*Emulator)

// WithEventRate sets the rate, in Hz, of the self-triggered events
// generated while the acquisition runs.
// A zero rate disables self-triggering: events are then only produced by
// software triggers or Inject.
func WithEventRate(hz float64) EmuOption {
	return func(emu *Emulator) {
		emu.rate = hz
	}
}

// WithGain sets the function returning the single photo-electron gain
// used to shape the emulated pulses.
func WithGain(gain func() float64) EmuOption {
	return func(emu *Emulator) {
		emu.gain = gain
	}
}

// WithNoise sets the standard deviation, in ADC counts, of the baseline
// noise.
func WithNoise(sigma float64) EmuOption {
	return func(emu *Emulator) {
		emu.noise.Sigma = sigma
	}
}

// WithSeed seeds the random number generator of the emulator.
func WithSeed(seed uint64) EmuOption {
	return func(emu *Emulator) {
		emu.src.Seed(seed)
	}
}

// WithEmuClock sets the clock of the emulator.
func WithEmuClock(now func() time.Time) EmuOption {
	return func(emu *Emulator) {
		emu.now = now
	}
}

// Pulse shape parameters of the emulator, in samples.
const (
	emuRiseTime = 5.0
	emuFallTime = 20.0
)

// Emulator is an in-memory SDK generating SiPM-like pulses.
// Emulator is safe for concurrent use.
type Emulator struct {
	mu     sync.Mutex
	model  Model
	boards map[Handle]*emuBoard
	next   Handle

	rate  float64
	gain  func() float64
	src   rand.Source
	noise distuv.Normal
	npe   distuv.Poisson
	now   func() time.Time
}

// NewEmulator returns an emulator of the provided model.
func NewEmulator(model Model, opts ...EmuOption) *Emulator {
	src := rand.NewSource(1234)
	emu := &Emulator{
		model:  model,
		boards: make(map[Handle]*emuBoard),
		next:   1,
		gain:   func() float64 { return 2e3 },
		src:    src,
		noise:  distuv.Normal{Mu: 0, Sigma: 1, Src: src},
		npe:    distuv.Poisson{Lambda: 0.2, Src: src},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(emu)
	}
	return emu
}

type emuEvent struct {
	tag uint32
	npe int
}

type emuBoard struct {
	key     Key
	rl      uint32
	post    uint32
	regs    map[uint32]uint32
	mask    uint32 // channel or group enable mask
	pol     TriggerPolarity
	offsets [MaxChannels]uint32
	buf     []byte

	running bool
	start   time.Time
	last    time.Time
	counter uint32
	pending []emuEvent
}

func (emu *Emulator) board(h Handle) (*emuBoard, error) {
	b, ok := emu.boards[h]
	if !ok {
		return nil, InvalidHandle
	}
	return b, nil
}

func (emu *Emulator) do(h Handle, f func(b *emuBoard) error) error {
	emu.mu.Lock()
	defer emu.mu.Unlock()
	b, err := emu.board(h)
	if err != nil {
		return err
	}
	return f(b)
}

func (emu *Emulator) Open(conn ConnectionType, link, conet int, vme uint32) (Handle, error) {
	emu.mu.Lock()
	defer emu.mu.Unlock()

	key := Key{Conn: conn, Link: link, Conet: conet, VME: vme}
	for _, b := range emu.boards {
		if b.key == key {
			return 0, DigitizerAlreadyOpen
		}
	}

	h := emu.next
	emu.next++
	emu.boards[h] = newEmuBoard(key)
	return h, nil
}

func newEmuBoard(key Key) *emuBoard {
	return &emuBoard{
		key:  key,
		rl:   100,
		post: 50,
		pol:  OnFallingEdge,
		regs: make(map[uint32]uint32),
	}
}

func (emu *Emulator) Close(h Handle) error {
	emu.mu.Lock()
	defer emu.mu.Unlock()
	if _, err := emu.board(h); err != nil {
		return err
	}
	delete(emu.boards, h)
	return nil
}

func (emu *Emulator) Reset(h Handle) error {
	return emu.do(h, func(b *emuBoard) error {
		buf := b.buf
		*b = *newEmuBoard(b.key)
		b.buf = buf
		return nil
	})
}

func (emu *Emulator) SetMaxNumEventsBLT(h Handle, n uint32) error {
	return emu.do(h, func(b *emuBoard) error {
		if n == 0 || n > emu.model.Constants().MaxNumBuffers {
			return InvalidParam
		}
		return nil
	})
}

func (emu *Emulator) SetRecordLength(h Handle, n uint32) error {
	return emu.do(h, func(b *emuBoard) error {
		mem := emu.model.Constants().MemoryPerChannel
		if n == 0 || n > mem {
			return InvalidParam
		}
		// the board works with blocks of 4 samples.
		b.rl = (n + 3) &^ 3
		return nil
	})
}

func (emu *Emulator) RecordLength(h Handle) (uint32, error) {
	var rl uint32
	err := emu.do(h, func(b *emuBoard) error {
		rl = b.rl
		return nil
	})
	return rl, err
}

func (emu *Emulator) SetPostTriggerSize(h Handle, percent uint32) error {
	return emu.do(h, func(b *emuBoard) error {
		if percent > 100 {
			return InvalidParam
		}
		b.post = percent
		return nil
	})
}

func (emu *Emulator) SetSWTriggerMode(h Handle, mode TriggerMode) error {
	return emu.noop(h)
}

func (emu *Emulator) SetExtTriggerInputMode(h Handle, mode TriggerMode) error {
	return emu.noop(h)
}

func (emu *Emulator) SetAcquisitionMode(h Handle, mode AcqMode) error {
	return emu.noop(h)
}

func (emu *Emulator) SetIOLevel(h Handle, lvl IOLevel) error {
	return emu.noop(h)
}

func (emu *Emulator) noop(h Handle) error {
	return emu.do(h, func(*emuBoard) error { return nil })
}

func (emu *Emulator) SetChannelEnableMask(h Handle, mask uint32) error {
	return emu.setMask(h, mask, false)
}

func (emu *Emulator) SetGroupEnableMask(h Handle, mask uint32) error {
	return emu.setMask(h, mask, true)
}

func (emu *Emulator) setMask(h Handle, mask uint32, groups bool) error {
	return emu.do(h, func(b *emuBoard) error {
		mc := emu.model.Constants()
		if mc.HasGroups() != groups {
			return FunctionNotAllowed
		}
		n := uint32(mc.NumChannels)
		if groups {
			n = uint32(mc.NumGroups)
		}
		if mask>>n != 0 {
			return InvalidParam
		}
		b.mask = mask
		return nil
	})
}

func (emu *Emulator) SetChannelSelfTrigger(h Handle, mode TriggerMode, mask uint32) error {
	return emu.noop(h)
}

func (emu *Emulator) SetGroupSelfTrigger(h Handle, mode TriggerMode, mask uint32) error {
	return emu.noop(h)
}

func (emu *Emulator) SetChannelTriggerThreshold(h Handle, ch, threshold uint32) error {
	return emu.checkChannel(h, ch)
}

func (emu *Emulator) SetChannelDCOffset(h Handle, ch, offset uint32) error {
	err := emu.checkChannel(h, ch)
	if err != nil {
		return err
	}
	return emu.do(h, func(b *emuBoard) error {
		b.offsets[ch] = offset
		return nil
	})
}

func (emu *Emulator) SetTriggerPolarity(h Handle, ch uint32, pol TriggerPolarity) error {
	check := emu.checkChannel
	if emu.model.Constants().HasGroups() {
		check = emu.checkGroup
	}
	err := check(h, ch)
	if err != nil {
		return err
	}
	return emu.do(h, func(b *emuBoard) error {
		b.pol = pol
		return nil
	})
}

func (emu *Emulator) SetChannelGroupMask(h Handle, grp, mask uint32) error {
	return emu.checkGroup(h, grp)
}

func (emu *Emulator) SetGroupTriggerThreshold(h Handle, grp, threshold uint32) error {
	return emu.checkGroup(h, grp)
}

func (emu *Emulator) SetGroupDCOffset(h Handle, grp, offset uint32) error {
	err := emu.checkGroup(h, grp)
	if err != nil {
		return err
	}
	mc := emu.model.Constants()
	return emu.do(h, func(b *emuBoard) error {
		n := uint32(mc.NumChannelsPerGroup)
		for ch := grp * n; ch < (grp+1)*n; ch++ {
			b.offsets[ch] = offset
		}
		return nil
	})
}

func (emu *Emulator) checkChannel(h Handle, ch uint32) error {
	return emu.do(h, func(*emuBoard) error {
		mc := emu.model.Constants()
		if mc.HasGroups() {
			return FunctionNotAllowed
		}
		if ch >= uint32(mc.NumChannels) {
			return InvalidChannelNumber
		}
		return nil
	})
}

func (emu *Emulator) checkGroup(h Handle, grp uint32) error {
	return emu.do(h, func(*emuBoard) error {
		mc := emu.model.Constants()
		if !mc.HasGroups() {
			return FunctionNotAllowed
		}
		if grp >= uint32(mc.NumGroups) {
			return InvalidChannelNumber
		}
		return nil
	})
}

func (emu *Emulator) ReadRegister(h Handle, addr uint32) (uint32, error) {
	var v uint32
	err := emu.do(h, func(b *emuBoard) error {
		switch addr {
		case regEventsInBuffer:
			emu.generate(b)
			v = uint32(len(b.pending))
		default:
			v = b.regs[addr]
		}
		return nil
	})
	return v, err
}

func (emu *Emulator) WriteRegister(h Handle, addr, value uint32) error {
	return emu.do(h, func(b *emuBoard) error {
		if addr == regEventsInBuffer {
			return WriteDeviceRegisterFail
		}
		b.regs[addr] = value
		return nil
	})
}

func (emu *Emulator) MallocReadoutBuffer(h Handle) ([]byte, error) {
	var buf []byte
	err := emu.do(h, func(b *emuBoard) error {
		buf = make([]byte, emu.bufferSize())
		b.buf = buf
		return nil
	})
	return buf, err
}

func (emu *Emulator) bufferSize() int {
	mc := emu.model.Constants()
	return 2*int(mc.NumChannels)*int(mc.MemoryPerChannel) + int(mc.MaxNumBuffers)*emuHeaderSize
}

func (emu *Emulator) FreeReadoutBuffer(h Handle, buf []byte) error {
	return emu.do(h, func(b *emuBoard) error {
		if buf == nil {
			return InvalidBuffer
		}
		b.buf = nil
		return nil
	})
}

func (emu *Emulator) SWStartAcquisition(h Handle) error {
	return emu.do(h, func(b *emuBoard) error {
		if b.running {
			return nil
		}
		b.running = true
		b.start = emu.now()
		b.last = b.start
		return nil
	})
}

func (emu *Emulator) SWStopAcquisition(h Handle) error {
	return emu.do(h, func(b *emuBoard) error {
		b.running = false
		return nil
	})
}

func (emu *Emulator) ClearData(h Handle) error {
	return emu.do(h, func(b *emuBoard) error {
		b.pending = b.pending[:0]
		return nil
	})
}

func (emu *Emulator) SendSWTrigger(h Handle) error {
	return emu.do(h, func(b *emuBoard) error {
		if !b.running {
			return nil
		}
		emu.push(b, emu.tag(b, emu.now()))
		return nil
	})
}

// Inject adds events with the provided trigger time tags to every running
// board.
func (emu *Emulator) Inject(tags ...uint32) {
	emu.mu.Lock()
	defer emu.mu.Unlock()
	for _, b := range emu.boards {
		if !b.running {
			continue
		}
		for _, tag := range tags {
			emu.push(b, tag)
		}
	}
}

func (emu *Emulator) tag(b *emuBoard, t time.Time) uint32 {
	return uint32(t.Sub(b.start)/(8*time.Nanosecond)) & 0x7fffffff
}

func (emu *Emulator) push(b *emuBoard, tag uint32) {
	cfg := GlobalConfig{
		RecordLength:            b.rl,
		MemoryFullModeSelection: b.regs[regAcqControl]>>5&1 == 1,
	}
	if uint32(len(b.pending)) >= MaxBuffers(emu.model, cfg) {
		// board memory is full: the trigger is lost.
		return
	}
	b.pending = append(b.pending, emuEvent{tag: tag, npe: 1 + int(emu.npe.Rand())})
}

func (emu *Emulator) generate(b *emuBoard) {
	if !b.running || emu.rate <= 0 {
		return
	}
	var (
		now = emu.now()
		dt  = time.Duration(float64(time.Second) / emu.rate)
	)
	if dt <= 0 {
		dt = 1
	}
	for !b.last.Add(dt).After(now) {
		b.last = b.last.Add(dt)
		emu.push(b, emu.tag(b, b.last))
	}
}

// Layout of an emulated event: a header of 6 little-endian 32b words
// (size in bytes, board ID, pattern, channel mask, event counter, time
// tag) followed by the samples of each channel of the mask.
const emuHeaderSize = 6 * 4

func (emu *Emulator) ReadData(h Handle, buf []byte) (uint32, error) {
	var size uint32
	err := emu.do(h, func(b *emuBoard) error {
		if buf == nil {
			return InvalidBuffer
		}
		emu.generate(b)

		var (
			mc    = emu.model.Constants()
			nchs  = emu.channels(b)
			esize = emuHeaderSize + 2*int(b.rl)*len(nchs)
			n     = 0
		)
		for n < len(b.pending) && int(size)+esize <= len(buf) {
			evt := b.pending[n]
			emu.encode(buf[size:int(size)+esize], b, mc, nchs, evt)
			size += uint32(esize)
			n++
		}
		b.pending = append(b.pending[:0], b.pending[n:]...)
		return nil
	})
	return size, err
}

// channels returns the list of channels recorded by the board.
func (emu *Emulator) channels(b *emuBoard) []uint32 {
	var (
		mc  = emu.model.Constants()
		out []uint32
	)
	if !mc.HasGroups() {
		for ch := uint32(0); ch < uint32(mc.NumChannels); ch++ {
			if (b.mask>>ch)&1 == 1 {
				out = append(out, ch)
			}
		}
		return out
	}
	n := uint32(mc.NumChannelsPerGroup)
	for grp := uint32(0); grp < uint32(mc.NumGroups); grp++ {
		if (b.mask>>grp)&1 == 0 {
			continue
		}
		for ch := grp * n; ch < (grp+1)*n; ch++ {
			out = append(out, ch)
		}
	}
	return out
}

func (emu *Emulator) encode(p []byte, b *emuBoard, mc ModelConstants, chs []uint32, evt emuEvent) {
	b.counter++
	binary.LittleEndian.PutUint32(p[0:], uint32(len(p)))
	binary.LittleEndian.PutUint32(p[4:], 0)
	binary.LittleEndian.PutUint32(p[8:], 0)
	binary.LittleEndian.PutUint32(p[12:], b.mask)
	binary.LittleEndian.PutUint32(p[16:], b.counter&0xffffff)
	binary.LittleEndian.PutUint32(p[20:], evt.tag)

	var (
		full = math.Exp2(float64(mc.ADCResolution)) - 1
		t0   = math.Floor(float64(b.rl) * (1 - 0.01*float64(b.post)))
		amp  = float64(evt.npe) * emu.gain() / (emuFallTime - emuRiseTime)
		sign = -1.0
		o    = emuHeaderSize
	)
	if b.pol == OnRisingEdge {
		sign = +1
	}
	for _, ch := range chs {
		base := DCOffsetToADC(emu.model, b.offsets[ch])
		for i := uint32(0); i < b.rl; i++ {
			v := base + emu.noise.Rand()
			if u := float64(i) - t0; u > 0 {
				v += sign * amp * (math.Exp(-u/emuFallTime) - math.Exp(-u/emuRiseTime))
			}
			v = math.Max(0, math.Min(full, math.Round(v)))
			binary.LittleEndian.PutUint16(p[o:], uint16(v))
			o += 2
		}
	}
}

func (emu *Emulator) NumEvents(h Handle, buf []byte) (uint32, error) {
	n := uint32(0)
	err := emu.walk(buf, func(_ uint32, _ []byte) bool {
		n++
		return true
	})
	return n, err
}

func (emu *Emulator) walk(buf []byte, f func(i uint32, raw []byte) bool) error {
	i := uint32(0)
	for len(buf) > 0 {
		if len(buf) < emuHeaderSize {
			return InvalidEvent
		}
		size := binary.LittleEndian.Uint32(buf)
		if size < emuHeaderSize || int(size) > len(buf) {
			return InvalidEvent
		}
		if !f(i, buf[:size]) {
			return nil
		}
		buf = buf[size:]
		i++
	}
	return nil
}

func (emu *Emulator) EventInfo(h Handle, buf []byte, i uint32) (EventInfo, []byte, error) {
	var (
		info EventInfo
		raw  []byte
	)
	err := emu.walk(buf, func(j uint32, p []byte) bool {
		if i != j {
			return true
		}
		raw = p
		info = EventInfo{
			EventSize:      binary.LittleEndian.Uint32(p[0:]),
			BoardID:        binary.LittleEndian.Uint32(p[4:]),
			Pattern:        binary.LittleEndian.Uint32(p[8:]),
			ChannelMask:    binary.LittleEndian.Uint32(p[12:]),
			EventCounter:   binary.LittleEndian.Uint32(p[16:]),
			TriggerTimeTag: binary.LittleEndian.Uint32(p[20:]),
		}
		return false
	})
	if err != nil {
		return info, nil, err
	}
	if raw == nil {
		return info, nil, EventNotFound
	}
	return info, raw, nil
}

func (emu *Emulator) DecodeEvent(h Handle, raw []byte, evt *Event) error {
	if len(raw) < emuHeaderSize {
		return InvalidEvent
	}
	var (
		mc   = emu.model.Constants()
		mask = binary.LittleEndian.Uint32(raw[12:])
		chs  []uint32
	)
	chs = emu.channels(&emuBoard{mask: mask})
	if len(chs) == 0 {
		return nil
	}

	nsamples := (len(raw) - emuHeaderSize) / 2 / len(chs)
	if emuHeaderSize+2*nsamples*len(chs) != len(raw) {
		return fmt.Errorf("caen: invalid emulated event size %d: %w", len(raw), InvalidEvent)
	}

	for i := range evt.ChSize {
		evt.ChSize[i] = 0
	}
	o := emuHeaderSize
	for _, ch := range chs {
		if ch >= uint32(mc.NumChannels) {
			return InvalidEvent
		}
		if cap(evt.Data[ch]) < nsamples {
			evt.Data[ch] = make([]uint16, nsamples)
		}
		data := evt.Data[ch][:nsamples]
		for j := range data {
			data[j] = binary.LittleEndian.Uint16(raw[o:])
			o += 2
		}
		evt.Data[ch] = data
		evt.ChSize[ch] = uint32(nsamples)
	}
	return nil
}

var _ SDK = (*Emulator)(nil)
