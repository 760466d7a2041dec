// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package caen

import (
	"errors"
	"math"
	"reflect"
	"testing"
)

func newTestDigitizer(t *testing.T, sdk SDK, model Model) (*Digitizer, *Registry) {
	t.Helper()
	reg := NewRegistry()
	dig, err := Connect(reg, sdk, model, USB, 0, 0, 0)
	if err != nil {
		t.Fatalf("could not connect digitizer: %+v", err)
	}
	return dig, reg
}

func TestConnectTwice(t *testing.T) {
	var (
		emu = NewEmulator(DEBUG)
		reg = NewRegistry()
	)

	dig, err := Connect(reg, emu, DEBUG, USB, 0, 0, 0)
	if err != nil {
		t.Fatalf("could not connect: %+v", err)
	}

	_, err = Connect(reg, emu, DEBUG, USB, 0, 0, 0)
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected a connection error, got: %+v", err)
	}

	other, err := Connect(reg, emu, DEBUG, USB, 1, 0, 0)
	if err != nil {
		t.Fatalf("could not connect second digitizer: %+v", err)
	}
	if got, want := reg.Len(), 2; got != want {
		t.Fatalf("invalid registry size: got=%d, want=%d", got, want)
	}

	for _, d := range []*Digitizer{dig, other} {
		err = d.Close()
		if err != nil {
			t.Fatalf("could not close digitizer: %+v", err)
		}
	}
	if got, want := reg.Len(), 0; got != want {
		t.Fatalf("invalid registry size: got=%d, want=%d", got, want)
	}

	dig, err = Connect(reg, emu, DEBUG, USB, 0, 0, 0)
	if err != nil {
		t.Fatalf("could not reconnect: %+v", err)
	}
	defer dig.Close()
}

type openFailSDK struct {
	*Emulator
}

func (openFailSDK) Open(ConnectionType, int, int, uint32) (Handle, error) {
	return 0, DigitizerNotFound
}

func TestConnectFailure(t *testing.T) {
	reg := NewRegistry()
	_, err := Connect(reg, openFailSDK{NewEmulator(DEBUG)}, DEBUG, OpticalLink, 0, 1, 0)
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected a connection error, got: %+v", err)
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected a caen error, got %T", err)
	}
	if e.Code != DigitizerNotFound {
		t.Fatalf("invalid code: got=%d, want=%d", e.Code, DigitizerNotFound)
	}
	if reg.Len() != 0 {
		t.Fatalf("registry should be empty")
	}
}

func TestSetup(t *testing.T) {
	for _, tc := range []struct {
		model  Model
		groups []GroupConfig
		rl     uint32
		want   uint32
	}{
		{model: DEBUG, groups: []GroupConfig{DefaultGroupConfig(0)}, rl: 101, want: 104},
		{model: DT5730B, groups: []GroupConfig{DefaultGroupConfig(0), DefaultGroupConfig(5)}, rl: 200, want: 200},
		{model: DT5740D, groups: []GroupConfig{DefaultGroupConfig(1), DefaultGroupConfig(0)}, rl: 1001, want: 1004},
	} {
		t.Run(tc.model.String(), func(t *testing.T) {
			dig, _ := newTestDigitizer(t, NewEmulator(tc.model), tc.model)
			defer dig.Close()

			cfg := DefaultGlobalConfig()
			cfg.RecordLength = tc.rl

			for i := 0; i < 2; i++ {
				got, err := dig.Setup(cfg, tc.groups)
				if err != nil {
					t.Fatalf("could not setup digitizer (iter=%d): %+v", i, err)
				}
				if got.RecordLength != tc.want {
					t.Fatalf("invalid record length (iter=%d): got=%d, want=%d", i, got.RecordLength, tc.want)
				}
				if got, want := dig.MaxBuffers(), MaxBuffers(tc.model, got); got != want {
					t.Fatalf("invalid max buffers: got=%d, want=%d", got, want)
				}
			}

			v, err := dig.ReadRegister(regAcqControl)
			if err != nil {
				t.Fatalf("could not read register: %+v", err)
			}
			if v != 1<<5 {
				t.Fatalf("invalid acquisition control register: got=0x%x", v)
			}

			_, groups := dig.Config()
			for i := 1; i < len(groups); i++ {
				if groups[i-1].Number >= groups[i].Number {
					t.Fatalf("groups not sorted: %v", groups)
				}
			}
		})
	}
}

type failSDK struct {
	*Emulator
	n int
}

func (sdk *failSDK) SetPostTriggerSize(h Handle, percent uint32) error {
	sdk.n++
	return CommError
}

func TestLatchedError(t *testing.T) {
	sdk := &failSDK{Emulator: NewEmulator(DEBUG)}
	dig, reg := newTestDigitizer(t, sdk, DEBUG)

	_, err := dig.Setup(DefaultGlobalConfig(), []GroupConfig{DefaultGroupConfig(0)})
	if err == nil {
		t.Fatalf("expected an error")
	}
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected a protocol error, got: %+v", err)
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected a caen error, got %T", err)
	}
	if e.Code != CommError {
		t.Fatalf("invalid code: got=%d, want=%d", e.Code, CommError)
	}

	for _, f := range []func() error{
		dig.EnableAcquisition,
		dig.ClearData,
		dig.SoftwareTrigger,
		func() error {
			_, err := dig.Setup(DefaultGlobalConfig(), nil)
			return err
		},
		func() error {
			_, err := dig.EventsInBuffer()
			return err
		},
	} {
		if err := f(); !errors.Is(err, ErrProtocol) {
			t.Fatalf("expected latched error, got: %+v", err)
		}
	}
	if sdk.n != 1 {
		t.Fatalf("failing operation called %d times", sdk.n)
	}
	if dig.Err() == nil {
		t.Fatalf("expected a latched error")
	}

	err = dig.Close()
	if err != nil {
		t.Fatalf("could not close digitizer: %+v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("digitizer still registered")
	}
}

func TestRetrieveDataUntilNEvents(t *testing.T) {
	emu := NewEmulator(DEBUG, WithNoise(0))
	dig, _ := newTestDigitizer(t, emu, DEBUG)
	defer dig.Close()

	cfg, err := dig.Setup(DefaultGlobalConfig(), []GroupConfig{DefaultGroupConfig(0)})
	if err != nil {
		t.Fatalf("could not setup digitizer: %+v", err)
	}
	if got, want := dig.MaxBuffers(), uint32(7); got != want {
		t.Fatalf("invalid max buffers: got=%d, want=%d", got, want)
	}

	err = dig.EnableAcquisition()
	if err != nil {
		t.Fatalf("could not enable acquisition: %+v", err)
	}

	retrieve := func(n uint32, want bool) {
		t.Helper()
		got, err := dig.RetrieveDataUntilNEvents(n)
		if err != nil {
			t.Fatalf("could not retrieve data: %+v", err)
		}
		if got != want {
			t.Fatalf("invalid retrieval status for n=%d: got=%v, want=%v", n, got, want)
		}
	}

	emu.Inject(10, 20, 30)
	retrieve(5, false)

	emu.Inject(40, 50)
	retrieve(5, true)
	if got, want := dig.NumEvents(), uint32(5); got != want {
		t.Fatalf("invalid number of events: got=%d, want=%d", got, want)
	}

	var tags []uint32
	for i := uint32(0); i < dig.NumEvents(); i++ {
		evt, err := dig.DecodeEvent(i)
		if err != nil {
			t.Fatalf("could not decode event %d: %+v", i, err)
		}
		tags = append(tags, evt.Info.TriggerTimeTag)
		if got, want := len(evt.Samples(0)), int(cfg.RecordLength); got != want {
			t.Fatalf("invalid number of samples: got=%d, want=%d", got, want)
		}
	}
	if want := []uint32{10, 20, 30, 40, 50}; !reflect.DeepEqual(tags, want) {
		t.Fatalf("invalid tags: got=%v, want=%v", tags, want)
	}

	_, err = dig.DecodeEvent(5)
	if err == nil {
		t.Fatalf("expected an error decoding out of range event")
	}
	if dig.Err() != nil {
		t.Fatalf("out of range decoding should not latch: %+v", dig.Err())
	}

	// more than the board can hold: wait for a full memory.
	emu.Inject(1, 2, 3, 4, 5, 6)
	retrieve(100, false)
	emu.Inject(7, 8, 9)
	retrieve(100, true)
	if got, want := dig.NumEvents(), dig.MaxBuffers(); got != want {
		t.Fatalf("invalid number of events: got=%d, want=%d", got, want)
	}

	n, err := dig.EventsInBuffer()
	if err != nil {
		t.Fatalf("could not read events in buffer: %+v", err)
	}
	if n != 0 {
		t.Fatalf("board memory should be empty, got %d events", n)
	}
}

func TestWaveform(t *testing.T) {
	emu := NewEmulator(DEBUG, WithNoise(0))
	dig, _ := newTestDigitizer(t, emu, DEBUG)
	defer dig.Close()

	cfg, err := dig.Setup(DefaultGlobalConfig(), []GroupConfig{DefaultGroupConfig(0)})
	if err != nil {
		t.Fatalf("could not setup digitizer: %+v", err)
	}
	err = dig.EnableAcquisition()
	if err != nil {
		t.Fatalf("could not enable acquisition: %+v", err)
	}
	err = dig.SoftwareTrigger()
	if err != nil {
		t.Fatalf("could not send software trigger: %+v", err)
	}
	err = dig.RetrieveData()
	if err != nil {
		t.Fatalf("could not retrieve data: %+v", err)
	}
	if got, want := dig.NumEvents(), uint32(1); got != want {
		t.Fatalf("invalid number of events: got=%d, want=%d", got, want)
	}

	evt, err := dig.DecodeEvent(0)
	if err != nil {
		t.Fatalf("could not decode event: %+v", err)
	}

	var (
		base = DCOffsetToADC(DEBUG, DefaultGroupConfig(0).DCOffset)
		data = evt.Samples(0)
		min  = math.Inf(+1)
	)
	if got := float64(data[0]); math.Abs(got-base) > 1 {
		t.Fatalf("invalid baseline: got=%v, want=%v", got, base)
	}
	for _, v := range data {
		min = math.Min(min, float64(v))
	}
	if base-min < 20 {
		t.Fatalf("no pulse found: base=%v, min=%v (rl=%d)", base, min, cfg.RecordLength)
	}
}

type recSDK struct {
	*Emulator
	calls []string
}

func (sdk *recSDK) SWStopAcquisition(h Handle) error {
	sdk.calls = append(sdk.calls, "stop")
	return sdk.Emulator.SWStopAcquisition(h)
}

func (sdk *recSDK) ClearData(h Handle) error {
	sdk.calls = append(sdk.calls, "clear")
	return sdk.Emulator.ClearData(h)
}

func (sdk *recSDK) SWStartAcquisition(h Handle) error {
	sdk.calls = append(sdk.calls, "start")
	return sdk.Emulator.SWStartAcquisition(h)
}

func (sdk *recSDK) FreeReadoutBuffer(h Handle, buf []byte) error {
	sdk.calls = append(sdk.calls, "free")
	return sdk.Emulator.FreeReadoutBuffer(h, buf)
}

func (sdk *recSDK) Close(h Handle) error {
	sdk.calls = append(sdk.calls, "close")
	return sdk.Emulator.Close(h)
}

func TestSequences(t *testing.T) {
	sdk := &recSDK{Emulator: NewEmulator(DEBUG)}
	dig, _ := newTestDigitizer(t, sdk, DEBUG)

	_, err := dig.Setup(DefaultGlobalConfig(), []GroupConfig{DefaultGroupConfig(0)})
	if err != nil {
		t.Fatalf("could not setup digitizer: %+v", err)
	}

	check := func(name string, f func() error, want []string) {
		t.Helper()
		sdk.calls = sdk.calls[:0]
		err := f()
		if err != nil {
			t.Fatalf("could not run %s: %+v", name, err)
		}
		if !reflect.DeepEqual(sdk.calls, want) {
			t.Fatalf("invalid %s sequence: got=%q, want=%q", name, sdk.calls, want)
		}
	}

	check("enable", dig.EnableAcquisition, []string{"clear", "start"})
	check("clear", dig.ClearData, []string{"stop", "clear", "start"})
	check("close", dig.Close, []string{"stop", "clear", "free", "close"})
	check("close-again", dig.Close, []string{})
}

func TestWriteBits(t *testing.T) {
	dig, _ := newTestDigitizer(t, NewEmulator(DEBUG), DEBUG)
	defer dig.Close()

	const addr = 0x8000
	err := dig.WriteRegister(addr, 0xf0f0)
	if err != nil {
		t.Fatalf("could not write register: %+v", err)
	}
	err = dig.WriteBits(addr, 0x5, 2, 3)
	if err != nil {
		t.Fatalf("could not write bits: %+v", err)
	}
	got, err := dig.ReadRegister(addr)
	if err != nil {
		t.Fatalf("could not read register: %+v", err)
	}
	if want := uint32(0xf0f4); got != want {
		t.Fatalf("invalid register value: got=0x%x, want=0x%x", got, want)
	}
}
