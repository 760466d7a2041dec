// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package record

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/go-lpc/sipm/caen"
	"github.com/go-lpc/sipm/sbc"
)

func TestLayout(t *testing.T) {
	global := caen.DefaultGlobalConfig()
	global.RecordLength = 20

	grp := caen.DefaultGroupConfig(1)
	grp.AcquisitionMask = 0x05
	grp.TriggerMask = 0x04
	grp.TriggerThreshold = 42
	grp.DCRange = 1
	grp.DCCorrections = [8]uint8{1, 2, 3, 4, 5, 6, 7, 8}

	lay := NewLayout(caen.DT5740D, global, []caen.GroupConfig{grp})
	if got, want := len(lay.Chans), 2; got != want {
		t.Fatalf("invalid number of channels: got=%d, want=%d", got, want)
	}
	if got, want := lay.ids, []uint8{8, 10}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid channels: got=%v, want=%v", got, want)
	}
	if got, want := lay.mask, uint64(1<<10); got != want {
		t.Fatalf("invalid trigger mask: got=0x%x, want=0x%x", got, want)
	}
	if got, want := lay.corrs, []uint8{1, 3}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid DC corrections: got=%v, want=%v", got, want)
	}
	if got, want := lay.rngs, []float32{10, 10}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid DC ranges: got=%v, want=%v", got, want)
	}
	if got, want := lay.thrs, []uint16{42, 42}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid thresholds: got=%v, want=%v", got, want)
	}

	hdr := sbc.Header{Columns: lay.Columns()}
	if got, want := hdr.LineSize(), lay.LineSize(); got != want {
		t.Fatalf("invalid line size: got=%d, want=%d", got, want)
	}
	if got, want := lay.LineSize(), 24+2*(10+2*20); got != want {
		t.Fatalf("invalid line size: got=%d, want=%d", got, want)
	}
}

func TestWriter(t *testing.T) {
	var (
		emu = caen.NewEmulator(caen.DEBUG, caen.WithNoise(0))
		reg = caen.NewRegistry()
	)
	dig, err := caen.Connect(reg, emu, caen.DEBUG, caen.USB, 0, 0, 0)
	if err != nil {
		t.Fatalf("could not connect: %+v", err)
	}
	defer dig.Close()

	global, err := dig.Setup(caen.DefaultGlobalConfig(), []caen.GroupConfig{caen.DefaultGroupConfig(0)})
	if err != nil {
		t.Fatalf("could not setup digitizer: %+v", err)
	}
	err = dig.EnableAcquisition()
	if err != nil {
		t.Fatalf("could not enable acquisition: %+v", err)
	}

	emu.Inject(100, 200, 300)
	err = dig.RetrieveData()
	if err != nil {
		t.Fatalf("could not retrieve data: %+v", err)
	}

	_, groups := dig.Config()
	var (
		fname = filepath.Join(t.TempDir(), "data.bin")
		lay   = NewLayout(dig.Model(), global, groups)
	)
	w, err := Create(fname, lay)
	if err != nil {
		t.Fatalf("could not create file: %+v", err)
	}
	for i := uint32(0); i < dig.NumEvents(); i++ {
		evt, err := dig.DecodeEvent(i)
		if err != nil {
			t.Fatalf("could not decode event %d: %+v", i, err)
		}
		err = w.Write(evt)
		if err != nil {
			t.Fatalf("could not write event %d: %+v", i, err)
		}
	}
	if got, want := w.Lines(), 3; got != want {
		t.Fatalf("invalid number of lines: got=%d, want=%d", got, want)
	}
	err = w.Close()
	if err != nil {
		t.Fatalf("could not close file: %+v", err)
	}

	r, err := sbc.Open(fname)
	if err != nil {
		t.Fatalf("could not open file: %+v", err)
	}
	defer r.Close()

	if got, want := r.Len(), 3; got != want {
		t.Fatalf("invalid number of lines: got=%d, want=%d", got, want)
	}
	for i, tag := range []uint32{100, 200, 300} {
		line, err := r.Line(i)
		if err != nil {
			t.Fatalf("could not read line %d: %+v", i, err)
		}
		if got, want := line.Value(7), []uint32{tag}; !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid time stamp: got=%v, want=%v", got, want)
		}
		data := line.Value(9).([]uint16)
		if got, want := len(data), int(global.RecordLength); got != want {
			t.Fatalf("invalid number of samples: got=%d, want=%d", got, want)
		}
	}
}

func TestCreateNoChannel(t *testing.T) {
	grp := caen.DefaultGroupConfig(0)
	grp.Enabled = false
	lay := NewLayout(caen.DEBUG, caen.DefaultGlobalConfig(), []caen.GroupConfig{grp})
	_, err := Create(filepath.Join(t.TempDir(), "data.bin"), lay)
	if err == nil {
		t.Fatalf("expected an error")
	}
}
