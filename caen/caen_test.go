// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package caen

import (
	"reflect"
	"testing"
)

func TestMaxBuffers(t *testing.T) {
	for _, tc := range []struct {
		model Model
		rl    uint32
		full  bool
		want  uint32
	}{
		{model: DT5740D, rl: 100, want: 1024},
		{model: DT5740D, rl: 100, full: true, want: 1023},
		{model: DT5740D, rl: 1000, want: 128},
		{model: DT5740D, rl: 1000, full: true, want: 127},
		{model: DT5730B, rl: 5, want: 1024},
		{model: DEBUG, rl: 100, want: 8},
		{model: DEBUG, rl: 100, full: true, want: 7},
		{model: DEBUG, rl: 2048, want: 1},
		{model: DEBUG, rl: 2048, full: true, want: 2},
		{model: DEBUG, rl: 0, want: 1024},
	} {
		t.Run("", func(t *testing.T) {
			cfg := GlobalConfig{RecordLength: tc.rl, MemoryFullModeSelection: tc.full}
			got := MaxBuffers(tc.model, cfg)
			if got != tc.want {
				t.Fatalf("invalid max-buffers(%v, rl=%d, full=%v): got=%d, want=%d",
					tc.model, tc.rl, tc.full, got, tc.want,
				)
			}
		})
	}
}

func TestParseModel(t *testing.T) {
	for _, tc := range []struct {
		name string
		want Model
		err  bool
	}{
		{name: "DEBUG", want: DEBUG},
		{name: "dt5730b", want: DT5730B},
		{name: "DT5740D", want: DT5740D},
		{name: "V1740D", want: V1740D},
		{name: "V1742", err: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseModel(tc.name)
			switch {
			case err != nil && tc.err:
				return
			case err != nil:
				t.Fatalf("could not parse model: %+v", err)
			case tc.err:
				t.Fatalf("expected an error")
			}
			if got != tc.want {
				t.Fatalf("invalid model: got=%v, want=%v", got, tc.want)
			}
			if got.String() != tc.want.String() {
				t.Fatalf("invalid name: got=%q, want=%q", got.String(), tc.want.String())
			}
		})
	}
}

func TestEnabledChannels(t *testing.T) {
	grp := func(n uint8, enabled bool, mask uint8) GroupConfig {
		cfg := DefaultGroupConfig(n)
		cfg.Enabled = enabled
		cfg.AcquisitionMask = mask
		return cfg
	}

	for _, tc := range []struct {
		name   string
		model  Model
		groups []GroupConfig
		want   []uint8
	}{
		{
			name:   "groups",
			model:  DT5740D,
			groups: []GroupConfig{grp(2, true, 0x80), grp(0, true, 0x03), grp(0, false, 0xff), grp(1, false, 0xff)},
			want:   []uint8{0, 1, 23},
		},
		{
			name:   "channels",
			model:  DT5730B,
			groups: []GroupConfig{grp(3, true, 0), grp(1, true, 0), grp(2, false, 0)},
			want:   []uint8{1, 3},
		},
		{
			name:  "none",
			model: DT5730B,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var got []uint8
			for _, ch := range EnabledChannels(tc.model, tc.groups) {
				got = append(got, ch.ID)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("invalid channels: got=%v, want=%v", got, tc.want)
			}
		})
	}
}

func TestDCOffsetToADC(t *testing.T) {
	for _, tc := range []struct {
		model  Model
		offset uint32
		want   float64
	}{
		{DEBUG, 0, 255},
		{DEBUG, 0xffff, 0},
		{DEBUG, 0x1ffff, 0},
		{DT5740D, 0, 4095},
		{DT5730B, 0, 16383},
	} {
		got := DCOffsetToADC(tc.model, tc.offset)
		if got != tc.want {
			t.Fatalf("invalid ADC value for (%v, 0x%x): got=%v, want=%v", tc.model, tc.offset, got, tc.want)
		}
	}
}
