// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package record writes digitizer events as SBC lines.
//
// Each line holds the acquisition context of the event (sample rate,
// enabled channels, trigger mask, per-channel thresholds, DC offsets,
// DC corrections and voltage ranges), its trigger time tag and source,
// and the samples of every enabled channel.
package record // import "github.com/go-lpc/sipm/record"

import (
	"fmt"

	"github.com/go-lpc/sipm/caen"
	"github.com/go-lpc/sipm/sbc"
)

// Layout is the line layout of a waveform file for a given digitizer
// configuration.
type Layout struct {
	Model  caen.Model
	Global caen.GlobalConfig
	Chans  []caen.Channel

	rate  float64
	ids   []uint8
	mask  uint64
	thrs  []uint16
	offs  []uint16
	corrs []uint8
	rngs  []float32
	data  []uint16
}

// NewLayout returns the layout of lines for the provided configuration.
func NewLayout(model caen.Model, global caen.GlobalConfig, groups []caen.GroupConfig) *Layout {
	var (
		mc    = model.Constants()
		chans = caen.EnabledChannels(model, groups)
		n     = len(chans)
		lay   = &Layout{
			Model:  model,
			Global: global,
			Chans:  chans,
			rate:   model.SampleRate(),
			ids:    make([]uint8, n),
			thrs:   make([]uint16, n),
			offs:   make([]uint16, n),
			corrs:  make([]uint8, n),
			rngs:   make([]float32, n),
			data:   make([]uint16, n*int(global.RecordLength)),
		}
	)

	for i, ch := range chans {
		sub := ch.ID
		if mc.HasGroups() {
			sub = ch.ID % mc.NumChannelsPerGroup
			if (ch.Group.TriggerMask>>sub)&1 == 1 {
				lay.mask |= 1 << ch.ID
			}
		} else {
			lay.mask |= 1 << ch.ID
		}

		lay.ids[i] = ch.ID
		lay.thrs[i] = uint16(ch.Group.TriggerThreshold)
		lay.offs[i] = uint16(ch.Group.DCOffset)
		lay.corrs[i] = ch.Group.DCCorrections[sub%8]
		if int(ch.Group.DCRange) < len(mc.VoltageRanges) {
			lay.rngs[i] = float32(mc.VoltageRanges[ch.Group.DCRange])
		}
	}
	return lay
}

// Columns returns the SBC columns of a line.
func (lay *Layout) Columns() []sbc.Column {
	n := len(lay.Chans)
	if n == 0 {
		// an SBC dimension can not be zero.
		n = 1
	}
	rl := int(lay.Global.RecordLength)
	return []sbc.Column{
		{Name: "sample_rate", Type: sbc.Double, Dims: []int{1}},
		{Name: "en_chs", Type: sbc.Uint8, Dims: []int{n}},
		{Name: "trg_mask", Type: sbc.Uint64, Dims: []int{1}},
		{Name: "thresholds", Type: sbc.Uint16, Dims: []int{n}},
		{Name: "dc_offsets", Type: sbc.Uint16, Dims: []int{n}},
		{Name: "dc_corrections", Type: sbc.Uint8, Dims: []int{n}},
		{Name: "dc_range", Type: sbc.Single, Dims: []int{n}},
		{Name: "time_stamp", Type: sbc.Uint32, Dims: []int{1}},
		{Name: "trg_source", Type: sbc.Uint32, Dims: []int{1}},
		{Name: "data", Type: sbc.Uint16, Dims: []int{n, rl}},
	}
}

// LineSize returns the size in bytes of a line.
func (lay *Layout) LineSize() int {
	n := len(lay.Chans)
	return 24 + n*(10+2*int(lay.Global.RecordLength))
}

func (lay *Layout) fields(evt *caen.Event) ([]interface{}, error) {
	rl := int(lay.Global.RecordLength)
	for i, ch := range lay.Chans {
		samples := evt.Samples(int(ch.ID))
		if len(samples) != rl {
			return nil, fmt.Errorf(
				"record: channel %d holds %d samples (record length=%d)",
				ch.ID, len(samples), rl,
			)
		}
		copy(lay.data[i*rl:], samples)
	}
	return []interface{}{
		lay.rate,
		lay.ids,
		lay.mask,
		lay.thrs,
		lay.offs,
		lay.corrs,
		lay.rngs,
		evt.Info.TriggerTimeTag,
		evt.Info.Pattern,
		lay.data,
	}, nil
}

// Writer appends events to a waveform file.
type Writer struct {
	lay  *Layout
	w    *sbc.Writer
	name string
}

// Create opens the named waveform file for appending events.
func Create(fname string, lay *Layout) (*Writer, error) {
	if len(lay.Chans) == 0 {
		return nil, fmt.Errorf("record: no enabled channel")
	}
	w, err := sbc.Create(fname, lay.Columns())
	if err != nil {
		return nil, fmt.Errorf("record: could not create waveform file: %w", err)
	}
	return &Writer{lay: lay, w: w, name: fname}, nil
}

// Name returns the name of the file.
func (w *Writer) Name() string { return w.name }

// Lines returns the number of events written by this writer.
func (w *Writer) Lines() int { return w.w.Lines() }

// Write appends evt to the file.
func (w *Writer) Write(evt *caen.Event) error {
	fields, err := w.lay.fields(evt)
	if err != nil {
		return err
	}
	err = w.w.Write(fields...)
	if err != nil {
		return fmt.Errorf("record: could not write event: %w", err)
	}
	return nil
}

// Flush writes the buffered events to the file.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	return w.w.Close()
}
