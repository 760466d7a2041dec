// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package caen drives CAEN waveform digitizers.
//
// The vendor library is accessed through the SDK interface: the package
// ships an emulator (the DEBUG model) and, when built with the "caen" build
// tag, a cgo binding to CAENDigitizer.
package caen // import "github.com/go-lpc/sipm/caen"

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Model identifies a supported digitizer model.
type Model int

const (
	DEBUG Model = iota
	DT5730B
	DT5740D
	V1740D
)

var modelNames = [...]string{
	DEBUG:   "DEBUG",
	DT5730B: "DT5730B",
	DT5740D: "DT5740D",
	V1740D:  "V1740D",
}

func (m Model) String() string {
	if m < 0 || int(m) >= len(modelNames) {
		return fmt.Sprintf("Model(%d)", int(m))
	}
	return modelNames[m]
}

// ParseModel returns the model named name.
func ParseModel(name string) (Model, error) {
	for i, v := range modelNames {
		if strings.EqualFold(v, name) {
			return Model(i), nil
		}
	}
	return 0, fmt.Errorf("caen: unknown digitizer model %q", name)
}

// ModelConstants describes the hardware limits of a digitizer model.
type ModelConstants struct {
	ADCResolution       uint32  // number of bits of the ADC
	AcquisitionRate     float64 // samples per second
	MemoryPerChannel    uint32  // number of samples per channel
	NumChannels         uint8
	NumGroups           uint8 // 0 if the model has no groups
	NumChannelsPerGroup uint8
	MaxNumBuffers       uint32
	NLOCToRecordLength  float64
	VoltageRanges       []float64 // in volts, indexed by DC range
}

// HasGroups returns whether the model configures channels by groups.
func (mc ModelConstants) HasGroups() bool {
	return mc.NumGroups > 0
}

// Constants returns the hardware constants of the model.
func (m Model) Constants() ModelConstants {
	switch m {
	case DT5730B:
		return ModelConstants{
			ADCResolution:       14,
			AcquisitionRate:     500e6,
			MemoryPerChannel:    5.12e6,
			NumChannels:         8,
			NumGroups:           0,
			NumChannelsPerGroup: 8,
			MaxNumBuffers:       1024,
			NLOCToRecordLength:  10,
			VoltageRanges:       []float64{0.5, 2.0},
		}
	case DT5740D:
		return ModelConstants{
			ADCResolution:       12,
			AcquisitionRate:     62.5e6,
			MemoryPerChannel:    192e3,
			NumChannels:         32,
			NumGroups:           4,
			NumChannelsPerGroup: 8,
			MaxNumBuffers:       1024,
			NLOCToRecordLength:  1.5,
			VoltageRanges:       []float64{2.0, 10.0},
		}
	case V1740D:
		return ModelConstants{
			ADCResolution:       12,
			AcquisitionRate:     62.5e6,
			MemoryPerChannel:    192e3,
			NumChannels:         64,
			NumGroups:           8,
			NumChannelsPerGroup: 8,
			MaxNumBuffers:       1024,
			NLOCToRecordLength:  1.5,
			VoltageRanges:       []float64{2.0},
		}
	default:
		return ModelConstants{
			ADCResolution:       8,
			AcquisitionRate:     100e3,
			MemoryPerChannel:    1024,
			NumChannels:         1,
			NumGroups:           0,
			NumChannelsPerGroup: 1,
			MaxNumBuffers:       1024,
			NLOCToRecordLength:  10,
			VoltageRanges:       []float64{1.0},
		}
	}
}

// ConnectionType is the physical link used to reach a digitizer.
type ConnectionType int

const (
	USB ConnectionType = iota
	OpticalLink
	A4818
)

func (ct ConnectionType) String() string {
	switch ct {
	case USB:
		return "USB"
	case OpticalLink:
		return "OpticalLink"
	case A4818:
		return "A4818"
	}
	return fmt.Sprintf("ConnectionType(%d)", int(ct))
}

// ParseConnectionType returns the connection type named name.
func ParseConnectionType(name string) (ConnectionType, error) {
	switch strings.ToLower(name) {
	case "usb":
		return USB, nil
	case "optical", "opticallink":
		return OpticalLink, nil
	case "a4818":
		return A4818, nil
	}
	return 0, fmt.Errorf("caen: unknown connection type %q", name)
}

// TriggerMode selects what a trigger source generates.
type TriggerMode uint32

const (
	TrgDisabled TriggerMode = iota
	TrgExtOutOnly
	TrgAcqOnly
	TrgAcqAndExtOut
)

// AcqMode selects how the acquisition is started and stopped.
type AcqMode uint32

const (
	SWControlled AcqMode = iota
	SInControlled
	FirstTrgControlled
	LVDSControlled
)

// IOLevel is the front panel I/O standard.
type IOLevel uint32

const (
	IONIM IOLevel = iota
	IOTTL
)

// TriggerPolarity selects the edge a channel triggers on.
type TriggerPolarity uint32

const (
	OnRisingEdge TriggerPolarity = iota
	OnFallingEdge
)

// GlobalConfig holds the board-wide configuration.
type GlobalConfig struct {
	MaxEventsPerRead        uint32          `mapstructure:"max_events_per_read"`
	RecordLength            uint32          `mapstructure:"record_length"`
	PostTriggerPercentage   uint32          `mapstructure:"post_trigger_percentage"`
	EXTAsGate               bool            `mapstructure:"ext_as_gate"`
	EXTTriggerMode          TriggerMode     `mapstructure:"ext_trigger_mode"`
	SWTriggerMode           TriggerMode     `mapstructure:"sw_trigger_mode"`
	CHTriggerMode           TriggerMode     `mapstructure:"ch_trigger_mode"`
	AcqMode                 AcqMode         `mapstructure:"acq_mode"`
	IOLevel                 IOLevel         `mapstructure:"io_level"`
	TriggerOverlappingEn    bool            `mapstructure:"trigger_overlapping"`
	MemoryFullModeSelection bool            `mapstructure:"memory_full_mode"`
	TriggerPolarity         TriggerPolarity `mapstructure:"trigger_polarity"`
}

// DefaultGlobalConfig returns the default board configuration.
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		MaxEventsPerRead:        512,
		RecordLength:            100,
		PostTriggerPercentage:   50,
		EXTTriggerMode:          TrgAcqOnly,
		SWTriggerMode:           TrgAcqOnly,
		CHTriggerMode:           TrgAcqOnly,
		AcqMode:                 SWControlled,
		IOLevel:                 IONIM,
		MemoryFullModeSelection: true,
		TriggerPolarity:         OnFallingEdge,
	}
}

// GroupConfig holds the configuration of a group of channels, or of a
// single channel for models without groups.
type GroupConfig struct {
	Number           uint8    `mapstructure:"number"`
	Enabled          bool     `mapstructure:"enabled"`
	TriggerMask      uint8    `mapstructure:"trigger_mask"`
	AcquisitionMask  uint8    `mapstructure:"acquisition_mask"`
	DCOffset         uint32   `mapstructure:"dc_offset"`
	DCCorrections    [8]uint8 `mapstructure:"dc_corrections"`
	DCRange          uint8    `mapstructure:"dc_range"`
	TriggerThreshold uint32   `mapstructure:"trigger_threshold"`
}

// DefaultGroupConfig returns the default configuration of group n.
func DefaultGroupConfig(n uint8) GroupConfig {
	return GroupConfig{
		Number:          n,
		Enabled:         true,
		TriggerMask:     0x01,
		AcquisitionMask: 0xff,
		DCOffset:        0x8000,
	}
}

// normalize returns the enabled group configs, sorted by group number,
// without duplicates. The first config of a group number wins.
func normalize(cfgs []GroupConfig) []GroupConfig {
	var (
		out  = make([]GroupConfig, 0, len(cfgs))
		seen = make(map[uint8]struct{}, len(cfgs))
	)
	for _, cfg := range cfgs {
		if _, dup := seen[cfg.Number]; dup {
			continue
		}
		seen[cfg.Number] = struct{}{}
		out = append(out, cfg)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Number < out[j].Number
	})
	return out
}

// Channel is an enabled acquisition channel along with the configuration
// of the group it belongs to.
type Channel struct {
	ID    uint8
	Group GroupConfig
}

// EnabledChannels returns the list of acquisition channels enabled by
// the provided group configurations.
func EnabledChannels(model Model, groups []GroupConfig) []Channel {
	var (
		mc  = model.Constants()
		out []Channel
	)
	for _, grp := range normalize(groups) {
		if !grp.Enabled {
			continue
		}
		if !mc.HasGroups() {
			out = append(out, Channel{ID: grp.Number, Group: grp})
			continue
		}
		for ch := uint8(0); ch < mc.NumChannelsPerGroup; ch++ {
			if (grp.AcquisitionMask>>ch)&1 == 0 {
				continue
			}
			out = append(out, Channel{
				ID:    ch + mc.NumChannelsPerGroup*grp.Number,
				Group: grp,
			})
		}
	}
	return out
}

// SampleRate returns the effective sampling rate of the model.
func (m Model) SampleRate() float64 {
	return m.Constants().AcquisitionRate
}

// DCOffsetToADC converts a DC offset DAC value into the ADC counts of the
// baseline it produces.
func DCOffsetToADC(model Model, offset uint32) float64 {
	const dacMax = 0xffff
	var (
		mc   = model.Constants()
		full = math.Exp2(float64(mc.ADCResolution)) - 1
	)
	if offset > dacMax {
		offset = dacMax
	}
	return full * (1 - float64(offset)/dacMax)
}

// MaxBuffers returns the number of events the board memory can hold for
// the given configuration.
//
// The record length is clamped to the memory per channel. When the naive
// number of buffers is not a power of two, the board only supports record
// lengths that are multiples of 10 samples. The number of buffers is a power
// of two, capped to the maximum number of buffers of the model. When the
// memory-full mode selection is enabled, one buffer is kept free.
func MaxBuffers(model Model, cfg GlobalConfig) uint32 {
	var (
		mc  = model.Constants()
		mem = mc.MemoryPerChannel
		rl  = cfg.RecordLength
	)
	if rl == 0 {
		rl = 1
	}
	if rl >= mem {
		rl = mem
	}

	n := mem / rl
	if n&(n-1) != 0 {
		if rl > 10 {
			rl = 10 * uint32(math.Round(float64(rl)/10))
		} else {
			rl = 10
		}
	}

	n = mem / rl
	if n >= mc.MaxNumBuffers {
		n = mc.MaxNumBuffers
	}

	v := uint32(0)
	if n > 0 {
		v = uint32(math.Exp2(math.Floor(math.Log2(float64(n)))))
	}

	if cfg.MemoryFullModeSelection {
		if v > 1 {
			v--
		} else {
			v = 2
		}
	}
	return v
}
