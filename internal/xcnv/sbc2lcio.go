// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xcnv

import (
	"fmt"
	"log"

	"go-hep.org/x/hep/lcio"

	"github.com/go-lpc/sipm/sbc"
)

const (
	detector = "SiPM"

	// Waveforms is the name of the LCIO collection holding the waveforms
	// of an event, one GenericObjectData per enabled channel.
	Waveforms = "SiPM_WAVEFORMS"
)

// columns holds the indices of the SBC columns needed for the conversion.
type columns struct {
	rate  int
	chs   int
	rng   int
	tag   int
	trg   int
	data  int
	nchs  int
	nsmpl int
}

func columnsOf(hdr sbc.Header) (columns, error) {
	idx := columns{rate: -1, chs: -1, rng: -1, tag: -1, trg: -1, data: -1}
	for i, col := range hdr.Columns {
		switch col.Name {
		case "sample_rate":
			idx.rate = i
		case "en_chs":
			idx.chs = i
			idx.nchs = col.Len()
		case "dc_range":
			idx.rng = i
		case "time_stamp":
			idx.tag = i
		case "trg_source":
			idx.trg = i
		case "data":
			idx.data = i
			if len(col.Dims) == 2 {
				idx.nsmpl = col.Dims[1]
			}
		}
	}

	for _, v := range []struct {
		name string
		i    int
	}{
		{"sample_rate", idx.rate},
		{"en_chs", idx.chs},
		{"dc_range", idx.rng},
		{"time_stamp", idx.tag},
		{"trg_source", idx.trg},
		{"data", idx.data},
	} {
		if v.i < 0 {
			return idx, fmt.Errorf("missing SBC column %q", v.name)
		}
	}
	if idx.nsmpl == 0 || idx.nchs*idx.nsmpl != hdr.Columns[idx.data].Len() {
		return idx, fmt.Errorf("invalid SBC data column shape %v", hdr.Columns[idx.data].Dims)
	}
	return idx, nil
}

// SBC2LCIO converts the waveform lines decoded from dec into LCIO events,
// one event per line.
func SBC2LCIO(w *lcio.Writer, dec *sbc.Decoder, run int32, msg *log.Logger) error {
	hdr, err := dec.Header()
	if err != nil {
		return fmt.Errorf("could not read SBC header: %w", err)
	}

	idx, err := columnsOf(hdr)
	if err != nil {
		return err
	}

	wfs := &lcio.GenericObject{
		Data: make([]lcio.GenericObjectData, idx.nchs),
	}

	i := 0
	for ; dec.Next(); i++ {
		if i%100 == 0 {
			msg.Printf("processing evt %d...", i)
		}
		var (
			line = dec.Line()
			rate = line.Value(idx.rate).([]float64)[0]
			chs  = line.Value(idx.chs).([]uint8)
			rngs = line.Value(idx.rng).([]float32)
			tag  = line.Value(idx.tag).([]uint32)[0]
			trg  = line.Value(idx.trg).([]uint32)[0]
			data = line.Value(idx.data).([]uint16)
		)

		if i == 0 {
			ids := make([]int32, len(chs))
			for j, ch := range chs {
				ids[j] = int32(ch)
			}
			err = w.WriteRunHeader(&lcio.RunHeader{
				RunNumber: run,
				Detector:  detector,
				Descr:     "SiPM waveforms",
				Params: lcio.Params{
					Ints: map[string][]int32{
						"Channels":     ids,
						"RecordLength": {int32(idx.nsmpl)},
					},
					Floats: map[string][]float32{
						"SampleRate": {float32(rate)},
					},
				},
			})
			if err != nil {
				return fmt.Errorf("could not write run header: %w", err)
			}
		}

		evt := lcio.Event{
			RunNumber:   run,
			EventNumber: int32(i),
			TimeStamp:   int64(tag),
			Detector:    detector,
			Params: lcio.Params{
				Ints: map[string][]int32{
					"TriggerSource": {int32(trg)},
				},
			},
		}
		for j := range wfs.Data {
			wfs.Data[j] = waveform(chs[j], rngs[j], data[j*idx.nsmpl:(j+1)*idx.nsmpl])
		}
		evt.Add(Waveforms, wfs)

		err = w.WriteEvent(&evt)
		if err != nil {
			return fmt.Errorf("could not write event %d: %w", i, err)
		}
	}

	if err := dec.Err(); err != nil {
		return fmt.Errorf("could not decode SBC line %d: %w", i, err)
	}

	return nil
}

// waveform packs the samples of a channel as [channel, samples...], with
// the dynamic range of the channel as the only float.
func waveform(ch uint8, rng float32, samples []uint16) lcio.GenericObjectData {
	i32s := make([]int32, 1+len(samples))
	i32s[0] = int32(ch)
	for i, v := range samples {
		i32s[1+i] = int32(v)
	}
	return lcio.GenericObjectData{
		I32s: i32s,
		F32s: []float32{rng},
	}
}
