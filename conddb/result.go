// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package conddb

import (
	"time"

	"github.com/go-lpc/sipm/calib"
)

// Result is the outcome of the calibration of a SiPM cell.
type Result struct {
	SiPMID      int       `json:"sipm_id"`
	Cell        int       `json:"cell"`
	Date        time.Time `json:"datetime"`
	Temperature float64   `json:"temperature"` // in degC

	VBD      float64      `json:"vbd"` // breakdown voltage, in volts
	VBDErr   float64      `json:"vbd_err"`
	Slope    float64      `json:"slope"` // gain variation per volt
	SlopeErr float64      `json:"slope_err"`
	Pairs    []calib.Pair `json:"pairs"`
}

// NewResult returns the result of a breakdown-voltage calibration of a
// SiPM cell, performed at the provided temperature and date.
func NewResult(sipm, cell int, temp float64, date time.Time, bd calib.Breakdown) Result {
	return Result{
		SiPMID:      sipm,
		Cell:        cell,
		Date:        date,
		Temperature: temp,
		VBD:         bd.VBD,
		VBDErr:      bd.VBDErr,
		Slope:       bd.Slope,
		SlopeErr:    bd.SlopeErr,
		Pairs:       append([]calib.Pair(nil), bd.Pairs...),
	}
}

// Breakdown returns the breakdown-voltage fit of the result.
func (res Result) Breakdown() calib.Breakdown {
	return calib.Breakdown{
		VBD:      res.VBD,
		VBDErr:   res.VBDErr,
		Slope:    res.Slope,
		SlopeErr: res.SlopeErr,
		Pairs:    append([]calib.Pair(nil), res.Pairs...),
	}
}

// OverVoltage returns the over-voltage of the SiPM cell at the bias
// voltage v.
func (res Result) OverVoltage(v float64) float64 {
	return v - res.VBD
}
