// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package calib

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/go-lpc/sipm/caen"
)

func TestFitVBD(t *testing.T) {
	for _, tc := range []struct {
		name  string
		pairs []Pair
		vbd   float64
		slope float64
		err   bool
	}{
		{
			name:  "linear",
			pairs: []Pair{{Volt: 52, Gain: 1000}, {Volt: 53, Gain: 1200}, {Volt: 54, Gain: 1400}},
			vbd:   47,
			slope: 200,
		},
		{
			name:  "unsorted-weighted",
			pairs: []Pair{{Volt: 54, Gain: 1400, GainErr: 10}, {Volt: 52, Gain: 1000, GainErr: 10}, {Volt: 53, Gain: 1200, GainErr: 20}},
			vbd:   47,
			slope: 200,
		},
		{
			name:  "two-pairs",
			pairs: []Pair{{Volt: 52, Gain: 1000}, {Volt: 53, Gain: 1200}},
			err:   true,
		},
		{
			name:  "negative-vbd",
			pairs: []Pair{{Volt: 1, Gain: 1000}, {Volt: 2, Gain: 1100}, {Volt: 3, Gain: 1200}},
			err:   true,
		},
		{
			name:  "flat",
			pairs: []Pair{{Volt: 52, Gain: 1000}, {Volt: 53, Gain: 1000}, {Volt: 54, Gain: 1000}},
			err:   true,
		},
		{
			name:  "same-voltage",
			pairs: []Pair{{Volt: 52, Gain: 1000}, {Volt: 52, Gain: 1100}, {Volt: 52, Gain: 1200}},
			err:   true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			res, err := FitVBD(tc.pairs)
			if tc.err {
				require.Error(t, err)
				require.True(t, errors.Is(err, ErrFit), "%+v", err)
				return
			}
			require.NoError(t, err)
			require.InDelta(t, tc.vbd, res.VBD, 1e-9)
			require.InDelta(t, tc.slope, res.Slope, 1e-9)
			require.Less(t, res.VBD, 52.0)
			require.Greater(t, res.Slope, 0.0)
			require.Len(t, res.Pairs, len(tc.pairs))
		})
	}
}

func TestFitVBDErrors(t *testing.T) {
	res, err := FitVBD([]Pair{
		{Volt: 52, Gain: 1010},
		{Volt: 53, Gain: 1190},
		{Volt: 54, Gain: 1410},
		{Volt: 55, Gain: 1590},
	})
	require.NoError(t, err)
	require.Greater(t, res.SlopeErr, 0.0)
	require.Greater(t, res.VBDErr, 0.0)
	require.InDelta(t, 47, res.VBD, 0.5)
}

func TestPulseFitter(t *testing.T) {
	const (
		n     = 300
		rl    = 200
		t0    = 80.0
		gain  = 400.0
		base  = 3000.0
		noise = 2.0
	)
	var (
		src   = rand.NewSource(42)
		rnd   = distuv.Normal{Mu: 0, Sigma: noise, Src: src}
		npe   = distuv.Poisson{Lambda: 0.1, Src: src}
		truth = Params{T0: t0, Gain: gain, Baseline: base, Fall: 20, Rise: 5}
	)

	pulses := make([][]float64, n)
	for i := range pulses {
		var (
			p  = make([]float64, rl)
			ps = truth
		)
		ps.Gain *= 1 + npe.Rand()
		for j := range p {
			p[j] = math.Round(pulseShape(float64(j), ps, -1) + rnd.Rand())
		}
		pulses[i] = p
	}

	m := Model{
		Guess:    Params{T0: t0 - 3, Gain: 35e3, Baseline: 2900, Fall: 20, Rise: 5},
		Prepulse: 60,
		Window:   140,
		Polarity: caen.OnFallingEdge,
	}
	res, err := NewPulseFitter().Fit(m, pulses)
	require.NoError(t, err)
	require.Equal(t, n, res.Pulses)
	require.Greater(t, res.Efficiency, 0.7)
	require.Less(t, res.Efficiency, 1.0)
	require.InEpsilon(t, gain, res.Params.Gain, 0.1)
	require.InDelta(t, t0, res.Params.T0, 2)
	require.InDelta(t, base, res.Params.Baseline, 1)
	require.False(t, math.IsNaN(res.Errors.Gain))
}

func TestPulseFitterFailures(t *testing.T) {
	m := Model{Prepulse: 10, Window: 10, Guess: Params{Fall: 20, Rise: 5}}
	for _, tc := range []struct {
		name   string
		m      Model
		pulses [][]float64
	}{
		{name: "no-pulse", m: m},
		{name: "window", m: Model{Prepulse: 10, Window: 1}, pulses: [][]float64{make([]float64, 20)}},
		{name: "lengths", m: m, pulses: [][]float64{make([]float64, 20), make([]float64, 10)}},
		{name: "flat", m: m, pulses: [][]float64{make([]float64, 20), make([]float64, 20)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewPulseFitter().Fit(tc.m, tc.pulses)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrFit), "%+v", err)
		})
	}
}

func TestClamp(t *testing.T) {
	require.Equal(t, 0, clamp(-1, 0, 10))
	require.Equal(t, 10, clamp(11, 0, 10))
	require.Equal(t, 5, clamp(5, 0, 10))
	require.Equal(t, 0.5, clamp(0.5, 0.0, 1.0))
}
