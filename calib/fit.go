// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package calib

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"go-hep.org/x/hep/fit"
	"go-hep.org/x/hep/hbook"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"

	"github.com/go-lpc/sipm/caen"
)

// ErrFit reports a failed SPE or breakdown-voltage fit.
var ErrFit = errors.New("calib: fit failed")

// Params are the parameters of the SPE pulse model.
//
// The pulse model is:
//
//	f(t) = Baseline + s*Gain*(exp(-(t-T0)/Fall) - exp(-(t-T0)/Rise))/(Fall-Rise)
//
// for t > T0 and Baseline otherwise, with s=-1 for negative pulses.
// The integral of a pulse is Gain.
type Params struct {
	T0       float64
	Gain     float64
	Baseline float64
	Fall     float64
	Rise     float64
}

func (ps Params) slice() []float64 {
	return []float64{ps.T0, ps.Gain, ps.Baseline, ps.Fall, ps.Rise}
}

func paramsFrom(vs []float64) Params {
	return Params{T0: vs[0], Gain: vs[1], Baseline: vs[2], Fall: vs[3], Rise: vs[4]}
}

var paramNames = [...]string{"t0", "gain", "baseline", "fall", "rise"}

// Model describes the pulses handed to a SPE fitter.
type Model struct {
	Guess     Params
	Prepulse  int     // number of samples before the pulse
	Window    int     // number of samples of the analysis window
	Threshold float64 // trigger threshold, in ADC counts
	Polarity  caen.TriggerPolarity
}

func (m Model) sign() float64 {
	if m.Polarity == caen.OnRisingEdge {
		return +1
	}
	return -1
}

// SPEResult is the outcome of a SPE fit.
type SPEResult struct {
	Params     Params
	Errors     Params
	Efficiency float64 // fraction of pulses compatible with a single photo-electron
	Pulses     int     // number of analyzed pulses
}

// SPEFitter estimates the single photo-electron response from a set of
// pulses.
type SPEFitter interface {
	Fit(m Model, pulses [][]float64) (SPEResult, error)
}

// PulseFitter is the default SPEFitter.
//
// PulseFitter histograms the pulse charges, selects the pulses around the
// single photo-electron peak and fits the pulse model to their mean
// waveform.
type PulseFitter struct {
	Bins   int     // number of bins of the charge histogram
	NSigma float64 // half-width of the SPE selection, in standard deviations
}

// NewPulseFitter returns a pulse fitter with default settings.
func NewPulseFitter() *PulseFitter {
	return &PulseFitter{Bins: 100, NSigma: 2}
}

func (pf *PulseFitter) Fit(m Model, pulses [][]float64) (SPEResult, error) {
	var res SPEResult
	if len(pulses) == 0 {
		return res, fmt.Errorf("calib: no pulse to analyze: %w", ErrFit)
	}

	var (
		sign = m.sign()
		n    = len(pulses[0])
		beg  = clamp(m.Prepulse, 0, n)
		end  = clamp(m.Prepulse+m.Window, beg, n)
		qs   = make([]float64, len(pulses))
	)
	if end-beg < 2 {
		return res, fmt.Errorf("calib: analysis window [%d, %d) too small: %w", beg, end, ErrFit)
	}

	bases := make([]float64, len(pulses))
	for i, p := range pulses {
		if len(p) != n {
			return res, fmt.Errorf("calib: pulse %d has %d samples (want=%d): %w", i, len(p), n, ErrFit)
		}
		base := m.Guess.Baseline
		if beg > 0 {
			base = stat.Mean(p[:beg], nil)
		}
		bases[i] = base
		q := 0.0
		for _, v := range p[beg:end] {
			q += sign * (v - base)
		}
		qs[i] = q
	}

	mu, sigma := pf.spePeak(qs)
	if mu <= 0 {
		return res, fmt.Errorf("calib: no SPE peak (peak=%g): %w", mu, ErrFit)
	}

	var (
		nsig = pf.NSigma
		mean = make([]float64, end)
		sel  = 0
	)
	if nsig <= 0 {
		nsig = 2
	}
	for i, q := range qs {
		if math.Abs(q-mu) > nsig*sigma {
			continue
		}
		sel++
		for j := range mean {
			mean[j] += pulses[i][j]
		}
	}
	res.Pulses = len(pulses)
	res.Efficiency = float64(sel) / float64(len(pulses))
	if sel == 0 {
		return res, fmt.Errorf("calib: no pulse selected around SPE peak: %w", ErrFit)
	}

	xs := make([]float64, end)
	for j := range mean {
		mean[j] /= float64(sel)
		xs[j] = float64(j)
	}

	guess := m.Guess
	guess.Gain = mu
	guess.Baseline = stat.Mean(bases, nil)
	if guess.Fall <= guess.Rise {
		guess.Fall, guess.Rise = guess.Rise+1, guess.Fall
	}

	model := func(t float64, ps []float64) float64 {
		return pulseShape(t, paramsFrom(ps), sign)
	}
	fct := fit.Func1D{
		F:  model,
		X:  xs,
		Y:  mean,
		Ps: guess.slice(),
	}
	opt, err := fit.Curve1D(fct, nil, &optimize.NelderMead{})
	if err != nil {
		return res, fmt.Errorf("calib: could not fit mean SPE waveform: %v: %w", err, ErrFit)
	}

	res.Params = paramsFrom(opt.X)
	if !(res.Params.Gain > 0) {
		res.Efficiency = 0
		return res, fmt.Errorf("calib: non-positive SPE gain %g: %w", res.Params.Gain, ErrFit)
	}
	res.Errors = paramsFrom(paramErrors(model, xs, mean, opt.X))
	return res, nil
}

// spePeak returns the position and width of the most populated charge
// peak.
func (pf *PulseFitter) spePeak(qs []float64) (mu, sigma float64) {
	nbins := pf.Bins
	if nbins <= 0 {
		nbins = 100
	}

	lo, hi := qs[0], qs[0]
	for _, q := range qs {
		lo = math.Min(lo, q)
		hi = math.Max(hi, q)
	}
	if hi-lo < 1 {
		lo -= 1
		hi += 1
	}

	h := hbook.NewH1D(nbins, lo, hi+1e-6*(hi-lo))
	for _, q := range qs {
		h.Fill(q, 1)
	}

	var (
		bins = h.Binning.Bins
		imax = 0
	)
	for i := range bins {
		if bins[i].SumW() > bins[imax].SumW() {
			imax = i
		}
	}
	width := bins[imax].XWidth()
	mu = bins[imax].XMid()

	// refine around the peak.
	var sel []float64
	for _, q := range qs {
		if math.Abs(q-mu) <= 0.5*math.Abs(mu)+width {
			sel = append(sel, q)
		}
	}
	if len(sel) == 0 {
		return mu, width
	}
	mu, sigma = stat.MeanStdDev(sel, nil)
	if math.IsNaN(sigma) || sigma < width/2 {
		sigma = width / 2
	}
	return mu, sigma
}

func pulseShape(t float64, ps Params, sign float64) float64 {
	u := t - ps.T0
	if u <= 0 || ps.Fall == ps.Rise {
		return ps.Baseline
	}
	v := (math.Exp(-u/ps.Fall) - math.Exp(-u/ps.Rise)) / (ps.Fall - ps.Rise)
	return ps.Baseline + sign*ps.Gain*v
}

// paramErrors estimates the standard errors of the least-squares
// parameters from the Hessian of the sum of squared residuals.
func paramErrors(f func(x float64, ps []float64) float64, xs, ys, ps []float64) []float64 {
	var (
		np  = len(ps)
		out = make([]float64, np)
		ssr = func(ps []float64) float64 {
			sum := 0.0
			for i, x := range xs {
				r := ys[i] - f(x, ps)
				sum += r * r
			}
			return sum
		}
		dof = len(xs) - np
	)
	if dof <= 0 {
		return out
	}

	s2 := ssr(ps) / float64(dof)
	hess := mat.NewSymDense(np, nil)
	fd.Hessian(hess, ssr, ps, nil)

	var cov mat.Dense
	err := cov.Inverse(hess)
	if err != nil {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	for i := range out {
		v := 2 * s2 * cov.At(i, i)
		out[i] = math.Sqrt(math.Abs(v))
	}
	return out
}

// Pair is a gain measurement at a given bias voltage.
type Pair struct {
	Volt    float64
	Gain    float64
	GainErr float64
}

// Breakdown is the outcome of a breakdown-voltage fit.
type Breakdown struct {
	VBD      float64 // breakdown voltage, in volts
	VBDErr   float64
	Slope    float64 // gain variation per volt
	SlopeErr float64
	Pairs    []Pair
}

// FitVBD fits the gain as a linear function of the bias voltage and
// returns the voltage at which the gain extrapolates to zero.
//
// The measurements are weighted by their inverse variance when every gain
// error is positive. FitVBD needs at least 3 pairs.
func FitVBD(pairs []Pair) (Breakdown, error) {
	out := Breakdown{Pairs: append([]Pair(nil), pairs...)}
	if len(pairs) < 3 {
		return out, fmt.Errorf("calib: need at least 3 gain-voltage pairs (got=%d): %w", len(pairs), ErrFit)
	}

	sort.Slice(out.Pairs, func(i, j int) bool {
		return out.Pairs[i].Volt < out.Pairs[j].Volt
	})

	var (
		n  = len(pairs)
		xs = make([]float64, n)
		ys = make([]float64, n)
		ws = make([]float64, n)
	)
	weighted := true
	for i, p := range out.Pairs {
		xs[i] = p.Volt
		ys[i] = p.Gain
		switch {
		case p.GainErr > 0 && !math.IsInf(p.GainErr, 0):
			ws[i] = 1 / (p.GainErr * p.GainErr)
		default:
			weighted = false
		}
	}
	if !weighted {
		for i := range ws {
			ws[i] = 1
		}
	}

	a, b := stat.LinearRegression(xs, ys, ws, false)
	if b == 0 || math.IsNaN(a) || math.IsNaN(b) {
		return out, fmt.Errorf("calib: degenerate gain-voltage regression: %w", ErrFit)
	}

	var s, sx, sxx float64
	for i, x := range xs {
		s += ws[i]
		sx += ws[i] * x
		sxx += ws[i] * x * x
	}
	det := s*sxx - sx*sx
	if det <= 0 {
		return out, fmt.Errorf("calib: degenerate gain-voltage regression: %w", ErrFit)
	}

	scale := 1.0
	if !weighted {
		ssr := 0.0
		for i, x := range xs {
			r := ys[i] - (a + b*x)
			ssr += r * r
		}
		scale = 0
		if n > 2 {
			scale = ssr / float64(n-2)
		}
	}
	var (
		varA  = scale * sxx / det
		varB  = scale * s / det
		covAB = -scale * sx / det
	)

	out.Slope = b
	out.SlopeErr = math.Sqrt(varB)
	out.VBD = -a / b
	out.VBDErr = math.Sqrt(math.Abs(
		varA/(b*b) + a*a*varB/(b*b*b*b) - 2*a*covAB/(b*b*b),
	))
	if !(out.VBD > 0) {
		return out, fmt.Errorf("calib: non-positive breakdown voltage %g: %w", out.VBD, ErrFit)
	}
	return out, nil
}

func clamp[T constraints.Ordered](v, lo, hi T) T {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	}
	return v
}
