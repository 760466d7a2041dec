// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package calib implements the breakdown-voltage calibration routine of a
// SiPM.
//
// The routine takes ownership of a configured digitizer, walks a ladder of
// bias voltages and, at each step, accumulates single photo-electron (SPE)
// pulses and fits the SPE gain. The breakdown voltage is the voltage at
// which the linear fit of the gains extrapolates to zero.
// Optionally, the routine then records data pulses at a ladder of
// over-voltages above the breakdown voltage.
package calib // import "github.com/go-lpc/sipm/calib"

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-daq/tdaq/log"

	"github.com/go-lpc/sipm/caen"
	"github.com/go-lpc/sipm/record"
)

// State is the state of a calibration routine.
type State uint8

const (
	Init State = iota
	Analysis
	CalculateBreakdownVoltage
	Acquisition
	Finished
	SoftReset
	HardReset
)

var stateNames = [...]string{
	Init:                      "init",
	Analysis:                  "analysis",
	CalculateBreakdownVoltage: "calculate-breakdown-voltage",
	Acquisition:               "acquisition",
	Finished:                  "finished",
	SoftReset:                 "soft-reset",
	HardReset:                 "hard-reset",
}

func (s State) String() string {
	if int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

const (
	// triggerLag is the number of samples between the trigger position
	// and the start of the pulse.
	triggerLag = 125
	// maxWindow is the maximum size of the analysis window, in samples.
	maxWindow = 400
	// minTagDelta is the minimum distance, in units of 8ns, between two
	// accepted pulses (10us).
	minTagDelta = 10000 / 8
)

var (
	// DefaultGainVoltages is the ladder of bias voltages used to measure
	// the SPE gain.
	DefaultGainVoltages = []float64{52, 53, 54}
	// DefaultOverVoltages is the ladder of over-voltages used to record
	// data pulses once the breakdown voltage is known.
	DefaultOverVoltages = []float64{2, 3, 4, 5, 6, 7, 8}
)

// Config configures a calibration routine.
type Config struct {
	RunDir  string `mapstructure:"run_dir"` // directory of the output files
	SiPMID  int    `mapstructure:"sipm_id"`
	Cell    int    `mapstructure:"cell"`

	SPEPulses    int       `mapstructure:"spe_pulses"`  // pulses per gain step
	DataPulses   int       `mapstructure:"data_pulses"` // pulses per over-voltage step, 0 to skip
	GainVoltages []float64 `mapstructure:"gain_voltages"`
	OverVoltages []float64 `mapstructure:"over_voltages"`
}

func (cfg *Config) defaults() {
	if len(cfg.GainVoltages) == 0 {
		cfg.GainVoltages = DefaultGainVoltages
	}
	if len(cfg.OverVoltages) == 0 {
		cfg.OverVoltages = DefaultOverVoltages
	}
	if cfg.SPEPulses <= 0 {
		cfg.SPEPulses = 1000
	}
}

// Env is the state of the environment of the SiPM, as seen by the routine
// at each update.
type Env struct {
	Volt              float64 // measured bias voltage
	Temperature       float64 // in degC
	VoltageStable     bool
	TemperatureStable bool
}

// Logbook records timestamped descriptions of the calibration steps.
type Logbook interface {
	Add(desc string)
	Flush() error
}

// Option configures a calibration routine.
type Option func(*Routine)

// WithMsgStream sets the message stream of the routine.
func WithMsgStream(msg log.MsgStream) Option {
	return func(r *Routine) {
		r.msg = msg
	}
}

// WithFitter sets the SPE fitter of the routine.
func WithFitter(f SPEFitter) Option {
	return func(r *Routine) {
		r.fitter = f
	}
}

// Routine is a breakdown-voltage calibration routine.
//
// A Routine owns the digitizer it is created with until Release is called.
// A Routine is not safe for concurrent use.
type Routine struct {
	msg    log.MsgStream
	dig    *caen.Digitizer
	cfg    Config
	book   Logbook
	fitter SPEFitter

	state  State
	from   State // state interrupted by a soft reset
	model  Model
	lay    *record.Layout
	file   *record.Writer
	volts  []float64 // current voltage ladder
	cursor int

	changed bool // voltage request changed during the last update
	newGain bool // new gain measurement during the last update

	acq    int       // number of accepted pulses for the current step
	pulses [][]float64
	ref    uint32 // time tag of the reference pulse
	hasRef bool
	env    Env

	spes   []SPEResult
	pairs  []Pair
	result Breakdown
}

// New creates a calibration routine taking ownership of dig.
func New(dig *caen.Digitizer, cfg Config, book Logbook, opts ...Option) (*Routine, error) {
	if dig == nil {
		return nil, fmt.Errorf("calib: nil digitizer")
	}
	if book == nil {
		return nil, fmt.Errorf("calib: nil logbook")
	}
	cfg.defaults()
	r := &Routine{
		msg:    log.NewMsgStream("calib", log.LvlInfo, os.Stdout),
		dig:    dig,
		cfg:    cfg,
		book:   book,
		fitter: NewPulseFitter(),
		state:  Init,
		volts:  cfg.GainVoltages,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

var errReleased = errors.New("calib: routine released its digitizer")

// Release closes any open file and hands the digitizer back to the
// caller. The routine can not be used afterwards.
func (r *Routine) Release() *caen.Digitizer {
	r.closeFile()
	dig := r.dig
	r.dig = nil
	return dig
}

// State returns the current state of the routine.
func (r *Routine) State() State { return r.state }

// Voltage returns the bias voltage requested by the routine.
func (r *Routine) Voltage() float64 {
	if r.cursor >= len(r.volts) {
		return r.volts[len(r.volts)-1]
	}
	return r.volts[r.cursor]
}

// VoltageChanged reports whether the requested voltage changed during
// the last update.
func (r *Routine) VoltageChanged() bool { return r.changed }

// NewGain reports whether a new gain was measured during the last update.
func (r *Routine) NewGain() bool { return r.newGain }

// Pulses returns the number of pulses accepted for the current step.
func (r *Routine) Pulses() int { return r.acq }

// SPEResults returns the successful SPE fits.
func (r *Routine) SPEResults() []SPEResult { return r.spes }

// Pairs returns the gain-voltage pairs measured so far.
func (r *Routine) Pairs() []Pair { return r.pairs }

// Result returns the breakdown voltage, once computed.
func (r *Routine) Result() (Breakdown, bool) {
	switch r.state {
	case Acquisition, Finished:
		return r.result, true
	}
	return r.result, false
}

// Update runs one tick of the routine.
//
// Update retrieves the buffered events of the digitizer and advances the
// state machine. A non-nil error means the routine can not proceed
// (hardware or file failure) and should be discarded.
func (r *Routine) Update(env Env) error {
	if r.dig == nil {
		return errReleased
	}
	r.env = env

	nevts, err := r.process()
	if err != nil {
		return err
	}

	r.changed = false
	r.newGain = false

	switch r.state {
	case Init:
		return r.init()
	case Analysis:
		return r.analysis(nevts)
	case CalculateBreakdownVoltage:
		return r.calculate()
	case Acquisition:
		return r.acquire(nevts)
	case Finished:
		return nil
	case SoftReset:
		return r.softReset()
	case HardReset:
		return r.hardReset()
	}
	return fmt.Errorf("calib: invalid state %v", r.state)
}

// Reset requests a reset of the routine: a soft reset rewinds the pulse
// accumulation of the current step, a hard reset restarts the routine from
// scratch.
func (r *Routine) Reset(hard bool) {
	if hard {
		r.state = HardReset
		return
	}
	r.softResetFrom(r.state)
}

func (r *Routine) softResetFrom(s State) {
	if s != SoftReset {
		r.from = s
	}
	r.state = SoftReset
}

func (r *Routine) process() (int, error) {
	global, _ := r.dig.Config()
	ok, err := r.dig.RetrieveDataUntilNEvents(global.MaxEventsPerRead)
	if err != nil {
		return 0, fmt.Errorf("calib: could not retrieve data: %w", err)
	}
	if !ok {
		return 0, nil
	}
	return int(r.dig.NumEvents()), nil
}

func (r *Routine) init() error {
	global, groups := r.dig.Config()
	chans := r.dig.EnabledChannels()
	if len(chans) == 0 {
		return fmt.Errorf("calib: no enabled channel")
	}

	r.volts = r.cfg.GainVoltages
	r.rewind()
	r.lay = record.NewLayout(r.dig.Model(), global, groups)

	err := r.openFile()
	if err != nil {
		return err
	}

	var (
		rl       = int(global.RecordLength)
		prepulse = int(float64(rl)*(1-0.01*float64(global.PostTriggerPercentage))) - triggerLag
	)
	prepulse = clamp(prepulse, 0, rl)
	window := clamp(rl-prepulse, 0, maxWindow)

	r.model = Model{
		Guess: Params{
			T0:       float64(prepulse + 1),
			Gain:     35e3,
			Baseline: caen.DCOffsetToADC(r.dig.Model(), chans[0].Group.DCOffset),
			Fall:     20,
			Rise:     5,
		},
		Prepulse:  prepulse,
		Window:    window,
		Threshold: float64(chans[0].Group.TriggerThreshold),
		Polarity:  global.TriggerPolarity,
	}
	r.book.Add("expected_t0 : " + strconv.Itoa(prepulse+1))
	r.book.Add("window : " + strconv.Itoa(window))

	r.spes = r.spes[:0]
	r.pairs = r.pairs[:0]
	r.result = Breakdown{}
	r.state = Analysis
	r.msg.Infof("starting breakdown voltage calibration (prepulse=%d, window=%d)", prepulse, window)

	return r.flushBook()
}

// accept runs the de-duplication of pulses: a pulse is accepted when its
// time tag is at least 10us after the one of the previously accepted pulse.
// A time tag going backward (wraparound) is discarded and becomes the new
// reference.
func (r *Routine) accept(tag uint32) bool {
	if !r.hasRef {
		r.ref = tag
		r.hasRef = true
		return true
	}
	switch {
	case tag < r.ref:
		r.ref = tag
		return false
	case tag-r.ref < minTagDelta:
		return false
	}
	r.ref = tag
	return true
}

// collect decodes the buffered events, records the accepted ones and
// returns the number of accepted pulses.
func (r *Routine) collect(nevts, quota int, keep bool) (int, error) {
	n := 0
	for i := 0; i < nevts; i++ {
		if r.acq >= quota {
			break
		}
		evt, err := r.dig.DecodeEvent(uint32(i))
		if err != nil {
			return n, fmt.Errorf("calib: could not decode event %d: %w", i, err)
		}
		if !r.accept(evt.Info.TriggerTimeTag) {
			continue
		}
		err = r.file.Write(evt)
		if err != nil {
			return n, fmt.Errorf("calib: could not save pulse: %w", err)
		}
		if keep {
			raw := evt.Samples(int(r.lay.Chans[0].ID))
			p := make([]float64, len(raw))
			for j, v := range raw {
				p[j] = float64(v)
			}
			r.pulses = append(r.pulses, p)
		}
		r.acq++
		n++
	}
	err := r.file.Flush()
	if err != nil {
		return n, fmt.Errorf("calib: could not flush pulses: %w", err)
	}
	return n, nil
}

func (r *Routine) stable() bool {
	return r.env.VoltageStable && r.env.TemperatureStable
}

func (r *Routine) analysis(nevts int) error {
	if !r.stable() {
		return nil
	}
	if nevts == 0 {
		r.msg.Debugf("no new events")
		return nil
	}

	_, err := r.collect(nevts, r.cfg.SPEPulses, true)
	if err != nil {
		return err
	}
	if r.acq < r.cfg.SPEPulses {
		return nil
	}

	r.msg.Infof("analyzing %d pulses at %gV", r.acq, r.Voltage())
	r.closeFile()

	spe, err := r.fitter.Fit(r.model, r.pulses)
	switch {
	case err == nil && spe.Efficiency > 0:
		r.spes = append(r.spes, spe)
		r.pairs = append(r.pairs, Pair{
			Volt:    r.env.Volt,
			Gain:    spe.Params.Gain,
			GainErr: spe.Errors.Gain,
		})
		r.msg.Infof(
			"gain=%g +/- %g at %gV (efficiency=%.3f)",
			spe.Params.Gain, spe.Errors.Gain, r.env.Volt, spe.Efficiency,
		)
		var (
			vs = spe.Params.slice()
			es = spe.Errors.slice()
		)
		for i, name := range paramNames {
			r.book.Add(fmt.Sprintf("%s : %f", name, vs[i]))
			r.book.Add(fmt.Sprintf("%s_std : %f", name, es[i]))
		}

		r.cursor++
		r.newGain = true
		r.clearStep()
		if r.cursor >= len(r.volts) {
			r.msg.Infof("finished gain measurements")
			r.state = CalculateBreakdownVoltage
			break
		}
		r.changed = true
		err = r.openFile()
		if err != nil {
			return err
		}

	default:
		if err == nil {
			err = fmt.Errorf("calib: zero SPE efficiency: %w", ErrFit)
		}
		r.msg.Warnf("SPE fit failed at %gV, retrying: %+v", r.Voltage(), err)
		r.clearStep()
		err = r.openFile()
		if err != nil {
			return err
		}
	}

	return r.flushBook()
}

func (r *Routine) calculate() error {
	res, err := FitVBD(r.pairs)
	if err != nil {
		r.msg.Errorf("breakdown voltage calculation failed, restarting: %+v", err)
		r.softResetFrom(r.state)
		return nil
	}
	r.result = res
	r.book.Add("breakdown_voltage : " + strconv.FormatFloat(res.VBD, 'f', 6, 64))
	r.book.Add("breakdown_voltage_std : " + strconv.FormatFloat(res.VBDErr, 'f', 6, 64))
	r.book.Add("dgain_dV : " + strconv.FormatFloat(res.Slope, 'f', 6, 64))
	r.book.Add("dgain_dV_std : " + strconv.FormatFloat(res.SlopeErr, 'f', 6, 64))
	r.msg.Infof("breakdown voltage: %g +/- %gV", res.VBD, res.VBDErr)

	r.state = Finished
	if r.cfg.DataPulses > 0 {
		r.volts = make([]float64, len(r.cfg.OverVoltages))
		for i, ov := range r.cfg.OverVoltages {
			r.volts[i] = ov + res.VBD
		}
		r.rewind()
		r.state = Acquisition
		err = r.openFile()
		if err != nil {
			return err
		}
	}
	return r.flushBook()
}

func (r *Routine) acquire(nevts int) error {
	if !r.stable() || nevts == 0 {
		return nil
	}
	_, err := r.collect(nevts, r.cfg.DataPulses, false)
	if err != nil {
		return err
	}
	if r.acq < r.cfg.DataPulses {
		return nil
	}

	r.closeFile()
	r.cursor++
	r.clearStep()
	if r.cursor >= len(r.volts) {
		r.msg.Infof("finished over-voltage data taking")
		r.state = Finished
		return r.flushBook()
	}
	r.changed = true
	err = r.openFile()
	if err != nil {
		return err
	}
	return r.flushBook()
}

// softReset rewinds the pulse accumulation of the current step.
// An over-voltage step is taken again at the same voltage. When the ladder
// was exhausted, the gain measurements restart from the first voltage.
func (r *Routine) softReset() error {
	r.closeFile()
	r.clearStep()
	if r.from == Acquisition && r.cursor < len(r.volts) && r.lay != nil {
		r.state = Acquisition
		return r.openFile()
	}
	if r.cursor >= len(r.volts) || r.lay == nil {
		r.volts = r.cfg.GainVoltages
		r.rewind()
		r.spes = r.spes[:0]
		r.pairs = r.pairs[:0]
	}
	r.state = Analysis
	if r.lay == nil {
		r.state = Init
		return nil
	}
	return r.openFile()
}

func (r *Routine) hardReset() error {
	r.closeFile()
	r.clearStep()
	r.state = Init
	return r.init()
}

func (r *Routine) rewind() {
	r.cursor = 0
	r.changed = true
	r.clearStep()
}

func (r *Routine) clearStep() {
	r.acq = 0
	r.pulses = r.pulses[:0]
	r.hasRef = false
}

// FileName returns the name of the file holding the pulses of the current
// step.
func (r *Routine) FileName() string {
	var (
		temp = strconv.FormatFloat(r.env.Temperature, 'g', 3, 64)
		name string
	)
	switch r.state {
	case CalculateBreakdownVoltage, Acquisition:
		ov := r.cfg.OverVoltages[clamp(r.cursor, 0, len(r.cfg.OverVoltages)-1)]
		name = fmt.Sprintf(
			"%d_%dcell_%sdegC_%sOV_data.bin",
			r.cfg.SiPMID, r.cfg.Cell, temp, strconv.FormatFloat(ov, 'g', 3, 64),
		)
	default:
		name = fmt.Sprintf(
			"%d_%dcell_%sdegC_%sV_spe_estimation.bin",
			r.cfg.SiPMID, r.cfg.Cell, temp, strconv.FormatFloat(r.Voltage(), 'g', 3, 64),
		)
	}
	return filepath.Join(r.cfg.RunDir, name)
}

func (r *Routine) openFile() error {
	r.closeFile()
	fname := r.FileName()
	w, err := record.Create(fname, r.lay)
	if err != nil {
		return fmt.Errorf("calib: could not open pulse file: %w", err)
	}
	r.file = w
	r.book.Add(fname)
	return nil
}

func (r *Routine) closeFile() {
	if r.file == nil {
		return
	}
	err := r.file.Close()
	if err != nil {
		r.msg.Errorf("could not close pulse file %q: %+v", r.file.Name(), err)
	}
	r.book.Add(r.file.Name())
	r.file = nil
}

func (r *Routine) flushBook() error {
	err := r.book.Flush()
	if err != nil {
		return fmt.Errorf("calib: could not flush logbook: %w", err)
	}
	return nil
}
