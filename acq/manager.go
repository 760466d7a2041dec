// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-daq/tdaq/log"

	"github.com/go-lpc/sipm/caen"
	"github.com/go-lpc/sipm/calib"
	"github.com/go-lpc/sipm/pipe"
	"github.com/go-lpc/sipm/record"
	"github.com/go-lpc/sipm/sensor"
	"github.com/go-lpc/sipm/timed"
	"github.com/go-lpc/sipm/volt"
)

// Tick periods of the manager states.
const (
	standbyPeriod = 1 * time.Second
	scopePeriod   = 150 * time.Millisecond
	fastPeriod    = 50 * time.Millisecond

	measurePeriod = 1 * time.Second
	ivSavePeriod  = 30 * time.Second
	publishPeriod = 200 * time.Millisecond
)

// Option configures a manager.
type Option func(*Manager)

// WithMsgStream sets the message stream of the manager.
func WithMsgStream(msg log.MsgStream) Option {
	return func(m *Manager) {
		m.msg = msg
	}
}

// WithRegistry sets the registry of opened digitizers.
func WithRegistry(reg *caen.Registry) Option {
	return func(m *Manager) {
		m.reg = reg
	}
}

// WithVoltageSystem sets the bias-voltage system.
func WithVoltageSystem(sys volt.System) Option {
	return func(m *Manager) {
		m.volt = sys
	}
}

// WithSettle sets the tracker of the bias-voltage settling.
func WithSettle(s *volt.Settle) Option {
	return func(m *Manager) {
		m.settle = s
	}
}

// WithThermometer sets the thermometer of the SiPM.
func WithThermometer(th sensor.Thermometer) Option {
	return func(m *Manager) {
		m.therm = th
	}
}

// WithFitter sets the SPE fitter used by calibration routines.
func WithFitter(f calib.SPEFitter) Option {
	return func(m *Manager) {
		m.fitter = f
	}
}

// WithClock sets the functions used to retrieve the current time and to
// wait between two ticks.
func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(m *Manager) {
		m.now = now
		m.sleep = sleep
	}
}

// Manager runs the acquisition state machine.
//
// The digitizer is created, used and closed by the goroutine running the
// manager. During a calibration, it is owned by the calibration routine.
type Manager struct {
	msg   log.MsgStream
	cfg   Config
	sdk   caen.SDK
	reg   *caen.Registry
	model caen.Model
	conn  caen.ConnectionType

	pipe *Pipe
	data Data

	dig     *caen.Digitizer
	routine *calib.Routine
	fitter  calib.SPEFitter

	dir  string
	info *SaveInfo
	iv   *IVLog
	lay  *record.Layout
	file *record.Writer

	volt   volt.System
	vinit  bool // whether the voltage system was initialized
	settle *volt.Settle
	therm  sensor.Thermometer
	stab   *sensor.Stability

	now   func() time.Time
	sleep func(time.Duration)

	ticks struct {
		standby *timed.Blocking
		scope   *timed.Blocking
		fast    *timed.Blocking
	}
	measure *timed.Event
	saveIV  *timed.Event
	publish *timed.Event
}

// NewManager creates a manager driving digitizers through sdk.
func NewManager(cfg Config, sdk caen.SDK, opts ...Option) (*Manager, error) {
	cfg.defaults()
	err := cfg.validate()
	if err != nil {
		return nil, err
	}
	model, _ := caen.ParseModel(cfg.Model)
	conn, _ := caen.ParseConnectionType(cfg.Connection)

	m := &Manager{
		msg:   log.NewMsgStream("acq", log.LvlInfo, os.Stdout),
		cfg:   cfg,
		sdk:   sdk,
		model: model,
		conn:  conn,
		now:   time.Now,
		sleep: time.Sleep,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.reg == nil {
		m.reg = caen.NewRegistry()
	}
	if m.settle == nil {
		m.settle = &volt.Settle{
			Wait:           cfg.SettleWait,
			SwingThreshold: cfg.SwingThreshold,
			SwingFactor:    cfg.SwingFactor,
		}
	}
	if m.therm == nil {
		m.therm = sensor.Fixed(cfg.Temperature)
	}
	m.stab = sensor.NewStability(cfg.TempWindow, cfg.TempTolerance)

	m.pipe = pipe.New[Data](16, pipe.WithMsgStream(m.msg))
	m.data = Data{
		State:       standby,
		Global:      cfg.Global,
		Groups:      append([]caen.GroupConfig(nil), cfg.Groups...),
		RunName:     cfg.RunName,
		Temperature: cfg.Temperature,
		Voltage:     Voltage{Target: cfg.Voltage},
	}

	topts := []timed.Option{timed.WithClock(m.now), timed.WithSleep(m.sleep)}
	m.ticks.standby = timed.NewBlocking(standbyPeriod, m.tick, topts...)
	m.ticks.scope = timed.NewBlocking(scopePeriod, m.tick, topts...)
	m.ticks.fast = timed.NewBlocking(fastPeriod, m.tick, topts...)
	m.measure = timed.New(measurePeriod, m.measureEnv, topts...)
	m.saveIV = timed.New(ivSavePeriod, m.flushIV, topts...)
	m.publish = timed.New(publishPeriod, m.sendSnapshot, topts...)

	return m, nil
}

// Pipe returns the pipe used to control the manager.
func (m *Manager) Pipe() *Pipe { return m.pipe }

// State returns the current state of the manager.
func (m *Manager) State() State { return m.data.State }

// Run runs the manager until it reaches the Closing state or ctx is
// done.
func (m *Manager) Run(ctx context.Context) error {
	for m.Tick() {
		select {
		case <-ctx.Done():
			m.transition(closing)
			m.Tick()
			return ctx.Err()
		default:
		}
	}
	return nil
}

// Tick runs one tick of the current state, waiting for the tick period
// of that state.
// Tick returns false once the manager is closed.
func (m *Manager) Tick() bool {
	switch s := m.data.State; {
	case s.Top == Standby:
		m.ticks.standby.Do()
	case s.Top == Acquisition && s.Mode == Oscilloscope:
		m.ticks.scope.Do()
	case s.Top == Acquisition:
		m.ticks.fast.Do()
	default:
		m.shutdown()
		return false
	}
	return true
}

func (m *Manager) tick() {
	s := m.data.State
	if s.Top == Acquisition {
		switch s.Mode {
		case Oscilloscope:
			m.updateVoltage()
			m.oscilloscope()
		case EndlessAcquisition:
			m.acquire(0)
		case NumberedAcquisition:
			m.acquire(m.cfg.DataPulses)
		case Calibration:
			m.updateVoltage()
			m.calibrate()
		case Reset:
			m.reset()
		}
	}
	m.apply()
	m.publish.Do()
}

// apply applies at most one pending command and the state change it
// requested.
func (m *Manager) apply() {
	m.pipe.Apply(&m.data)
	req := m.data.Request
	m.data.Request = ReqNone
	m.transition(Next(m.data.State, req, m.healthy()))
}

func (m *Manager) healthy() bool {
	if m.routine != nil {
		return true
	}
	return m.dig != nil && m.dig.Err() == nil
}

func (m *Manager) transition(next State) {
	cur := m.data.State
	if next == cur {
		return
	}
	m.leave(cur, next)
	m.data.State = next
	m.msg.Infof("state: %v -> %v", cur, next)
	m.enter(cur, next)
	m.sendSnapshot()
}

func (m *Manager) leave(cur, next State) {
	if cur.Top != Acquisition {
		return
	}
	switch cur.Mode {
	case Calibration:
		m.releaseRoutine()
	case EndlessAcquisition, NumberedAcquisition:
		m.closeFile()
	}
	if next.Top != Acquisition {
		m.disconnect()
	}
}

func (m *Manager) enter(cur, next State) {
	if next.Top != Acquisition {
		return
	}
	if cur.Top != Acquisition {
		err := m.connect()
		if err != nil {
			m.fail(err)
			m.transition(Next(next, ReqNone, false))
			return
		}
	}
	if next.Mode == Calibration {
		err := m.startRoutine()
		if err != nil {
			m.fail(err)
			m.transition(Next(next, ReqFail, m.healthy()))
		}
	}
}

func (m *Manager) fail(err error) {
	m.msg.Errorf("%+v", err)
	m.data.Err = err.Error()
	if m.info != nil {
		m.info.Add("error: " + err.Error())
		m.flushInfo()
	}
}

func (m *Manager) connect() error {
	dig, err := caen.Connect(
		m.reg, m.sdk, m.model, m.conn, m.cfg.Link, m.cfg.Conet, m.cfg.VME,
		caen.WithMsgStream(m.msg),
	)
	if err != nil {
		return fmt.Errorf("acq: could not connect to digitizer: %w", err)
	}

	_, err = dig.Setup(m.data.Global, m.data.Groups)
	if err == nil {
		err = dig.EnableAcquisition()
	}
	if err != nil {
		_ = dig.Close()
		return fmt.Errorf("acq: could not setup digitizer: %w", err)
	}
	m.dig = dig
	m.configured()
	m.msg.Infof("connected to %v digitizer", m.model)

	err = m.openRunDir()
	if err != nil {
		m.disconnect()
		return err
	}
	m.info.Add("connected to " + m.model.String() + " digitizer")
	m.flushInfo()

	if m.volt != nil && !m.vinit {
		err = m.volt.Init(m.data.Voltage.Target)
		if err != nil {
			m.msg.Errorf("could not initialize voltage system: %+v", err)
		} else {
			m.vinit = true
		}
	}
	return nil
}

// configured records the effective configuration of the digitizer.
func (m *Manager) configured() {
	m.data.Global, m.data.Groups = m.dig.Config()
	m.lay = record.NewLayout(m.model, m.data.Global, m.data.Groups)
	m.data.Waveform = m.data.Waveform[:0]
}

func (m *Manager) openRunDir() error {
	m.closeLogs()

	m.dir = RunDir(m.cfg.RunDir, m.now())
	err := os.MkdirAll(m.dir, 0755)
	if err != nil {
		return &IOError{Op: "create run directory", Err: err}
	}

	m.info, err = OpenSaveInfo(filepath.Join(m.dir, saveInfoName), m.now)
	if err != nil {
		return err
	}

	m.iv, err = OpenIVLog(filepath.Join(m.dir, ivName))
	if err != nil {
		// the acquisition can proceed without the voltage log.
		m.msg.Errorf("could not open voltage log: %+v", err)
		m.iv = nil
	}
	return nil
}

func (m *Manager) disconnect() {
	m.releaseRoutine()
	m.closeFile()
	if m.dig != nil {
		err := m.dig.Close()
		if err != nil {
			m.msg.Errorf("could not close digitizer: %+v", err)
		}
		m.dig = nil
		if m.info != nil {
			m.info.Add("disconnected from digitizer")
		}
	}
	m.closeLogs()
}

func (m *Manager) closeLogs() {
	if m.info != nil {
		err := m.info.Close()
		if err != nil {
			m.msg.Errorf("could not close logbook: %+v", err)
		}
		m.info = nil
	}
	if m.iv != nil {
		err := m.iv.Close()
		if err != nil {
			m.msg.Errorf("could not close voltage log: %+v", err)
		}
		m.iv = nil
	}
}

func (m *Manager) flushInfo() {
	err := m.info.Flush()
	if err != nil {
		m.msg.Errorf("could not flush logbook: %+v", err)
	}
}

func (m *Manager) shutdown() {
	m.msg.Infof("closing acquisition manager")
	m.disconnect()
	if m.volt != nil {
		err := m.volt.Close()
		if err != nil {
			m.msg.Errorf("could not close voltage system: %+v", err)
		}
		m.volt = nil
	}
	if m.therm != nil {
		err := m.therm.Close()
		if err != nil {
			m.msg.Errorf("could not close thermometer: %+v", err)
		}
		m.therm = nil
	}
	m.sendSnapshot()
}

func (m *Manager) oscilloscope() {
	n, err := m.dig.EventsInBuffer()
	if err == nil {
		err = m.dig.RetrieveData()
	}
	if err == nil && m.data.Trigger {
		m.msg.Infof("sending a software trigger")
		err = m.dig.SoftwareTrigger()
		m.data.Trigger = false
	}
	if err == nil && m.dig.NumEvents() > 0 {
		m.data.Triggered += uint64(n)
		var evt *caen.Event
		evt, err = m.dig.DecodeEvent(0)
		if err == nil {
			m.display(evt)
			err = m.dig.ClearData()
		}
	}
	if err != nil {
		m.fail(fmt.Errorf("acq: oscilloscope failed: %w", err))
		m.transition(Next(m.data.State, ReqNone, m.healthy()))
	}
}

func (m *Manager) display(evt *caen.Event) {
	chans := m.lay.Chans
	if cap(m.data.Waveform) < len(chans) {
		m.data.Waveform = make([][]uint16, len(chans))
	}
	m.data.Waveform = m.data.Waveform[:len(chans)]
	for i, ch := range chans {
		m.data.Waveform[i] = append(m.data.Waveform[i][:0], evt.Samples(int(ch.ID))...)
	}
}

// acquire saves the buffered events. A positive quota ends the
// acquisition once quota events were saved.
func (m *Manager) acquire(quota int) {
	if m.file == nil {
		err := m.openFile(quota > 0)
		if err != nil {
			m.fail(err)
			m.transition(Next(m.data.State, ReqFail, m.healthy()))
			return
		}
	}

	ok, err := m.dig.RetrieveDataUntilNEvents(m.dig.MaxBuffers() / 2)
	if err != nil {
		m.fail(fmt.Errorf("acq: could not retrieve data: %w", err))
		m.transition(Next(m.data.State, ReqNone, m.healthy()))
		return
	}
	if !ok {
		return
	}

	n := m.dig.NumEvents()
	m.data.Triggered += uint64(n)
	for i := uint32(0); i < n; i++ {
		if quota > 0 && m.file.Lines() >= quota {
			break
		}
		evt, err := m.dig.DecodeEvent(i)
		if err != nil {
			m.fail(fmt.Errorf("acq: could not decode event %d: %w", i, err))
			m.transition(Next(m.data.State, ReqNone, m.healthy()))
			return
		}
		if i == 0 {
			m.display(evt)
		}
		err = m.file.Write(evt)
		if err != nil {
			m.fail(&IOError{Op: "save event", Err: err})
			m.transition(Next(m.data.State, ReqFail, m.healthy()))
			return
		}
		m.data.Saved++
	}
	err = m.file.Flush()
	if err != nil {
		m.fail(&IOError{Op: "flush events", Err: err})
		m.transition(Next(m.data.State, ReqFail, m.healthy()))
		return
	}

	if quota > 0 && m.file.Lines() >= quota {
		m.msg.Infof("saved %d events to %q", m.file.Lines(), m.file.Name())
		m.transition(Next(m.data.State, ReqDone, m.healthy()))
	}
}

// FileName returns the name of the waveform file of the numbered (when
// numbered is true) or endless acquisition.
func (m *Manager) FileName(numbered bool) string {
	if !numbered {
		return filepath.Join(m.dir, m.data.RunName+".bin")
	}
	name := fmt.Sprintf(
		"%d_%dcell_%sdegC_%sV_data.bin",
		m.cfg.SiPMID, m.cfg.Cell,
		strconv.FormatFloat(m.data.Temperature, 'g', 3, 64),
		strconv.FormatFloat(m.data.Voltage.Target, 'g', 3, 64),
	)
	return filepath.Join(m.dir, name)
}

func (m *Manager) openFile(numbered bool) error {
	fname := m.FileName(numbered)
	w, err := record.Create(fname, m.lay)
	if err != nil {
		return &IOError{Op: "open waveform file", Err: err}
	}
	m.file = w
	m.data.File = fname
	m.data.Saved = 0
	m.info.Add(fname)
	m.flushInfo()
	m.msg.Infof("saving events to %q", fname)
	return nil
}

func (m *Manager) closeFile() {
	if m.file == nil {
		return
	}
	err := m.file.Close()
	if err != nil {
		m.msg.Errorf("could not close waveform file %q: %+v", m.file.Name(), err)
	}
	if m.info != nil {
		m.info.Add(m.file.Name())
		m.flushInfo()
	}
	m.file = nil
	m.data.File = ""
}

// reset applies the current configuration without closing the
// connection to the digitizer.
func (m *Manager) reset() {
	m.closeFile()
	err := m.dig.DisableAcquisition()
	if err == nil {
		_, err = m.dig.Setup(m.data.Global, m.data.Groups)
	}
	if err == nil {
		err = m.dig.EnableAcquisition()
	}
	if err != nil {
		m.fail(fmt.Errorf("acq: could not reset digitizer: %w", err))
		m.transition(Next(m.data.State, ReqFail, m.healthy()))
		return
	}
	m.configured()
	m.info.Add("digitizer reset")
	m.flushInfo()
	m.transition(Next(m.data.State, ReqDone, m.healthy()))
}

func (m *Manager) startRoutine() error {
	opts := []calib.Option{calib.WithMsgStream(m.msg)}
	if m.fitter != nil {
		opts = append(opts, calib.WithFitter(m.fitter))
	}
	r, err := calib.New(m.dig, m.cfg.calib(m.dir), m.info, opts...)
	if err != nil {
		return fmt.Errorf("acq: could not create calibration routine: %w", err)
	}
	m.routine = r
	m.dig = nil
	m.data.Routine = r.State()
	m.data.Calibrated = false
	m.data.Breakdown = calib.Breakdown{}
	m.data.Saved = 0
	return nil
}

// releaseRoutine discards the calibration routine and takes the
// digitizer back.
func (m *Manager) releaseRoutine() {
	if m.routine == nil {
		return
	}
	m.dig = m.routine.Release()
	m.routine = nil
	m.data.File = ""
}

func (m *Manager) calibrate() {
	r := m.routine
	err := r.Update(calib.Env{
		Volt:              m.measuredVoltage(),
		Temperature:       m.data.Temperature,
		VoltageStable:     m.data.Voltage.Stable,
		TemperatureStable: m.data.TemperatureStable,
	})
	if err != nil {
		m.fail(fmt.Errorf("acq: calibration failed: %w", err))
		m.releaseRoutine()
		m.transition(Next(m.data.State, ReqFail, m.healthy()))
		return
	}

	if r.VoltageChanged() {
		m.data.Voltage.Target = r.Voltage()
		m.data.Voltage.Change = true
	}
	m.data.Routine = r.State()
	m.data.Saved = uint64(r.Pulses())
	m.data.File = r.FileName()
	if res, ok := r.Result(); ok {
		m.data.Breakdown = res
		m.data.Calibrated = true
	}

	if r.State() == calib.Finished {
		m.msg.Infof("calibration finished")
		m.data.Voltage.Target = m.cfg.GainVoltages[0]
		m.data.Voltage.Change = true
		m.releaseRoutine()
		m.transition(Next(m.data.State, ReqDone, m.healthy()))
	}
}

func (m *Manager) measuredVoltage() float64 {
	if m.volt == nil || m.data.Voltage.Latest.Time.IsZero() {
		return m.data.Voltage.Target
	}
	return m.data.Voltage.Latest.Volt
}

// updateVoltage applies the pending voltage request, updates the
// stabilization flags and polls the environment.
func (m *Manager) updateVoltage() {
	now := m.now()
	v := &m.data.Voltage
	if v.Change {
		v.Change = false
		from := m.measuredVoltage()
		if m.volt != nil {
			err := m.volt.Enable(v.Enable)
			if err == nil {
				err = m.volt.SetVoltage(v.Target)
			}
			if err != nil {
				m.fail(fmt.Errorf("acq: could not change bias voltage: %w", err))
			}
		}
		m.settle.Start(now, from, v.Target)
		m.msg.Infof("changing output voltage to %gV (output=%v)", v.Target, v.Enable)
		// measure the new set point right away.
		m.measure.Reset()
	}
	v.Stable = m.settle.Stabilized(now)

	m.measure.Do()
	m.saveIV.Do()
}

func (m *Manager) measureEnv() {
	now := m.now()
	t, err := m.therm.Temperature()
	switch {
	case err != nil:
		m.msg.Warnf("could not read temperature: %+v", err)
	default:
		m.data.Temperature = t
		m.stab.Add(now, t)
	}
	m.data.TemperatureStable = m.stab.Stable()

	if m.volt == nil {
		return
	}
	meas, err := m.volt.Measure()
	switch {
	case errors.Is(err, volt.ErrOverflow):
		return
	case err != nil:
		m.msg.Warnf("could not measure bias voltage: %+v", err)
		return
	}
	m.data.Voltage.Latest = meas
	if m.iv != nil {
		m.iv.Add(meas)
	}
}

func (m *Manager) flushIV() {
	if m.iv == nil {
		return
	}
	m.msg.Debugf("saving %d voltage measurements", m.iv.Pending())
	err := m.iv.Flush()
	if err != nil {
		m.msg.Errorf("could not save voltage measurements: %+v", err)
	}
}

func (m *Manager) sendSnapshot() {
	m.pipe.Publish(m.data.clone())
}

var _ calib.Logbook = (*SaveInfo)(nil)
