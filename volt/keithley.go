// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package volt

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/gotmc/prologix"

	"github.com/go-lpc/sipm/timed"
)

// GPIB addresses of the instruments.
const (
	dmmAddr  = 10 // Keithley 2000 multimeter
	picoAddr = 22 // Keithley 6487 picoammeter/voltage source
)

// maxVoltage is the upper limit of the 6487 source range used.
const maxVoltage = 55

func errVoltageRange(v float64) error {
	return fmt.Errorf("volt: voltage %gV out of range [0, %d]V", v, maxVoltage)
}

type step struct {
	addr int
	cmd  string
	wait time.Duration // delay after the command
}

// initSteps returns the configuration sequence of the instruments.
func initSteps(v float64) []step {
	const (
		slow = 200 * time.Millisecond
		zero = 1000 * time.Millisecond
		trig = 1100 * time.Millisecond
	)
	var out []step
	add := func(addr int, wait time.Duration, cmds ...string) {
		for _, cmd := range cmds {
			out = append(out, step{addr, cmd, wait})
		}
	}

	// Keithley 2000.
	add(dmmAddr, slow,
		"*rst",
		":init:cont on",
		":volt:dc:nplc 10",
		":volt:dc:rang:auto 0",
		":volt:dc:rang 100",
		":volt:dc:aver:stat 0",
		":form ascii",
	)

	// Keithley 6487, voltage source.
	add(picoAddr, slow,
		"*rst",
		":form:elem read",
		":sour:volt:rang 55",
		":sour:volt:ilim 250e-6",
		":sour:volt "+fmtVolt(v),
		":sour:volt:stat OFF",
	)

	// Keithley 6487, ammeter with zero correction.
	add(picoAddr, slow, ":sens:curr:dc:nplc 6", ":sens:aver:stat off", ":syst:zch ON")
	add(picoAddr, zero, ":curr:rang 2E-7")
	add(picoAddr, zero,
		":init",
		":syst:zcor:stat OFF",
		":syst:zcor:acq",
		":syst:zch OFF",
		":syst:zcor ON",
	)
	add(picoAddr, slow, ":syst:azer ON")
	add(picoAddr, slow,
		":arm:coun 1",
		":arm:sour imm",
		":arm:timer 0",
		":trig:coun 1",
	)
	add(picoAddr, trig, ":trig:sour imm")
	add(picoAddr, trig, ":init")
	return out
}

func fmtVolt(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// KeithleyOption configures a Keithley system.
type KeithleyOption func(*Keithley)

// WithCalibration sets the voltage compensation of the system.
func WithCalibration(c Calibration) KeithleyOption {
	return func(k *Keithley) {
		k.cal = c
	}
}

// WithMsgStream sets the message stream of the system.
func WithMsgStream(msg log.MsgStream) KeithleyOption {
	return func(k *Keithley) {
		k.msg = msg
	}
}

// Keithley is a bias-voltage system made of a Keithley 2000 multimeter
// and a Keithley 6487 picoammeter/voltage source behind a Prologix
// GPIB-USB adapter.
//
// Keithley is not safe for concurrent use.
type Keithley struct {
	msg log.MsgStream
	bus bus
	c   io.Closer
	cal Calibration

	sleep func(time.Duration)
	now   func() time.Time
}

// NewKeithley returns a bias-voltage system communicating over t.
// NewKeithley configures the Prologix adapter for both instruments.
func NewKeithley(t Transport, opts ...KeithleyOption) (*Keithley, error) {
	b, err := newPrologixBus(t, dmmAddr, picoAddr)
	if err != nil {
		return nil, err
	}
	return newKeithley(b, t, opts...), nil
}

func newKeithley(b bus, c io.Closer, opts ...KeithleyOption) *Keithley {
	k := &Keithley{
		msg:   log.NewMsgStream("volt", log.LvlInfo, os.Stdout),
		bus:   b,
		c:     c,
		cal:   DefaultCalibration,
		sleep: time.Sleep,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// fetch reads the last reading of the instrument at addr.
func (k *Keithley) fetch(addr int) (float64, error) {
	reply, err := k.bus.Query(addr, ":fetch?")
	if err != nil {
		return 0, err
	}
	// 6487 replies may hold several comma-separated elements.
	if i := strings.Index(reply, ","); i >= 0 {
		reply = reply[:i]
	}
	v, err := strconv.ParseFloat(strings.TrimRight(reply, "ANVDC"), 64)
	if err != nil {
		return 0, fmt.Errorf("volt: could not parse reply %q from GPIB addr %d: %w", reply, addr, err)
	}
	return v, nil
}

func (k *Keithley) Init(v float64) error {
	if v < 0 || v > maxVoltage || math.IsNaN(v) {
		return errVoltageRange(v)
	}
	k.msg.Infof("initializing Keithley 2000 and 6487...")
	var (
		cur  step
		err  error
		send = timed.NewBlocking(0, func() {
			err = k.bus.Command(cur.addr, cur.cmd)
		}, timed.WithClock(k.now), timed.WithSleep(k.sleep))
	)
	for _, cur = range initSteps(v) {
		send.SetInterval(cur.wait)
		send.Do()
		if err != nil {
			return fmt.Errorf("volt: could not initialize instruments: %w", err)
		}
	}
	return nil
}

func (k *Keithley) SetVoltage(v float64) error {
	if v < 0 || v > maxVoltage || math.IsNaN(v) {
		return errVoltageRange(v)
	}
	k.msg.Infof("changing output voltage to %gV", v)
	return k.bus.Command(picoAddr, ":sour:volt "+fmtVolt(v))
}

func (k *Keithley) Enable(on bool) error {
	if on {
		k.msg.Warnf("turning on voltage supply")
		return k.bus.Command(picoAddr, ":sour:volt:stat ON")
	}
	k.msg.Warnf("turning off voltage supply")
	return k.bus.Command(picoAddr, ":sour:volt:stat OFF")
}

func overflowed(v float64) bool {
	return math.IsNaN(v) || math.Abs(v) >= overflow
}

func (k *Keithley) Measure() (Measure, error) {
	var m Measure
	volt, err := k.fetch(dmmAddr)
	if err != nil {
		return m, fmt.Errorf("volt: could not read multimeter voltage: %w", err)
	}
	m.Time = k.now()

	curr, err := k.fetch(picoAddr)
	if err != nil {
		return m, fmt.Errorf("volt: could not read picoammeter current: %w", err)
	}
	err = k.bus.Command(picoAddr, ":init")
	if err != nil {
		return m, err
	}

	if overflowed(volt) || overflowed(curr) {
		return m, ErrOverflow
	}
	m.Volt = k.cal.SiPMVoltage(volt, curr)
	m.Current = curr
	return m, nil
}

func (k *Keithley) Close() error {
	var err error
	for _, cmd := range []string{":sour:volt:stat OFF", ":sour:volt 0.0"} {
		if e := k.bus.Command(picoAddr, cmd); e != nil && err == nil {
			err = e
		}
	}
	if e := k.c.Close(); e != nil && err == nil {
		err = fmt.Errorf("volt: could not close transport: %w", e)
	}
	return err
}

// bus sends commands to the instruments of a GPIB bus.
type bus interface {
	Command(addr int, cmd string) error
	Query(addr int, cmd string) (string, error)
}

// prologixBus drives one Prologix controller per instrument, all sharing
// the same adapter.
type prologixBus struct {
	ctls map[int]*prologix.Controller
	cur  int // address selected on the adapter
}

func newPrologixBus(rw io.ReadWriter, addrs ...int) (*prologixBus, error) {
	b := &prologixBus{ctls: make(map[int]*prologix.Controller, len(addrs))}
	for _, addr := range addrs {
		ctl, err := prologix.NewController(rw, addr, false)
		if err != nil {
			return nil, fmt.Errorf("volt: could not create GPIB controller for addr %d: %w", addr, err)
		}
		b.ctls[addr] = ctl
		b.cur = addr
	}
	return b, nil
}

func (b *prologixBus) controller(addr int) (*prologix.Controller, error) {
	ctl, ok := b.ctls[addr]
	if !ok {
		return nil, fmt.Errorf("volt: unknown GPIB addr %d", addr)
	}
	if b.cur == addr {
		return ctl, nil
	}
	err := ctl.CommandController("addr " + strconv.Itoa(addr))
	if err != nil {
		return nil, fmt.Errorf("volt: could not select GPIB addr %d: %w", addr, err)
	}
	b.cur = addr
	return ctl, nil
}

func (b *prologixBus) Command(addr int, cmd string) error {
	ctl, err := b.controller(addr)
	if err != nil {
		return err
	}
	err = ctl.Command(cmd)
	if err != nil {
		return fmt.Errorf("volt: could not send %q to GPIB addr %d: %w", cmd, addr, err)
	}
	return nil
}

func (b *prologixBus) Query(addr int, cmd string) (string, error) {
	ctl, err := b.controller(addr)
	if err != nil {
		return "", err
	}
	reply, err := ctl.Query(cmd)
	reply = strings.TrimSpace(reply)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF) && reply != "":
	default:
		return "", fmt.Errorf("volt: could not query %q from GPIB addr %d: %w", cmd, addr, err)
	}
	return reply, nil
}
