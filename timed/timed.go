// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package timed rate-limits periodic work, such as hardware polling
// and periodic file flushes.
package timed // import "github.com/go-lpc/sipm/timed"

import (
	"time"
)

// Option configures a timed event.
type Option func(*clock)

type clock struct {
	now   func() time.Time
	sleep func(time.Duration)
}

func newClock(opts []Option) clock {
	c := clock{
		now:   time.Now,
		sleep: time.Sleep,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithClock sets the function used to retrieve the current time.
func WithClock(now func() time.Time) Option {
	return func(c *clock) {
		c.now = now
	}
}

// WithSleep sets the function used to sleep.
func WithSleep(sleep func(time.Duration)) Option {
	return func(c *clock) {
		c.sleep = sleep
	}
}

// Event runs a function at most once per interval.
// Calls to Do made before the interval elapsed are no-ops.
type Event struct {
	clk  clock
	f    func()
	dt   time.Duration
	last time.Time
	done bool // whether f already ran once
}

// New returns a non-blocking timed event calling f at most once every dt.
func New(dt time.Duration, f func(), opts ...Option) *Event {
	return &Event{
		clk: newClock(opts),
		f:   f,
		dt:  dt,
	}
}

// Do runs the wrapped function if the interval elapsed since the last
// time it ran. The first call always runs.
// Do reports whether the function ran.
func (evt *Event) Do() bool {
	now := evt.clk.now()
	if evt.done && now.Sub(evt.last) < evt.dt {
		return false
	}
	evt.last = now
	evt.done = true
	evt.f()
	return true
}

// Reset makes the next call to Do run the wrapped function.
func (evt *Event) Reset() {
	evt.done = false
}

// Blocking runs a function and then sleeps until the interval elapsed.
// If the function took longer than the interval, Blocking does not sleep.
type Blocking struct {
	clk clock
	f   func()
	dt  time.Duration
}

// NewBlocking returns a blocking timed event wrapping f.
func NewBlocking(dt time.Duration, f func(), opts ...Option) *Blocking {
	return &Blocking{
		clk: newClock(opts),
		f:   f,
		dt:  dt,
	}
}

// Do runs the wrapped function and then sleeps for the rest of the interval.
func (evt *Blocking) Do() {
	beg := evt.clk.now()
	evt.f()
	if elapsed := evt.clk.now().Sub(beg); elapsed < evt.dt {
		evt.clk.sleep(evt.dt - elapsed)
	}
}

// SetInterval modifies the total time a call to Do takes.
func (evt *Blocking) SetInterval(dt time.Duration) {
	evt.dt = dt
}
