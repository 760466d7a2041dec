// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package volt

import (
	"math"
	"time"
)

// Settle tracks the settling of the bias voltage after a change.
type Settle struct {
	Wait           time.Duration // settling time after a voltage change
	SwingThreshold float64       // voltage swing, in volts, above which Wait is scaled
	SwingFactor    float64       // scale factor of Wait for large swings

	start time.Time
	wait  time.Duration
}

// NewSettle returns a settle tracker with a 90s settling time, unscaled
// for swings of 10V or more.
func NewSettle() *Settle {
	return &Settle{
		Wait:           90 * time.Second,
		SwingThreshold: 10,
		SwingFactor:    1,
	}
}

// Start records a voltage change from the voltage from to the voltage to,
// at time now.
func (s *Settle) Start(now time.Time, from, to float64) {
	s.start = now
	s.wait = s.Wait
	if math.Abs(to-from) >= s.SwingThreshold && s.SwingFactor > 0 {
		s.wait = time.Duration(float64(s.Wait) * s.SwingFactor)
	}
}

// Remaining returns the remaining settling time at time now.
func (s *Settle) Remaining(now time.Time) time.Duration {
	if s.start.IsZero() {
		return 0
	}
	left := s.wait - now.Sub(s.start)
	if left < 0 {
		return 0
	}
	return left
}

// Stabilized reports whether the voltage has settled at time now.
func (s *Settle) Stabilized(now time.Time) bool {
	return s.Remaining(now) == 0
}
