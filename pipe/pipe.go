// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pipe moves commands and state snapshots between a control
// goroutine and a hardware goroutine.
//
// Commands flow from the control side to the hardware side, which applies
// them to its own copy of the state. Snapshots of that state flow back.
// Both directions are single-producer, single-consumer.
package pipe // import "github.com/go-lpc/sipm/pipe"

import (
	"io"

	"github.com/go-daq/tdaq/log"
)

// Command modifies the state held by the hardware side.
// A command returning false failed: its failure is logged and the command
// is discarded.
type Command[T any] func(*T) bool

// Option configures a pipe.
type Option func(*config)

type config struct {
	msg log.MsgStream
}

// WithMsgStream sets the stream where failed commands are reported.
func WithMsgStream(msg log.MsgStream) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// Pipe is a bidirectional command/snapshot channel.
type Pipe[T any] struct {
	msg  log.MsgStream
	cmds chan Command[T]
	snap chan T

	last T
	ok   bool
}

// New returns a pipe holding up to capacity pending commands.
func New[T any](capacity int, opts ...Option) *Pipe[T] {
	cfg := config{
		msg: log.NewMsgStream("pipe", log.LvlInfo, io.Discard),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Pipe[T]{
		msg:  cfg.msg,
		cmds: make(chan Command[T], capacity),
		snap: make(chan T, 1),
	}
}

// Send enqueues cmd without blocking.
// Send returns false if the pipe is full.
func (p *Pipe[T]) Send(cmd Command[T]) bool {
	select {
	case p.cmds <- cmd:
		return true
	default:
		return false
	}
}

// Pending returns the number of commands waiting to be applied.
func (p *Pipe[T]) Pending() int {
	return len(p.cmds)
}

// Apply applies at most one pending command to dst.
// Apply returns the number of successfully applied commands.
func (p *Pipe[T]) Apply(dst *T) int {
	select {
	case cmd := <-p.cmds:
		if !cmd(dst) {
			p.msg.Warnf("command failed and was discarded")
			return 0
		}
		return 1
	default:
		return 0
	}
}

// Publish makes snapshot available to the control side, replacing any
// snapshot not yet consumed.
func (p *Pipe[T]) Publish(snapshot T) {
	for {
		select {
		case p.snap <- snapshot:
			return
		default:
			select {
			case <-p.snap:
			default:
			}
		}
	}
}

// Latest returns the most recent snapshot published by the hardware side.
// Latest returns false if no snapshot was ever published.
func (p *Pipe[T]) Latest() (T, bool) {
	select {
	case v := <-p.snap:
		p.last = v
		p.ok = true
	default:
	}
	return p.last, p.ok
}
