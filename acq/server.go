// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acq

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/go-daq/tdaq/log"
)

// Server exposes the control of a manager over TCP.
//
// Requests are JSON objects {"name": <command>, "args": <payload>}.
// Each request is answered with {"msg": "ok"} or {"msg": <error>}.
// The "status" request also carries the latest snapshot of the manager
// data.
type Server struct {
	ctl net.Listener
	msg log.MsgStream

	mu   sync.Mutex
	pipe *Pipe
}

// NewServer listens on addr for control connections driving the manager
// at the other end of p.
func NewServer(addr string, p *Pipe, msg log.MsgStream) (*Server, error) {
	ctl, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("acq: could not create ctl server on %q: %w", addr, err)
	}
	if msg == nil {
		msg = log.NewMsgStream("acq-ctl", log.LvlInfo, os.Stdout)
	}
	return &Server{ctl: ctl, msg: msg, pipe: p}, nil
}

// Addr returns the address the server listens on.
func (srv *Server) Addr() net.Addr { return srv.ctl.Addr() }

// Serve accepts control connections until the server is closed.
func (srv *Server) Serve() error {
	for {
		conn, err := srv.ctl.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("acq: could not accept connection: %w", err)
		}
		go srv.handle(conn)
	}
}

// Close stops the server.
func (srv *Server) Close() error {
	return srv.ctl.Close()
}

type request struct {
	Name string           `json:"name"`
	Args *json.RawMessage `json:"args"`
}

type reply struct {
	Msg    string `json:"msg"`
	Status *Data  `json:"status,omitempty"`
}

type voltageArgs struct {
	Volt   float64 `json:"volt"`
	Enable bool    `json:"enable"`
}

type endlessArgs struct {
	RunName string `json:"run_name"`
}

var errQueueFull = errors.New("acq: command queue full")

func (srv *Server) handle(conn net.Conn) {
	defer conn.Close()
	srv.msg.Infof("serving %v...", conn.RemoteAddr())
	defer srv.msg.Infof("serving %v... [done]", conn.RemoteAddr())

	var (
		dec = json.NewDecoder(conn)
		enc = json.NewEncoder(conn)
	)
	for {
		var req request
		err := dec.Decode(&req)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			srv.msg.Warnf("could not decode command request: %+v", err)
			srv.reply(enc, err)
			var syn *json.SyntaxError
			if errors.As(err, &syn) {
				// the stream is corrupted.
				return
			}
			continue
		}
		srv.msg.Debugf("received request: name=%q", req.Name)

		name := strings.ToLower(req.Name)
		switch name {
		case "connect", "disconnect", "close", "osc", "run", "calib", "cancel", "reset":
			srv.reply(enc, srv.send(Do(requestOf(name))))

		case "endless":
			if req.Args != nil {
				var args endlessArgs
				err = json.Unmarshal(*req.Args, &args)
				if err != nil {
					srv.msg.Warnf("could not decode %q payload: %+v", req.Name, err)
					srv.reply(enc, err)
					continue
				}
				err = srv.send(SetRunName(args.RunName))
				if err != nil {
					srv.reply(enc, err)
					continue
				}
			}
			srv.reply(enc, srv.send(Do(ReqEndless)))

		case "trigger":
			srv.reply(enc, srv.send(SoftwareTrigger()))

		case "voltage":
			if req.Args == nil {
				srv.reply(enc, fmt.Errorf("acq: missing %q payload", req.Name))
				continue
			}
			var args voltageArgs
			err = json.Unmarshal(*req.Args, &args)
			if err != nil {
				srv.msg.Warnf("could not decode %q payload: %+v", req.Name, err)
				srv.reply(enc, err)
				continue
			}
			srv.reply(enc, srv.send(SetVoltage(args.Volt, args.Enable)))

		case "status":
			data, ok := srv.Status()
			if !ok {
				srv.reply(enc, fmt.Errorf("acq: no status available"))
				continue
			}
			_ = enc.Encode(reply{Msg: "ok", Status: &data})

		default:
			srv.msg.Warnf("unknown command name=%q", req.Name)
			srv.reply(enc, fmt.Errorf("unknown command %q", req.Name))
		}
	}
}

func requestOf(name string) Request {
	for i, v := range reqNames {
		if v == name {
			return Request(i)
		}
	}
	return ReqNone
}

// Status returns the latest snapshot published by the manager.
// Status returns false if no snapshot was ever published.
func (srv *Server) Status() (Data, bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.pipe.Latest()
}

func (srv *Server) send(cmd Command) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if !srv.pipe.Send(cmd) {
		return errQueueFull
	}
	return nil
}

func (srv *Server) reply(enc *json.Encoder, err error) {
	rep := reply{Msg: "ok"}
	if err != nil {
		rep.Msg = fmt.Sprintf("%+v", err)
	}
	_ = enc.Encode(rep)
}
