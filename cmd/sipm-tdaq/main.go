// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command sipm-tdaq starts a TDAQ server driving the SiPM acquisition
// manager.
//
// The TDAQ run-control commands are mapped onto the manager:
//
//	/config  creates the manager (or updates its digitizer configuration)
//	/init    connects to the digitizer
//	/reset   reconfigures the digitizer
//	/start   starts an endless acquisition
//	/stop    cancels the acquisition
//	/quit    closes the manager
//
// Displayed waveforms are published on the /waveforms output.
//
// Example:
//
//	$> sipm-tdaq -id sipm-tdaq-01 -lvl dbg ./sipm-daq.toml
package main // import "github.com/go-lpc/sipm/cmd/sipm-tdaq"

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/spf13/viper"

	"github.com/go-lpc/sipm/acq"
	"github.com/go-lpc/sipm/caen"
)

func main() {
	cmd := flags.New()

	fname := ""
	if len(cmd.Args) > 0 {
		fname = cmd.Args[0]
	}

	cfg, err := loadConfig(fname)
	if err != nil {
		log.Panicf("could not load configuration: %+v", err)
	}

	dev := newDevice(cfg)

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/waveforms", dev.waveforms)

	srv.RunHandle(dev.run)

	err = srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

func loadConfig(fname string) (acq.Config, error) {
	cfg := acq.DefaultConfig()
	if fname == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(fname)
	err := v.ReadInConfig()
	if err != nil {
		return cfg, fmt.Errorf("could not read config file: %w", err)
	}

	err = v.UnmarshalKey("acq", &cfg)
	if err != nil {
		return cfg, fmt.Errorf("could not decode acq section of %q: %w", fname, err)
	}
	return cfg, nil
}

type device struct {
	cfg  acq.Config
	freq time.Duration // polling period of the manager snapshots

	mu     sync.Mutex
	mgr    *acq.Manager
	pipe   *acq.Pipe
	cancel context.CancelFunc
	done   chan error

	last uint64 // number of triggered events at the last published waveform
	n    int    // number of published waveforms
	wfs  chan []byte
}

func newDevice(cfg acq.Config) *device {
	return &device{
		cfg:  cfg,
		freq: 100 * time.Millisecond,
		wfs:  make(chan []byte, 1024),
	}
}

func (dev *device) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")

	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.mgr != nil {
		return dev.send(acq.Configure(dev.cfg.Global, dev.cfg.Groups))
	}

	model, err := caen.ParseModel(dev.cfg.Model)
	if err != nil {
		return fmt.Errorf("invalid digitizer model: %w", err)
	}
	sdk, err := caen.NewSDK(model)
	if err != nil {
		return fmt.Errorf("could not create digitizer SDK: %w", err)
	}

	mgr, err := acq.NewManager(dev.cfg, sdk, acq.WithMsgStream(ctx.Msg))
	if err != nil {
		return fmt.Errorf("could not create acquisition manager: %w", err)
	}

	bkg, cancel := context.WithCancel(context.Background())
	dev.mgr = mgr
	dev.pipe = mgr.Pipe()
	dev.cancel = cancel
	dev.done = make(chan error, 1)
	go func() {
		dev.done <- mgr.Run(bkg)
	}()

	return nil
}

func (dev *device) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	return dev.do(acq.ReqConnect)
}

func (dev *device) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	return dev.do(acq.ReqReset)
}

func (dev *device) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	return dev.do(acq.ReqEndless)
}

func (dev *device) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command... -> n=%d", dev.n)
	return dev.do(acq.ReqCancel)
}

func (dev *device) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")

	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.mgr == nil {
		return nil
	}

	err := dev.send(acq.Do(acq.ReqClose))
	if err != nil {
		dev.cancel()
	}

	select {
	case err = <-dev.done:
	case <-time.After(30 * time.Second):
		dev.cancel()
		err = <-dev.done
	}
	dev.cancel()
	dev.mgr = nil
	dev.pipe = nil
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("acquisition manager failed: %w", err)
	}
	return nil
}

func (dev *device) do(req acq.Request) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.send(acq.Do(req))
}

func (dev *device) send(cmd acq.Command) error {
	if dev.pipe == nil {
		return fmt.Errorf("acquisition manager not configured")
	}
	if !dev.pipe.Send(cmd) {
		return fmt.Errorf("acquisition manager command queue full")
	}
	return nil
}

func (dev *device) waveforms(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case data := <-dev.wfs:
		dst.Body = data
	}
	return nil
}

func (dev *device) run(ctx tdaq.Context) error {
	dev.mu.Lock()
	p := dev.pipe
	dev.mu.Unlock()
	if p == nil {
		return fmt.Errorf("acquisition manager not configured")
	}

	for {
		select {
		case <-ctx.Ctx.Done():
			return nil
		default:
			dev.poll(p)
		}
		time.Sleep(dev.freq)
	}
}

// poll publishes the waveform of the latest snapshot, if it holds a new
// one.
func (dev *device) poll(p *acq.Pipe) {
	data, ok := p.Latest()
	if !ok || len(data.Waveform) == 0 || data.Triggered == dev.last {
		return
	}
	dev.last = data.Triggered

	select {
	case dev.wfs <- encodeWaveform(data.Triggered, data.Waveform):
		dev.n++
	default:
	}
}

// encodeWaveform encodes a displayed event as:
//
//	triggered: uint64
//	channels:  uint32
//	samples:   uint32 (per channel)
//	data:      channels*samples x uint16
//
// in little-endian order.
func encodeWaveform(triggered uint64, wf [][]uint16) []byte {
	n := 0
	if len(wf) > 0 {
		n = len(wf[0])
	}
	buf := make([]byte, 16+2*n*len(wf))
	binary.LittleEndian.PutUint64(buf[0:], triggered)
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(wf)))
	binary.LittleEndian.PutUint32(buf[12:], uint32(n))
	o := 16
	for _, ch := range wf {
		for i := 0; i < n; i++ {
			var v uint16
			if i < len(ch) {
				v = ch[i]
			}
			binary.LittleEndian.PutUint16(buf[o:], v)
			o += 2
		}
	}
	return buf
}
