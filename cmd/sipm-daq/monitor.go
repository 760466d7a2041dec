// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/go-daq/tdaq/log"
	mail "gopkg.in/gomail.v2"

	"github.com/go-lpc/sipm/acq"
	"github.com/go-lpc/sipm/conddb"
)

type breakdownStore interface {
	SaveBreakdown(ctx context.Context, res conddb.Result) error
}

// monitor watches the snapshots of the acquisition manager.
// Completed calibrations are stored in the conditions database, and
// both calibrations and failures are reported by mail.
type monitor struct {
	msg    log.MsgStream
	status func() (acq.Data, bool)
	freq   time.Duration
	now    func() time.Time

	sipm int
	cell int

	db    breakdownStore
	alert func(subject, body string)

	calibrated bool
	err        string
}

func newMonitor(cfg config, status func() (acq.Data, bool), msg log.MsgStream) *monitor {
	mon := &monitor{
		msg:    msg,
		status: status,
		freq:   1 * time.Second,
		now:    time.Now,
		sipm:   cfg.Acq.SiPMID,
		cell:   cfg.Acq.Cell,
	}
	mcfg := cfg.Mail
	mon.alert = func(subject, body string) {
		alertMail(msg, mcfg, subject, body)
	}
	return mon
}

func (mon *monitor) run(ctx context.Context) error {
	tck := time.NewTicker(mon.freq)
	defer tck.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tck.C:
			mon.check(ctx)
		}
	}
}

func (mon *monitor) check(ctx context.Context) {
	data, ok := mon.status()
	if !ok {
		return
	}

	if data.Calibrated && !mon.calibrated {
		mon.done(ctx, data)
	}
	mon.calibrated = data.Calibrated

	if data.Err != "" && data.Err != mon.err {
		mon.msg.Errorf("acquisition manager error: %s", data.Err)
		mon.alert(
			fmt.Sprintf("[sipm-daq] error (sipm=%d, cell=%d)", mon.sipm, mon.cell),
			fmt.Sprintf("state: %v\nerror: %s\n", data.State, data.Err),
		)
	}
	mon.err = data.Err
}

func (mon *monitor) done(ctx context.Context, data acq.Data) {
	bd := data.Breakdown
	mon.msg.Infof(
		"calibration done: VBD=%.3f +/- %.3f V (sipm=%d, cell=%d)",
		bd.VBD, bd.VBDErr, mon.sipm, mon.cell,
	)

	var o strings.Builder
	fmt.Fprintf(&o, "sipm:        %d\n", mon.sipm)
	fmt.Fprintf(&o, "cell:        %d\n", mon.cell)
	fmt.Fprintf(&o, "temperature: %.2f degC\n", data.Temperature)
	fmt.Fprintf(&o, "VBD:         %.3f +/- %.3f V\n", bd.VBD, bd.VBDErr)
	fmt.Fprintf(&o, "slope:       %.3f +/- %.3f\n", bd.Slope, bd.SlopeErr)
	for _, p := range bd.Pairs {
		fmt.Fprintf(&o, "  V=%.3f gain=%.3f +/- %.3f\n", p.Volt, p.Gain, p.GainErr)
	}

	if mon.db != nil {
		res := conddb.NewResult(mon.sipm, mon.cell, data.Temperature, mon.now(), bd)
		err := mon.db.SaveBreakdown(ctx, res)
		if err != nil {
			mon.msg.Errorf("could not store calibration: %+v", err)
			fmt.Fprintf(&o, "\ncould not store calibration: %+v\n", err)
		}
	}

	mon.alert(
		fmt.Sprintf("[sipm-daq] calibration done (sipm=%d, cell=%d)", mon.sipm, mon.cell),
		o.String(),
	)
}

func alertMail(msg log.MsgStream, cfg mailConfig, subject, body string) {
	if !cfg.valid() {
		msg.Warnf("could not send mail alert: missing credentials")
		return
	}

	m := mail.NewMessage()
	m.SetHeader("From", cfg.User)
	m.SetHeader("Bcc", cfg.Targets...)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	dial := mail.NewDialer(cfg.Server, cfg.Port, cfg.User, cfg.Password)
	dial.TLSConfig = &tls.Config{
		InsecureSkipVerify: true,
	}
	err := dial.DialAndSend(m)
	if err != nil {
		msg.Errorf("could not send mail alert: %+v", err)
	}
}
