// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acq

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-lpc/sipm/volt"
)

const (
	saveInfoName = "SaveInfo.txt"
	ivName       = "SiPMIV.txt"
)

// RunDir returns the directory holding the files of the day of t.
func RunDir(root string, t time.Time) string {
	return filepath.Join(root, t.Format("2006-01-02"))
}

func unixTime(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}

type entry struct {
	t    time.Time
	desc string
}

// SaveInfo is the logbook of a run directory.
// Entries are buffered until Flush appends them to the file, one
// "<unix_time>,<description>" line per entry.
type SaveInfo struct {
	f   *os.File
	now func() time.Time
	buf []entry
}

// OpenSaveInfo opens, in append mode, the named logbook.
func OpenSaveInfo(fname string, now func() time.Time) (*SaveInfo, error) {
	f, err := os.OpenFile(fname, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, &IOError{Op: "open logbook", Err: err}
	}
	if now == nil {
		now = time.Now
	}
	return &SaveInfo{f: f, now: now}, nil
}

// Name returns the name of the logbook file.
func (info *SaveInfo) Name() string { return info.f.Name() }

// Add records a description, timestamped with the current time.
func (info *SaveInfo) Add(desc string) {
	info.buf = append(info.buf, entry{t: info.now(), desc: desc})
}

// Flush appends the recorded entries to the file.
func (info *SaveInfo) Flush() error {
	if len(info.buf) == 0 {
		return nil
	}
	w := bufio.NewWriter(info.f)
	for _, e := range info.buf {
		_, _ = w.WriteString(unixTime(e.t) + "," + e.desc + "\n")
	}
	err := w.Flush()
	if err != nil {
		return &IOError{Op: "write logbook", Err: err}
	}
	info.buf = info.buf[:0]
	return nil
}

// Close flushes and closes the logbook.
func (info *SaveInfo) Close() error {
	err := info.Flush()
	if e := info.f.Close(); e != nil && err == nil {
		err = &IOError{Op: "close logbook", Err: e}
	}
	return err
}

// IVLog records the measurements of the bias-voltage system as
// "time,volt,current" lines.
type IVLog struct {
	f   *os.File
	buf []volt.Measure
}

// OpenIVLog opens, in append mode, the named voltage log.
func OpenIVLog(fname string) (*IVLog, error) {
	f, err := os.OpenFile(fname, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, &IOError{Op: "open voltage log", Err: err}
	}
	return &IVLog{f: f}, nil
}

// Add records a measurement.
func (iv *IVLog) Add(m volt.Measure) {
	iv.buf = append(iv.buf, m)
}

// Pending returns the number of measurements not yet written.
func (iv *IVLog) Pending() int { return len(iv.buf) }

// Flush appends the recorded measurements to the file.
func (iv *IVLog) Flush() error {
	if len(iv.buf) == 0 {
		return nil
	}
	w := bufio.NewWriter(iv.f)
	for _, m := range iv.buf {
		fmt.Fprintf(w, "%s,%s,%s\n",
			unixTime(m.Time),
			strconv.FormatFloat(m.Volt, 'g', 7, 64),
			strconv.FormatFloat(m.Current, 'g', 7, 64),
		)
	}
	err := w.Flush()
	if err != nil {
		return &IOError{Op: "write voltage log", Err: err}
	}
	iv.buf = iv.buf[:0]
	return nil
}

// Close flushes and closes the voltage log.
func (iv *IVLog) Close() error {
	err := iv.Flush()
	if e := iv.f.Close(); e != nil && err == nil {
		err = &IOError{Op: "close voltage log", Err: e}
	}
	return err
}
