// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package volt

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ziutek/ftdi"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// USB identifiers of the Prologix GPIB-USB adapter (an FTDI FT245R).
const (
	prologixVID = 0x0403
	prologixPID = 0x6001
)

// ftdiPrefix selects a direct FTDI connection to the adapter.
const ftdiPrefix = "ftdi:"

// DefaultBaudRate is the baud rate of serial connections.
const DefaultBaudRate = 115200

// Transport is a connection to the GPIB adapter.
type Transport = io.ReadWriteCloser

type ftdiDevice interface {
	Reset() error

	SetBitmode(iomask byte, mode ftdi.Mode) error
	SetFlowControl(flowctrl ftdi.FlowCtrl) error
	SetLatencyTimer(lt int) error
	SetWriteChunkSize(cs int) error
	SetReadChunkSize(cs int) error
	PurgeBuffers() error

	io.Writer
	io.Reader
	io.Closer
}

var (
	ftdiOpen   = ftdiOpenImpl
	serialOpen = serialOpenImpl
)

func ftdiOpenImpl(vid, pid uint16) (ftdiDevice, error) {
	dev, err := ftdi.OpenFirst(int(vid), int(pid), ftdi.ChannelAny)
	return dev, err
}

func serialOpenImpl(port string, baud int, timeout time.Duration) (io.ReadWriteCloser, error) {
	sp, err := serial.Open(port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	err = sp.SetReadTimeout(timeout)
	if err != nil {
		_ = sp.Close()
		return nil, err
	}
	return sp, nil
}

// Open opens a connection to the GPIB adapter.
//
// A port of the form "ftdi:" or "ftdi:VID:PID" (hexadecimal USB ids)
// opens the first matching FTDI device directly. Any other port is opened
// as a serial port at DefaultBaudRate.
func Open(port string) (Transport, error) {
	if !strings.HasPrefix(port, ftdiPrefix) {
		t, err := serialOpen(port, DefaultBaudRate, 5*time.Second)
		if err != nil {
			return nil, fmt.Errorf("volt: could not open serial port %q: %w", port, err)
		}
		return t, nil
	}

	vid, pid, err := parseUSBIDs(strings.TrimPrefix(port, ftdiPrefix))
	if err != nil {
		return nil, fmt.Errorf("volt: invalid FTDI port %q: %w", port, err)
	}

	dev, err := ftdiOpen(vid, pid)
	if err != nil {
		return nil, fmt.Errorf("volt: could not open FTDI device (vid=0x%x, pid=0x%x): %w", vid, pid, err)
	}

	err = initFTDI(dev)
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("volt: could not initialize FTDI device (vid=0x%x, pid=0x%x): %w", vid, pid, err)
	}
	return dev, nil
}

func parseUSBIDs(v string) (vid, pid uint16, err error) {
	if v == "" {
		return prologixVID, prologixPID, nil
	}
	toks := strings.Split(v, ":")
	if len(toks) != 2 {
		return 0, 0, fmt.Errorf("expected VID:PID, got %q", v)
	}
	ids := make([]uint16, 2)
	for i, tok := range toks {
		id, err := strconv.ParseUint(strings.TrimPrefix(tok, "0x"), 16, 16)
		if err != nil {
			return 0, 0, fmt.Errorf("could not parse USB id %q: %w", tok, err)
		}
		ids[i] = uint16(id)
	}
	return ids[0], ids[1], nil
}

func initFTDI(dev ftdiDevice) error {
	err := dev.Reset()
	if err != nil {
		return fmt.Errorf("could not reset USB: %w", err)
	}

	err = dev.SetBitmode(0, ftdi.ModeReset)
	if err != nil {
		return fmt.Errorf("could not reset bit mode: %w", err)
	}

	err = dev.SetFlowControl(ftdi.FlowCtrlDisable)
	if err != nil {
		return fmt.Errorf("could not disable flow control: %w", err)
	}

	err = dev.SetLatencyTimer(2)
	if err != nil {
		return fmt.Errorf("could not set latency timer to 2: %w", err)
	}

	err = dev.SetWriteChunkSize(0xffff)
	if err != nil {
		return fmt.Errorf("could not set write chunk-size to 0xffff: %w", err)
	}

	err = dev.SetReadChunkSize(0xffff)
	if err != nil {
		return fmt.Errorf("could not set read chunk-size to 0xffff: %w", err)
	}

	err = dev.PurgeBuffers()
	if err != nil {
		return fmt.Errorf("could not purge USB buffers: %w", err)
	}
	return nil
}

var listPorts = enumerator.GetDetailedPortsList

// Discover returns the serial ports of the USB devices that look like a
// Prologix GPIB-USB adapter.
func Discover() ([]*enumerator.PortDetails, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("volt: could not list serial ports: %w", err)
	}

	var (
		vid = fmt.Sprintf("%04x", prologixVID)
		out []*enumerator.PortDetails
	)
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		if strings.EqualFold(p.VID, vid) || strings.Contains(strings.ToLower(p.Product), "prologix") {
			out = append(out, p)
		}
	}
	return out, nil
}
