// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package volt

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/stretchr/testify/require"
	"github.com/ziutek/ftdi"
	"go.bug.st/serial/enumerator"
)

// gpib emulates a Prologix adapter with instruments replying to fetch
// requests.
type gpib struct {
	cmds    []string
	addr    string
	auto    bool
	replies map[string]string // reply per GPIB address
	out     bytes.Buffer
	closed  bool
	partial bytes.Buffer
}

func newGPIB() *gpib {
	return &gpib{
		replies: map[string]string{
			"10": "+5.20000000E+01VDC",
			"22": "+1.000000E-09A",
		},
	}
}

func (g *gpib) Write(p []byte) (int, error) {
	if g.closed {
		return 0, io.ErrClosedPipe
	}
	g.partial.Write(p)
	for {
		line, err := g.partial.ReadString('\n')
		if err != nil {
			g.partial.WriteString(line)
			break
		}
		cmd := strings.TrimSpace(line)
		g.cmds = append(g.cmds, cmd)
		switch {
		case strings.HasPrefix(cmd, "++addr "):
			g.addr = strings.TrimPrefix(cmd, "++addr ")
		case strings.HasPrefix(cmd, "++auto "):
			g.auto = strings.TrimPrefix(cmd, "++auto ") == "1"
		case strings.HasPrefix(cmd, "++read"), g.auto && strings.HasSuffix(cmd, "?"):
			if reply, ok := g.replies[g.addr]; ok {
				g.out.WriteString(reply + "\r\n")
			}
		}
	}
	return len(p), nil
}

func (g *gpib) Read(p []byte) (int, error) {
	if g.out.Len() == 0 {
		return 0, io.EOF
	}
	// reply in small chunks.
	if len(p) > 4 {
		p = p[:4]
	}
	return g.out.Read(p)
}

func (g *gpib) Close() error {
	g.closed = true
	return nil
}

func (g *gpib) last() string {
	if len(g.cmds) == 0 {
		return ""
	}
	return g.cmds[len(g.cmds)-1]
}

// fakeBus records the commands sent to each instrument.
type fakeBus struct {
	cmds    []string
	replies map[int]string
	fail    string // command failing
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		replies: map[int]string{
			dmmAddr:  "+5.20000000E+01VDC",
			picoAddr: "+1.000000E-09A",
		},
	}
}

func (b *fakeBus) Command(addr int, cmd string) error {
	b.cmds = append(b.cmds, fmt.Sprintf("%d:%s", addr, cmd))
	if cmd == b.fail {
		return fmt.Errorf("could not send %q", cmd)
	}
	return nil
}

func (b *fakeBus) Query(addr int, cmd string) (string, error) {
	err := b.Command(addr, cmd)
	if err != nil {
		return "", err
	}
	reply, ok := b.replies[addr]
	if !ok {
		return "", fmt.Errorf("no reply from GPIB addr %d", addr)
	}
	return reply, nil
}

type closer struct{ closed bool }

func (c *closer) Close() error { c.closed = true; return nil }

func newTestKeithley(b bus, c io.Closer, opts ...KeithleyOption) *Keithley {
	opts = append([]KeithleyOption{
		WithMsgStream(log.NewMsgStream("volt", log.LvlInfo, io.Discard)),
	}, opts...)
	k := newKeithley(b, c, opts...)
	k.sleep = func(time.Duration) {}
	return k
}

func TestKeithleyInit(t *testing.T) {
	b := newFakeBus()
	k := newTestKeithley(b, new(closer))

	var slept time.Duration
	k.sleep = func(d time.Duration) { slept += d }

	require.NoError(t, k.Init(52))
	require.Equal(t, "10:*rst", b.cmds[0])
	require.Contains(t, b.cmds, "22:*rst")
	require.Contains(t, b.cmds, "22::sour:volt 52.000000")
	require.Contains(t, b.cmds, "22::sour:volt:stat OFF")
	require.Equal(t, "22::init", b.cmds[len(b.cmds)-1])
	require.Equal(t, len(initSteps(52)), len(b.cmds))
	require.Greater(t, slept, 10*time.Second)

	require.Error(t, k.Init(60))
	require.Error(t, k.Init(-1))

	b.cmds = nil
	b.fail = ":form ascii"
	require.Error(t, k.Init(52))
	require.Equal(t, "10::form ascii", b.cmds[len(b.cmds)-1], "init must stop at the first failure")
}

func TestKeithleyControl(t *testing.T) {
	var (
		b = newFakeBus()
		c = new(closer)
		k = newTestKeithley(b, c)
	)

	require.NoError(t, k.SetVoltage(53.5))
	require.NoError(t, k.Enable(true))
	require.NoError(t, k.Enable(false))
	require.Equal(t, []string{
		"22::sour:volt 53.500000",
		"22::sour:volt:stat ON",
		"22::sour:volt:stat OFF",
	}, b.cmds)

	require.Error(t, k.SetVoltage(56))

	b.cmds = nil
	require.NoError(t, k.Close())
	require.Equal(t, []string{"22::sour:volt:stat OFF", "22::sour:volt 0.0"}, b.cmds)
	require.True(t, c.closed)
}

func TestKeithleyMeasure(t *testing.T) {
	b := newFakeBus()
	now := time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)
	k := newTestKeithley(b, new(closer), WithCalibration(Calibration{M: 1, B: 0.5, RInternal: 1e6}))
	k.now = func() time.Time { return now }

	m, err := k.Measure()
	require.NoError(t, err)
	require.Equal(t, now, m.Time)
	require.InDelta(t, 52+0.5-1e-3, m.Volt, 1e-9)
	require.InDelta(t, 1e-9, m.Current, 1e-15)
	require.Equal(t, []string{"10::fetch?", "22::fetch?", "22::init"}, b.cmds)

	for _, tc := range []struct {
		name string
		dmm  string
		pico string
		err  error
	}{
		{name: "current-overflow", dmm: "+5.20000000E+01VDC", pico: "+9.900000E+37"},
		{name: "voltage-overflow", dmm: "+9.90000000E+37VDC", pico: "+1.000000E-09A"},
		{name: "negative-overflow", dmm: "-9.90000000E+37VDC", pico: "+1.000000E-09A"},
		{name: "nan", dmm: "+5.20000000E+01VDC", pico: "nan"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b.replies[dmmAddr] = tc.dmm
			b.replies[picoAddr] = tc.pico
			_, err := k.Measure()
			require.True(t, errors.Is(err, ErrOverflow), "%+v", err)
		})
	}

	b.replies[dmmAddr] = "garbage"
	_, err = k.Measure()
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrOverflow))

	delete(b.replies, dmmAddr)
	_, err = k.Measure()
	require.Error(t, err)
}

func TestPrologixBus(t *testing.T) {
	g := newGPIB()
	b, err := newPrologixBus(g, dmmAddr, picoAddr)
	require.NoError(t, err)
	require.Equal(t, "22", g.addr, "the last controller selects its instrument")

	require.NoError(t, b.Command(picoAddr, ":sour:volt:stat ON"))
	require.Equal(t, "22", g.addr)
	require.Equal(t, ":sour:volt:stat ON", g.last())

	reply, err := b.Query(dmmAddr, ":fetch?")
	require.NoError(t, err)
	require.Equal(t, "+5.20000000E+01VDC", reply)
	require.Equal(t, "10", g.addr)

	reply, err = b.Query(picoAddr, ":fetch?")
	require.NoError(t, err)
	require.Equal(t, "+1.000000E-09A", reply)
	require.Equal(t, "22", g.addr)

	_, err = b.Query(42, ":fetch?")
	require.Error(t, err)

	// no reply from the multimeter.
	delete(g.replies, "10")
	_, err = b.Query(dmmAddr, ":fetch?")
	require.Error(t, err)

	g.closed = true
	require.Error(t, b.Command(picoAddr, ":init"))
}

func TestCalibration(t *testing.T) {
	v := DefaultCalibration.SiPMVoltage(52, 1e-9)
	require.InDelta(t, 1.00000790*52-7.03796763e-06-30642e-9, v, 1e-12)
}

func TestSettle(t *testing.T) {
	var (
		t0 = time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)
		s  = NewSettle()
	)
	require.True(t, s.Stabilized(t0), "no voltage change")

	s.Start(t0, 52, 53)
	require.False(t, s.Stabilized(t0.Add(89*time.Second)))
	require.True(t, s.Stabilized(t0.Add(90*time.Second)))

	s.SwingFactor = 2.5
	s.Start(t0, 0, 52)
	require.Equal(t, 225*time.Second, s.Remaining(t0))
	require.False(t, s.Stabilized(t0.Add(200*time.Second)))

	s.Start(t0, 52, 55)
	require.Equal(t, 90*time.Second, s.Remaining(t0))
}

func TestEmulated(t *testing.T) {
	sys := NewEmulated()
	require.NoError(t, sys.Init(52))

	m, err := sys.Measure()
	require.NoError(t, err)
	require.Equal(t, 0.0, m.Volt)

	require.NoError(t, sys.Enable(true))
	require.NoError(t, sys.SetVoltage(54))
	m, err = sys.Measure()
	require.NoError(t, err)
	require.Equal(t, 54.0, m.Volt)
	require.Greater(t, m.Current, 0.0)

	require.Error(t, sys.SetVoltage(100))
	require.NoError(t, sys.Close())
}

type fakeFTDI struct {
	gpib
	calls []string
	fail  string
}

func (f *fakeFTDI) call(name string) error {
	f.calls = append(f.calls, name)
	if name == f.fail {
		return fmt.Errorf("%s failed", name)
	}
	return nil
}

func (f *fakeFTDI) Reset() error { return f.call("reset") }
func (f *fakeFTDI) SetBitmode(iomask byte, mode ftdi.Mode) error {
	return f.call("bitmode")
}
func (f *fakeFTDI) SetFlowControl(ftdi.FlowCtrl) error { return f.call("flow") }
func (f *fakeFTDI) SetLatencyTimer(int) error          { return f.call("latency") }
func (f *fakeFTDI) SetWriteChunkSize(int) error        { return f.call("wchunk") }
func (f *fakeFTDI) SetReadChunkSize(int) error         { return f.call("rchunk") }
func (f *fakeFTDI) PurgeBuffers() error                { return f.call("purge") }

func TestOpenFTDI(t *testing.T) {
	defer func(f func(vid, pid uint16) (ftdiDevice, error)) {
		ftdiOpen = f
	}(ftdiOpen)

	for _, tc := range []struct {
		port string
		vid  uint16
		pid  uint16
		fail string
		err  bool
	}{
		{port: "ftdi:", vid: 0x0403, pid: 0x6001},
		{port: "ftdi:0403:6015", vid: 0x0403, pid: 0x6015},
		{port: "ftdi:0x0403:0x6015", vid: 0x0403, pid: 0x6015},
		{port: "ftdi:0403", err: true},
		{port: "ftdi:xx:6015", err: true},
		{port: "ftdi:", fail: "purge", err: true},
	} {
		t.Run(tc.port+tc.fail, func(t *testing.T) {
			dev := &fakeFTDI{fail: tc.fail}
			var vid, pid uint16
			ftdiOpen = func(v, p uint16) (ftdiDevice, error) {
				vid, pid = v, p
				return dev, nil
			}
			tr, err := Open(tc.port)
			if tc.err {
				require.Error(t, err)
				if tc.fail != "" {
					require.True(t, dev.closed)
				}
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.vid, vid)
			require.Equal(t, tc.pid, pid)
			require.Equal(t, []string{"reset", "bitmode", "flow", "latency", "wchunk", "rchunk", "purge"}, dev.calls)
			require.NoError(t, tr.Close())
		})
	}
}

func TestOpenSerial(t *testing.T) {
	defer func(f func(string, int, time.Duration) (io.ReadWriteCloser, error)) {
		serialOpen = f
	}(serialOpen)

	var got struct {
		port string
		baud int
	}
	serialOpen = func(port string, baud int, timeout time.Duration) (io.ReadWriteCloser, error) {
		got.port = port
		got.baud = baud
		if port == "/dev/missing" {
			return nil, fmt.Errorf("no such port")
		}
		return newGPIB(), nil
	}

	tr, err := Open("/dev/ttyUSB0")
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyUSB0", got.port)
	require.Equal(t, DefaultBaudRate, got.baud)
	require.NoError(t, tr.Close())

	_, err = Open("/dev/missing")
	require.Error(t, err)
}

func TestDiscover(t *testing.T) {
	defer func(f func() ([]*enumerator.PortDetails, error)) {
		listPorts = f
	}(listPorts)

	listPorts = func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{
			{Name: "/dev/ttyS0"},
			{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6001"},
			{Name: "/dev/ttyUSB1", IsUSB: true, VID: "2341", PID: "0043"},
			{Name: "/dev/ttyUSB2", IsUSB: true, VID: "1234", Product: "Prologix GPIB-USB"},
		}, nil
	}
	ports, err := Discover()
	require.NoError(t, err)
	var names []string
	for _, p := range ports {
		names = append(names, p.Name)
	}
	require.Equal(t, []string{"/dev/ttyUSB0", "/dev/ttyUSB2"}, names)
}
