// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command sipm-daq runs the SiPM acquisition manager.
//
// sipm-daq drives the digitizer, the bias-voltage system and the
// temperature sensor of the SiPM test stand. It is controlled over TCP
// with JSON requests (see sipm-ctl).
//
// Example:
//
//	$> sipm-daq --config ./sipm-daq.toml --ctl :8877
package main // import "github.com/go-lpc/sipm/cmd/sipm-daq"

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/sbinet/pmon"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-lpc/sipm/acq"
	"github.com/go-lpc/sipm/caen"
	"github.com/go-lpc/sipm/conddb"
	"github.com/go-lpc/sipm/sensor"
	"github.com/go-lpc/sipm/volt"
)

var opts struct {
	config  string
	ctl     string
	db      string
	rate    float64
	verbose bool
	pmon    bool
	freq    time.Duration
}

var rootCmd = &cobra.Command{
	Use:   "sipm-daq",
	Short: "sipm-daq runs the SiPM acquisition manager",
	Args:  cobra.NoArgs,
	RunE:  run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&opts.config, "config", "c", "", "path to the TOML configuration file")
	flags.StringVar(&opts.ctl, "ctl", "", "address of the control server (overrides configuration)")
	flags.StringVar(&opts.db, "db", "", "name of the conditions database (overrides configuration)")
	flags.Float64Var(&opts.rate, "rate", 100, "trigger rate of the emulated digitizer (Hz)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose mode")
	flags.BoolVar(&opts.pmon, "pmon", false, "enable pmon monitoring")
	flags.DurationVar(&opts.freq, "pmon-freq", 1*time.Second, "pmon frequency")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sipm-daq: %+v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(opts.config)
	if err != nil {
		return fmt.Errorf("could not load configuration: %w", err)
	}
	if opts.ctl != "" {
		cfg.Ctl = opts.ctl
	}
	if opts.db != "" {
		cfg.DB = opts.db
	}

	lvl := log.LvlInfo
	if opts.verbose {
		lvl = log.LvlDebug
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return xmain(ctx, cfg, lvl)
}

func xmain(ctx context.Context, cfg config, lvl log.Level) error {
	msg := log.NewMsgStream("sipm-daq", lvl, os.Stdout)

	model, err := caen.ParseModel(cfg.Acq.Model)
	if err != nil {
		return fmt.Errorf("invalid digitizer model: %w", err)
	}

	sdk, err := caen.NewSDK(model, caen.WithEventRate(opts.rate))
	if err != nil {
		return fmt.Errorf("could not create digitizer SDK: %w", err)
	}

	mopts := []acq.Option{
		acq.WithMsgStream(log.NewMsgStream("acq", lvl, os.Stdout)),
	}

	sys, err := openVoltage(cfg.Acq.VoltagePort, lvl)
	if err != nil {
		return err
	}
	mopts = append(mopts, acq.WithVoltageSystem(sys))

	if cfg.Acq.TempSMBusAddr != 0 {
		tmp, err := sensor.OpenTMP(cfg.Acq.TempSMBus, cfg.Acq.TempSMBusAddr)
		if err != nil {
			_ = sys.Close()
			return fmt.Errorf("could not open temperature sensor: %w", err)
		}
		mopts = append(mopts, acq.WithThermometer(tmp))
	}

	mgr, err := acq.NewManager(cfg.Acq, sdk, mopts...)
	if err != nil {
		_ = sys.Close()
		return fmt.Errorf("could not create acquisition manager: %w", err)
	}

	srv, err := acq.NewServer(cfg.Ctl, mgr.Pipe(), log.NewMsgStream("acq-ctl", lvl, os.Stdout))
	if err != nil {
		_ = sys.Close()
		return fmt.Errorf("could not create control server: %w", err)
	}
	defer srv.Close()
	msg.Infof("control server listening on %v", srv.Addr())

	var db *conddb.DB
	if cfg.DB != "" {
		db, err = conddb.Open(cfg.DB)
		if err != nil {
			msg.Warnf("could not open conditions database %q: %+v", cfg.DB, err)
			db = nil
		}
	}
	if db != nil {
		defer db.Close()
	}

	if opts.pmon {
		p, err := pmon.Monitor(os.Getpid())
		if err != nil {
			return fmt.Errorf("could not start monitoring sipm-daq: %w", err)
		}
		f, err := os.Create(filepath.Join(cfg.Acq.RunDir, "sipm-daq-pmon.log"))
		if err != nil {
			return fmt.Errorf("could not create pmon log file: %w", err)
		}
		defer f.Close()
		p.W = f
		p.Freq = opts.freq

		go func() {
			err := p.Run()
			if err != nil {
				msg.Errorf("could not run pmon: %+v", err)
			}
		}()
		defer func() {
			err := p.Kill()
			if err != nil {
				msg.Errorf("could not stop pmon: %+v", err)
			}
		}()
	}

	mon := newMonitor(cfg, srv.Status, msg)
	if db != nil {
		mon.db = db
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var grp errgroup.Group
	grp.Go(func() error {
		defer cancel()
		defer srv.Close()
		err := mgr.Run(ctx)
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("acquisition manager failed: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		return srv.Serve()
	})
	grp.Go(func() error {
		return mon.run(ctx)
	})

	err = grp.Wait()
	if err != nil {
		return err
	}
	msg.Infof("bye.")
	return nil
}

func openVoltage(port string, lvl log.Level) (volt.System, error) {
	if port == "" {
		return volt.NewEmulated(), nil
	}
	t, err := volt.Open(port)
	if err != nil {
		return nil, fmt.Errorf("could not open voltage system: %w", err)
	}
	sys, err := volt.NewKeithley(t, volt.WithMsgStream(log.NewMsgStream("volt", lvl, os.Stdout)))
	if err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("could not setup voltage system: %w", err)
	}
	return sys, nil
}
