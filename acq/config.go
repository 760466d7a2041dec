// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acq

import (
	"fmt"
	"time"

	"github.com/go-lpc/sipm/caen"
	"github.com/go-lpc/sipm/calib"
)

// Config is the configuration of an acquisition manager.
type Config struct {
	RunDir  string `mapstructure:"run_dir"`  // root directory of the output files
	RunName string `mapstructure:"run_name"` // name of the endless acquisition file
	SiPMID  int    `mapstructure:"sipm_id"`
	Cell    int    `mapstructure:"cell"`

	Model      string `mapstructure:"model"`
	Connection string `mapstructure:"connection"`
	Link       int    `mapstructure:"link"`
	Conet      int    `mapstructure:"conet"`
	VME        uint32 `mapstructure:"vme"`

	Global caen.GlobalConfig   `mapstructure:"global"`
	Groups []caen.GroupConfig `mapstructure:"groups"`

	VoltagePort    string        `mapstructure:"voltage_port"`
	Voltage        float64       `mapstructure:"voltage"` // initial bias voltage
	SettleWait     time.Duration `mapstructure:"settle_wait"`
	SwingThreshold float64       `mapstructure:"swing_threshold"`
	SwingFactor    float64       `mapstructure:"swing_factor"`

	Temperature     float64       `mapstructure:"temperature"` // used without a thermometer
	TempWindow      time.Duration `mapstructure:"temperature_window"`
	TempTolerance   float64       `mapstructure:"temperature_tolerance"`
	TempSMBus       int           `mapstructure:"temperature_bus"`
	TempSMBusAddr   uint8         `mapstructure:"temperature_addr"`
	DataPulses      int           `mapstructure:"data_pulses"` // numbered acquisition quota
	SPEPulses       int           `mapstructure:"spe_pulses"`
	CalibDataPulses int           `mapstructure:"calib_data_pulses"`
	GainVoltages    []float64     `mapstructure:"gain_voltages"`
	OverVoltages    []float64     `mapstructure:"over_voltages"`
}

// DefaultConfig returns a configuration driving an emulated digitizer.
func DefaultConfig() Config {
	cfg := Config{
		RunDir:     ".",
		Model:      caen.DEBUG.String(),
		Connection: caen.USB.String(),
		Global:     caen.DefaultGlobalConfig(),
		Groups:     []caen.GroupConfig{caen.DefaultGroupConfig(0)},
	}
	cfg.defaults()
	return cfg
}

func (cfg *Config) defaults() {
	if cfg.RunName == "" {
		cfg.RunName = "run"
	}
	if cfg.Model == "" {
		cfg.Model = caen.DEBUG.String()
	}
	if cfg.Connection == "" {
		cfg.Connection = caen.USB.String()
	}
	if cfg.Global == (caen.GlobalConfig{}) {
		cfg.Global = caen.DefaultGlobalConfig()
	}
	if cfg.SettleWait <= 0 {
		cfg.SettleWait = 90 * time.Second
	}
	if cfg.SwingThreshold <= 0 {
		cfg.SwingThreshold = 10
	}
	if cfg.SwingFactor <= 0 {
		cfg.SwingFactor = 1
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 25
	}
	if cfg.TempTolerance <= 0 {
		cfg.TempTolerance = 0.5
	}
	if cfg.DataPulses <= 0 {
		cfg.DataPulses = 200000
	}
	if cfg.SPEPulses <= 0 {
		cfg.SPEPulses = 20000
	}
	if len(cfg.GainVoltages) == 0 {
		cfg.GainVoltages = calib.DefaultGainVoltages
	}
	if len(cfg.OverVoltages) == 0 {
		cfg.OverVoltages = calib.DefaultOverVoltages
	}
}

func (cfg Config) validate() error {
	if len(cfg.Groups) == 0 {
		return fmt.Errorf("acq: no digitizer group configured")
	}
	_, err := caen.ParseModel(cfg.Model)
	if err != nil {
		return fmt.Errorf("acq: invalid configuration: %w", err)
	}
	_, err = caen.ParseConnectionType(cfg.Connection)
	if err != nil {
		return fmt.Errorf("acq: invalid configuration: %w", err)
	}
	return nil
}

func (cfg Config) calib(dir string) calib.Config {
	return calib.Config{
		RunDir:       dir,
		SiPMID:       cfg.SiPMID,
		Cell:         cfg.Cell,
		SPEPulses:    cfg.SPEPulses,
		DataPulses:   cfg.CalibDataPulses,
		GainVoltages: cfg.GainVoltages,
		OverVoltages: cfg.OverVoltages,
	}
}
