// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/go-lpc/sipm/acq"
)

type config struct {
	Acq  acq.Config `mapstructure:"acq"`
	Ctl  string     `mapstructure:"ctl"` // address of the control server
	DB   string     `mapstructure:"db"`  // name of the conditions database
	Mail mailConfig `mapstructure:"mail"`
}

type mailConfig struct {
	Server   string   `mapstructure:"server"`
	Port     int      `mapstructure:"port"`
	User     string   `mapstructure:"user"`
	Password string   `mapstructure:"password"`
	Targets  []string `mapstructure:"targets"`
}

func (cfg mailConfig) valid() bool {
	return cfg.Server != "" && cfg.Port != 0 &&
		cfg.User != "" && cfg.Password != "" &&
		len(cfg.Targets) > 0
}

func defaultConfig() config {
	cfg := config{
		Acq: acq.DefaultConfig(),
		Ctl: ":8877",
		Mail: mailConfig{
			Server:   os.Getenv("MAIL_SERVER"),
			Port:     atoi(os.Getenv("MAIL_PORT")),
			User:     os.Getenv("MAIL_USERNAME"),
			Password: os.Getenv("MAIL_PASSWORD"),
		},
	}
	if v := os.Getenv("MAIL_TGTS"); v != "" {
		cfg.Mail.Targets = strings.Split(v, ",")
	}
	return cfg
}

// loadConfig reads the TOML configuration file fname.
// When fname is empty, sipm-daq.toml is looked for in /etc/sipm and in
// the current directory; a missing file then yields the default
// configuration.
func loadConfig(fname string) (config, error) {
	cfg := defaultConfig()

	v := viper.New()
	v.SetConfigType("toml")
	switch fname {
	case "":
		v.SetConfigName("sipm-daq")
		v.AddConfigPath("/etc/sipm")
		v.AddConfigPath(".")
	default:
		v.SetConfigFile(fname)
	}

	err := v.ReadInConfig()
	if err != nil {
		var nf viper.ConfigFileNotFoundError
		if fname == "" && errors.As(err, &nf) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("could not read config file: %w", err)
	}

	err = v.Unmarshal(&cfg)
	if err != nil {
		return cfg, fmt.Errorf("could not decode config file %q: %w", v.ConfigFileUsed(), err)
	}

	return cfg, nil
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
