// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-lpc/sipm"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of sipm-daq",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		version, sum := sipm.Version()
		if version == "" {
			version = "(devel)"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sipm-daq %s %s\n", version, sum)
	},
}
