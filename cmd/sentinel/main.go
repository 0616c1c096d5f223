// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command sentinel is the Aleutian self-healing engine.
//
// # Examples
//
//	sentinel run --config /etc/aleutian/sentinel.yaml
//	sentinel status
//	sentinel events --severity critical --since 1h
//	sentinel clear ollama
//	sentinel validate --config ./sentinel.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const defaultConfigPath = "/etc/aleutian/sentinel.yaml"

var (
	configPath string
	apiAddr    string
	jsonOutput bool
)

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sentinel",
		Short: "Autonomous health monitoring and remediation for the Aleutian appliance",
		Long: `Sentinel probes every appliance service, classifies its health and
walks a bounded remediation ladder (restart, GPU cache release, dependency
chain restart, host reboot) under hard safety limits.

The run command starts the engine. The other commands talk to a running
engine through its local HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to sentinel.yaml")
	root.PersistentFlags().StringVar(&apiAddr, "api", "", "engine API address (default: api.listen from the config, else 127.0.0.1:7071)")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")

	root.AddCommand(
		newRunCmd(),
		newStatusCmd(),
		newStatsCmd(),
		newEventsCmd(),
		newClearCmd(),
		newValidateCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sentinel: %v\n", err)
		os.Exit(1)
	}
}
