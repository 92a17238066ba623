// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianSignals/cmd/signals/config"
	"github.com/AleutianAI/AleutianSignals/pkg/ux"
	"github.com/AleutianAI/AleutianSignals/services/ingest/sink"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create, validate or print the configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a config file with defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.WriteDefault(a.configPath); err != nil {
				return fatal(err)
			}
			ux.Success("wrote " + a.configPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the config file and credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.load(); err != nil {
				return err
			}
			ux.Success("configuration valid")
			if a.cfg.Sources.Earnings.Enabled && a.cfg.Secrets.FinnhubKey == "" {
				ux.Warning("earnings enabled but " + config.EnvFinnhubKey + " is not set; it will be skipped")
			}
			if a.cfg.Sources.Twitter.Enabled && a.cfg.Secrets.TwitterBearer == "" {
				ux.Warning("twitter enabled but " + config.EnvTwitterBearer + " is not set; it will be skipped")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (credentials omitted)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.load(); err != nil {
				return err
			}
			shown := *a.cfg
			if shown.Sinks.Structured.Driver == sink.DriverPostgres && shown.Sinks.Structured.DSN != "" {
				shown.Sinks.Structured.DSN = "<redacted>"
			}
			data, err := yaml.Marshal(shown)
			if err != nil {
				return fatal(err)
			}
			fmt.Fprint(ux.Stdout, string(data))
			return nil
		},
	})

	return cmd
}
