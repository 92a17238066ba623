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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianSignals/cmd/signals/config"
	"github.com/AleutianAI/AleutianSignals/pkg/logging"
	"github.com/AleutianAI/AleutianSignals/pkg/ux"
	"github.com/AleutianAI/AleutianSignals/services/ingest/telemetry"
)

// app holds flag values and the state shared by subcommands.
type app struct {
	configPath string
	envFile    string
	logLevel   string
	output     string

	cfg      *config.SignalsConfig
	logger   *logging.Logger
	shutdown func(context.Context) error
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "signals",
		Short: "Ingest market event feeds into a deduplicated signal store",
		Long: `signals polls SEC filings, earnings calendars, press releases, unusual
options activity, social posts and news headlines, skips anything it has
already recorded, and appends the rest to a SQL table and a CSV file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ux.InitPersonality()
			if a.output != "" {
				ux.SetPersonality(ux.ParsePersonalityLevel(a.output))
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", config.DefaultPath, "config file")
	flags.StringVar(&a.envFile, "env-file", ".env", "dotenv file with credentials")
	flags.StringVar(&a.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	flags.StringVar(&a.output, "output", "", "output style: full, minimal, machine (default: auto)")

	root.AddCommand(
		newRunCmd(a),
		newWatchCmd(a),
		newLedgerCmd(a),
		newConfigCmd(a),
	)
	return root
}

// execute runs the CLI and returns the process exit code.
func execute(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	root := newRootCmd(a)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	a.close()
	if err != nil {
		ux.Error(err.Error())
	}
	return exitCode(err)
}

// load reads configuration and builds the logger. Commands that touch
// the pipeline call it first.
func (a *app) load() error {
	if err := config.LoadDotEnv(a.envFile); err != nil {
		return fatal(err)
	}
	cfg, created, err := config.Load(a.configPath)
	if err != nil {
		return fatal(err)
	}

	levelName := cfg.Logging.Level
	if a.logLevel != "" {
		levelName = a.logLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return fatal(fmt.Errorf("%w: %v", config.ErrInvalid, err))
	}

	a.cfg = cfg
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "signals",
		Format:  logging.Format(cfg.Logging.Format),
	})
	if created {
		a.logger.Info("created default config", "path", a.configPath)
	}
	a.logger.Debug("config loaded",
		"path", a.configPath,
		"finnhub_key_present", cfg.Secrets.FinnhubKey != "",
		"twitter_bearer_present", cfg.Secrets.TwitterBearer != "")
	return nil
}

// startTelemetry installs the tracer provider once per process.
func (a *app) startTelemetry(ctx context.Context) error {
	if a.shutdown != nil {
		return nil
	}
	shutdown, err := telemetry.Init(ctx, a.cfg.Telemetry)
	if err != nil {
		return fatal(err)
	}
	a.shutdown = shutdown
	return nil
}

func (a *app) close() {
	if a.shutdown != nil {
		if err := a.shutdown(context.Background()); err != nil && a.logger != nil {
			a.logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
}
