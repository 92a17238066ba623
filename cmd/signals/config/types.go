// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"time"

	"github.com/AleutianAI/AleutianSignals/services/ingest"
	"github.com/AleutianAI/AleutianSignals/services/ingest/fetch"
	"github.com/AleutianAI/AleutianSignals/services/ingest/ledger"
	"github.com/AleutianAI/AleutianSignals/services/ingest/sink"
	"github.com/AleutianAI/AleutianSignals/services/ingest/sources"
	"github.com/AleutianAI/AleutianSignals/services/ingest/telemetry"
)

// Ledger backends.
const (
	LedgerJSON   = "json"
	LedgerBadger = "badger"
)

// Environment variables holding credentials. They are never written to
// the config file.
const (
	EnvFinnhubKey    = "FINNHUB_KEY"
	EnvTwitterBearer = "TWITTER_BEARER"
	EnvPostgresDSN   = "SIGNALS_PG_DSN"
)

type SignalsConfig struct {
	Logging   LoggingConfig    `yaml:"logging"`
	Ledger    LedgerConfig     `yaml:"ledger"`
	Sinks     SinksConfig      `yaml:"sinks"`
	Fetch     fetch.Config     `yaml:"fetch"`
	Run       ingest.Config    `yaml:"run"`
	Sources   SourcesConfig    `yaml:"sources"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Watch     WatchConfig      `yaml:"watch"`

	// Secrets are read from the environment only.
	Secrets Secrets `yaml:"-"`
}

type Secrets struct {
	FinnhubKey    string
	TwitterBearer string
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir    string `yaml:"dir"` // empty disables file logging
	Format string `yaml:"format" validate:"omitempty,oneof=auto text json"`
}

type LedgerConfig struct {
	Backend string `yaml:"backend" validate:"required,oneof=json badger"`
	Path    string `yaml:"path" validate:"required"`
}

type SinksConfig struct {
	Structured sink.StructuredConfig `yaml:"structured"`
	CSV        sink.CSVConfig        `yaml:"csv"`
}

type MetricsConfig struct {
	// Textfile is written after every run when set, for the node-exporter
	// textfile collector.
	Textfile string `yaml:"textfile"`
}

type WatchConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
	Jitter   time.Duration `yaml:"jitter" validate:"gte=0"`
	Listen   string        `yaml:"listen"` // e.g. ":9464"; empty disables HTTP
}

type SourcesConfig struct {
	Filings       FilingsConfig  `yaml:"filings"`
	Earnings      EarningsConfig `yaml:"earnings"`
	PressReleases FeedConfig     `yaml:"press_releases"`
	Options       OptionsConfig  `yaml:"options"`
	Twitter       TwitterConfig  `yaml:"twitter"`
	Reddit        RedditConfig   `yaml:"reddit"`
	News          FeedConfig     `yaml:"news"`
}

type FilingsConfig struct {
	Enabled bool     `yaml:"enabled"`
	Forms   []string `yaml:"forms" validate:"dive,required"`
	Count   int      `yaml:"count" validate:"gte=0,lte=100"`
}

type EarningsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	LookaheadDays int    `yaml:"lookahead_days" validate:"gte=0,lte=30"`
	URL           string `yaml:"url" validate:"omitempty,url"`
}

type FeedConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url" validate:"omitempty,url"`
}

type OptionsConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url" validate:"omitempty,url"`
	MaxRows int    `yaml:"max_rows" validate:"gte=0"`
}

type TwitterConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Query      string `yaml:"query"`
	MaxResults int    `yaml:"max_results" validate:"omitempty,min=10,max=100"`
	URL        string `yaml:"url" validate:"omitempty,url"`
}

type RedditConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Subreddits []string `yaml:"subreddits" validate:"dive,required"`
	Limit      int      `yaml:"limit" validate:"gte=0,lte=100"`
	URL        string   `yaml:"url" validate:"omitempty,url"`
}

// DefaultConfig matches the behavior of a plain cron-driven deployment:
// every source on, JSON ledger and SQLite/CSV sinks in the working
// directory.
func DefaultConfig() SignalsConfig {
	return SignalsConfig{
		Logging: LoggingConfig{Level: "info", Format: "auto"},
		Ledger:  LedgerConfig{Backend: LedgerJSON, Path: ledger.DefaultJSONPath},
		Sinks: SinksConfig{
			Structured: sink.StructuredConfig{
				Driver: sink.DriverSQLite,
				DSN:    sink.DefaultSQLitePath,
				Table:  sink.DefaultTable,
				Schema: "public",
			},
			CSV: sink.CSVConfig{Path: sink.DefaultCSVPath},
		},
		Fetch:     fetch.DefaultConfig(),
		Run:       ingest.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
		Watch: WatchConfig{
			Interval: 15 * time.Minute,
			Jitter:   2 * time.Minute,
		},
		Sources: SourcesConfig{
			Filings:       FilingsConfig{Enabled: true, Forms: []string{"4", "8-K"}, Count: 100},
			Earnings:      EarningsConfig{Enabled: true, LookaheadDays: 2, URL: sources.FinnhubEarningsURL},
			PressReleases: FeedConfig{Enabled: true, URL: sources.BusinessWireURL},
			Options:       OptionsConfig{Enabled: true, URL: sources.BarchartUnusualOptionsURL, MaxRows: 15},
			Twitter: TwitterConfig{
				Enabled:    true,
				Query:      sources.DefaultTwitterQuery,
				MaxResults: 20,
				URL:        sources.TwitterRecentSearchURL,
			},
			Reddit: RedditConfig{
				Enabled:    true,
				Subreddits: []string{"wallstreetbets", "stocks"},
				Limit:      25,
				URL:        sources.RedditBaseURL,
			},
			News: FeedConfig{Enabled: true, URL: sources.GoogleNewsURL},
		},
	}
}

// BadgerPath is the default directory when the badger backend is chosen
// without an explicit path.
const BadgerPath = ".last_seen.badger"
