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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianSignals/pkg/validation"
	"github.com/AleutianAI/AleutianSignals/services/ingest/sink"
)

// DefaultPath is the config file read when --config is not given.
const DefaultPath = "signals.yaml"

// ErrInvalid wraps every validation failure so the CLI can map it to
// exit code 1.
var ErrInvalid = errors.New("invalid configuration")

var validate = validator.New()

const fileHeader = `# AleutianSignals configuration.
# Credentials are read from the environment (or .env), never from this file:
#   FINNHUB_KEY     earnings calendar
#   TWITTER_BEARER  recent search
#   SIGNALS_PG_DSN  postgres structured sink
`

// LoadDotEnv loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is not an
// error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads the config at path.
//
// Description:
//
//	Keys missing from the file keep their DefaultConfig values. When the
//	file does not exist it is created with defaults first, so the next
//	edit starts from a complete file. Secrets and SIGNALS_PG_DSN are then
//	taken from the environment and the result is validated.
//
// Outputs:
//
//	*SignalsConfig - Ready to use.
//	bool           - True when the file was created by this call.
//	error          - Wraps ErrInvalid for validation failures.
func Load(path string) (*SignalsConfig, bool, error) {
	cfg := DefaultConfig()
	created := false

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := WriteDefault(path); err != nil {
			return nil, false, err
		}
		created = true
	case err != nil:
		return nil, false, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, false, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
		}
	}

	applyEnv(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, created, err
	}
	return &cfg, created, nil
}

// WriteDefault writes DefaultConfig to path, creating parent directories.
// An existing file is left untouched and reported as an error.
func WriteDefault(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create config %s: %w", path, err)
	}
	if _, err := f.WriteString(fileHeader); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func applyEnv(cfg *SignalsConfig) {
	cfg.Secrets.FinnhubKey = strings.TrimSpace(os.Getenv(EnvFinnhubKey))
	cfg.Secrets.TwitterBearer = strings.TrimSpace(os.Getenv(EnvTwitterBearer))
	if dsn := os.Getenv(EnvPostgresDSN); dsn != "" && cfg.Sinks.Structured.Driver == sink.DriverPostgres {
		cfg.Sinks.Structured.DSN = dsn
	}
	if cfg.Ledger.Backend == LedgerBadger && cfg.Ledger.Path == "" {
		cfg.Ledger.Path = BadgerPath
	}
}

// Validate checks struct tags and the cross-field rules tags cannot
// express.
func Validate(cfg *SignalsConfig) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Fetch.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := validation.ValidateTableName(cfg.Sinks.Structured.Table); err != nil {
		return fmt.Errorf("%w: sinks.structured.table: %v", ErrInvalid, err)
	}
	if cfg.Sources.Filings.Enabled && len(cfg.Sources.Filings.Forms) == 0 {
		return fmt.Errorf("%w: sources.filings.forms must list at least one form", ErrInvalid)
	}
	if cfg.Sinks.Structured.Driver == sink.DriverPostgres && cfg.Sinks.Structured.DSN == "" {
		return fmt.Errorf("%w: postgres sink needs a DSN (set %s)", ErrInvalid, EnvPostgresDSN)
	}
	if cfg.Sinks.Structured.Driver == sink.DriverSQLite && cfg.Sinks.Structured.DSN == "" {
		cfg.Sinks.Structured.DSN = sink.DefaultSQLitePath
	}
	return nil
}
