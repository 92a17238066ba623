// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sink holds the durable destinations for accepted signals.
//
// There are two: a structured table (SQLite through GORM, or Postgres
// through pgx) and an append-only CSV file. Both receive the same five
// text columns in the same order. Sinks only ever append; no update or
// delete statement exists in this package.
//
// Structured sinks write every signal inside one run-long transaction,
// with a savepoint per signal so a single failed insert does not poison
// the rest. Flush commits. Closing without Flush rolls the run back, which
// is safe because the ledger is only flushed after the sinks.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianSignals/services/ingest/datatypes"
)

var (
	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("sink is closed")

	// ErrUnknownDriver is returned by OpenStructured for an unsupported driver.
	ErrUnknownDriver = errors.New("unknown structured sink driver")
)

// Sink is a durable, append-only destination for signals.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string

	// Write appends one signal.
	Write(ctx context.Context, sig datatypes.PersistedSignal) error

	// Flush makes every written signal durable.
	Flush(ctx context.Context) error

	// Close releases resources. Unflushed structured writes are discarded.
	Close() error
}

// DefaultTable is the structured table name used by existing deployments.
const DefaultTable = "signals"

// Structured sink drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// StructuredConfig selects and configures the structured sink.
type StructuredConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver" validate:"required,oneof=sqlite postgres"`

	// DSN is a file path for sqlite or a connection string for postgres.
	// The postgres DSN is usually supplied via SIGNALS_PG_DSN instead.
	DSN string `yaml:"dsn"`

	// Table is created if absent.
	Table string `yaml:"table" validate:"required"`

	// Schema applies to postgres only.
	Schema string `yaml:"schema"`

	// MaxConns applies to postgres only.
	MaxConns int `yaml:"max_conns" validate:"gte=0"`
}

// OpenStructured opens the structured sink selected by cfg.Driver.
func OpenStructured(ctx context.Context, cfg StructuredConfig, logger *slog.Logger) (Sink, error) {
	switch cfg.Driver {
	case DriverSQLite:
		return OpenSQLite(ctx, SQLiteConfig{Path: cfg.DSN, Table: cfg.Table}, logger)
	case DriverPostgres:
		return OpenPostgres(ctx, PostgresConfig{
			DSN:      cfg.DSN,
			Schema:   cfg.Schema,
			Table:    cfg.Table,
			MaxConns: cfg.MaxConns,
		}, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
