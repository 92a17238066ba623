// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AleutianAI/AleutianSignals/pkg/validation"
	"github.com/AleutianAI/AleutianSignals/services/ingest/datatypes"
)

// PostgresConfig configures a PostgresStore.
type PostgresConfig struct {
	DSN      string
	Schema   string // default "public"
	Table    string
	MaxConns int // default 2
}

// PostgresStore is the structured sink backed by a Postgres table via pgx.
// It mirrors SQLiteStore: one run transaction, one savepoint per write.
type PostgresStore struct {
	mu        sync.Mutex
	pool      *pgxpool.Pool
	tx        pgx.Tx
	qualified string
	insertSQL string
	logger    *slog.Logger
}

// OpenPostgres connects, creates the table if absent and starts the run
// transaction.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DSN == "" {
		return nil, errors.New("postgres sink: dsn is required")
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if err := validation.ValidateTableName(cfg.Table); err != nil {
		return nil, err
	}
	if err := validation.ValidateTableName(cfg.Schema); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 2
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	qualified := pgx.Identifier{cfg.Schema, cfg.Table}.Sanitize()
	if _, err := pool.Exec(ctx, createTableSQL(qualified)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create table %s: %w", qualified, err)
	}

	s := &PostgresStore{
		pool:      pool,
		qualified: qualified,
		insertSQL: insertSQL(qualified),
		logger:    logger.With("component", "sink", "sink", "postgres"),
	}
	if err := s.begin(); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func createTableSQL(qualified string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	ts       TEXT,
	source   TEXT,
	ticker   TEXT,
	headline TEXT,
	extra    TEXT
)`, qualified)
}

func insertSQL(qualified string) string {
	return fmt.Sprintf(`INSERT INTO %s (ts, source, ticker, headline, extra) VALUES ($1, $2, $3, $4, $5)`, qualified)
}

// Name implements Sink.
func (s *PostgresStore) Name() string { return "postgres" }

// Write implements Sink. The first write after a Flush opens the next run
// transaction.
func (s *PostgresStore) Write(ctx context.Context, sig datatypes.PersistedSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool == nil {
		return ErrClosed
	}
	if s.tx == nil {
		if err := s.begin(); err != nil {
			return err
		}
	}
	sp, err := s.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if _, err := sp.Exec(ctx, s.insertSQL, sig.Timestamp, string(sig.Tag), sig.Subject, sig.Headline, sig.Detail); err != nil {
		_ = sp.Rollback(context.WithoutCancel(ctx))
		return fmt.Errorf("insert into %s: %w", s.qualified, err)
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// Flush implements Sink.
func (s *PostgresStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool == nil {
		return ErrClosed
	}
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit(ctx)
	s.tx = nil
	if err != nil {
		return fmt.Errorf("commit postgres transaction: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil {
		_ = s.tx.Rollback(context.Background())
		s.tx = nil
	}
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

func (s *PostgresStore) begin() error {
	// Background: the transaction spans the whole run and must not be
	// torn down by a cancelled poll context.
	tx, err := s.pool.Begin(context.Background())
	if err != nil {
		return fmt.Errorf("begin postgres transaction: %w", err)
	}
	s.tx = tx
	return nil
}
