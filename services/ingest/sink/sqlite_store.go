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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/AleutianAI/AleutianSignals/pkg/validation"
	"github.com/AleutianAI/AleutianSignals/services/ingest/datatypes"
)

// DefaultSQLitePath is the database file used when none is configured.
const DefaultSQLitePath = "signals.db"

// signalRow maps PersistedSignal onto the text columns of the table.
// There is no primary key; rows are only ever appended.
type signalRow struct {
	Ts       string `gorm:"column:ts;type:text"`
	Source   string `gorm:"column:source;type:text"`
	Ticker   string `gorm:"column:ticker;type:text"`
	Headline string `gorm:"column:headline;type:text"`
	Extra    string `gorm:"column:extra;type:text"`
}

func rowFromSignal(sig datatypes.PersistedSignal) signalRow {
	return signalRow{
		Ts:       sig.Timestamp,
		Source:   string(sig.Tag),
		Ticker:   sig.Subject,
		Headline: sig.Headline,
		Extra:    sig.Detail,
	}
}

// SQLiteConfig configures a SQLiteStore.
type SQLiteConfig struct {
	Path  string
	Table string
}

// SQLiteStore is the structured sink backed by a SQLite file via GORM.
//
// # Thread Safety
//
// Safe for concurrent use; writes are serialized internally.
type SQLiteStore struct {
	mu     sync.Mutex
	db     *gorm.DB
	tx     *gorm.DB
	table  string
	path   string
	logger *slog.Logger
}

// OpenSQLite opens or creates the database, creates the table if absent
// and starts the run transaction.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = DefaultSQLitePath
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if err := validation.ValidateTableName(cfg.Table); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}
	// The run transaction must outlive ctx cancellation so that Flush can
	// still commit during shutdown; only the DDL uses ctx.
	if err := db.WithContext(ctx).Table(cfg.Table).AutoMigrate(&signalRow{}); err != nil {
		closeGorm(db)
		return nil, fmt.Errorf("create table %s: %w", cfg.Table, err)
	}

	s := &SQLiteStore{
		db:     db,
		table:  cfg.Table,
		path:   cfg.Path,
		logger: logger.With("component", "sink", "sink", "sqlite"),
	}
	if err := s.begin(); err != nil {
		closeGorm(db)
		return nil, err
	}
	return s, nil
}

// Name implements Sink.
func (s *SQLiteStore) Name() string { return "sqlite" }

// Write implements Sink. The insert runs in a savepoint of the run
// transaction; the first write after a Flush opens the next one.
func (s *SQLiteStore) Write(ctx context.Context, sig datatypes.PersistedSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrClosed
	}
	if s.tx == nil {
		if err := s.begin(); err != nil {
			return err
		}
	}
	row := rowFromSignal(sig)
	err := s.tx.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Table(s.table).Create(&row).Error
	})
	if err != nil {
		return fmt.Errorf("insert into %s: %w", s.table, err)
	}
	return nil
}

// Flush implements Sink by committing the run transaction. An error means
// the commit itself failed.
func (s *SQLiteStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrClosed
	}
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit().Error
	s.tx = nil
	if err != nil {
		return fmt.Errorf("commit sqlite transaction: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil {
		s.tx.Rollback()
		s.tx = nil
	}
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	s.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Count returns the number of rows in the table, including rows written
// by this run but not yet committed.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn := s.db
	if s.tx != nil {
		conn = s.tx
	}
	if conn == nil {
		return 0, ErrClosed
	}
	var n int64
	err := conn.WithContext(ctx).Table(s.table).Count(&n).Error
	return n, err
}

func (s *SQLiteStore) begin() error {
	tx := s.db.Begin()
	if tx.Error != nil {
		return fmt.Errorf("begin sqlite transaction: %w", tx.Error)
	}
	s.tx = tx
	return nil
}

func closeGorm(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
