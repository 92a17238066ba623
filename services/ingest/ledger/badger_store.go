// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// seenPrefix namespaces ledger keys so the database can hold other data.
var seenPrefix = []byte("seen/")

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// Path is the database directory. Required unless InMemory.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit. Defaults to true via DefaultBadgerConfig.
	SyncWrites bool

	// Logger receives Badger's internal messages. Nil silences them.
	Logger *slog.Logger
}

// DefaultBadgerConfig returns a durable configuration for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{Path: path, SyncWrites: true}
}

// BadgerStore keeps one key per identifier under the "seen/" prefix.
//
// The in-memory set of a loaded Ledger always contains everything that was
// stored, so Save upserts every identifier instead of dropping the prefix
// first. A failed Save leaves the previous keys intact.
type BadgerStore struct {
	db   *badger.DB
	path string
}

// OpenBadgerStore opens (creating if needed) the database described by cfg.
//
// Outputs:
//
//	*BadgerStore - Open store. Close it when the run ends.
//	error        - Non-nil if the directory cannot be created or Badger
//	               cannot open it (for example, another process holds it).
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger ledger: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create ledger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger ledger: %w", err)
	}
	return &BadgerStore{db: db, path: cfg.Path}, nil
}

// Describe implements Store.
func (s *BadgerStore) Describe() string {
	if s.path == "" {
		return "badger:memory"
	}
	return "badger:" + s.path
}

// Load implements Store. An empty database reports fs.ErrNotExist so the
// first run logs like the JSON store does.
func (s *BadgerStore) Load(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = seenPrefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().KeyCopy(nil)
			ids = append(ids, string(key[len(seenPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan badger ledger: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("badger ledger %s: %w", s.Describe(), os.ErrNotExist)
	}
	return ids, nil
}

// Save implements Store.
func (s *BadgerStore) Save(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, id := range ids {
		key := make([]byte, 0, len(seenPrefix)+len(id))
		key = append(key, seenPrefix...)
		key = append(key, id...)
		if err := wb.Set(key, nil); err != nil {
			return fmt.Errorf("stage ledger key: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("commit ledger batch: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger adapts slog to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
