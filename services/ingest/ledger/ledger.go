// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger tracks every record identifier that has been persisted, so
// repeated runs deliver each upstream item at most once.
//
// # Lifecycle
//
// A Ledger is loaded once at the start of a run, mutated in memory as
// records are accepted, and flushed exactly once at the end:
//
//	l, err := ledger.Load(ctx, ledger.NewJSONFileStore(".last_seen.json"), logger)
//	if err != nil {
//	    return err // storage exists but cannot be read
//	}
//	if !l.Contains(id) {
//	    // write sinks first, then:
//	    l.MarkSeen(id)
//	}
//	return l.Flush(ctx)
//
// Missing or malformed storage is never fatal; it yields an empty set and
// the next run may re-deliver items. Re-delivery is preferred over loss.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"sync"
)

var (
	// ErrCorrupt marks stored content that could not be decoded.
	// Load treats it as an empty ledger.
	ErrCorrupt = errors.New("ledger content is corrupt")

	// ErrUnavailable marks storage that exists but cannot be read.
	ErrUnavailable = errors.New("ledger storage unavailable")
)

// Store persists the identifier set.
//
// Load returns an error wrapping fs.ErrNotExist when nothing has been
// saved yet, and one wrapping ErrCorrupt when stored content is malformed.
// Save replaces the stored set with ids, which are sorted and unique.
type Store interface {
	Load(ctx context.Context) ([]string, error)
	Save(ctx context.Context, ids []string) error
	Describe() string
	Close() error
}

// Ledger is the in-memory identifier set backed by a Store.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Callers that need
// check-then-mark to be atomic (the persister) hold their own lock
// around Contains and MarkSeen.
type Ledger struct {
	mu     sync.RWMutex
	seen   map[string]struct{}
	added  int
	store  Store
	logger *slog.Logger
}

// Load reads the set from store.
//
// Description:
//
//	A store with nothing saved, or with malformed content, yields an empty
//	Ledger and a log line. Any other read failure is returned wrapped with
//	ErrUnavailable, because the final Flush would fail the same way after
//	the sinks had already been written.
//
// Inputs:
//
//	ctx    - Cancellation for the read.
//	store  - Backing storage. Must not be nil.
//	logger - Destination for load diagnostics. Nil uses slog.Default().
//
// Outputs:
//
//	*Ledger - Loaded (possibly empty) set.
//	error   - Non-nil only when storage is unavailable.
func Load(ctx context.Context, store Store, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ledger", "store", store.Describe())

	l := &Ledger{
		seen:   make(map[string]struct{}),
		store:  store,
		logger: logger,
	}

	ids, err := store.Load(ctx)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("no ledger found, starting empty")
		return l, nil
	case errors.Is(err, ErrCorrupt):
		logger.Warn("ledger is corrupt, starting empty", "error", err)
		return l, nil
	default:
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	for _, id := range ids {
		if id != "" {
			l.seen[id] = struct{}{}
		}
	}
	logger.Info("ledger loaded", "size", len(l.seen))
	return l, nil
}

// New returns an empty Ledger over store without reading it.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		seen:   make(map[string]struct{}),
		store:  store,
		logger: logger.With("component", "ledger"),
	}
}

// Contains reports whether id has been persisted.
func (l *Ledger) Contains(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.seen[id]
	return ok
}

// MarkSeen adds id to the set. Marking an existing id is a no-op.
func (l *Ledger) MarkSeen(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[id]; ok {
		return
	}
	l.seen[id] = struct{}{}
	l.added++
}

// Len returns the number of identifiers in the set.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.seen)
}

// Added returns how many identifiers were marked since Load.
func (l *Ledger) Added() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.added
}

// Snapshot returns the identifiers in ascending order.
func (l *Ledger) Snapshot() []string {
	l.mu.RLock()
	ids := make([]string, 0, len(l.seen))
	for id := range l.seen {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Flush writes the full current set through the Store.
//
// Description:
//
//	Called once per run, after the sinks are flushed. The Store
//	guarantees the previous content survives a failed Flush.
//
// Outputs:
//
//	error - Wrapped store error. The caller treats it as fatal.
func (l *Ledger) Flush(ctx context.Context) error {
	ids := l.Snapshot()
	if err := l.store.Save(ctx, ids); err != nil {
		return fmt.Errorf("flush ledger to %s: %w", l.store.Describe(), err)
	}
	l.logger.Info("ledger flushed", "size", len(ids), "added", l.Added())
	return nil
}
