// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package persist implements "insert if new" over the ledger and both sinks.
//
// # Ordering
//
// For a record whose identifier is not yet in the ledger:
//
//  1. write the structured sink
//  2. write the flat sink
//  3. mark the identifier seen
//
// The identifier is marked only after both writes succeed. A failure at
// step 2 leaves a row in the structured sink and an unmarked identifier,
// so the next run writes it again: duplicates are tolerated, loss is not.
package persist

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianSignals/services/ingest/datatypes"
	"github.com/AleutianAI/AleutianSignals/services/ingest/ledger"
	"github.com/AleutianAI/AleutianSignals/services/ingest/observability"
	"github.com/AleutianAI/AleutianSignals/services/ingest/sink"
)

// Kind classifies the result of Offer.
type Kind int

const (
	// Persisted means both sinks accepted the record and it is now in the
	// ledger.
	Persisted Kind = iota

	// Skipped means nothing was written. See SkipReason.
	Skipped

	// Failed means a sink write failed. The identifier was not marked.
	Failed
)

func (k Kind) String() string {
	switch k {
	case Persisted:
		return "persisted"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// SkipReason explains a Skipped outcome.
type SkipReason int

const (
	NotSkipped SkipReason = iota
	InvalidIdentifier
	Duplicate
)

func (r SkipReason) String() string {
	switch r {
	case InvalidIdentifier:
		return "invalid_identifier"
	case Duplicate:
		return "duplicate"
	default:
		return "none"
	}
}

// Outcome is the result of one Offer.
type Outcome struct {
	Kind   Kind
	Reason SkipReason

	// Signal is set when Kind is Persisted.
	Signal datatypes.PersistedSignal

	// Err is set when Kind is Failed.
	Err error
}

// MetricLabel maps the outcome onto the records_total outcome label.
func (o Outcome) MetricLabel() string {
	switch {
	case o.Kind == Persisted:
		return observability.RecordPersisted
	case o.Kind == Failed:
		return observability.RecordFailed
	case o.Reason == InvalidIdentifier:
		return observability.RecordInvalid
	default:
		return observability.RecordDuplicate
	}
}

// Persister gates records through the ledger into both sinks.
//
// # Thread Safety
//
// Offer holds an internal mutex for its whole duration, so the
// check-write-mark sequence for one record never interleaves with another.
type Persister struct {
	mu         sync.Mutex
	ledger     *ledger.Ledger
	structured sink.Sink
	flat       sink.Sink
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// Option customizes a Persister.
type Option func(*Persister)

// WithMetrics records every outcome.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Persister) { p.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Persister) {
		if l != nil {
			p.logger = l
		}
	}
}

// New returns a Persister writing structured first, then flat.
func New(l *ledger.Ledger, structured, flat sink.Sink, opts ...Option) *Persister {
	p := &Persister{
		ledger:     l,
		structured: structured,
		flat:       flat,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "persister")
	return p
}

// Offer persists rec if its identifier is valid and unseen.
//
// Description:
//
//	Exactly one of three things happens:
//	  - Skipped(InvalidIdentifier): rec.ID is empty or whitespace.
//	  - Skipped(Duplicate): rec.ID is already in the ledger, including
//	    identifiers persisted earlier in this run.
//	  - Persisted, or Failed when either sink write returns an error.
//
// Inputs:
//
//	ctx    - Passed to the sink writes.
//	source - Adapter name, used for logs and metrics only.
//	rec    - The candidate record.
//
// Outputs:
//
//	Outcome - Never panics, never returns a Go error separately.
func (p *Persister) Offer(ctx context.Context, source string, rec datatypes.CandidateRecord) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := p.offer(ctx, rec)
	p.metrics.RecordOffer(source, out.MetricLabel())

	switch out.Kind {
	case Persisted:
		p.logger.Debug("signal persisted", "source", source, "id", rec.ID, "tag", rec.Tag)
	case Skipped:
		if out.Reason == InvalidIdentifier {
			p.logger.Info("record skipped", "source", source, "reason", out.Reason, "headline", rec.Headline)
		} else {
			p.logger.Debug("record skipped", "source", source, "reason", out.Reason, "id", rec.ID)
		}
	case Failed:
		p.logger.Error("sink write failed, identifier left unmarked", "source", source, "id", rec.ID, "error", out.Err)
	}
	return out
}

func (p *Persister) offer(ctx context.Context, rec datatypes.CandidateRecord) Outcome {
	if !rec.HasValidID() {
		return Outcome{Kind: Skipped, Reason: InvalidIdentifier}
	}
	if p.ledger.Contains(rec.ID) {
		return Outcome{Kind: Skipped, Reason: Duplicate}
	}

	sig := rec.Signal()
	if err := p.structured.Write(ctx, sig); err != nil {
		return Outcome{Kind: Failed, Err: fmt.Errorf("%s sink: %w", p.structured.Name(), err)}
	}
	if err := p.flat.Write(ctx, sig); err != nil {
		return Outcome{Kind: Failed, Err: fmt.Errorf("%s sink: %w", p.flat.Name(), err)}
	}

	p.ledger.MarkSeen(rec.ID)
	return Outcome{Kind: Persisted, Signal: sig}
}
