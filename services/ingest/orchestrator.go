// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingest runs one complete ingestion pass over every configured
// source.
//
// # Run States
//
//	Init → LoadLedger → RunAdapters → FlushSinks → FlushLedger → Done
//	                 ↘            ↘             ↘
//	                  Failed        Failed        Failed
//
// RunAdapters starts one goroutine per source. Each sends its records, in
// upstream order, into a channel drained by a single goroutine that calls
// the persister; sources run concurrently while the check-write-mark
// sequence stays serial.
//
// # Failure Model
//
// A failing source is reported and the run continues. Only durable
// storage problems are fatal: an unreadable ledger at start, or a failed
// sink or ledger flush at the end. Sinks are flushed before the ledger so
// a failed sink commit never advances the ledger.
//
// # Usage
//
//	orch, err := ingest.New(ingest.DefaultConfig(), ingest.Deps{
//	    Sources:     srcs,
//	    LedgerStore: ledger.NewJSONFileStore(".last_seen.json"),
//	    Structured:  sqliteSink,
//	    Flat:        csvSink,
//	})
//	report, err := orch.Run(ctx)
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianSignals/services/ingest/datatypes"
	"github.com/AleutianAI/AleutianSignals/services/ingest/ledger"
	"github.com/AleutianAI/AleutianSignals/services/ingest/observability"
	"github.com/AleutianAI/AleutianSignals/services/ingest/persist"
	"github.com/AleutianAI/AleutianSignals/services/ingest/sink"
	"github.com/AleutianAI/AleutianSignals/services/ingest/sources"
	"github.com/AleutianAI/AleutianSignals/services/ingest/telemetry"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrLedgerUnavailable means the ledger could not be read at start.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrSinkFlush means a sink could not make its writes durable.
	ErrSinkFlush = errors.New("sink flush failed")

	// ErrLedgerFlush means the ledger could not be written at the end.
	ErrLedgerFlush = errors.New("ledger flush failed")
)

// =============================================================================
// States
// =============================================================================

// State is the orchestrator's position in a run.
type State int

const (
	StateInit State = iota
	StateLoadLedger
	StateRunAdapters
	StateFlushSinks
	StateFlushLedger
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateLoadLedger:
		return "load_ledger"
	case StateRunAdapters:
		return "run_adapters"
	case StateFlushSinks:
		return "flush_sinks"
	case StateFlushLedger:
		return "flush_ledger"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// =============================================================================
// Configuration
// =============================================================================

// Config bounds a run.
type Config struct {
	// RunTimeout bounds the RunAdapters state. Retries still in flight
	// when it expires are cancelled; records already offered stay
	// persisted.
	RunTimeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// FlushTimeout bounds the two flush states. Flushing runs on a context
	// detached from the caller's so an interrupt still commits.
	FlushTimeout time.Duration `yaml:"flush_timeout" validate:"gt=0"`

	// Concurrency caps simultaneously polling sources. Zero means one
	// goroutine per source; 1 polls sequentially.
	Concurrency int `yaml:"concurrency" validate:"gte=0"`

	// Buffer is the capacity of the record channel.
	Buffer int `yaml:"buffer" validate:"gte=0"`
}

// DefaultConfig returns production bounds.
func DefaultConfig() Config {
	return Config{
		RunTimeout:   5 * time.Minute,
		FlushTimeout: 30 * time.Second,
		Concurrency:  0,
		Buffer:       64,
	}
}

// Deps are the collaborators of an Orchestrator. Sinks and the ledger
// store are opened and closed by the caller.
type Deps struct {
	Sources     []sources.Source
	LedgerStore ledger.Store
	Structured  sink.Sink
	Flat        sink.Sink
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

// =============================================================================
// Report
// =============================================================================

// SourceResult summarizes one source in one run.
type SourceResult struct {
	Name       string        `json:"name"`
	Candidates int           `json:"candidates"`
	Persisted  int           `json:"persisted"`
	Duplicates int           `json:"duplicates"`
	Invalid    int           `json:"invalid"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration_ns"`
	Err        error         `json:"-"`
	Error      string        `json:"error,omitempty"`
}

// OK reports whether the source was polled without error.
func (r SourceResult) OK() bool { return r.Err == nil }

// Report is the outcome of one Run.
type Report struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	State      State          `json:"state"`
	Sources    []SourceResult `json:"sources"`
	LedgerSize int            `json:"ledger_size"`
	Err        error          `json:"-"`
	Error      string         `json:"error,omitempty"`
}

// Totals sums the per-source counters.
func (r *Report) Totals() SourceResult {
	total := SourceResult{Name: "total"}
	for _, s := range r.Sources {
		total.Candidates += s.Candidates
		total.Persisted += s.Persisted
		total.Duplicates += s.Duplicates
		total.Invalid += s.Invalid
		total.Failed += s.Failed
	}
	return total
}

// FailedSources returns how many sources reported an error.
func (r *Report) FailedSources() int {
	n := 0
	for _, s := range r.Sources {
		if !s.OK() {
			n++
		}
	}
	return n
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator executes runs. A single Orchestrator must not run
// concurrently with itself; the watch loop runs it sequentially.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	tracer trace.Tracer

	mu    sync.Mutex
	state State
}

// New validates deps and returns an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.LedgerStore == nil {
		return nil, errors.New("ingest: ledger store is required")
	}
	if deps.Structured == nil || deps.Flat == nil {
		return nil, errors.New("ingest: both sinks are required")
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultConfig().RunTimeout
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultConfig().FlushTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "orchestrator"),
		tracer: otel.Tracer("github.com/AleutianAI/AleutianSignals/services/ingest"),
		state:  StateInit,
	}, nil
}

// State returns the current (or final) state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) transition(logger *slog.Logger, to State) {
	o.mu.Lock()
	from := o.state
	o.state = to
	o.mu.Unlock()
	logger.Info("run state", "from", from.String(), "to", to.String())
}

// Run executes one full pass.
//
// Description:
//
//	Loads the ledger, polls every source, persists new records, flushes
//	both sinks, then flushes the ledger. Source failures are recorded in
//	the Report; they never make Run return an error.
//
// Inputs:
//
//	ctx - Cancelling ctx stops polling early; flushing still happens.
//
// Outputs:
//
//	*Report - Always non-nil, including on fatal errors.
//	error   - Wraps ErrLedgerUnavailable, ErrSinkFlush or ErrLedgerFlush.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		Sources:   make([]SourceResult, len(o.deps.Sources)),
	}
	for i, src := range o.deps.Sources {
		report.Sources[i].Name = src.Name()
	}
	logger := o.logger.With("run_id", report.RunID)

	ctx, span := o.tracer.Start(ctx, "ingest.Run", trace.WithAttributes(
		attribute.String("signals.run_id", report.RunID),
		attribute.Int("signals.sources", len(o.deps.Sources)),
	))
	defer span.End()
	logger = telemetry.LoggerWithTrace(ctx, logger)

	o.mu.Lock()
	o.state = StateInit
	o.mu.Unlock()

	err := o.run(ctx, logger, report)
	report.FinishedAt = time.Now()
	report.State = o.State()
	if err != nil {
		report.Err = err
		report.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "run failed")
		logger.Error("run failed", "state", report.State.String(), "error", err)
	} else {
		totals := report.Totals()
		logger.Info("run complete",
			"persisted", totals.Persisted,
			"duplicates", totals.Duplicates,
			"invalid", totals.Invalid,
			"failed_records", totals.Failed,
			"failed_sources", report.FailedSources(),
			"ledger_size", report.LedgerSize,
			"duration", report.FinishedAt.Sub(report.StartedAt))
	}
	o.deps.Metrics.RecordRun(err != nil, report.FinishedAt.Sub(report.StartedAt), report.LedgerSize, report.FinishedAt)
	return report, err
}

func (o *Orchestrator) run(ctx context.Context, logger *slog.Logger, report *Report) error {
	o.transition(logger, StateLoadLedger)
	l, err := ledger.Load(ctx, o.deps.LedgerStore, logger)
	if err != nil {
		o.transition(logger, StateFailed)
		return fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
	report.LedgerSize = l.Len()

	o.transition(logger, StateRunAdapters)
	p := persist.New(l, o.deps.Structured, o.deps.Flat,
		persist.WithMetrics(o.deps.Metrics),
		persist.WithLogger(logger))
	o.runAdapters(ctx, logger, p, report)

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FlushTimeout)
	defer cancel()

	o.transition(logger, StateFlushSinks)
	for _, s := range []sink.Sink{o.deps.Structured, o.deps.Flat} {
		if err := s.Flush(flushCtx); err != nil {
			o.transition(logger, StateFailed)
			return fmt.Errorf("%w: %s: %w", ErrSinkFlush, s.Name(), err)
		}
	}

	o.transition(logger, StateFlushLedger)
	if err := l.Flush(flushCtx); err != nil {
		o.transition(logger, StateFailed)
		return fmt.Errorf("%w: %w", ErrLedgerFlush, err)
	}
	report.LedgerSize = l.Len()

	o.transition(logger, StateDone)
	return nil
}

// offer is one record in flight from a source goroutine to the persister.
type offer struct {
	idx int
	rec datatypes.CandidateRecord
}

func (o *Orchestrator) runAdapters(ctx context.Context, logger *slog.Logger, p *persist.Persister, report *Report) {
	if len(o.deps.Sources) == 0 {
		logger.Warn("no sources configured")
		return
	}

	pollCtx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
	defer cancel()

	var mu sync.Mutex
	offers := make(chan offer, o.cfg.Buffer)

	// Single consumer: every Offer happens on this goroutine. It uses the
	// caller's context, not pollCtx, so records already produced are still
	// written after the run deadline.
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for item := range offers {
			name := o.deps.Sources[item.idx].Name()
			out := p.Offer(context.WithoutCancel(ctx), name, item.rec)

			mu.Lock()
			res := &report.Sources[item.idx]
			switch {
			case out.Kind == persist.Persisted:
				res.Persisted++
			case out.Kind == persist.Failed:
				res.Failed++
			case out.Reason == persist.InvalidIdentifier:
				res.Invalid++
			default:
				res.Duplicates++
			}
			mu.Unlock()
		}
	}()

	var g errgroup.Group
	if o.cfg.Concurrency > 0 {
		g.SetLimit(o.cfg.Concurrency)
	}
	for i, src := range o.deps.Sources {
		i, src := i, src
		g.Go(func() error {
			start := time.Now()
			produced, err := o.pollSource(pollCtx, logger, i, src, offers)
			elapsed := time.Since(start)

			mu.Lock()
			res := &report.Sources[i]
			res.Candidates = produced
			res.Duration = elapsed
			if err != nil {
				res.Err = err
				res.Error = err.Error()
			}
			mu.Unlock()

			o.deps.Metrics.RecordSourceRun(src.Name(), err != nil, elapsed)
			if err != nil {
				logger.Warn("source failed", "source", src.Name(), "records", produced, "error", err)
			} else {
				logger.Info("source polled", "source", src.Name(), "records", produced, "duration", elapsed)
			}
			// Never fail the group: one source must not cancel the others.
			return nil
		})
	}
	_ = g.Wait()
	close(offers)
	<-consumerDone
}

// pollSource polls src and forwards its records in order. It returns how
// many records were forwarded.
func (o *Orchestrator) pollSource(ctx context.Context, logger *slog.Logger, idx int, src sources.Source, out chan<- offer) (produced int, err error) {
	ctx, span := o.tracer.Start(ctx, "ingest.Poll", trace.WithAttributes(
		attribute.String("signals.source", src.Name()),
	))
	defer func() {
		span.SetAttributes(attribute.Int("signals.records", produced))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "poll failed")
		}
		span.End()
	}()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("source panicked", "source", src.Name(), "panic", r)
			err = fmt.Errorf("source %s panicked: %v", src.Name(), r)
		}
	}()

	records, pollErr := src.Poll(ctx)
	for _, rec := range records {
		select {
		case out <- offer{idx: idx, rec: rec}:
			produced++
		case <-ctx.Done():
			return produced, errors.Join(pollErr, fmt.Errorf("run deadline: %w", ctx.Err()))
		}
	}
	return produced, pollErr
}
