// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the ingest pipeline.
//
// # Metrics Exposed
//
//   - aleutian_signals_fetch_attempts_total{source, outcome}
//   - aleutian_signals_fetch_attempt_duration_seconds{source}
//   - aleutian_signals_records_total{source, outcome}
//   - aleutian_signals_source_runs_total{source, status}
//   - aleutian_signals_source_duration_seconds{source}
//   - aleutian_signals_runs_total{status}
//   - aleutian_signals_run_duration_seconds
//   - aleutian_signals_ledger_size
//   - aleutian_signals_last_success_timestamp_seconds
//
// One-shot runs write the registry to a node-exporter textfile; watch mode
// serves it on /metrics.
//
// # Thread Safety
//
// All methods are safe for concurrent use and are no-ops on a nil *Metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "aleutian"
	metricsSubsystem = "signals"
)

// Record outcomes for RecordOffer.
const (
	RecordPersisted = "persisted"
	RecordDuplicate = "duplicate"
	RecordInvalid   = "invalid"
	RecordFailed    = "failed"
)

// Source and run statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Metrics holds every collector of the pipeline.
type Metrics struct {
	// FetchAttemptsTotal counts HTTP attempts.
	// Labels: source, outcome (success, status, transport, canceled)
	FetchAttemptsTotal *prometheus.CounterVec

	// FetchAttemptDuration measures single attempts.
	// Labels: source
	FetchAttemptDuration *prometheus.HistogramVec

	// RecordsTotal counts offered candidate records by outcome.
	// Labels: source, outcome (persisted, duplicate, invalid, failed)
	RecordsTotal *prometheus.CounterVec

	// SourceRunsTotal counts adapter polls.
	// Labels: source, status (ok, failed)
	SourceRunsTotal *prometheus.CounterVec

	// SourceDuration measures adapter polls.
	// Labels: source
	SourceDuration *prometheus.HistogramVec

	// RunsTotal counts pipeline runs.
	// Labels: status (ok, failed)
	RunsTotal *prometheus.CounterVec

	RunDuration          prometheus.Histogram
	LedgerSize           prometheus.Gauge
	LastSuccessTimestamp prometheus.Gauge
}

// NewMetrics registers all collectors with reg.
//
// Description:
//
//	Tests and the CLI pass a private prometheus.NewRegistry() so repeated
//	construction never panics on duplicate registration.
//
// Inputs:
//
//	reg - Registry to register with. Must not be nil.
//
// Outputs:
//
//	*Metrics - Ready to use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FetchAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "fetch_attempts_total",
				Help:      "HTTP fetch attempts by source and outcome",
			},
			[]string{"source", "outcome"},
		),
		FetchAttemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "fetch_attempt_duration_seconds",
				Help:      "Duration of single HTTP fetch attempts",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8},
			},
			[]string{"source"},
		),
		RecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "records_total",
				Help:      "Candidate records offered to the persister by outcome",
			},
			[]string{"source", "outcome"},
		),
		SourceRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "source_runs_total",
				Help:      "Source adapter polls by status",
			},
			[]string{"source", "status"},
		),
		SourceDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "source_duration_seconds",
				Help:      "Duration of source adapter polls including retries",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"source"},
		),
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "runs_total",
				Help:      "Pipeline runs by final status",
			},
			[]string{"status"},
		),
		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "run_duration_seconds",
				Help:      "Duration of complete pipeline runs",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		),
		LedgerSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "ledger_size",
				Help:      "Identifiers in the ledger after the last run",
			},
		),
		LastSuccessTimestamp: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last run that flushed the ledger",
			},
		),
	}
}

// ObserveFetchAttempt records one HTTP attempt.
func (m *Metrics) ObserveFetchAttempt(source, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchAttemptsTotal.WithLabelValues(source, outcome).Inc()
	m.FetchAttemptDuration.WithLabelValues(source).Observe(d.Seconds())
}

// RecordOffer records the outcome of one persister offer.
func (m *Metrics) RecordOffer(source, outcome string) {
	if m == nil {
		return
	}
	m.RecordsTotal.WithLabelValues(source, outcome).Inc()
}

// RecordSourceRun records one adapter poll.
func (m *Metrics) RecordSourceRun(source string, failed bool, d time.Duration) {
	if m == nil {
		return
	}
	status := StatusOK
	if failed {
		status = StatusFailed
	}
	m.SourceRunsTotal.WithLabelValues(source, status).Inc()
	m.SourceDuration.WithLabelValues(source).Observe(d.Seconds())
}

// RecordRun records a finished pipeline run.
func (m *Metrics) RecordRun(failed bool, d time.Duration, ledgerSize int, finishedAt time.Time) {
	if m == nil {
		return
	}
	m.RunDuration.Observe(d.Seconds())
	if failed {
		m.RunsTotal.WithLabelValues(StatusFailed).Inc()
		return
	}
	m.RunsTotal.WithLabelValues(StatusOK).Inc()
	m.LedgerSize.Set(float64(ledgerSize))
	m.LastSuccessTimestamp.Set(float64(finishedAt.Unix()))
}
