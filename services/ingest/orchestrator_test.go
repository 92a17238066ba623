// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSignals/services/ingest/datatypes"
	"github.com/AleutianAI/AleutianSignals/services/ingest/fetch"
	"github.com/AleutianAI/AleutianSignals/services/ingest/ledger"
	"github.com/AleutianAI/AleutianSignals/services/ingest/observability"
	"github.com/AleutianAI/AleutianSignals/services/ingest/sink"
	"github.com/AleutianAI/AleutianSignals/services/ingest/sources"
)

// =============================================================================
// Test Doubles
// =============================================================================

type staticSource struct {
	name    string
	records []datatypes.CandidateRecord
	err     error
	panics  bool
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Poll(context.Context) ([]datatypes.CandidateRecord, error) {
	if s.panics {
		panic("malformed payload")
	}
	return s.records, s.err
}

// blockingSource waits for the run deadline.
type blockingSource struct{ name string }

func (s *blockingSource) Name() string { return s.name }

func (s *blockingSource) Poll(ctx context.Context) ([]datatypes.CandidateRecord, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type memorySink struct {
	mu       sync.Mutex
	rows     []datatypes.PersistedSignal
	flushErr error
	flushes  int
}

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) Write(_ context.Context, sig datatypes.PersistedSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, sig)
	return nil
}

func (s *memorySink) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return s.flushErr
}

func (s *memorySink) Close() error { return nil }

func (s *memorySink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.rows))
	for i, r := range s.rows {
		out[i] = r.Headline
	}
	return out
}

// =============================================================================
// Fixture
// =============================================================================

type harness struct {
	dir        string
	ledgerPath string
	csvPath    string
	structured *memorySink
	metrics    *observability.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	return &harness{
		dir:        dir,
		ledgerPath: filepath.Join(dir, ".last_seen.json"),
		csvPath:    filepath.Join(dir, "signals.csv"),
		structured: &memorySink{},
		metrics:    observability.NewMetrics(prometheus.NewRegistry()),
	}
}

func (h *harness) run(t *testing.T, cfg Config, srcs ...sources.Source) (*Report, error) {
	t.Helper()
	flat, err := sink.OpenCSV(sink.CSVConfig{Path: h.csvPath})
	require.NoError(t, err)
	defer flat.Close()

	orch, err := New(cfg, Deps{
		Sources:     srcs,
		LedgerStore: ledger.NewJSONFileStore(h.ledgerPath),
		Structured:  h.structured,
		Flat:        flat,
		Metrics:     h.metrics,
	})
	require.NoError(t, err)
	return orch.Run(context.Background())
}

func (h *harness) csvRows(t *testing.T) [][]string {
	t.Helper()
	f, err := os.Open(h.csvPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func (h *harness) ledgerIDs(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(h.ledgerPath)
	require.NoError(t, err)
	var ids []string
	require.NoError(t, json.Unmarshal(data, &ids))
	return ids
}

func record(id, headline string) datatypes.CandidateRecord {
	return datatypes.CandidateRecord{
		ID:        id,
		Timestamp: "2024-05-01T13:00:00Z",
		Tag:       datatypes.TagPressRelease,
		Headline:  headline,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RunTimeout = 5 * time.Second
	cfg.FlushTimeout = 5 * time.Second
	return cfg
}

// =============================================================================
// Tests
// =============================================================================

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{Structured: &memorySink{}, Flat: &memorySink{}})
	assert.Error(t, err)

	_, err = New(DefaultConfig(), Deps{LedgerStore: ledger.NewJSONFileStore("x"), Flat: &memorySink{}})
	assert.Error(t, err)
}

func TestRun_PersistsAndReports(t *testing.T) {
	h := newHarness(t)
	src := &staticSource{name: "press-releases", records: []datatypes.CandidateRecord{
		record("pr-1", "first"),
		record("pr-2", "second"),
		record("", "no id"),
	}}

	report, err := h.run(t, testConfig(), src)
	require.NoError(t, err)

	assert.Equal(t, StateDone, report.State)
	assert.NotEmpty(t, report.RunID)
	require.Len(t, report.Sources, 1)
	res := report.Sources[0]
	assert.Equal(t, 3, res.Candidates)
	assert.Equal(t, 2, res.Persisted)
	assert.Equal(t, 1, res.Invalid)
	assert.True(t, res.OK())
	assert.Equal(t, 2, report.LedgerSize)

	assert.Equal(t, []string{"pr-1", "pr-2"}, h.ledgerIDs(t))
	assert.Len(t, h.csvRows(t), 2)
	assert.Equal(t, 1, h.structured.flushes)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues(observability.StatusOK)))
}

func TestRun_IdempotentAcrossRuns(t *testing.T) {
	h := newHarness(t)
	src := &staticSource{name: "earnings", records: []datatypes.CandidateRecord{
		record("earn-ABC-2024-05-01", "Earnings 2024-05-01 (est EPS 1.2)"),
	}}

	first, err := h.run(t, testConfig(), src)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Totals().Persisted)

	second, err := h.run(t, testConfig(), src)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Totals().Persisted)
	assert.Equal(t, 1, second.Totals().Duplicates)

	assert.Len(t, h.csvRows(t), 1)
	assert.Len(t, h.structured.rows, 1)
	assert.Equal(t, []string{"earn-ABC-2024-05-01"}, h.ledgerIDs(t))
}

func TestRun_FailingSourceIsolated(t *testing.T) {
	h := newHarness(t)
	good := &staticSource{name: "reddit", records: []datatypes.CandidateRecord{record("rd-1", "post")}}
	broken := &staticSource{name: "sec-form-4", err: &fetch.TerminalFailure{Source: "sec-form-4", Attempts: 3, Err: errors.New("503")}}
	panicky := &staticSource{name: "unusual-options", panics: true}

	report, err := h.run(t, testConfig(), broken, good, panicky)
	require.NoError(t, err)

	assert.Equal(t, StateDone, report.State)
	assert.Equal(t, 2, report.FailedSources())
	assert.False(t, report.Sources[0].OK())
	assert.Contains(t, report.Sources[0].Error, "503")
	assert.True(t, report.Sources[1].OK())
	assert.Equal(t, 1, report.Sources[1].Persisted)
	assert.Contains(t, report.Sources[2].Error, "panicked")

	assert.Equal(t, float64(1), testutil.ToFloat64(
		h.metrics.SourceRunsTotal.WithLabelValues("sec-form-4", observability.StatusFailed)))
}

func TestRun_PreservesOrderWithinSource(t *testing.T) {
	h := newHarness(t)
	var a, b []datatypes.CandidateRecord
	for i := 0; i < 50; i++ {
		a = append(a, record(fmt.Sprintf("a-%02d", i), fmt.Sprintf("a%02d", i)))
		b = append(b, record(fmt.Sprintf("b-%02d", i), fmt.Sprintf("b%02d", i)))
	}
	cfg := testConfig()
	cfg.Buffer = 1

	_, err := h.run(t, cfg,
		&staticSource{name: "twitter", records: a},
		&staticSource{name: "news", records: b})
	require.NoError(t, err)

	var gotA, gotB []string
	for _, row := range h.csvRows(t) {
		switch row[3][0] {
		case 'a':
			gotA = append(gotA, row[3])
		case 'b':
			gotB = append(gotB, row[3])
		}
	}
	require.Len(t, gotA, 50)
	require.Len(t, gotB, 50)
	for i := 0; i < 50; i++ {
		assert.Equal(t, fmt.Sprintf("a%02d", i), gotA[i])
		assert.Equal(t, fmt.Sprintf("b%02d", i), gotB[i])
	}
}

func TestRun_SequentialWhenConcurrencyOne(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.Concurrency = 1

	report, err := h.run(t, cfg,
		&staticSource{name: "one", records: []datatypes.CandidateRecord{record("x-1", "x1")}},
		&staticSource{name: "two", records: []datatypes.CandidateRecord{record("y-1", "y1")}})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Totals().Persisted)
	assert.Equal(t, []string{"x1", "y1"}, h.structured.ids())
}

func TestRun_SinkFlushFailureKeepsLedger(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(h.ledgerPath, []byte(`["old-1"]`), 0644))
	h.structured.flushErr = errors.New("database is locked")

	report, err := h.run(t, testConfig(),
		&staticSource{name: "news", records: []datatypes.CandidateRecord{record("new-1", "n")}})

	require.ErrorIs(t, err, ErrSinkFlush)
	assert.Equal(t, StateFailed, report.State)
	assert.Contains(t, report.Error, "database is locked")
	assert.Equal(t, []string{"old-1"}, h.ledgerIDs(t))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues(observability.StatusFailed)))
}

func TestRun_LedgerUnavailableIsFatal(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.Mkdir(h.ledgerPath, 0755))
	src := &staticSource{name: "news", records: []datatypes.CandidateRecord{record("n-1", "n")}}

	report, err := h.run(t, testConfig(), src)

	require.ErrorIs(t, err, ErrLedgerUnavailable)
	require.ErrorIs(t, err, ledger.ErrUnavailable)
	assert.Equal(t, StateFailed, report.State)
	assert.Empty(t, h.structured.rows)
	assert.Equal(t, 0, h.structured.flushes)
}

func TestRun_CorruptLedgerStartsEmpty(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(h.ledgerPath, []byte(`{not json`), 0644))

	report, err := h.run(t, testConfig(),
		&staticSource{name: "news", records: []datatypes.CandidateRecord{record("n-1", "n")}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Totals().Persisted)
	assert.Equal(t, []string{"n-1"}, h.ledgerIDs(t))
}

func TestRun_DeadlineStopsPolling(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.RunTimeout = 100 * time.Millisecond

	start := time.Now()
	report, err := h.run(t, cfg,
		&blockingSource{name: "slow"},
		&staticSource{name: "fast", records: []datatypes.CandidateRecord{record("f-1", "f")}})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 3*time.Second)
	assert.ErrorIs(t, report.Sources[0].Err, context.DeadlineExceeded)
	assert.Equal(t, 1, report.Sources[1].Persisted)
	assert.Equal(t, []string{"f-1"}, h.ledgerIDs(t))
}

func TestRun_DeadlineCancelsRetryBackoff(t *testing.T) {
	var hits int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	fcfg := fetch.DefaultConfig()
	fcfg.RequestsPerSecond = 0
	fcfg.Retry.BaseDelay = 10 * time.Second
	fcfg.Retry.MaxDelay = 20 * time.Second
	f, err := fetch.New(fcfg, server.Client(), fetch.WithSource("earnings"))
	require.NoError(t, err)
	src := sources.NewEarningsSource(sources.EarningsConfig{APIKey: "k", BaseURL: server.URL}, f, nil)

	h := newHarness(t)
	cfg := testConfig()
	cfg.RunTimeout = 200 * time.Millisecond

	start := time.Now()
	report, err := h.run(t, cfg, src)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	var tf *fetch.TerminalFailure
	require.ErrorAs(t, report.Sources[0].Err, &tf)
	assert.Equal(t, 1, tf.Attempts)
	assert.ErrorIs(t, report.Sources[0].Err, context.DeadlineExceeded)
	mu.Lock()
	assert.Equal(t, 1, hits)
	mu.Unlock()
}

func TestRun_NoSources(t *testing.T) {
	h := newHarness(t)
	report, err := h.run(t, testConfig())
	require.NoError(t, err)
	assert.Equal(t, StateDone, report.State)
	assert.Equal(t, []string{}, h.ledgerIDs(t))
}

func TestReport_JSON(t *testing.T) {
	r := &Report{
		RunID: "r1",
		State: StateDone,
		Sources: []SourceResult{
			{Name: "news", Persisted: 2, Err: errors.New("x"), Error: "x"},
		},
	}
	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"done"`)
	assert.Contains(t, string(data), `"error":"x"`)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "load_ledger", StateLoadLedger.String())
	assert.Equal(t, "unknown", State(99).String())
}
