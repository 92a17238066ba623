// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSignals/cmd/signals/config"
	"github.com/AleutianAI/AleutianSignals/services/ingest"
	"github.com/AleutianAI/AleutianSignals/services/ingest/observability"
)

func TestNextDelay(t *testing.T) {
	cfg := config.WatchConfig{Interval: 10 * time.Minute, Jitter: 2 * time.Minute}

	assert.Equal(t, 10*time.Minute, nextDelay(cfg, 0))
	assert.Equal(t, 11*time.Minute, nextDelay(cfg, 0.5))
	assert.Less(t, nextDelay(cfg, 0.999), 12*time.Minute)

	cfg.Jitter = 0
	assert.Equal(t, 10*time.Minute, nextDelay(cfg, 0.9))
}

func TestWatchConfigFile_FlagsReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signals.yaml")
	require.NoError(t, os.WriteFile(path, []byte("run: {}\n"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var reload atomic.Bool
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stop, err := watchConfigFile(ctx, path, &reload, logger)
	require.NoError(t, err)
	defer stop()

	// Unrelated files in the same directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0644))
	time.Sleep(100 * time.Millisecond)
	assert.False(t, reload.Load())

	require.NoError(t, os.WriteFile(path, []byte("run:\n  concurrency: 1\n"), 0644))
	assert.Eventually(t, reload.Load, 2*time.Second, 20*time.Millisecond)
}

func TestWatchConfigFile_MissingDirectory(t *testing.T) {
	var reload atomic.Bool
	_, err := watchConfigFile(context.Background(), filepath.Join(t.TempDir(), "nope", "signals.yaml"), &reload, slog.Default())
	assert.Error(t, err)
}

func TestStatusRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	metrics.RecordRun(false, time.Second, 7, time.Now())
	state := newWatchState()
	router := newStatusRouter(reg, state)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := get("/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	state.record(&ingest.Report{RunID: "r1", State: ingest.StateDone, LedgerSize: 7}, nil)
	state.scheduleNext(time.Now().Add(time.Minute))

	rec = get("/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, float64(1), status["passes"])
	assert.NotNil(t, status["next_run_at"])
	last := status["last"].(map[string]any)
	assert.Equal(t, "r1", last["run_id"])
	assert.Equal(t, "done", last["state"])

	rec = get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "aleutian_signals_ledger_size 7")

	state.record(&ingest.Report{State: ingest.StateFailed}, errors.New("sink flush failed"))
	rec = get("/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "sink flush failed")
}
