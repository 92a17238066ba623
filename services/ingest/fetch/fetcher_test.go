// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test helpers
// =============================================================================

type recordedSleeps struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordedSleeps) all() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *countingObserver) ObserveFetchAttempt(source, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, source+":"+outcome)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RequestsPerSecond = 0
	cfg.Timeout = 2 * time.Second
	return cfg
}

func newTestFetcher(t *testing.T, cfg Config, sleeps *recordedSleeps, opts ...Option) *Fetcher {
	t.Helper()
	f, err := New(cfg, http.DefaultClient, append([]Option{WithSource("test")}, opts...)...)
	require.NoError(t, err)
	f.sleep = sleeps.sleep
	f.sample = func() float64 { return 0.99 }
	return f
}

// =============================================================================
// RetryConfig
// =============================================================================

func TestRetryConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RetryConfig)
		wantErr bool
	}{
		{"default", func(c *RetryConfig) {}, false},
		{"zero attempts", func(c *RetryConfig) { c.MaxAttempts = 0 }, true},
		{"zero base delay", func(c *RetryConfig) { c.BaseDelay = 0 }, true},
		{"max below base", func(c *RetryConfig) { c.MaxDelay = time.Millisecond }, true},
		{"jitter above one", func(c *RetryConfig) { c.JitterFactor = 1.5 }, true},
		{"negative jitter", func(c *RetryConfig) { c.JitterFactor = -0.1 }, true},
		{"no jitter", func(c *RetryConfig) { c.JitterFactor = 0 }, false},
		{"too many attempts", func(c *RetryConfig) { c.MaxAttempts = 11 }, true},
		{"single attempt ignores cap", func(c *RetryConfig) { c.MaxAttempts = 1; c.MaxDelay = c.BaseDelay }, false},
		{"cap equal to base", func(c *RetryConfig) { c.MaxDelay = c.BaseDelay }, true},
		{"cap below last wait", func(c *RetryConfig) { c.MaxAttempts = 5; c.MaxDelay = 4 * time.Second }, true},
		{"cap at last wait", func(c *RetryConfig) { c.MaxAttempts = 5; c.MaxDelay = 8 * time.Second }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRetryConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRetryConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRetryConfig_BackoffStrictlyIncreases(t *testing.T) {
	cfg := DefaultRetryConfig()

	// Worst case: maximal jitter on the earlier wait, none on the later.
	for attempt := 1; attempt < 5; attempt++ {
		earlier := cfg.Backoff(attempt, 0.999999)
		later := cfg.Backoff(attempt+1, 0)
		assert.Greater(t, later, earlier, "attempt %d", attempt)
	}
}

func TestRetryConfig_ValidConfigsNeverShrinkWaits(t *testing.T) {
	configs := []RetryConfig{
		DefaultRetryConfig(),
		{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: time.Second, JitterFactor: 1},
		{MaxAttempts: 4, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, JitterFactor: 0.5},
		{MaxAttempts: 10, BaseDelay: time.Millisecond, MaxDelay: 256 * time.Millisecond, JitterFactor: 1},
	}

	for _, cfg := range configs {
		require.NoError(t, cfg.Validate(), "%+v", cfg)
		for attempt := 1; attempt < cfg.MaxAttempts-1; attempt++ {
			earlier := cfg.Backoff(attempt, 0.999999)
			later := cfg.Backoff(attempt+1, 0)
			assert.Greater(t, later, earlier, "%+v attempt %d", cfg, attempt)
		}
	}

	shrinking := RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Second, JitterFactor: 0.5}
	assert.ErrorIs(t, shrinking.Validate(), ErrInvalidRetryConfig)
}

func TestRetryConfig_BackoffValues(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, JitterFactor: 0.5}

	assert.Equal(t, time.Second, cfg.Backoff(1, 0))
	assert.Equal(t, 2*time.Second, cfg.Backoff(2, 0))
	assert.Equal(t, 4*time.Second+250*time.Millisecond, cfg.Backoff(3, 0.5))
	assert.Equal(t, 30*time.Second, cfg.Backoff(10, 0), "exponential part is capped")
}

// =============================================================================
// Fetch
// =============================================================================

func TestFetch_SuccessSendsUserAgent(t *testing.T) {
	var gotUA, gotAuth, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query().Get("from")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	sleeps := &recordedSleeps{}
	f := newTestFetcher(t, testConfig(), sleeps)

	body, err := f.Fetch(context.Background(), Request{
		URL:    server.URL,
		Query:  url.Values{"from": {"2024-05-01"}},
		Header: http.Header{"Authorization": {"Bearer x"}, "User-Agent": {"spoofed"}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(body))
	assert.Equal(t, DefaultUserAgent, gotUA)
	assert.Equal(t, "Bearer x", gotAuth)
	assert.Equal(t, "2024-05-01", gotQuery)
	assert.Empty(t, sleeps.all())
}

func TestFetch_ExactlyThreeAttemptsThenTerminalFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	sleeps := &recordedSleeps{}
	obs := &countingObserver{}
	f := newTestFetcher(t, testConfig(), sleeps, WithObserver(obs))

	_, err := f.Fetch(context.Background(), Request{URL: server.URL + "/feed?token=secret"})
	require.Error(t, err)

	var tf *TerminalFailure
	require.True(t, errors.As(err, &tf))
	assert.Equal(t, 3, tf.Attempts)
	assert.Equal(t, "test", tf.Source)
	assert.NotContains(t, tf.URL, "secret")
	assert.NotContains(t, err.Error(), "secret")

	var se *StatusError
	require.True(t, errors.As(err, &se), "last error must be carried")
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)

	assert.Equal(t, int32(3), calls.Load())
	waits := sleeps.all()
	require.Len(t, waits, 2, "no sleep after the last attempt")
	assert.Greater(t, waits[1], waits[0])
	assert.Equal(t, []string{"test:status", "test:status", "test:status"}, obs.outcomes)
}

func TestFetch_RecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	sleeps := &recordedSleeps{}
	f := newTestFetcher(t, testConfig(), sleeps)

	body, err := f.Fetch(context.Background(), Request{URL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, sleeps.all(), 1)
}

func TestFetch_PerAttemptTimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		_, _ = w.Write([]byte("late"))
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	f := newTestFetcher(t, cfg, &recordedSleeps{})

	body, err := f.Fetch(context.Background(), Request{URL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, "late", string(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetch_CancelledContextStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	f := newTestFetcher(t, testConfig(), &recordedSleeps{})
	f.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := f.Fetch(ctx, Request{URL: server.URL})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_InvalidURLIsNotRetried(t *testing.T) {
	sleeps := &recordedSleeps{}
	f := newTestFetcher(t, testConfig(), sleeps)

	_, err := f.Fetch(context.Background(), Request{URL: "ftp://example.com/feed"})
	var tf *TerminalFailure
	require.True(t, errors.As(err, &tf))
	assert.Equal(t, 0, tf.Attempts)
	assert.Empty(t, sleeps.all())
}

func TestFetch_TruncatesOversizedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.MaxBodyBytes = 10
	f := newTestFetcher(t, cfg, &recordedSleeps{})

	body, err := f.Fetch(context.Background(), Request{URL: server.URL})
	require.NoError(t, err)
	assert.Len(t, body, 10)
}

func TestNew_RejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UserAgent = ""
	_, err := New(cfg, http.DefaultClient)
	assert.Error(t, err)

	_, err = New(DefaultConfig(), nil)
	assert.Error(t, err)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://finnhub.io/api/v1/calendar/earnings",
		redactURL("https://finnhub.io/api/v1/calendar/earnings?token=abc&from=2024-05-01"))
	assert.Equal(t, "https://host/path", redactURL("https://user:pw@host/path#frag"))
}
