// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fetch performs the outbound HTTP GETs of the source adapters.
//
// Every request carries the same identifying User-Agent and a per-attempt
// timeout. Transient failures (transport errors, timeouts, non-2xx
// statuses) are retried with exponential backoff plus jitter; when the
// budget is exhausted the caller gets a *TerminalFailure and decides what
// to do with it. The fetcher never decides whether a run continues.
//
//	f, _ := fetch.New(fetch.DefaultConfig(), &http.Client{}, fetch.WithSource("earnings"))
//	body, err := f.Fetch(ctx, fetch.Request{URL: "https://finnhub.io/api/v1/calendar/earnings"})
//	var tf *fetch.TerminalFailure
//	if errors.As(err, &tf) {
//	    // zero records from this source
//	}
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	// DefaultUserAgent identifies the ingester to upstream services.
	DefaultUserAgent = "AleutianSignals/1.0 (+https://aleutian.ai; ops@aleutian.ai)"

	// DefaultTimeout bounds each individual attempt.
	DefaultTimeout = 8 * time.Second

	// DefaultMaxBodyBytes caps how much of a response body is read.
	DefaultMaxBodyBytes int64 = 10 << 20
)

// HTTPClient is the subset of *http.Client the fetcher needs.
// Tests inject a mock here.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Observer receives one callback per attempt. Implemented by the metrics
// package; nil disables observation.
type Observer interface {
	ObserveFetchAttempt(source, outcome string, duration time.Duration)
}

// Attempt outcomes reported to the Observer.
const (
	OutcomeSuccess   = "success"
	OutcomeStatus    = "status"
	OutcomeTransport = "transport"
	OutcomeCanceled  = "canceled"
)

// Config configures a Fetcher.
type Config struct {
	Retry RetryConfig `yaml:"retry"`

	// Timeout bounds each attempt, including reading the body.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// UserAgent is sent on every request.
	UserAgent string `yaml:"user_agent" validate:"required"`

	// RequestsPerSecond paces attempts per source. Zero disables pacing.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`

	// MaxBodyBytes caps the response body; larger bodies are truncated,
	// which surfaces as a parse error in the adapter.
	MaxBodyBytes int64 `yaml:"max_body_bytes" validate:"gte=0"`
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Retry:             DefaultRetryConfig(),
		Timeout:           DefaultTimeout,
		UserAgent:         DefaultUserAgent,
		RequestsPerSecond: 2,
		MaxBodyBytes:      DefaultMaxBodyBytes,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if c.Timeout <= 0 {
		return errors.New("fetch timeout must be positive")
	}
	if c.UserAgent == "" {
		return errors.New("fetch user agent must be set")
	}
	if c.RequestsPerSecond < 0 {
		return errors.New("fetch requests_per_second must not be negative")
	}
	return nil
}

// Request describes one logical GET. Query is merged into URL's query.
// Header adds per-source headers such as Authorization; it cannot
// override the User-Agent.
type Request struct {
	URL    string
	Query  url.Values
	Header http.Header
}

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %s", e.Status)
}

// TerminalFailure is returned when a Request could not be completed.
// It carries the error of the last attempt.
type TerminalFailure struct {
	Source   string
	URL      string // scheme, host and path only; query may hold tokens
	Attempts int
	Err      error
}

func (e *TerminalFailure) Error() string {
	return fmt.Sprintf("fetch %s for %s failed after %d attempt(s): %v", e.URL, e.Source, e.Attempts, e.Err)
}

func (e *TerminalFailure) Unwrap() error { return e.Err }

// Fetcher executes Requests for one source.
//
// # Thread Safety
//
// Safe for concurrent use; the rate limiter is shared by all callers.
type Fetcher struct {
	cfg      Config
	client   HTTPClient
	source   string
	limiter  *rate.Limiter
	observer Observer
	logger   *slog.Logger
	tracer   trace.Tracer
	sleep    sleepFunc
	sample   func() float64
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithSource labels logs, metrics and failures with the source name.
func WithSource(name string) Option {
	return func(f *Fetcher) { f.source = name }
}

// WithObserver attaches per-attempt observation.
func WithObserver(o Observer) Option {
	return func(f *Fetcher) { f.observer = o }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithLimiter replaces the limiter derived from RequestsPerSecond.
func WithLimiter(l *rate.Limiter) Option {
	return func(f *Fetcher) { f.limiter = l }
}

// New validates cfg and returns a Fetcher using client.
func New(cfg Config, client HTTPClient, opts ...Option) (*Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, errors.New("fetch: http client must not be nil")
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	f := &Fetcher{
		cfg:    cfg,
		client: client,
		source: "unknown",
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/AleutianAI/AleutianSignals/services/ingest/fetch"),
		sleep:  sleepContext,
		sample: rand.Float64,
	}
	if cfg.RequestsPerSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "fetcher", "source", f.source)
	return f, nil
}

// Fetch performs req with retries and returns the response body.
//
// Description:
//
//	Up to Retry.MaxAttempts attempts are made. Between attempts the
//	fetcher sleeps Retry.Backoff(n, jitter); the sleep ends early if ctx
//	is cancelled. Cancellation of ctx is never retried.
//
// Inputs:
//
//	ctx - Bounds the whole call, including backoff sleeps.
//	req - Target URL, extra query parameters and headers.
//
// Outputs:
//
//	[]byte - Body of the first 2xx response.
//	error  - Always a *TerminalFailure on failure.
func (f *Fetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	target, err := buildURL(req)
	if err != nil {
		return nil, &TerminalFailure{Source: f.source, URL: redactURL(req.URL), Err: err}
	}
	display := redactURL(target)

	ctx, span := f.tracer.Start(ctx, "fetch.Fetch", trace.WithAttributes(
		attribute.String("signals.source", f.source),
		attribute.String("http.url", display),
	))
	defer span.End()

	var body []byte
	result := retry(ctx, f.cfg.Retry, f.sample, f.sleep, func(ctx context.Context, attempt int) error {
		data, err := f.attempt(ctx, target, req.Header)
		if err != nil {
			f.logger.Warn("fetch attempt failed",
				"url", display,
				"attempt", attempt,
				"max_attempts", f.cfg.Retry.MaxAttempts,
				"error", err)
			return err
		}
		body = data
		return nil
	})

	span.SetAttributes(attribute.Int("fetch.attempts", result.Attempts))
	if result.LastError != nil {
		span.RecordError(result.LastError)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, &TerminalFailure{
			Source:   f.source,
			URL:      display,
			Attempts: result.Attempts,
			Err:      result.LastError,
		}
	}
	return body, nil
}

func (f *Fetcher) attempt(ctx context.Context, target string, header http.Header) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, permanent(fmt.Errorf("rate limiter: %w", err))
		}
	}

	start := time.Now()
	body, outcome, err := f.do(ctx, target, header)
	if f.observer != nil {
		f.observer.ObserveFetchAttempt(f.source, outcome, time.Since(start))
	}
	return body, err
}

func (f *Fetcher) do(parent context.Context, target string, header http.Header) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(parent, f.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, OutcomeTransport, permanent(fmt.Errorf("build request: %w", err))
	}
	for k, values := range header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if parent.Err() != nil {
			return nil, OutcomeCanceled, parent.Err()
		}
		return nil, OutcomeTransport, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, OutcomeStatus, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		if parent.Err() != nil {
			return nil, OutcomeCanceled, parent.Err()
		}
		return nil, OutcomeTransport, fmt.Errorf("read body: %w", err)
	}
	return body, OutcomeSuccess, nil
}

func buildURL(req Request) (string, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if len(req.Query) > 0 {
		q := u.Query()
		for k, values := range req.Query {
			for _, v := range values {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	u.RawQuery = ""
	u.User = nil
	u.Fragment = ""
	return u.String()
}
