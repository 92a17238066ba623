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
	"bytes"
	"encoding/csv"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSignals/pkg/ux"
)

const newsRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>News</title>
<item><title>Regulator opens antitrust investigation into ACME</title><link>https://example.com/a</link><guid>news-1</guid><pubDate>Wed, 01 May 2024 13:00:00 GMT</pubDate></item>
<item><title>Fed signals rate hike</title><link>https://example.com/b</link><guid>news-2</guid></item>
</channel></rss>`

type cliFixture struct {
	dir        string
	configPath string
	csvPath    string
	ledgerPath string
	metrics    string
}

// newCLIFixture writes a config with only the news source enabled,
// pointed at newsURL, and every file under a temp dir.
func newCLIFixture(t *testing.T, newsURL, ledgerPath string) *cliFixture {
	t.Helper()
	t.Setenv("FINNHUB_KEY", "")
	t.Setenv("TWITTER_BEARER", "")
	t.Setenv("SIGNALS_PG_DSN", "")
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("SIGNALS_OUTPUT", "")

	dir := t.TempDir()
	f := &cliFixture{
		dir:        dir,
		configPath: filepath.Join(dir, "signals.yaml"),
		csvPath:    filepath.Join(dir, "signals.csv"),
		ledgerPath: ledgerPath,
		metrics:    filepath.Join(dir, "signals.prom"),
	}
	if f.ledgerPath == "" {
		f.ledgerPath = filepath.Join(dir, ".last_seen.json")
	}

	body := fmt.Sprintf(`
logging:
  level: warn
ledger:
  backend: json
  path: %q
sinks:
  structured:
    driver: sqlite
    dsn: %q
    table: signals
  csv:
    path: %q
fetch:
  requests_per_second: 0
  retry:
    max_attempts: 3
    base_delay: 5ms
    max_delay: 20ms
    jitter_factor: 0.5
metrics:
  textfile: %q
sources:
  filings: {enabled: false}
  earnings: {enabled: false}
  press_releases: {enabled: false}
  options: {enabled: false}
  twitter: {enabled: false}
  reddit: {enabled: false}
  news:
    enabled: true
    url: %q
`, f.ledgerPath, filepath.Join(dir, "signals.db"), f.csvPath, f.metrics, newsURL)
	require.NoError(t, os.WriteFile(f.configPath, []byte(body), 0644))
	return f
}

func (f *cliFixture) run(t *testing.T, args ...string) (int, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	prevOut, prevErr := ux.Stdout, ux.Stderr
	ux.Stdout, ux.Stderr = &out, &errOut
	defer func() { ux.Stdout, ux.Stderr = prevOut, prevErr }()

	base := []string{"--config", f.configPath, "--env-file", filepath.Join(f.dir, ".env"), "--output", "machine"}
	code := execute(append(args, base...))
	return code, out.String() + errOut.String()
}

func (f *cliFixture) csvRows(t *testing.T) [][]string {
	t.Helper()
	file, err := os.Open(f.csvPath)
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	return rows
}

func newsServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(newsRSS))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_EndToEndIdempotent(t *testing.T) {
	srv := newsServer(t, http.StatusOK)
	f := newCLIFixture(t, srv.URL, "")

	code, out := f.run(t, "run")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "SOURCE\tnews\tfound=2\tnew=2\tdup=0")
	assert.Contains(t, out, "state=done")

	rows := f.csvRows(t)
	require.Len(t, rows, 2)
	assert.Equal(t, "NEWS", rows[0][1])
	assert.Equal(t, "Regulator opens antitrust investigation into ACME", rows[0][3])

	code, out = f.run(t, "run")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "found=2\tnew=0\tdup=2")
	assert.Len(t, f.csvRows(t), 2)

	prom, err := os.ReadFile(f.metrics)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "aleutian_signals_runs_total")
}

func TestRun_FailingSourceStillExitsZero(t *testing.T) {
	srv := newsServer(t, http.StatusBadGateway)
	f := newCLIFixture(t, srv.URL, "")

	code, out := f.run(t, "run")
	assert.Equal(t, 0, code, out)
	assert.Contains(t, out, "SOURCE\tnews\tfound=0")
	assert.Contains(t, out, "error=")
	assert.Contains(t, out, "state=done")
}

func TestRun_UnreadableLedgerExitsOne(t *testing.T) {
	srv := newsServer(t, http.StatusOK)
	ledgerDir := filepath.Join(t.TempDir(), "ledger-is-a-dir")
	require.NoError(t, os.Mkdir(ledgerDir, 0755))
	f := newCLIFixture(t, srv.URL, ledgerDir)

	code, out := f.run(t, "run")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "state=failed")
	assert.Contains(t, out, "ledger unavailable")
	_, err := os.Stat(f.csvPath)
	if err == nil {
		assert.Empty(t, f.csvRows(t))
	}
}

func TestRun_InvalidConfigExitsOne(t *testing.T) {
	f := newCLIFixture(t, "http://127.0.0.1:1", "")
	require.NoError(t, os.WriteFile(f.configPath, []byte("ledger:\n  backend: redis\n"), 0644))

	code, out := f.run(t, "run")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "invalid configuration")
}

func TestRun_UnknownSourceFlag(t *testing.T) {
	srv := newsServer(t, http.StatusOK)
	f := newCLIFixture(t, srv.URL, "")

	code, out := f.run(t, "run", "--source", "twitter")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, `unknown or disabled source "twitter"`)
}

func TestLedgerCommands(t *testing.T) {
	srv := newsServer(t, http.StatusOK)
	f := newCLIFixture(t, srv.URL, "")

	code, out := f.run(t, "run")
	require.Equal(t, 0, code, out)

	code, out = f.run(t, "ledger", "stats")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "entries  2")
	assert.Contains(t, out, "json:")

	code, out = f.run(t, "ledger", "check", "news-1", "news-9")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "OK: news-1 seen")
	assert.Contains(t, out, "news-9 new")
}

func TestConfigCommands(t *testing.T) {
	f := newCLIFixture(t, "http://127.0.0.1:1", "")

	code, out := f.run(t, "config", "init")
	assert.Equal(t, 1, code, "init must not overwrite an existing file")
	assert.Contains(t, out, "create config")

	require.NoError(t, os.Remove(f.configPath))
	code, out = f.run(t, "config", "init")
	require.Equal(t, 0, code, out)
	assert.FileExists(t, f.configPath)

	code, out = f.run(t, "config", "validate")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "configuration valid")
	assert.Contains(t, out, "FINNHUB_KEY is not set")

	code, out = f.run(t, "config", "show")
	require.Equal(t, 0, code, out)
	assert.True(t, strings.Contains(out, "sources:"))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 1, exitCode(assert.AnError))
	assert.Equal(t, 3, exitCode(&ExitError{Code: 3, Wrapped: assert.AnError}))
	assert.Equal(t, 1, exitCode(fatal(assert.AnError)))
	assert.Nil(t, fatal(nil))

	wrapped := fatal(&ExitError{Code: 4})
	assert.Equal(t, 4, exitCode(wrapped))
	assert.ErrorIs(t, fatal(assert.AnError), assert.AnError)
}
