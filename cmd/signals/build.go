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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/AleutianAI/AleutianSignals/cmd/signals/config"
	"github.com/AleutianAI/AleutianSignals/services/ingest"
	"github.com/AleutianAI/AleutianSignals/services/ingest/fetch"
	"github.com/AleutianAI/AleutianSignals/services/ingest/ledger"
	"github.com/AleutianAI/AleutianSignals/services/ingest/observability"
	"github.com/AleutianAI/AleutianSignals/services/ingest/sentiment"
	"github.com/AleutianAI/AleutianSignals/services/ingest/sink"
	"github.com/AleutianAI/AleutianSignals/services/ingest/sources"
)

// pipeline is everything one run needs, opened from config.
type pipeline struct {
	orch       *ingest.Orchestrator
	store      ledger.Store
	structured sink.Sink
	flat       sink.Sink
}

// openPipeline opens the ledger store and both sinks and wires the
// sources. On error everything already opened is closed.
func openPipeline(ctx context.Context, cfg *config.SignalsConfig, logger *slog.Logger, metrics *observability.Metrics, only []string) (p *pipeline, err error) {
	srcs, err := buildSources(cfg, logger, metrics)
	if err != nil {
		return nil, err
	}
	if srcs, err = selectSources(srcs, only); err != nil {
		return nil, err
	}

	p = &pipeline{}
	defer func() {
		if err != nil {
			_ = p.Close()
		}
	}()

	if p.store, err = openLedgerStore(cfg.Ledger, logger); err != nil {
		return nil, fmt.Errorf("%w: %w", ingest.ErrLedgerUnavailable, err)
	}
	if p.structured, err = sink.OpenStructured(ctx, cfg.Sinks.Structured, logger); err != nil {
		return nil, err
	}
	if p.flat, err = sink.OpenCSV(cfg.Sinks.CSV); err != nil {
		return nil, err
	}

	p.orch, err = ingest.New(cfg.Run, ingest.Deps{
		Sources:     srcs,
		LedgerStore: p.store,
		Structured:  p.structured,
		Flat:        p.flat,
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Close releases sinks and the ledger store. The structured sink discards
// anything not flushed by a completed run.
func (p *pipeline) Close() error {
	var errs []error
	if p.structured != nil {
		errs = append(errs, p.structured.Close())
	}
	if p.flat != nil {
		errs = append(errs, p.flat.Close())
	}
	if p.store != nil {
		errs = append(errs, p.store.Close())
	}
	return errors.Join(errs...)
}

func openLedgerStore(cfg config.LedgerConfig, logger *slog.Logger) (ledger.Store, error) {
	switch cfg.Backend {
	case config.LedgerBadger:
		bc := ledger.DefaultBadgerConfig(cfg.Path)
		bc.Logger = logger
		return ledger.OpenBadgerStore(bc)
	case config.LedgerJSON, "":
		return ledger.NewJSONFileStore(cfg.Path), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

// buildSources turns the sources section into adapters, in a fixed order.
// Each adapter gets its own fetcher so rate limits and metrics are per
// source.
func buildSources(cfg *config.SignalsConfig, logger *slog.Logger, metrics *observability.Metrics) ([]sources.Source, error) {
	client := &http.Client{}
	scorer := sentiment.NewVader()
	sc := cfg.Sources

	newFetcher := func(name string) (*fetch.Fetcher, error) {
		return fetch.New(cfg.Fetch, client,
			fetch.WithSource(name),
			fetch.WithObserver(metrics),
			fetch.WithLogger(logger))
	}

	var out []sources.Source
	add := func(name string, build func(f *fetch.Fetcher) sources.Source) error {
		f, err := newFetcher(name)
		if err != nil {
			return fmt.Errorf("fetcher for %s: %w", name, err)
		}
		out = append(out, build(f))
		return nil
	}

	if sc.Filings.Enabled {
		for _, form := range sc.Filings.Forms {
			if err := add("sec-form-"+form, func(f *fetch.Fetcher) sources.Source {
				return sources.NewFilingsSource(form, sc.Filings.Count, f, nil)
			}); err != nil {
				return nil, err
			}
		}
	}

	if sc.Earnings.Enabled {
		if cfg.Secrets.FinnhubKey == "" {
			logger.Warn("earnings source skipped", "reason", config.EnvFinnhubKey+" not set")
		} else if err := add("earnings", func(f *fetch.Fetcher) sources.Source {
			return sources.NewEarningsSource(sources.EarningsConfig{
				APIKey:        cfg.Secrets.FinnhubKey,
				LookaheadDays: sc.Earnings.LookaheadDays,
				BaseURL:       sc.Earnings.URL,
			}, f, nil)
		}); err != nil {
			return nil, err
		}
	}

	if sc.PressReleases.Enabled {
		if err := add("press-releases", func(f *fetch.Fetcher) sources.Source {
			return sources.NewPressReleaseSource(sc.PressReleases.URL, f, nil)
		}); err != nil {
			return nil, err
		}
	}

	if sc.Options.Enabled {
		if err := add("unusual-options", func(f *fetch.Fetcher) sources.Source {
			return sources.NewOptionsSource(sc.Options.URL, sc.Options.MaxRows, f, nil)
		}); err != nil {
			return nil, err
		}
	}

	if sc.Twitter.Enabled {
		if cfg.Secrets.TwitterBearer == "" {
			logger.Info("twitter source skipped", "reason", config.EnvTwitterBearer+" not set")
		} else if err := add("twitter", func(f *fetch.Fetcher) sources.Source {
			return sources.NewTwitterSource(sources.TwitterConfig{
				BearerToken: cfg.Secrets.TwitterBearer,
				Query:       sc.Twitter.Query,
				MaxResults:  sc.Twitter.MaxResults,
				BaseURL:     sc.Twitter.URL,
			}, f, nil)
		}); err != nil {
			return nil, err
		}
	}

	if sc.Reddit.Enabled {
		if err := add("reddit", func(f *fetch.Fetcher) sources.Source {
			return sources.NewRedditSource(sources.RedditConfig{
				Subreddits: sc.Reddit.Subreddits,
				Limit:      sc.Reddit.Limit,
				BaseURL:    sc.Reddit.URL,
			}, f, scorer, nil)
		}); err != nil {
			return nil, err
		}
	}

	if sc.News.Enabled {
		if err := add("news", func(f *fetch.Fetcher) sources.Source {
			return sources.NewNewsSource(sc.News.URL, f, scorer, nil)
		}); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// selectSources keeps the named sources, in configured order. An empty
// selection keeps everything.
func selectSources(all []sources.Source, only []string) ([]sources.Source, error) {
	if len(only) == 0 {
		return all, nil
	}
	var names []string
	for _, s := range all {
		names = append(names, s.Name())
	}
	for _, want := range only {
		if !slices.Contains(names, want) {
			return nil, fmt.Errorf("%w: unknown or disabled source %q (enabled: %s)",
				config.ErrInvalid, want, strings.Join(names, ", "))
		}
	}
	var out []sources.Source
	for _, s := range all {
		if slices.Contains(only, s.Name()) {
			out = append(out, s)
		}
	}
	return out, nil
}
