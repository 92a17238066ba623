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
	"log/slog"
	"math/rand"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianSignals/cmd/signals/config"
	"github.com/AleutianAI/AleutianSignals/services/ingest/observability"
)

func newWatchCmd(a *app) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run ingestion passes on an interval until interrupted",
		Long: `Runs a full pass, sleeps watch.interval plus up to watch.jitter, and
repeats until SIGINT or SIGTERM. An interrupted pass still flushes what it
persisted. Edits to the config file apply from the next pass.

With watch.listen (or --listen) set, serves /healthz, /status and /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.load(); err != nil {
				return err
			}
			if listen != "" {
				a.cfg.Watch.Listen = listen
			}
			if err := a.startTelemetry(cmd.Context()); err != nil {
				return err
			}
			return a.watch(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address for /healthz, /status and /metrics (overrides watch.listen)")
	return cmd
}

func (a *app) watch(ctx context.Context) error {
	logger := a.logger.Slog().With("component", "watch")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)
	state := newWatchState()

	var reload atomic.Bool
	stopWatcher, err := watchConfigFile(ctx, a.configPath, &reload, logger)
	if err != nil {
		logger.Warn("config reload disabled", "path", a.configPath, "error", err)
	} else {
		defer stopWatcher()
	}

	if addr := a.cfg.Watch.Listen; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           newStatusRouter(reg, state),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("status server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	cfg := a.cfg
	for {
		if reload.Swap(false) {
			next, _, err := config.Load(a.configPath)
			if err != nil {
				logger.Warn("config reload failed, keeping previous config", "error", err)
			} else {
				cfg = next
				logger.Info("config reloaded", "path", a.configPath)
			}
		}

		report, err := a.cycle(ctx, cfg, reg, metrics, nil)
		state.record(report, err)
		if err != nil {
			// The daemon keeps going; the next pass retries from the same
			// ledger.
			logger.Error("pass failed", "error", err)
		}

		if ctx.Err() != nil {
			logger.Info("watch stopped", "passes", state.passes())
			return nil
		}

		delay := nextDelay(cfg.Watch, rand.Float64())
		state.scheduleNext(time.Now().Add(delay))
		logger.Info("next pass scheduled", "in", delay.Round(time.Second))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("watch stopped", "passes", state.passes())
			return nil
		case <-timer.C:
		}
	}
}

// nextDelay is Interval plus sample*Jitter, sample in [0, 1).
func nextDelay(cfg config.WatchConfig, sample float64) time.Duration {
	return cfg.Interval + time.Duration(sample*float64(cfg.Jitter))
}

// watchConfigFile sets reload whenever the file at path is written,
// created or replaced. The parent directory is watched because editors
// save by renaming over the old file.
func watchConfigFile(ctx context.Context, path string, reload *atomic.Bool, logger *slog.Logger) (stop func(), err error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					if !reload.Swap(true) {
						logger.Info("config change detected", "path", path, "op", event.Op.String())
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()

	return func() {
		w.Close()
		<-done
	}, nil
}
