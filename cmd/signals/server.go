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
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianSignals/services/ingest"
)

// watchState is what the status server reports about the daemon.
type watchState struct {
	mu        sync.RWMutex
	startedAt time.Time
	count     int
	last      *ingest.Report
	lastErr   error
	nextAt    time.Time
}

func newWatchState() *watchState {
	return &watchState{startedAt: time.Now()}
}

func (s *watchState) record(r *ingest.Report, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	s.last = r
	s.lastErr = err
}

func (s *watchState) scheduleNext(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAt = at
}

func (s *watchState) passes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

type statusResponse struct {
	StartedAt time.Time      `json:"started_at"`
	Passes    int            `json:"passes"`
	NextRunAt *time.Time     `json:"next_run_at,omitempty"`
	LastError string         `json:"last_error,omitempty"`
	Last      *ingest.Report `json:"last,omitempty"`
}

// newStatusRouter serves liveness, the last report and Prometheus metrics.
func newStatusRouter(reg *prometheus.Registry, state *watchState) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("aleutian-signals"))

	// healthz fails only while the latest pass ended fatally.
	router.GET("/healthz", func(c *gin.Context) {
		state.mu.RLock()
		defer state.mu.RUnlock()
		if state.lastErr != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "failing", "error": state.lastErr.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "passes": state.count})
	})

	router.GET("/status", func(c *gin.Context) {
		state.mu.RLock()
		defer state.mu.RUnlock()
		resp := statusResponse{
			StartedAt: state.startedAt,
			Passes:    state.count,
			Last:      state.last,
		}
		if !state.nextAt.IsZero() {
			next := state.nextAt
			resp.NextRunAt = &next
		}
		if state.lastErr != nil {
			resp.LastError = state.lastErr.Error()
		}
		c.JSON(http.StatusOK, resp)
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	return router
}
