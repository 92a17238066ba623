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
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianSignals/cmd/signals/config"
	"github.com/AleutianAI/AleutianSignals/pkg/ux"
	"github.com/AleutianAI/AleutianSignals/services/ingest"
	"github.com/AleutianAI/AleutianSignals/services/ingest/observability"
)

func newRunCmd(a *app) *cobra.Command {
	var only []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one ingestion pass over every enabled source",
		Long: `Loads the ledger, polls every enabled source, writes new signals to both
sinks and saves the ledger. Failing sources are reported but do not change
the exit code; ledger or sink failures exit with status 1.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.load(); err != nil {
				return err
			}
			if err := a.startTelemetry(cmd.Context()); err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			metrics := observability.NewMetrics(reg)
			report, err := a.cycle(cmd.Context(), a.cfg, reg, metrics, only)
			if report != nil {
				fmt.Fprint(ux.Stdout, ux.RenderRunSummary(summaryFromReport(report)))
			}
			return fatal(err)
		},
	}
	cmd.Flags().StringSliceVar(&only, "source", nil, "poll only these sources, e.g. --source earnings,sec-form-4")
	return cmd
}

// cycle opens a pipeline, runs it once and closes it. The metrics
// textfile is written even when the run fails.
func (a *app) cycle(ctx context.Context, cfg *config.SignalsConfig, reg *prometheus.Registry, metrics *observability.Metrics, only []string) (*ingest.Report, error) {
	logger := a.logger.Slog()

	p, err := openPipeline(ctx, cfg, logger, metrics, only)
	if err != nil {
		return nil, err
	}
	report, runErr := p.orch.Run(ctx)
	if err := p.Close(); err != nil {
		logger.Warn("closing pipeline", "error", err)
	}

	if path := cfg.Metrics.Textfile; path != "" {
		if err := prometheus.WriteToTextfile(path, reg); err != nil {
			logger.Warn("metrics textfile not written", "path", path, "error", err)
		}
	}
	return report, runErr
}

func summaryFromReport(r *ingest.Report) ux.RunSummary {
	s := ux.RunSummary{
		RunID:      r.RunID,
		State:      r.State.String(),
		Duration:   r.FinishedAt.Sub(r.StartedAt),
		LedgerSize: r.LedgerSize,
		Error:      r.Error,
	}
	for _, src := range r.Sources {
		s.Sources = append(s.Sources, ux.SourceRow{
			Name:       src.Name,
			Candidates: src.Candidates,
			Persisted:  src.Persisted,
			Duplicates: src.Duplicates,
			Invalid:    src.Invalid,
			Failed:     src.Failed,
			Duration:   src.Duration,
			Error:      src.Error,
		})
	}
	return s
}
