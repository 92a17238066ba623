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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianSignals/pkg/ux"
	"github.com/AleutianAI/AleutianSignals/services/ingest"
	"github.com/AleutianAI/AleutianSignals/services/ingest/ledger"
)

func newLedgerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the seen-identifier ledger",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show the ledger backend and number of identifiers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withLedger(cmd.Context(), func(store ledger.Store, l *ledger.Ledger) error {
				ux.Box("ledger", fmt.Sprintf("store    %s\nentries  %d", store.Describe(), l.Len()))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check <id>...",
		Short: "Report whether identifiers have already been recorded",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLedger(cmd.Context(), func(_ ledger.Store, l *ledger.Ledger) error {
				for _, id := range args {
					if l.Contains(id) {
						ux.Success(id + " seen")
					} else {
						ux.Info(id + " new")
					}
				}
				return nil
			})
		},
	})

	return cmd
}

// withLedger opens the configured store read-only in spirit: the ledger is
// loaded but never flushed.
func (a *app) withLedger(ctx context.Context, fn func(ledger.Store, *ledger.Ledger) error) error {
	if err := a.load(); err != nil {
		return err
	}
	logger := a.logger.Slog()
	store, err := openLedgerStore(a.cfg.Ledger, logger)
	if err != nil {
		return fatal(fmt.Errorf("%w: %w", ingest.ErrLedgerUnavailable, err))
	}
	defer store.Close()

	l, err := ledger.Load(ctx, store, logger)
	if err != nil {
		return fatal(fmt.Errorf("%w: %w", ingest.ErrLedgerUnavailable, err))
	}
	return fn(store, l)
}
