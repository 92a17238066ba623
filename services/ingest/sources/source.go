// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sources contains one adapter per upstream feed.
//
// Adapters only fetch, parse and build identifiers. They do not consult
// the ledger, write sinks or retry on their own; the fetcher retries and
// the orchestrator decides what a failure means for the run.
//
// Every adapter returns records in upstream order and tolerates empty or
// partial payloads. Items without a usable identifier are still returned
// with an empty ID so the persister can count them as invalid.
package sources

import (
	"context"
	"time"

	"github.com/AleutianAI/AleutianSignals/services/ingest/datatypes"
	"github.com/AleutianAI/AleutianSignals/services/ingest/fetch"
)

// Source is a pluggable feed adapter.
type Source interface {
	// Name is unique per configured adapter ("sec-form-4", "earnings").
	Name() string

	// Poll fetches one page of the feed. A non-nil error reports a
	// terminal fetch failure or an unparseable payload; records returned
	// alongside it are still valid.
	Poll(ctx context.Context) ([]datatypes.CandidateRecord, error)
}

// Fetcher is satisfied by *fetch.Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) ([]byte, error)
}

// Clock returns the current time. Tests pin it.
type Clock func() time.Time

func orNow(c Clock) Clock {
	if c == nil {
		return time.Now
	}
	return c
}
