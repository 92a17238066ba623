// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianSignals/pkg/validation"
	"github.com/AleutianAI/AleutianSignals/services/ingest/datatypes"
	"github.com/AleutianAI/AleutianSignals/services/ingest/fetch"
)

// FinnhubEarningsURL is the earnings calendar endpoint.
const FinnhubEarningsURL = "https://finnhub.io/api/v1/calendar/earnings"

// EarningsConfig configures an EarningsSource.
type EarningsConfig struct {
	// APIKey is the Finnhub token.
	APIKey string

	// LookaheadDays is the window length after today. Default 2.
	LookaheadDays int

	// BaseURL overrides FinnhubEarningsURL.
	BaseURL string
}

// EarningsSource polls upcoming earnings announcements.
// Identifiers are "earn-{symbol}-{date}".
type EarningsSource struct {
	cfg     EarningsConfig
	fetcher Fetcher
	now     Clock
}

// NewEarningsSource returns the earnings calendar adapter.
func NewEarningsSource(cfg EarningsConfig, f Fetcher, clock Clock) *EarningsSource {
	if cfg.LookaheadDays <= 0 {
		cfg.LookaheadDays = 2
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = FinnhubEarningsURL
	}
	return &EarningsSource{cfg: cfg, fetcher: f, now: orNow(clock)}
}

// Name implements Source.
func (s *EarningsSource) Name() string { return "earnings" }

type earningsResponse struct {
	EarningsCalendar []earningsEntry `json:"earningsCalendar"`
}

type earningsEntry struct {
	Symbol      string   `json:"symbol"`
	Date        string   `json:"date"`
	EPSEstimate *float64 `json:"epsEstimate"`
}

// Poll implements Source.
func (s *EarningsSource) Poll(ctx context.Context) ([]datatypes.CandidateRecord, error) {
	today := s.now().UTC()
	req := fetch.Request{
		URL: s.cfg.BaseURL,
		Query: url.Values{
			"from":  {today.Format("2006-01-02")},
			"to":    {today.AddDate(0, 0, s.cfg.LookaheadDays).Format("2006-01-02")},
			"token": {s.cfg.APIKey},
		},
	}
	body, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}

	var resp earningsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("earnings: decode calendar: %w", err)
	}

	records := make([]datatypes.CandidateRecord, 0, len(resp.EarningsCalendar))
	for _, e := range resp.EarningsCalendar {
		records = append(records, earningsRecord(e))
	}
	return records, nil
}

func earningsRecord(e earningsEntry) datatypes.CandidateRecord {
	symbol := strings.TrimSpace(e.Symbol)
	date := strings.TrimSpace(e.Date)

	// Both parts are required; a half-built key would collide across
	// unrelated entries.
	var id string
	if symbol != "" && date != "" {
		id = fmt.Sprintf("earn-%s-%s", symbol, date)
	}

	estimate := "n/a"
	if e.EPSEstimate != nil {
		estimate = strconv.FormatFloat(*e.EPSEstimate, 'f', -1, 64)
	}

	subject := validation.NormalizeSubject(symbol)
	if subject == "" {
		subject = symbol
	}
	return datatypes.CandidateRecord{
		ID:        id,
		Timestamp: date,
		Tag:       datatypes.TagEarnings,
		Subject:   subject,
		Headline:  fmt.Sprintf("Earnings %s (est EPS %s)", date, estimate),
	}
}
