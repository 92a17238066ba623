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
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/AleutianAI/AleutianSignals/pkg/validation"
	"github.com/AleutianAI/AleutianSignals/services/ingest/datatypes"
	"github.com/AleutianAI/AleutianSignals/services/ingest/fetch"
)

// BarchartUnusualOptionsURL is the scraped unusual-activity page.
const BarchartUnusualOptionsURL = "https://www.barchart.com/options/unusual-activity"

const (
	optionsRowSelector = "table tbody tr"
	optionsMinCells    = 4
	optionsSymbolCell  = 0
	optionsVolumeCell  = 3
)

// OptionsSource scrapes the unusual options activity table.
//
// The identifier is "opt-{symbol}-{volume}". The same symbol with the same
// volume on a later day collides with an earlier row and is dropped as a
// duplicate; existing ledgers depend on this key, so it is kept.
type OptionsSource struct {
	url     string
	maxRows int
	fetcher Fetcher
	now     Clock
}

// NewOptionsSource returns the scraper. maxRows defaults to 15.
func NewOptionsSource(pageURL string, maxRows int, f Fetcher, clock Clock) *OptionsSource {
	if pageURL == "" {
		pageURL = BarchartUnusualOptionsURL
	}
	if maxRows <= 0 {
		maxRows = 15
	}
	return &OptionsSource{url: pageURL, maxRows: maxRows, fetcher: f, now: orNow(clock)}
}

// Name implements Source.
func (s *OptionsSource) Name() string { return "unusual-options" }

// Poll implements Source.
func (s *OptionsSource) Poll(ctx context.Context) ([]datatypes.CandidateRecord, error) {
	body, err := s.fetcher.Fetch(ctx, fetch.Request{URL: s.url})
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("unusual-options: parse html: %w", err)
	}

	stamp := datatypes.StampOr("", s.now())
	var records []datatypes.CandidateRecord
	doc.Find(optionsRowSelector).EachWithBreak(func(i int, row *goquery.Selection) bool {
		if i >= s.maxRows {
			return false
		}
		var cells []string
		row.Find("td").Each(func(_ int, td *goquery.Selection) {
			cells = append(cells, strings.TrimSpace(td.Text()))
		})
		if len(cells) < optionsMinCells {
			return true
		}

		symbol := cells[optionsSymbolCell]
		volume := cells[optionsVolumeCell]
		var id string
		if symbol != "" && volume != "" {
			id = fmt.Sprintf("opt-%s-%s", symbol, volume)
		}
		records = append(records, datatypes.CandidateRecord{
			ID:        id,
			Timestamp: stamp,
			Tag:       datatypes.TagOptions,
			Subject:   validation.NormalizeSubject(symbol),
			Headline:  fmt.Sprintf("Unusual option volume %s", volume),
		})
		return true
	})
	return records, nil
}
