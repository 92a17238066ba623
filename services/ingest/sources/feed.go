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
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/AleutianAI/AleutianSignals/pkg/validation"
	"github.com/AleutianAI/AleutianSignals/services/ingest/datatypes"
	"github.com/AleutianAI/AleutianSignals/services/ingest/fetch"
	"github.com/AleutianAI/AleutianSignals/services/ingest/sentiment"
)

// Upstream endpoints.
const (
	SECCurrentFilingsURL = "https://www.sec.gov/cgi-bin/browse-edgar"
	BusinessWireURL      = "https://services.businesswire.com/rss/home/?rssQuery=merger%20OR%20guidance%20OR%20contract%20award"
	GoogleNewsURL        = "https://news.google.com/rss/search?q=tariff+OR+antitrust+investigation+OR+rate+hike+site:reuters.com"
)

// ItemMapper turns one parsed feed entry into a candidate record.
type ItemMapper func(item *gofeed.Item, now time.Time) datatypes.CandidateRecord

// FeedSource polls an RSS or Atom feed. Filings, press releases and news
// differ only in request and mapper.
type FeedSource struct {
	name    string
	request fetch.Request
	fetcher Fetcher
	mapItem ItemMapper
	now     Clock
}

// NewFeedSource returns a generic feed adapter.
func NewFeedSource(name string, req fetch.Request, f Fetcher, mapper ItemMapper, clock Clock) *FeedSource {
	return &FeedSource{name: name, request: req, fetcher: f, mapItem: mapper, now: orNow(clock)}
}

// Name implements Source.
func (s *FeedSource) Name() string { return s.name }

// Poll implements Source.
func (s *FeedSource) Poll(ctx context.Context) ([]datatypes.CandidateRecord, error) {
	body, err := s.fetcher.Fetch(ctx, s.request)
	if err != nil {
		return nil, err
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: parse feed: %w", s.name, err)
	}

	now := s.now()
	records := make([]datatypes.CandidateRecord, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		records = append(records, s.mapItem(item, now))
	}
	return records, nil
}

// NewFilingsSource polls the SEC current-filings Atom feed for one form
// type ("4", "8-K").
func NewFilingsSource(form string, count int, f Fetcher, clock Clock) *FeedSource {
	if count <= 0 {
		count = 100
	}
	req := fetch.Request{
		URL: SECCurrentFilingsURL,
		Query: url.Values{
			"action": {"getcurrent"},
			"type":   {form},
			"count":  {strconv.Itoa(count)},
			"output": {"atom"},
			"owner":  {"include"},
		},
	}
	return NewFeedSource("sec-form-"+form, req, f, filingMapper(datatypes.FilingTag(form)), clock)
}

func filingMapper(tag datatypes.SourceTag) ItemMapper {
	return func(item *gofeed.Item, now time.Time) datatypes.CandidateRecord {
		title := strings.TrimSpace(item.Title)
		return datatypes.CandidateRecord{
			ID:        strings.TrimSpace(item.GUID),
			Timestamp: datatypes.StampOr(item.Updated, now),
			Tag:       tag,
			Subject:   validation.FirstWord(title),
			Headline:  title,
			Detail:    item.Link,
		}
	}
}

// NewPressReleaseSource polls a press-release RSS search.
func NewPressReleaseSource(feedURL string, f Fetcher, clock Clock) *FeedSource {
	if feedURL == "" {
		feedURL = BusinessWireURL
	}
	return NewFeedSource("press-releases", fetch.Request{URL: feedURL}, f, pressMapper, clock)
}

func pressMapper(item *gofeed.Item, now time.Time) datatypes.CandidateRecord {
	return datatypes.CandidateRecord{
		ID:        strings.TrimSpace(item.GUID),
		Timestamp: datatypes.StampOr(item.Published, now),
		Tag:       datatypes.TagPressRelease,
		Headline:  strings.TrimSpace(item.Title),
		Detail:    item.Link,
	}
}

// NewNewsSource polls a news RSS search and scores each headline.
func NewNewsSource(feedURL string, f Fetcher, scorer sentiment.Scorer, clock Clock) *FeedSource {
	if feedURL == "" {
		feedURL = GoogleNewsURL
	}
	mapper := func(item *gofeed.Item, now time.Time) datatypes.CandidateRecord {
		title := strings.TrimSpace(item.Title)
		return datatypes.CandidateRecord{
			ID:        strings.TrimSpace(item.GUID),
			Timestamp: datatypes.StampOr(item.Published, now),
			Tag:       datatypes.TagNews,
			Headline:  title,
			Detail:    fmt.Sprintf("sent=%.2f", scorer.Score(title)),
		}
	}
	return NewFeedSource("news", fetch.Request{URL: feedURL}, f, mapper, clock)
}
