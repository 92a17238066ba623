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
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianSignals/services/ingest/datatypes"
	"github.com/AleutianAI/AleutianSignals/services/ingest/fetch"
	"github.com/AleutianAI/AleutianSignals/services/ingest/sentiment"
)

// Upstream endpoints and defaults for social search.
const (
	TwitterRecentSearchURL = "https://api.twitter.com/2/tweets/search/recent"
	DefaultTwitterQuery    = "fda approval OR executive order OR $SPY OR tariff"
	RedditBaseURL          = "https://www.reddit.com"

	tweetHeadlineRunes = 150
)

// =============================================================================
// Twitter
// =============================================================================

// TwitterConfig configures a TwitterSource.
type TwitterConfig struct {
	BearerToken string
	Query       string
	MaxResults  int // 10..100, default 20
	BaseURL     string
}

// TwitterSource polls the recent-search endpoint. Identifiers are
// "tw-{tweet id}".
type TwitterSource struct {
	cfg     TwitterConfig
	fetcher Fetcher
	now     Clock
}

// NewTwitterSource returns the adapter. Callers skip it entirely when no
// bearer token is configured.
func NewTwitterSource(cfg TwitterConfig, f Fetcher, clock Clock) *TwitterSource {
	if cfg.Query == "" {
		cfg.Query = DefaultTwitterQuery
	}
	if cfg.MaxResults < 10 || cfg.MaxResults > 100 {
		cfg.MaxResults = 20
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = TwitterRecentSearchURL
	}
	return &TwitterSource{cfg: cfg, fetcher: f, now: orNow(clock)}
}

// Name implements Source.
func (s *TwitterSource) Name() string { return "twitter" }

type tweetSearchResponse struct {
	Data []struct {
		ID        string `json:"id"`
		Text      string `json:"text"`
		CreatedAt string `json:"created_at"`
	} `json:"data"`
}

// Poll implements Source.
func (s *TwitterSource) Poll(ctx context.Context) ([]datatypes.CandidateRecord, error) {
	req := fetch.Request{
		URL: s.cfg.BaseURL,
		Query: url.Values{
			"query":        {s.cfg.Query},
			"max_results":  {strconv.Itoa(s.cfg.MaxResults)},
			"tweet.fields": {"created_at"},
		},
		Header: http.Header{"Authorization": {"Bearer " + s.cfg.BearerToken}},
	}
	body, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}

	var resp tweetSearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("twitter: decode search: %w", err)
	}

	now := s.now()
	records := make([]datatypes.CandidateRecord, 0, len(resp.Data))
	for _, tw := range resp.Data {
		id := strings.TrimSpace(tw.ID)
		rec := datatypes.CandidateRecord{
			Timestamp: datatypes.StampOr(tw.CreatedAt, now),
			Tag:       datatypes.TagSocialTwitter,
			Headline:  strings.ReplaceAll(truncateRunes(tw.Text, tweetHeadlineRunes), "\n", " "),
		}
		if id != "" {
			rec.ID = "tw-" + id
			rec.Detail = "https://twitter.com/i/web/status/" + id
		}
		records = append(records, rec)
	}
	return records, nil
}

// =============================================================================
// Reddit
// =============================================================================

// RedditConfig configures a RedditSource.
type RedditConfig struct {
	Subreddits []string // default wallstreetbets, stocks
	Limit      int      // default 25
	BaseURL    string
}

// RedditSource polls the newest posts of a multireddit and scores each
// title. Identifiers are "rd-{post id}".
type RedditSource struct {
	cfg     RedditConfig
	fetcher Fetcher
	scorer  sentiment.Scorer
	now     Clock
}

// NewRedditSource returns the adapter.
func NewRedditSource(cfg RedditConfig, f Fetcher, scorer sentiment.Scorer, clock Clock) *RedditSource {
	if len(cfg.Subreddits) == 0 {
		cfg.Subreddits = []string{"wallstreetbets", "stocks"}
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 25
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = RedditBaseURL
	}
	return &RedditSource{cfg: cfg, fetcher: f, scorer: scorer, now: orNow(clock)}
}

// Name implements Source.
func (s *RedditSource) Name() string { return "reddit" }

type redditListing struct {
	Data struct {
		Children []struct {
			Data struct {
				ID         string  `json:"id"`
				Title      string  `json:"title"`
				CreatedUTC float64 `json:"created_utc"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

// Poll implements Source.
func (s *RedditSource) Poll(ctx context.Context) ([]datatypes.CandidateRecord, error) {
	req := fetch.Request{
		URL: fmt.Sprintf("%s/r/%s/new.json", strings.TrimRight(s.cfg.BaseURL, "/"), strings.Join(s.cfg.Subreddits, "+")),
		Query: url.Values{
			"limit":    {strconv.Itoa(s.cfg.Limit)},
			"raw_json": {"1"},
		},
	}
	body, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}

	var listing redditListing
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("reddit: decode listing: %w", err)
	}

	now := s.now()
	records := make([]datatypes.CandidateRecord, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		post := child.Data
		id := strings.TrimSpace(post.ID)
		title := strings.TrimSpace(post.Title)
		rec := datatypes.CandidateRecord{
			Tag:      datatypes.TagSocialReddit,
			Headline: title,
		}
		if post.CreatedUTC > 0 {
			sec, frac := math.Modf(post.CreatedUTC)
			rec.Timestamp = time.Unix(int64(sec), int64(frac*1e9)).UTC().Format(datatypes.IngestionTimeLayout)
		}
		rec.Timestamp = datatypes.StampOr(rec.Timestamp, now)
		score := s.scorer.Score(title)
		if id != "" {
			rec.ID = "rd-" + id
			rec.Detail = fmt.Sprintf("sent=%.2f|url=https://redd.it/%s", score, id)
		} else {
			rec.Detail = fmt.Sprintf("sent=%.2f", score)
		}
		records = append(records, rec)
	}
	return records, nil
}

// =============================================================================
// Helpers
// =============================================================================

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
