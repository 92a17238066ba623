// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package datatypes

import (
	"strings"
	"time"
)

// SourceTag is the feed category written to the "source" column of both sinks.
// Values match the rows already present in existing signal tables.
type SourceTag string

const (
	TagFilingForm4   SourceTag = "SEC4"
	TagFiling8K      SourceTag = "SEC8-K"
	TagEarnings      SourceTag = "EARN"
	TagPressRelease  SourceTag = "PR"
	TagOptions       SourceTag = "OPT"
	TagSocialTwitter SourceTag = "TWIT"
	TagSocialReddit  SourceTag = "REDDIT"
	TagNews          SourceTag = "NEWS"
)

// FilingTag returns the tag for an SEC form type ("4" -> SEC4).
func FilingTag(form string) SourceTag {
	return SourceTag("SEC" + form)
}

// CandidateRecord is one normalized item produced by a source adapter.
// Only records whose ID is absent from the ledger become PersistedSignals.
type CandidateRecord struct {
	// ID is stable for the same upstream item across runs. Empty means the
	// upstream item carried no usable identifier.
	ID string `json:"id"`

	// Timestamp is the source-reported event time, kept as the source
	// formatted it. See StampOr for the fallback.
	Timestamp string `json:"ts"`

	Tag      SourceTag `json:"source"`
	Subject  string    `json:"ticker,omitempty"` // ticker, may be empty
	Headline string    `json:"headline"`
	Detail   string    `json:"extra,omitempty"` // link, sentiment, volume
}

// HasValidID reports whether the record can be deduplicated at all.
func (r CandidateRecord) HasValidID() bool {
	return strings.TrimSpace(r.ID) != ""
}

// Signal converts the record into the row written to the sinks.
func (r CandidateRecord) Signal() PersistedSignal {
	return PersistedSignal{
		Timestamp: r.Timestamp,
		Tag:       r.Tag,
		Subject:   r.Subject,
		Headline:  r.Headline,
		Detail:    r.Detail,
	}
}

// PersistedSignal is the row stored in both sinks for an accepted record.
type PersistedSignal struct {
	Timestamp string    `json:"ts"`
	Tag       SourceTag `json:"source"`
	Subject   string    `json:"ticker"`
	Headline  string    `json:"headline"`
	Detail    string    `json:"extra"`
}

// Columns is the column order shared by the structured and flat sinks.
var Columns = []string{"ts", "source", "ticker", "headline", "extra"}

// Row returns the signal's values in Columns order.
func (s PersistedSignal) Row() []string {
	return []string{s.Timestamp, string(s.Tag), s.Subject, s.Headline, s.Detail}
}

// IngestionTimeLayout is used whenever a timestamp is generated locally.
const IngestionTimeLayout = time.RFC3339

// StampOr returns raw when the source supplied a timestamp, otherwise the
// ingestion time now formatted as UTC RFC 3339.
func StampOr(raw string, now time.Time) string {
	if s := strings.TrimSpace(raw); s != "" {
		return s
	}
	return now.UTC().Format(IngestionTimeLayout)
}
