// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sentiment scores short market headlines.
//
// Scores are VADER compound values in [-1, 1], the same measure existing
// signal tables carry in their "sent=" detail field.
package sentiment

import (
	"strings"

	"github.com/jonreiter/govader"
)

// Scorer assigns a compound sentiment score in [-1, 1] to text.
type Scorer interface {
	Score(text string) float64
}

// ScorerFunc adapts a plain function to Scorer.
type ScorerFunc func(text string) float64

// Score implements Scorer.
func (f ScorerFunc) Score(text string) float64 { return f(text) }

// Vader scores text with the VADER lexicon and rules.
//
// # Thread Safety
//
// Safe for concurrent use. The lexicon is loaded once by NewVader and only
// read afterwards, so one Vader is shared by every adapter.
type Vader struct {
	analyzer *govader.SentimentIntensityAnalyzer
}

// NewVader loads the embedded lexicon. Construction parses roughly 7,500
// entries; build one per process.
func NewVader() *Vader {
	return &Vader{analyzer: govader.NewSentimentIntensityAnalyzer()}
}

// Score implements Scorer. Blank text scores 0.
func (v *Vader) Score(text string) float64 {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	return v.analyzer.PolarityScores(text).Compound
}
