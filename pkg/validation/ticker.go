// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation normalizes values that come from upstream feeds or
// configuration before they reach a sink.
//
// Feed payloads are untrusted: ticker cells scraped from HTML and table
// names from config end up in SQL statements and CSV rows, so both are
// checked against strict patterns here.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// tickerPattern matches exchange ticker symbols.
// Allows uppercase letters, digits, dots (BRK.A) and hyphens (BF-B), max 10.
var tickerPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{0,9}$`)

// identifierPattern matches unquoted SQL identifiers usable as table names.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidateTicker reports whether ticker is a well-formed symbol.
//
// Valid tickers:
//   - 1-10 characters
//   - Uppercase letters A-Z and digits 0-9
//   - Dots (.) and hyphens (-) after the first character
func ValidateTicker(ticker string) error {
	if ticker == "" {
		return fmt.Errorf("ticker cannot be empty")
	}
	if !tickerPattern.MatchString(ticker) {
		return fmt.Errorf("invalid ticker format: %q (must be 1-10 uppercase alphanumeric chars, dots, or hyphens)", ticker)
	}
	return nil
}

// SanitizeTicker trims and upper-cases ticker, then validates it.
func SanitizeTicker(ticker string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(ticker))
	if err := ValidateTicker(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// NormalizeSubject returns the sanitized ticker, or "" when the raw value
// is not a ticker. A record subject is optional, so an unusable value is
// dropped rather than rejected.
//
// Example:
//
//	NormalizeSubject(" aapl ")  // "AAPL"
//	NormalizeSubject("$SPY")    // "SPY"
//	NormalizeSubject("n/a")     // ""
func NormalizeSubject(raw string) string {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "$")
	ticker, err := SanitizeTicker(raw)
	if err != nil {
		return ""
	}
	return ticker
}

// FirstWord returns the first whitespace-separated token of s, or "".
// Filing feeds put the form or filer name first in the entry title.
func FirstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// ValidateTableName checks a configured table name before it is
// interpolated into DDL.
func ValidateTableName(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid table name %q (letters, digits and underscores, not starting with a digit)", name)
	}
	return nil
}
