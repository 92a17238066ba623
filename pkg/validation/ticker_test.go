// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import "testing"

func TestValidateTicker(t *testing.T) {
	tests := []struct {
		name    string
		ticker  string
		wantErr bool
	}{
		{"simple", "SPY", false},
		{"single char", "A", false},
		{"class share dot", "BRK.A", false},
		{"class share hyphen", "BF-B", false},
		{"max length", "ABCDEFGHIJ", false},

		{"empty", "", true},
		{"sql injection", "SPY'; DROP TABLE--", true},
		{"csv injection", "=HYPERLINK(1)", true},
		{"lowercase", "spy", true},
		{"too long", "ABCDEFGHIJK", true},
		{"spaces", "SP Y", true},
		{"starts with dot", ".SPY", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTicker(tt.ticker)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTicker(%q) error = %v, wantErr %v", tt.ticker, err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeTicker(t *testing.T) {
	got, err := SanitizeTicker("  brk.b ")
	if err != nil {
		t.Fatalf("SanitizeTicker() error = %v", err)
	}
	if got != "BRK.B" {
		t.Errorf("SanitizeTicker() = %q, want BRK.B", got)
	}
	if _, err := SanitizeTicker("not a ticker"); err == nil {
		t.Error("expected error for multi-word input")
	}
}

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"aapl", "AAPL"},
		{"$SPY", "SPY"},
		{" tsla ", "TSLA"},
		{"n/a", ""},
		{"", ""},
		{"Apple Inc", ""},
	}

	for _, tt := range tests {
		if got := NormalizeSubject(tt.in); got != tt.want {
			t.Errorf("NormalizeSubject(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFirstWord(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"8-K - ACME CORP (0000001) (Filer)", "8-K"},
		{"  leading space", "leading"},
		{"", ""},
		{"   ", ""},
	}

	for _, tt := range tests {
		if got := FirstWord(tt.in); got != tt.want {
			t.Errorf("FirstWord(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidateTableName(t *testing.T) {
	valid := []string{"signals", "_staging", "Signals_2024"}
	for _, name := range valid {
		if err := ValidateTableName(name); err != nil {
			t.Errorf("ValidateTableName(%q) error = %v", name, err)
		}
	}

	invalid := []string{"", "1signals", "signals;drop", "public.signals", "sig nals"}
	for _, name := range invalid {
		if err := ValidateTableName(name); err == nil {
			t.Errorf("ValidateTableName(%q) should fail", name)
		}
	}
}
