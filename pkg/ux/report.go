// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// SourceRow is one line of a run summary.
type SourceRow struct {
	Name       string
	Candidates int
	Persisted  int
	Duplicates int
	Invalid    int
	Failed     int
	Duration   time.Duration
	Error      string
}

// RunSummary is the CLI view of a finished run.
type RunSummary struct {
	RunID      string
	State      string
	Duration   time.Duration
	LedgerSize int
	Error      string
	Sources    []SourceRow
}

var summaryHeaders = []string{"SOURCE", "FOUND", "NEW", "DUP", "INVALID", "FAILED", "TIME", "STATUS"}

// RenderRunSummary formats s for the current personality level.
//
// Machine output is one tab-separated line per source followed by a
// RUN line, stable for grep and cron mail:
//
//	SOURCE	earnings	found=3	new=1	dup=2	invalid=0	failed=0	ok
//	RUN	<id>	state=done	new=1	ledger=42
func RenderRunSummary(s RunSummary) string {
	var newTotal int
	for _, src := range s.Sources {
		newTotal += src.Persisted
	}

	if GetPersonality() == PersonalityMachine {
		var b strings.Builder
		for _, src := range s.Sources {
			status := "ok"
			if src.Error != "" {
				status = "error=" + strconv.Quote(src.Error)
			}
			fmt.Fprintf(&b, "SOURCE\t%s\tfound=%d\tnew=%d\tdup=%d\tinvalid=%d\tfailed=%d\t%s\n",
				src.Name, src.Candidates, src.Persisted, src.Duplicates, src.Invalid, src.Failed, status)
		}
		fmt.Fprintf(&b, "RUN\t%s\tstate=%s\tnew=%d\tledger=%d", s.RunID, s.State, newTotal, s.LedgerSize)
		if s.Error != "" {
			fmt.Fprintf(&b, "\terror=%s", strconv.Quote(s.Error))
		}
		b.WriteString("\n")
		return b.String()
	}

	rows := make([][]string, 0, len(s.Sources))
	for _, src := range s.Sources {
		status := string(IconSuccess)
		if src.Error != "" {
			status = string(IconError) + " " + truncate(src.Error, 48)
		}
		rows = append(rows, []string{
			src.Name,
			strconv.Itoa(src.Candidates),
			strconv.Itoa(src.Persisted),
			strconv.Itoa(src.Duplicates),
			strconv.Itoa(src.Invalid),
			strconv.Itoa(src.Failed),
			src.Duration.Round(time.Millisecond).String(),
			status,
		})
	}

	t := table.New().
		Headers(summaryHeaders...).
		Rows(rows...)
	if GetPersonality() == PersonalityFull {
		t = t.Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(ColorTealDeep)).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return Styles.Header
				}
				if col == len(summaryHeaders)-1 && strings.HasPrefix(rows[row][col], string(IconError)) {
					return Styles.Cell.Foreground(ColorError)
				}
				return Styles.Cell
			})
	} else {
		t = t.Border(lipgloss.NormalBorder())
	}

	var b strings.Builder
	b.WriteString(t.Render())
	b.WriteString("\n")

	footer := fmt.Sprintf("run %s  %s  %d new  ledger %d  %s",
		s.RunID, s.State, newTotal, s.LedgerSize, s.Duration.Round(time.Millisecond))
	if s.Error != "" {
		footer = fmt.Sprintf("%s %s\n%s", IconError, footer, s.Error)
		if GetPersonality() == PersonalityFull {
			footer = Styles.ErrorBox.Render(footer)
		}
	} else if GetPersonality() == PersonalityFull {
		footer = Styles.Muted.Render(footer)
	}
	b.WriteString(footer)
	b.WriteString("\n")
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
