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
	"bytes"
	"strings"
	"sync"
	"testing"
)

// =============================================================================
// Icon.Render Tests
// =============================================================================

func TestIcon_Render(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError, IconPending, IconArrow} {
		if got := icon.Render(); !strings.Contains(got, string(icon)) {
			t.Errorf("Render() = %q, missing %q", got, icon)
		}
	}
}

// =============================================================================
// Plain Printer Tests
// =============================================================================

func TestPrinter_PlainLines(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)

	p.Title("Ranking")
	p.Success("network is connected")
	p.Warning("2 resamples exhausted")
	p.Error("network is disconnected")
	p.Info("5 studies")
	p.Muted("hidden in plain output")
	p.Box("tau2", "0.0123")

	want := strings.Join([]string{
		"# Ranking",
		"OK: network is connected",
		"WARN: 2 resamples exhausted",
		"ERROR: network is disconnected",
		"5 studies",
		"tau2: 0.0123",
		"",
	}, "\n")
	if buf.String() != want {
		t.Errorf("output =\n%s\nwant\n%s", buf.String(), want)
	}
	if p.Styled() {
		t.Error("Styled() = true")
	}
}

func TestPrinter_PlainTable(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)
	p.Table([]string{"treatment", "sucra"}, [][]string{{"A", "0.75"}, {"B", "0.25"}}, 0)

	want := "treatment\tsucra\nA\t0.75\nB\t0.25\n"
	if buf.String() != want {
		t.Errorf("Table() = %q, want %q", buf.String(), want)
	}
}

func TestPrinter_PlainKeyValues(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf, false).KeyValues("method", "REML", "tau2", "0.01")
	if got, want := buf.String(), "method\tREML\ntau2\t0.01\n"; got != want {
		t.Errorf("KeyValues() = %q, want %q", got, want)
	}
}

// =============================================================================
// Styled Printer Tests
// =============================================================================

func TestPrinter_StyledTable(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, true)
	p.Table([]string{"treatment", "sucra"}, [][]string{{"A", "0.75"}, {"B", "0.25"}}, 1)

	out := buf.String()
	for _, want := range []string{"treatment", "sucra", "A", "0.75", "B", "0.25", "╭", "╯"} {
		if !strings.Contains(out, want) {
			t.Errorf("styled table missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\t") {
		t.Error("styled table contains tabs")
	}
}

func TestPrinter_StyledLines(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, true)
	p.Success("done")
	p.Muted("details")
	p.KeyValues("a", "1", "long key", "2")

	out := buf.String()
	for _, want := range []string{string(IconSuccess), "done", "details", "long key", "2"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrinter_Bar(t *testing.T) {
	plain := NewPrinter(&bytes.Buffer{}, false)
	if got := plain.Bar(0.256, 10); got != "25.6%" {
		t.Errorf("plain Bar() = %q", got)
	}
	if got := plain.Bar(1.7, 10); got != "100.0%" {
		t.Errorf("clamped Bar() = %q", got)
	}

	styled := NewPrinter(&bytes.Buffer{}, true)
	got := styled.Bar(0.5, 10)
	if strings.Count(got, "█") != 5 || strings.Count(got, "░") != 5 {
		t.Errorf("styled Bar() = %q", got)
	}
	if !strings.Contains(got, "50.0%") {
		t.Errorf("styled Bar() = %q", got)
	}
}

func TestPrinter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Info("line")
		}()
	}
	wg.Wait()

	if got := strings.Count(buf.String(), "line\n"); got != 20 {
		t.Errorf("got %d lines, want 20", got)
	}
}
