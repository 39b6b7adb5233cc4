// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output for the netmeta CLI.
//
// A Printer writes either styled output (colors, boxes, bordered tables)
// for terminals or plain tab-separated output for pipes and files. The
// caller decides which, usually from isatty on the destination.
package ux

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Palette: deep ocean teals and arctic waters.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights
	ColorTealPrimary = lipgloss.Color("#20B9B4") // headings
	ColorTealDeep    = lipgloss.Color("#16858E") // borders
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style

	TableHeader lipgloss.Style
	TableCell   lipgloss.Style
	TableBorder lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),

	TableHeader: lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary).Padding(0, 1),
	TableCell:   lipgloss.NewStyle().Padding(0, 1),
	TableBorder: lipgloss.NewStyle().Foreground(ColorTealDeep),
}

// Icon provides themed status icons.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with its color.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// Printer writes CLI output in styled or plain form.
//
// Plain output uses fixed prefixes ("OK:", "WARN:", "ERROR:") and
// tab-separated tables so it can be piped into other tools.
//
// Thread Safety: Safe for concurrent use; each call writes atomically.
type Printer struct {
	mu     sync.Mutex
	w      io.Writer
	styled bool
}

// NewPrinter creates a Printer writing to w.
func NewPrinter(w io.Writer, styled bool) *Printer {
	return &Printer{w: w, styled: styled}
}

// Styled reports whether the printer emits styled output.
func (p *Printer) Styled() bool { return p.styled }

func (p *Printer) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, s)
}

// Title prints a section heading.
func (p *Printer) Title(text string) {
	if !p.styled {
		p.println("# " + text)
		return
	}
	p.println("\n" + Styles.Title.Render(text))
}

// Success prints a success line.
func (p *Printer) Success(text string) {
	if !p.styled {
		p.println("OK: " + text)
		return
	}
	p.println(IconSuccess.Render() + " " + Styles.Success.Render(text))
}

// Warning prints a warning line.
func (p *Printer) Warning(text string) {
	if !p.styled {
		p.println("WARN: " + text)
		return
	}
	p.println(IconWarning.Render() + " " + Styles.Warning.Render(text))
}

// Error prints an error line.
func (p *Printer) Error(text string) {
	if !p.styled {
		p.println("ERROR: " + text)
		return
	}
	p.println(IconError.Render() + " " + Styles.Error.Render(text))
}

// Info prints an informational line.
func (p *Printer) Info(text string) {
	if !p.styled {
		p.println(text)
		return
	}
	p.println(Styles.Muted.Render("│") + " " + text)
}

// Muted prints secondary text. Plain printers omit it.
func (p *Printer) Muted(text string) {
	if !p.styled {
		return
	}
	p.println(Styles.Muted.Render(text))
}

// KeyValues prints aligned key/value pairs. pairs alternates key, value.
func (p *Printer) KeyValues(pairs ...string) {
	width := 0
	for i := 0; i+1 < len(pairs); i += 2 {
		width = max(width, len(pairs[i]))
	}
	var b strings.Builder
	for i := 0; i+1 < len(pairs); i += 2 {
		if i > 0 {
			b.WriteByte('\n')
		}
		if !p.styled {
			fmt.Fprintf(&b, "%s\t%s", pairs[i], pairs[i+1])
			continue
		}
		key := fmt.Sprintf("%-*s", width, pairs[i])
		fmt.Fprintf(&b, "%s  %s", Styles.Muted.Render(key), pairs[i+1])
	}
	p.println(b.String())
}

// Box prints content in a rounded box with a title line.
func (p *Printer) Box(title, content string) {
	if !p.styled {
		p.println(title + ": " + content)
		return
	}
	p.println(Styles.Box.Render(Styles.Title.Render(title) + "\n" + content))
}

// Table prints rows under headers.
//
// Styled tables have a rounded border and a colored header. Plain tables
// are one tab-separated line per row with the header first. highlight
// marks one row index for emphasis in styled output; -1 for none.
func (p *Printer) Table(headers []string, rows [][]string, highlight int) {
	if !p.styled {
		var b strings.Builder
		b.WriteString(strings.Join(headers, "\t"))
		for _, r := range rows {
			b.WriteByte('\n')
			b.WriteString(strings.Join(r, "\t"))
		}
		p.println(b.String())
		return
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(Styles.TableBorder).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return Styles.TableHeader
			case row == highlight:
				return Styles.TableCell.Foreground(ColorTealBright).Bold(true)
			default:
				return Styles.TableCell
			}
		})
	p.println(t.String())
}

// Bar renders a proportion in [0, 1] as a bar of width cells. Plain
// printers render the percentage only.
func (p *Printer) Bar(frac float64, width int) string {
	frac = min(max(frac, 0), 1)
	if !p.styled {
		return fmt.Sprintf("%.1f%%", frac*100)
	}
	filled := int(frac*float64(width) + 0.5)
	bar := Styles.Success.Render(strings.Repeat("█", filled)) +
		Styles.Muted.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %5.1f%%", bar, frac*100)
}
