// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Printer renders command output for a terminal. Colors are dropped
// automatically when w is not a terminal.
type Printer struct {
	out io.Writer

	header lipgloss.Style
	label  lipgloss.Style
	muted  lipgloss.Style
	good   lipgloss.Style
	warn   lipgloss.Style
	bad    lipgloss.Style
}

// NewPrinter returns a Printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	renderer := lipgloss.NewRenderer(w)
	return &Printer{
		out:    w,
		header: renderer.NewStyle().Bold(true).Underline(true),
		label:  renderer.NewStyle().Bold(true),
		muted:  renderer.NewStyle().Faint(true),
		good:   renderer.NewStyle().Foreground(lipgloss.Color("2")),
		warn:   renderer.NewStyle().Foreground(lipgloss.Color("3")),
		bad:    renderer.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	}
}

// Tone classifies a value for coloring.
type Tone int

const (
	ToneNeutral Tone = iota
	ToneGood
	ToneWarn
	ToneBad
	ToneMuted
)

// Styled renders text in tone.
func (p *Printer) Styled(tone Tone, text string) string {
	switch tone {
	case ToneGood:
		return p.good.Render(text)
	case ToneWarn:
		return p.warn.Render(text)
	case ToneBad:
		return p.bad.Render(text)
	case ToneMuted:
		return p.muted.Render(text)
	default:
		return text
	}
}

// StateTone colors command and session states.
func StateTone(state string) Tone {
	switch state {
	case "completed", "connected", "authenticated", "ready":
		return ToneGood
	case "awaiting_confirmation", "retrying", "degraded", "connecting":
		return ToneWarn
	case "failed", "closed", "revoked":
		return ToneBad
	case "cancelled", "closing":
		return ToneMuted
	default:
		return ToneNeutral
	}
}

// Printf writes formatted text.
func (p *Printer) Printf(format string, args ...any) {
	fmt.Fprintf(p.out, format, args...)
}

// Fields writes aligned "label: value" lines. pairs alternates label
// and value.
func (p *Printer) Fields(pairs ...string) {
	width := 0
	for i := 0; i+1 < len(pairs); i += 2 {
		width = max(width, lipgloss.Width(pairs[i])+1)
	}
	labelStyle := p.label.Width(width + 1)
	for i := 0; i+1 < len(pairs); i += 2 {
		fmt.Fprintf(p.out, "%s%s\n", labelStyle.Render(pairs[i]+":"), pairs[i+1])
	}
}

// Table writes headers and rows in padded columns. Cells may already
// be styled; widths are measured without escape codes.
func (p *Printer) Table(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, header := range headers {
		widths[i] = lipgloss.Width(header)
	}
	for _, row := range rows {
		for i := range min(len(row), len(widths)) {
			widths[i] = max(widths[i], lipgloss.Width(row[i]))
		}
	}

	line := func(cells []string, style func(string) string) {
		var builder strings.Builder
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			if style != nil {
				cell = style(cell)
			}
			builder.WriteString(cell)
			if i < len(widths)-1 {
				builder.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+3))
			}
		}
		fmt.Fprintln(p.out, strings.TrimRight(builder.String(), " "))
	}

	line(headers, func(s string) string { return p.header.Render(s) })
	for _, row := range rows {
		line(row, nil)
	}
}
