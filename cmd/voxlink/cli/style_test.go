// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrinter_TableAlignsColumns(t *testing.T) {
	var buffer bytes.Buffer
	printer := NewPrinter(&buffer)
	printer.Table(
		[]string{"ID", "NAME", "CONNECTED"},
		[][]string{
			{"a1", "phone", "yes"},
			{"b22222", "tablet", "no"},
		},
	)

	lines := strings.Split(strings.TrimRight(buffer.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), buffer.String())
	}
	column := strings.Index(lines[0], "NAME")
	for _, line := range lines[1:] {
		if got := strings.IndexAny(line[column:column+1], "pt"); got != 0 {
			t.Errorf("NAME column misaligned in %q (header at %d)", line, column)
		}
	}
}

func TestPrinter_FieldsPlainOutsideTerminal(t *testing.T) {
	var buffer bytes.Buffer
	printer := NewPrinter(&buffer)
	printer.Fields("Device", "phone", "Fingerprint", "ab:cd")

	output := buffer.String()
	if strings.Contains(output, "\x1b[") {
		t.Errorf("output to a buffer contains escape codes: %q", output)
	}
	if !strings.Contains(output, "Device:") || !strings.Contains(output, "ab:cd") {
		t.Errorf("output = %q", output)
	}
}

func TestStateTone(t *testing.T) {
	tests := map[string]Tone{
		"completed":             ToneGood,
		"awaiting_confirmation": ToneWarn,
		"failed":                ToneBad,
		"cancelled":             ToneMuted,
		"transcribing":          ToneNeutral,
	}
	for state, want := range tests {
		if got := StateTone(state); got != want {
			t.Errorf("StateTone(%q) = %d, want %d", state, got, want)
		}
	}
}
