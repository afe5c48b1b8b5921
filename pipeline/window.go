// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"sync"
	"time"

	"github.com/voxlink/voxlink/lib/clock"
)

// Summary is what the interpreter sees of an earlier command.
type Summary struct {
	CommandID  string    `json:"command_id"`
	Transcript string    `json:"transcript"`
	Intent     string    `json:"intent,omitempty"`
	Outcome    State     `json:"outcome"`
	At         time.Time `json:"at"`
}

// Window keeps the most recent summaries for follow-up references.
// Entries older than the TTL are dropped. Safe for concurrent use.
type Window struct {
	size  int
	ttl   time.Duration
	clock clock.Clock

	mu      sync.Mutex
	entries []Summary
}

// NewWindow keeps at most size entries younger than ttl.
func NewWindow(size int, ttl time.Duration, clk clock.Clock) *Window {
	if size <= 0 {
		size = 5
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Window{size: size, ttl: ttl, clock: clk}
}

// Add appends a summary, evicting the oldest beyond the size bound.
func (w *Window) Add(summary Summary) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, summary)
	if len(w.entries) > w.size {
		w.entries = append(w.entries[:0], w.entries[len(w.entries)-w.size:]...)
	}
}

// Recent returns live summaries, oldest first.
func (w *Window) Recent() []Summary {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := w.clock.Now().Add(-w.ttl)
	live := w.entries[:0]
	for _, entry := range w.entries {
		if entry.At.After(cutoff) {
			live = append(live, entry)
		}
	}
	w.entries = live
	return append([]Summary(nil), live...)
}
