// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"slices"
	"strconv"
	"sync"
	"time"
)

// Stage is one span of a command's processing.
type Stage string

const (
	StageCapture        Stage = "capture"
	StageTranscription  Stage = "transcription"
	StageInterpretation Stage = "interpretation"
	StageConfirmation   Stage = "confirmation"
	StageExecution      Stage = "execution"

	// StageTotal runs from the first audio frame to the terminal state.
	StageTotal Stage = "total"
)

// stageOrder is the order stages are reported in.
var stageOrder = []Stage{
	StageCapture,
	StageTranscription,
	StageInterpretation,
	StageConfirmation,
	StageExecution,
	StageTotal,
}

var stageOf = map[State]Stage{
	StateTranscribing:         StageTranscription,
	StateInterpreting:         StageInterpretation,
	StateAwaitingConfirmation: StageConfirmation,
	StateExecuting:            StageExecution,
}

// Timings breaks a command down by the stages it passed through.
// Stages the command never entered are absent.
func (c *Command) Timings() map[Stage]time.Duration {
	timings := make(map[Stage]time.Duration)
	if c.Capture > 0 {
		timings[StageCapture] = c.Capture
	}
	for i := 0; i+1 < len(c.Transitions); i++ {
		if stage, ok := stageOf[c.Transitions[i].State]; ok {
			timings[stage] += c.Transitions[i+1].At.Sub(c.Transitions[i].At)
		}
	}
	if n := len(c.Transitions); n > 0 && c.Transitions[n-1].State.Terminal() {
		timings[StageTotal] = c.Capture + c.Transitions[n-1].At.Sub(c.Transitions[0].At)
	}
	return timings
}

// timingFields renders timings as audit fields, in milliseconds.
func timingFields(timings map[Stage]time.Duration) map[string]string {
	if len(timings) == 0 {
		return nil
	}
	fields := make(map[string]string, len(timings))
	for stage, duration := range timings {
		fields[string(stage)+"_ms"] = strconv.FormatInt(duration.Milliseconds(), 10)
	}
	return fields
}

// StageLatency summarizes one stage over recently completed commands.
type StageLatency struct {
	Stage Stage         `cbor:"stage" json:"stage"`
	Count int           `cbor:"count" json:"count"`
	P50   time.Duration `cbor:"p50" json:"p50"`
	P95   time.Duration `cbor:"p95" json:"p95"`
	Max   time.Duration `cbor:"max" json:"max"`
}

// Latency keeps the stage timings of the last completed commands. It
// is safe for concurrent use and is shared by every session of an
// agent.
type Latency struct {
	mu      sync.Mutex
	samples []map[Stage]time.Duration
	next    int
	size    int
}

// NewLatency keeps the last size commands. Default 256.
func NewLatency(size int) *Latency {
	if size <= 0 {
		size = 256
	}
	return &Latency{size: size}
}

// Observe records the timings of one completed command.
func (l *Latency) Observe(timings map[Stage]time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.samples) < l.size {
		l.samples = append(l.samples, timings)
		return
	}
	l.samples[l.next] = timings
	l.next = (l.next + 1) % l.size
}

// Summary returns one entry per stage seen, in pipeline order.
func (l *Latency) Summary() []StageLatency {
	l.mu.Lock()
	byStage := make(map[Stage][]time.Duration)
	for _, sample := range l.samples {
		for stage, duration := range sample {
			byStage[stage] = append(byStage[stage], duration)
		}
	}
	l.mu.Unlock()

	var summary []StageLatency
	for _, stage := range stageOrder {
		durations := byStage[stage]
		if len(durations) == 0 {
			continue
		}
		slices.Sort(durations)
		summary = append(summary, StageLatency{
			Stage: stage,
			Count: len(durations),
			P50:   percentile(durations, 50),
			P95:   percentile(durations, 95),
			Max:   durations[len(durations)-1],
		})
	}
	return summary
}

// percentile is the nearest-rank percentile of sorted durations: the value at
// position ceil(n*p/100).
func percentile(sorted []time.Duration, p int) time.Duration {
	index := (len(sorted)*p+99)/100 - 1
	return sorted[max(index, 0)]
}
