// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"time"

	"github.com/voxlink/voxlink/protocol"
	"github.com/voxlink/voxlink/router"
)

// State is a Command's lifecycle position.
type State string

const (
	StatePending              State = "pending"
	StateTranscribing         State = "transcribing"
	StateInterpreting         State = "interpreting"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateExecuting            State = "executing"
	StateCompleted            State = "completed"
	StateFailed               State = "failed"
	StateCancelled            State = "cancelled"
)

// rank orders states; a command's rank never decreases.
var rank = map[State]int{
	StatePending:              0,
	StateTranscribing:         1,
	StateInterpreting:         2,
	StateAwaitingConfirmation: 3,
	StateExecuting:            4,
	StateCompleted:            5,
	StateFailed:               5,
	StateCancelled:            5,
}

// next lists each state's successors besides failed, which every
// non-terminal state may enter.
var next = map[State][]State{
	StatePending:              {StateTranscribing},
	StateTranscribing:         {StateInterpreting},
	StateInterpreting:         {StateAwaitingConfirmation, StateExecuting},
	StateAwaitingConfirmation: {StateExecuting, StateCancelled},
	StateExecuting:            {StateCompleted},
}

// Terminal reports whether s ends the command.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Allowed reports whether a command in s may move to to.
func (s State) Allowed(to State) bool {
	if s.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, candidate := range next[s] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Failure explains a failed or cancelled command.
type Failure struct {
	Code    protocol.Code
	Reason  string
	Message string
}

// Transition is one recorded state change.
type Transition struct {
	State State
	At    time.Time
}

// Command is one utterance on its way to an action. A Command is
// mutated only by the goroutine that owns it.
type Command struct {
	ID        string
	SessionID string
	SegmentID uint32

	// Capture is how long the segment took to arrive.
	Capture time.Duration

	Transcript string
	Confidence float64
	Language   string

	State       State
	Intent      *router.Intent
	Result      *router.Result
	Failure     *Failure
	Transitions []Transition
}

// Snapshot is a copy safe to hand to other goroutines.
func (c *Command) Snapshot() Command {
	snapshot := *c
	snapshot.Transitions = append([]Transition(nil), c.Transitions...)
	return snapshot
}
