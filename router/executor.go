// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"time"
)

// Call is one request to a tool executor.
type Call struct {
	InvocationID string    `json:"invocation_id"`
	CommandID    string    `json:"command_id"`
	Intent       Intent    `json:"intent"`
	Deadline     time.Time `json:"deadline"`
	Attempt      int       `json:"attempt"`
}

// Result is what a tool returns on success.
type Result struct {
	Summary string         `json:"summary"`
	Data    map[string]any `json:"data,omitempty"`
}

// Executor runs actions of one family. Invoke must honour ctx and
// return a *ToolError for failures the tool itself reports.
type Executor interface {
	Invoke(ctx context.Context, call Call) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, call Call) (Result, error)

func (f ExecutorFunc) Invoke(ctx context.Context, call Call) (Result, error) { return f(ctx, call) }

// ToolError is a failure reported by a tool. Retryable is the tool's
// statement that repeating the call is safe and may succeed.
type ToolError struct {
	Message   string
	Retryable bool
	Err       error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ToolError) Unwrap() error { return e.Err }
