// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package router dispatches interpreted intents to tool executors.
//
// Intents are a tagged union: a family, an action, and one typed
// parameter record per action. [DecodeIntent] rejects anything the
// [Catalog] does not know before a tool ever sees it. A [Router] runs
// at most MaxConcurrent invocations at once (waiters queue FIFO),
// gives each attempt the action's timeout, and retries only idempotent
// actions. Destructive actions fail terminally on their first error.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/voxlink/voxlink/audit"
	"github.com/voxlink/voxlink/lib/clock"
	"github.com/voxlink/voxlink/protocol"
)

// InvocationState is the lifecycle position of an Invocation.
type InvocationState string

const (
	InvocationQueued          InvocationState = "queued"
	InvocationRunning         InvocationState = "running"
	InvocationSucceeded       InvocationState = "succeeded"
	InvocationFailedRetryable InvocationState = "failed_retryable"
	InvocationFailedTerminal  InvocationState = "failed_terminal"
)

// Invocation is one routed intent. It is owned by the goroutine that
// calls Execute.
type Invocation struct {
	ID         string
	CommandID  string
	Intent     Intent
	ActionSpec ActionSpec

	Attempts   int
	MaxRetries int
	State      InvocationState

	// Deadline bounds the current attempt.
	Deadline time.Time
}

// Config configures a Router.
type Config struct {
	// MaxConcurrent bounds running invocations. Defaults to 3.
	MaxConcurrent int

	// MaxRetries applies to idempotent actions. Zero means 2; negative
	// disables retries.
	MaxRetries int

	// RetryBackoff is multiplied by the attempt number. Defaults to 1s.
	RetryBackoff time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
	Audit  audit.Sink
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Audit == nil {
		c.Audit = audit.Discard
	}
	return c
}

// Router routes and executes intents for one session.
type Router struct {
	catalog   *Catalog
	executors map[Family]Executor
	slots     *semaphore.Weighted
	config    Config
	sessionID string
}

// New returns a Router. executors maps each family to its executor; a
// family without one fails its intents with ToolFailed.
func New(catalog *Catalog, executors map[Family]Executor, sessionID string, config Config) *Router {
	config = config.withDefaults()
	return &Router{
		catalog:   catalog,
		executors: executors,
		slots:     semaphore.NewWeighted(int64(config.MaxConcurrent)),
		config:    config,
		sessionID: sessionID,
	}
}

// Catalog returns the action table.
func (r *Router) Catalog() *Catalog { return r.catalog }

// Route validates intent and creates a queued Invocation.
func (r *Router) Route(commandID string, intent Intent) (*Invocation, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	spec, ok := r.catalog.Lookup(intent.Action)
	if !ok || spec.Family != intent.Family {
		return nil, protocol.Errorf(protocol.CodeUnknownAction, "unknown_action", "%s/%s is not in the catalog", intent.Family, intent.Action)
	}
	maxRetries := 0
	if spec.Idempotent {
		maxRetries = r.config.MaxRetries
	}
	return &Invocation{
		ID:         uuid.NewString(),
		CommandID:  commandID,
		Intent:     intent,
		ActionSpec: spec,
		MaxRetries: maxRetries,
		State:      InvocationQueued,
	}, nil
}

// Execute waits for a slot, then runs invocation until it succeeds or
// fails terminally. The returned error is a *protocol.Error with
// ToolFailed or ToolTimeout, or ctx's error if ctx ends first.
func (r *Router) Execute(ctx context.Context, invocation *Invocation) (Result, error) {
	if err := r.slots.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	defer r.slots.Release(1)

	executor := r.executors[invocation.Intent.Family]
	if executor == nil {
		invocation.State = InvocationFailedTerminal
		err := protocol.Errorf(protocol.CodeToolFailed, "tool_failed", "no executor for %s actions", invocation.Intent.Family)
		r.recordFailure(ctx, invocation, err)
		return Result{}, err
	}

	for {
		invocation.Attempts++
		invocation.State = InvocationRunning
		invocation.Deadline = r.config.Clock.Now().Add(invocation.ActionSpec.Timeout)
		r.record(ctx, invocation, audit.Event{Type: audit.TypeToolInvoked, Severity: audit.SeverityInfo})

		result, err := r.attempt(ctx, executor, invocation)
		if err == nil {
			invocation.State = InvocationSucceeded
			r.config.Logger.Info("tool succeeded",
				"invocation_id", invocation.ID, "command_id", invocation.CommandID,
				"action", invocation.Intent.Action, "attempts", invocation.Attempts)
			return result, nil
		}
		if ctx.Err() != nil {
			invocation.State = InvocationFailedTerminal
			return Result{}, ctx.Err()
		}

		timedOut := errors.Is(err, context.DeadlineExceeded)
		var toolErr *ToolError
		retryable := timedOut || (errors.As(err, &toolErr) && toolErr.Retryable)
		retries := invocation.Attempts - 1
		if retryable && invocation.ActionSpec.Idempotent && retries < invocation.MaxRetries {
			invocation.State = InvocationFailedRetryable
			backoff := r.config.RetryBackoff * time.Duration(invocation.Attempts)
			r.config.Logger.Info("tool attempt failed, retrying",
				"invocation_id", invocation.ID, "action", invocation.Intent.Action,
				"attempt", invocation.Attempts, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				invocation.State = InvocationFailedTerminal
				return Result{}, ctx.Err()
			case <-r.config.Clock.After(backoff):
			}
			continue
		}

		invocation.State = InvocationFailedTerminal
		var failure *protocol.Error
		if timedOut {
			failure = protocol.Errorf(protocol.CodeToolTimeout, "tool_timeout",
				"%s did not finish within %s", invocation.Intent.Action, invocation.ActionSpec.Timeout)
		} else {
			message := err.Error()
			if toolErr != nil {
				message = toolErr.Message
			}
			failure = &protocol.Error{Code: protocol.CodeToolFailed, Reason: "tool_failed", Message: message, Err: err}
		}
		r.recordFailure(ctx, invocation, failure)
		r.config.Logger.Warn("tool failed",
			"invocation_id", invocation.ID, "command_id", invocation.CommandID,
			"action", invocation.Intent.Action, "attempts", invocation.Attempts, "error", err)
		return Result{}, failure
	}
}

func (r *Router) attempt(ctx context.Context, executor Executor, invocation *Invocation) (Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, invocation.ActionSpec.Timeout)
	defer cancel()
	result, err := executor.Invoke(attemptCtx, Call{
		InvocationID: invocation.ID,
		CommandID:    invocation.CommandID,
		Intent:       invocation.Intent,
		Deadline:     invocation.Deadline,
		Attempt:      invocation.Attempts,
	})
	if err == nil {
		return result, nil
	}
	if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return Result{}, fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return Result{}, err
}

func (r *Router) recordFailure(ctx context.Context, invocation *Invocation, err *protocol.Error) {
	r.record(ctx, invocation, audit.Event{
		Type:     audit.TypeToolFailed,
		Severity: audit.SeverityWarning,
		Code:     err.Code,
		Reason:   err.Reason,
		Detail:   err.Message,
	})
}

func (r *Router) record(ctx context.Context, invocation *Invocation, event audit.Event) {
	event.Time = r.config.Clock.Now()
	event.SessionID = r.sessionID
	event.CommandID = invocation.CommandID
	event.Fields = map[string]string{
		"invocation_id": invocation.ID,
		"action":        string(invocation.Intent.Action),
		"attempt":       strconv.Itoa(invocation.Attempts),
	}
	if err := r.config.Audit.Record(context.WithoutCancel(ctx), event); err != nil {
		r.config.Logger.Error("recording audit event", "type", event.Type, "error", err)
	}
}

// RequiresConfirmation reports whether intent must wait for the user.
func (r *Router) RequiresConfirmation(intent Intent) bool {
	return r.catalog.RequiresConfirmation(intent)
}
