// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"strconv"
	"time"

	"github.com/voxlink/voxlink/router"
)

// interpretRequest is a command parked on the retry queue. The command
// goroutine keeps ownership of the Command and waits on reply.
type interpretRequest struct {
	ctx       context.Context
	commandID string
	text      string
	history   []Summary
	reply     chan interpretReply
}

type interpretReply struct {
	intent router.Intent
	err    error
}

// retryWorker is the single consumer of the retry queue. Requests are
// served in arrival order; each gets up to Attempts interpreter calls
// spaced Backoff, 2×Backoff, 3×Backoff apart.
func (p *Pipeline) retryWorker() {
	defer close(p.workerDone)
	for {
		select {
		case <-p.session.Done():
			return
		case request := <-p.retryQueue:
			p.serveRetry(request)
		}
	}
}

func (p *Pipeline) serveRetry(request interpretRequest) {
	if request.ctx.Err() != nil {
		request.reply <- interpretReply{err: context.Cause(request.ctx)}
		return
	}
	var lastErr error
	for attempt := 1; attempt <= p.config.RetryAttempts; attempt++ {
		delay := p.config.RetryBackoff * time.Duration(attempt)
		select {
		case <-request.ctx.Done():
			request.reply <- interpretReply{err: context.Cause(request.ctx)}
			return
		case <-p.config.Clock.After(delay):
		}

		intent, err := p.interpret(request.ctx, request.text, request.history)
		if err == nil || !transient(err) || request.ctx.Err() != nil {
			request.reply <- interpretReply{intent: intent, err: err}
			return
		}
		lastErr = err
		p.config.Logger.Info("interpreter retry failed",
			"command_id", request.commandID, "attempt", attempt, "error", err)
	}
	request.reply <- interpretReply{err: &exhaustedError{attempts: p.config.RetryAttempts, err: lastErr}}
}

// exhaustedError marks a request that used every retry.
type exhaustedError struct {
	attempts int
	err      error
}

func (e *exhaustedError) Error() string {
	return "interpreter still unavailable after " + strconv.Itoa(e.attempts) + " retries: " + e.err.Error()
}

func (e *exhaustedError) Unwrap() error { return e.err }
