// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxlink/voxlink/lib/clock"
	"github.com/voxlink/voxlink/protocol"
)

// ReconnectPolicy configures [Reconnect]. Zero fields take the defaults:
// 1s initial delay doubling to a 30s cap, five attempts.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Attempts     int
	Clock        clock.Clock
	Logger       *slog.Logger
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Attempts <= 0 {
		p.Attempts = 5
	}
	if p.Clock == nil {
		p.Clock = clock.Real()
	}
	if p.Logger == nil {
		p.Logger = slog.New(slog.DiscardHandler)
	}
	return p
}

// Delay returns the wait before attempt (1-based).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(delay, p.MaxDelay)
}

// DialFunc opens one session.
type DialFunc func(ctx context.Context) (*Session, error)

// Reconnect re-establishes a session after a loss. Each attempt waits
// its backoff delay first. Security failures end the loop immediately
// with the original error; exhausting the attempts returns
// ReconnectExhausted wrapping the last failure.
func Reconnect(ctx context.Context, dial DialFunc, policy ReconnectPolicy) (*Session, error) {
	policy = policy.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		delay := policy.Delay(attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-policy.Clock.After(delay):
		}

		session, err := dial(ctx)
		if err == nil {
			policy.Logger.Info("reconnected", "attempt", attempt, "session_id", session.ID())
			return session, nil
		}
		if IsSecurityError(err) {
			policy.Logger.Warn("reconnect refused by security check", "attempt", attempt, "error", err)
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		policy.Logger.Info("reconnect attempt failed", "attempt", attempt, "delay", delay, "error", err)
	}
	return nil, &protocol.Error{
		Code:    protocol.CodeReconnectExhausted,
		Reason:  "reconnect_exhausted",
		Message: fmt.Sprintf("gave up after %d attempts", policy.Attempts),
		Err:     lastErr,
	}
}
