// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/voxlink/voxlink/lib/clock"
	"github.com/voxlink/voxlink/lib/testutil"
	"github.com/voxlink/voxlink/protocol"
)

func TestReconnectDelays(t *testing.T) {
	policy := ReconnectPolicy{}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, delay := range want {
		if got := policy.Delay(i + 1); got != delay {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, delay)
		}
	}
}

type reconnectResult struct {
	session *Session
	err     error
}

func TestReconnectExhausts(t *testing.T) {
	fake := clock.Fake(epoch)
	attempts := make(chan time.Time, 8)
	dial := func(ctx context.Context) (*Session, error) {
		attempts <- fake.Now()
		return nil, fmt.Errorf("connection refused")
	}

	results := make(chan reconnectResult, 1)
	go func() {
		session, err := Reconnect(context.Background(), dial, ReconnectPolicy{Clock: fake})
		results <- reconnectResult{session, err}
	}()

	start := epoch
	for attempt := 1; attempt <= 5; attempt++ {
		fake.WaitForTimers(1)
		fake.Advance(ReconnectPolicy{}.Delay(attempt))
		at := testutil.RequireReceive(t, attempts, testTimeout, "attempt %d", attempt)
		start = start.Add(ReconnectPolicy{}.Delay(attempt))
		if !at.Equal(start) {
			t.Errorf("attempt %d at %v, want %v", attempt, at, start)
		}
	}

	result := testutil.RequireReceive(t, results, testTimeout, "reconnect result")
	if !errors.Is(result.err, protocol.ErrReconnectExhausted) {
		t.Fatalf("Reconnect = %v, want ReconnectExhausted", result.err)
	}
	testutil.RequireNoReceive(t, attempts, 20*time.Millisecond, "no sixth attempt")
}

func TestReconnectStopsOnSecurityError(t *testing.T) {
	fake := clock.Fake(epoch)
	calls := 0
	dial := func(ctx context.Context) (*Session, error) {
		calls++
		return nil, protocol.Errorf(protocol.CodeUntrustedPeer, "untrusted_peer", "device revoked")
	}

	results := make(chan reconnectResult, 1)
	go func() {
		session, err := Reconnect(context.Background(), dial, ReconnectPolicy{Clock: fake})
		results <- reconnectResult{session, err}
	}()
	fake.WaitForTimers(1)
	fake.Advance(time.Second)

	result := testutil.RequireReceive(t, results, testTimeout, "reconnect result")
	if !errors.Is(result.err, protocol.ErrUntrustedPeer) {
		t.Errorf("Reconnect = %v, want the UntrustedPeer error unchanged", result.err)
	}
	if calls != 1 {
		t.Errorf("dial called %d times, want 1", calls)
	}
}

func TestReconnectHonorsContext(t *testing.T) {
	fake := clock.Fake(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan reconnectResult, 1)
	go func() {
		session, err := Reconnect(ctx, func(context.Context) (*Session, error) {
			return nil, errors.New("unreachable")
		}, ReconnectPolicy{Clock: fake})
		results <- reconnectResult{session, err}
	}()
	fake.WaitForTimers(1)
	cancel()
	result := testutil.RequireReceive(t, results, testTimeout, "reconnect result")
	if !errors.Is(result.err, context.Canceled) {
		t.Errorf("Reconnect = %v, want context.Canceled", result.err)
	}
}

func TestIsSecurityError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("connection refused"), false},
		{protocol.ErrSessionOccupied, false},
		{fmt.Errorf("dial: %w", protocol.ErrUntrustedPeer), true},
		{protocol.ErrPairingExpired, true},
	}
	for _, test := range tests {
		if got := IsSecurityError(test.err); got != test.want {
			t.Errorf("IsSecurityError(%v) = %v, want %v", test.err, got, test.want)
		}
	}
}
