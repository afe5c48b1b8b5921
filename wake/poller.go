// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package wake

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/voxlink/voxlink/lib/clock"
	"github.com/voxlink/voxlink/lib/netutil"
)

// Readiness is the agent's GET /status reply.
type Readiness struct {
	Ready   bool   `json:"ready"`
	Version string `json:"version,omitempty"`
}

// Poller polls an agent's readiness endpoint.
type Poller struct {
	Client   *http.Client
	Interval time.Duration
	Clock    clock.Clock
}

// NewPoller polls every 500ms with a 2s per-request timeout.
func NewPoller() *Poller {
	return &Poller{
		Client:   &http.Client{Timeout: 2 * time.Second},
		Interval: 500 * time.Millisecond,
		Clock:    clock.Real(),
	}
}

// AwaitReady polls baseURL/status until it reports ready or timeout
// elapses. Unreachable hosts and non-2xx replies count as not ready.
// Returns false with a nil error on timeout and ctx's error if ctx
// ends first.
func (p *Poller) AwaitReady(ctx context.Context, baseURL string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	url := strings.TrimSuffix(baseURL, "/") + "/status"
	deadline := p.Clock.After(timeout)
	ticker := p.Clock.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		ready, err := p.check(ctx, url)
		if err != nil && ctx.Err() != nil {
			return false, ctx.Err()
		}
		if ready {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline:
			return false, nil
		case <-ticker.C:
		}
	}
}

func (p *Poller) check(ctx context.Context, url string) (bool, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("building readiness request: %w", err)
	}
	response, err := p.Client.Do(request)
	if err != nil {
		return false, err
	}
	defer response.Body.Close()
	if err := netutil.CheckStatus(response); err != nil {
		return false, err
	}
	var readiness Readiness
	if err := netutil.DecodeResponse(response.Body, &readiness); err != nil {
		return false, fmt.Errorf("decoding readiness: %w", err)
	}
	return readiness.Ready, nil
}
