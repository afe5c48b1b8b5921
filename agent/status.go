// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/voxlink/voxlink/lib/version"
	"github.com/voxlink/voxlink/wake"
)

// StatusHandler serves GET /status with the readiness a waking client
// polls for.
func (a *Agent) StatusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		readiness := wake.Readiness{Ready: a.Ready(), Version: version.Short()}
		w.Header().Set("Content-Type", "application/json")
		if !readiness.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(readiness)
	})
	return mux
}

// ServeStatus serves StatusHandler on listener until ctx is cancelled.
func (a *Agent) ServeStatus(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           a.StatusHandler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	a.config.Logger.Info("status endpoint listening", "address", listener.Addr().String())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving status: %w", err)
	}
	return nil
}
