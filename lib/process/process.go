// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for voxlink binaries:
// reporting a fatal error before the structured logger exists, and
// deriving the root context from termination signals.
package process

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Fatal writes "error: err" to stderr and exits with code 1. Use it in
// main() for errors from run().
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
