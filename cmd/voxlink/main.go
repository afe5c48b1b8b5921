// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

// Voxlink is the client and operator CLI: it pairs a device with an
// agent, wakes the agent's host, streams recorded speech over a
// session, and drives the agent's admin socket.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/voxlink/voxlink/cmd/voxlink/commands"
	"github.com/voxlink/voxlink/lib/process"
)

func main() {
	if err := run(); err != nil {
		// Commands that already reported their outcome return an
		// ExitError; only the code matters.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := process.SignalContext(context.Background())
	defer stop()
	return commands.Root().Execute(ctx, os.Args[1:])
}
