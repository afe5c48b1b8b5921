// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the voxlink command tree.
package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/voxlink/voxlink/cmd/voxlink/cli"
	"github.com/voxlink/voxlink/lib/version"
)

// Root returns the complete voxlink command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "voxlink",
		Description: `Voxlink: drive a remote machine by voice.

A device pairs once with the agent on the remote host, then opens a
mutual-TLS session and streams speech. The agent transcribes it,
interprets it into a tool invocation, and reports each command's
progress back to the device.`,
		Subcommands: []*cli.Command{
			pairCommand(),
			wakeCommand(),
			sendCommand(),
			adminCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(context.Context, []string, *slog.Logger) error {
					fmt.Printf("voxlink %s\n", version.Full())
					return nil
				},
			},
		},
	}
}
