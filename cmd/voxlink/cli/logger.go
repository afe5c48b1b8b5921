// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"log/slog"
	"os"

	"golang.org/x/term"
)

// LogLevel is the threshold for loggers from [NewCommandLogger].
// [Verbosity] lowers it for -v.
var LogLevel = new(slog.LevelVar)

// NewCommandLogger logs to stderr: text when stderr is a terminal, JSON
// (the agent's format) when it is piped.
func NewCommandLogger() *slog.Logger {
	options := &slog.HandlerOptions{Level: LogLevel}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, options))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, options))
}
