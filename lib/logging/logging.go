// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package logging builds the JSON slog logger used by voxlink binaries.
// Output goes to stderr, or to a size-rotated file when a path is
// configured.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures [New].
type Options struct {
	// Level is debug, info, warn, or error. Empty means info.
	Level string

	// File, when set, receives rotated JSON logs instead of stderr.
	File       string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
}

// Logger is a slog.Logger plus the writer it owns.
type Logger struct {
	*slog.Logger
	closer io.Closer
}

// New returns a JSON logger for opts. The first record describes the
// host and build so field reports carry their own context.
func New(opts Options) (*Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var (
		writer io.Writer = os.Stderr
		closer io.Closer
	)
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxAge:     opts.MaxAgeDays,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
		writer = rotator
		closer = rotator
	}

	logger := slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level}))
	logBuildInfo(logger)
	return &Logger{Logger: logger, closer: closer}, nil
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", name)
	}
}

// Discard returns a logger that drops everything. Tests use it.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func logBuildInfo(logger *slog.Logger) {
	attrs := []any{
		"goarch", runtime.GOARCH,
		"goos", runtime.GOOS,
		"num_cpu", runtime.NumCPU(),
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		attrs = append(attrs, "go_version", info.GoVersion, "module", info.Main.Path)
	}
	logger.Info("logging started", attrs...)
}
