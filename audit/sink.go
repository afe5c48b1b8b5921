// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"errors"
	"log/slog"
)

// Sink records events. Implementations must be safe for concurrent use
// and must reject events that fail Validate.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// LogSink writes events as structured log records.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink writing to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Record logs event at a level derived from its severity.
func (s *LogSink) Record(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	level := slog.LevelInfo
	switch event.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}

	attrs := []slog.Attr{
		slog.String("audit_type", string(event.Type)),
		slog.String("severity", string(event.Severity)),
		slog.Time("event_time", event.Time),
	}
	appendString := func(key, value string) {
		if value != "" {
			attrs = append(attrs, slog.String(key, value))
		}
	}
	appendString("session_id", event.SessionID)
	appendString("command_id", event.CommandID)
	appendString("device_id", event.DeviceID)
	appendString("state", event.State)
	if event.Code != 0 {
		attrs = append(attrs, slog.Int("code", int(event.Code)))
	}
	appendString("reason", event.Reason)
	appendString("detail", event.Detail)
	for key, value := range event.Fields {
		attrs = append(attrs, slog.String(key, value))
	}
	s.logger.LogAttrs(ctx, level, "audit", attrs...)
	return nil
}

// Multi records each event in every sink, returning the joined errors.
// A failing sink does not prevent the others from recording.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

type multiSink []Sink

func (m multiSink) Record(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	var errs []error
	for _, sink := range m {
		if err := sink.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard validates and drops events.
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) Record(_ context.Context, event Event) error { return event.Validate() }
