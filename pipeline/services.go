// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"

	"github.com/voxlink/voxlink/protocol"
	"github.com/voxlink/voxlink/router"
)

// Transcription is the speech-to-text result.
type Transcription struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
}

// Transcriber turns audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (Transcription, error)
}

// Interpreter turns text into an intent. history is oldest first.
type Interpreter interface {
	Interpret(ctx context.Context, text string, history []Summary) (router.Intent, error)
}

// ToolRouter is the part of *router.Router the pipeline uses.
type ToolRouter interface {
	Route(commandID string, intent router.Intent) (*router.Invocation, error)
	Execute(ctx context.Context, invocation *router.Invocation) (router.Result, error)
	RequiresConfirmation(intent router.Intent) bool
}

// StatusSink delivers STATUS payloads to the client.
type StatusSink interface {
	SendStatus(ctx context.Context, status protocol.Status) error
}

// StatusFunc adapts a function to StatusSink.
type StatusFunc func(ctx context.Context, status protocol.Status) error

func (f StatusFunc) SendStatus(ctx context.Context, status protocol.Status) error { return f(ctx, status) }

// Archiver keeps audio whose transcription failed.
type Archiver interface {
	Put(ctx context.Context, name string, data []byte) error
}

// Errors collaborators return to steer retry decisions.
var (
	// ErrModelUnavailable is a transient transcriber failure.
	ErrModelUnavailable = errors.New("transcription model unavailable")

	// ErrServiceUnavailable is a transient interpreter failure.
	ErrServiceUnavailable = errors.New("interpreter service unavailable")

	// ErrAmbiguousIntent means the interpreter could not pick an action.
	ErrAmbiguousIntent = errors.New("ambiguous intent")
)

// transient reports whether err is worth retrying: an explicit
// unavailability or an attempt that ran out of time.
func transient(err error) bool {
	return errors.Is(err, ErrModelUnavailable) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
