// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit records security- and command-relevant events.
//
// Producers build an [Event] and hand it to a [Sink]. Sinks validate
// before recording: an event that fails [Event.Validate] is rejected,
// never written. [LogSink] writes structured slog records; [Store]
// keeps an append-only SQLite log where each row carries the blake3
// hash of its predecessor, so [Store.VerifyChain] detects edits and
// deletions. [Multi] fans one event out to several sinks.
package audit
