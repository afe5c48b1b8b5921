// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline turns closed audio segments into executed actions.
//
// Each segment becomes a [Command] that moves forward through
// pending, transcribing, interpreting, an optional
// awaiting_confirmation, and executing, ending in completed, failed,
// or cancelled. States never move backwards. The [Pipeline] reports
// every change to the client as a STATUS and to the audit sink.
//
// Transient interpreter failures park the command on a bounded queue
// served by one retry worker, so an outage does not multiply load on
// the interpreter service. A recent-command [Window] gives the
// interpreter context for follow-ups such as "do that again".
package pipeline
