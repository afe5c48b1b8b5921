// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent composes the host daemon. It accepts mutual-TLS
// connections, lets certificate-less connections exchange a pairing
// code for a device certificate, and admits one authenticated session
// at a time.
//
// Each session gets its own audio assembler, tool router, and command
// pipeline. A single ingest goroutine owns the assembler: it turns
// AUDIO frames into segments, applies CONTROL directives (pause,
// resume, stop, confirm, decline, end_segment), and sweeps segments
// that went silent. Command STATUS flows back through the session's
// outbound queue. When the session ends, the pipeline is aborted so no
// further frames are sent.
//
// Operators drive pairing and revocation over the admin socket
// ([Agent.RegisterAdmin]); waking clients poll [Agent.StatusHandler].
// [Bootstrap] builds a complete agent from configuration.
package agent
