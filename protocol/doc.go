// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines what travels inside voxlink frames: the
// frame type bytes, the binary AUDIO and HEARTBEAT payload layouts, the
// CBOR STATUS and CONTROL records, and the numeric error codes surfaced
// to the client.
//
// Error codes are grouped by category:
//
//	4001-4099  authentication (untrusted peer, pairing failures)
//	4100-4199  protocol (malformed frames, segment errors, bad intents)
//	4200-4299  rate and capacity (session occupied, device limit)
//	5000-5099  server (collaborator unavailable, tool failure, session lost)
//
// [Error] carries a code, a snake_case reason, and a human-readable
// message. Comparing with errors.Is matches on code, so the package-level
// sentinels ([ErrSessionOccupied] and friends) work against wrapped,
// reworded instances.
//
// The framing itself (header layout, length limits, stream I/O) lives in
// the transport package.
package protocol
