// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries voxlink frames over mutually authenticated
// TLS 1.3 and owns the liveness of the single client session.
//
// Every frame is [type:1][length:4 big-endian][payload] with payloads up
// to [MaxPayload]. A length above the limit means the stream has lost
// sync and the session closes; an unknown type with a sane length is
// answered with a MalformedFrame error and skipped.
//
// A [Session] runs three goroutines. The reader feeds [Session.Inbound]
// and consumes HEARTBEAT frames itself. The writer drains a bounded
// outbound queue, with a small priority slot for heartbeats and error
// replies that bypasses it. The heartbeat loop pings every interval and
// counts intervals with no inbound heartbeat: the first miss marks the
// session degraded (outbound application frames are held, not dropped),
// and reaching the miss limit closes it with reason heartbeat_timeout.
// Any inbound heartbeat restores the authenticated state.
//
// [ActiveSlot] enforces a single authenticated session per agent. A
// second client is rejected with SessionOccupied; nothing is queued.
//
// On the agent side, [ServerHandshake] completes TLS with
// VerifyClientCertIfGiven: a client without a certificate may only
// pair. Clients use [Dial] to open a session, [Pair] to enroll with a
// one-time code, and [Reconnect] to re-establish a lost session with
// exponential backoff. Security failures are never retried.
package transport
