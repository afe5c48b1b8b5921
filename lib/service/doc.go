// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package service implements the agent's local admin socket: a
// one-request-per-connection CBOR protocol on a Unix socket.
//
// A request is a CBOR map with an "action" field plus action-specific
// fields. The reply is a [Response] envelope. Handlers registered with
// [SocketServer.Handle] receive the raw request and decode what they
// need.
//
// The socket file is created with mode 0600, and every connection's
// peer credentials (SO_PEERCRED) are checked against the server's uid,
// so only the user running the agent can create pairing tickets or
// revoke devices.
//
// [SocketClient] is the matching client used by the voxlink CLI.
package service
