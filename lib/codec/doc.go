// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the single CBOR configuration used for structured
// frame payloads (STATUS and CONTROL) and the admin socket.
//
// Encoding uses Core Deterministic Encoding so identical values always
// produce identical bytes, which keeps audit hashes stable. Two decode
// modes exist: the lenient mode ignores unknown fields (forward
// compatibility for trusted peers) and the strict mode rejects them
// (payloads arriving from the network before routing decisions).
package codec
