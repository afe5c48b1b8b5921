// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package pairing is the agent's certificate authority and device
// trust registry.
//
// A device pairs once: the operator creates a [Ticket] whose six-digit
// code is shown on the host, the device connects without a client
// certificate and submits the code with its public key, and
// [Authority.CompletePairing] returns a client certificate issued by
// the agent [CA]. Later sessions authenticate with that certificate
// over mutual TLS; [Authority.Verify] maps it back to a
// [DeviceIdentity] and rejects unknown or revoked devices.
//
// Paired devices live in a SQLite [TrustStore] fronted by an LRU cache
// keyed on certificate fingerprint. At most one ticket awaits
// confirmation at a time, and a code is never reissued while an
// earlier ticket carrying it could still be live.
package pairing
