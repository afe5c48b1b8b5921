// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for voxlink packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] wrap the
// select-with-deadline pattern so individual tests never call
// time.After directly. They are the only place tests use a real
// wall-clock timeout; everything else runs against lib/clock's fake.
//
// [SocketDir] returns a short directory under /tmp for Unix sockets,
// whose paths are limited to 108 bytes.
//
// [UniqueID] hands out process-unique identifiers for tests that need
// distinguishable device names or command IDs.
//
// All helpers fail the test via Fatalf instead of returning errors.
package testutil
