// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !unix

package wake

import "syscall"

func enableBroadcast(_, _ string, _ syscall.RawConn) error { return nil }
