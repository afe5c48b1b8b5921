// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package wake

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// enableBroadcast sets SO_BROADCAST, without which the kernel refuses
// datagrams addressed to a broadcast address.
func enableBroadcast(_, _ string, raw syscall.RawConn) error {
	var sockErr error
	err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
