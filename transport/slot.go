// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"sync"

	"github.com/voxlink/voxlink/protocol"
)

// ActiveSlot holds the single authenticated session. The mutex guards
// only the pointer; no I/O happens under it.
type ActiveSlot struct {
	mu      sync.Mutex
	current *Session
}

// TryAcquire installs session as the active one. If another session
// holds the slot and has not begun closing, it returns SessionOccupied.
func (a *ActiveSlot) TryAcquire(session *Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil && a.current != session {
		select {
		case <-a.current.Done():
		default:
			return protocol.Errorf(protocol.CodeSessionOccupied, "session_occupied",
				"device %q already holds the session", a.current.Peer().DeviceName)
		}
	}
	a.current = session
	return nil
}

// Release clears the slot if session holds it, reporting whether it did.
func (a *ActiveSlot) Release(session *Session) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != session {
		return false
	}
	a.current = nil
	return true
}

// Current returns the active session, or nil.
func (a *ActiveSlot) Current() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}
