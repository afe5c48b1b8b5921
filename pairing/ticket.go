// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import "time"

// TicketState is the lifecycle position of a pairing ticket.
type TicketState string

const (
	TicketInitiated            TicketState = "initiated"
	TicketAwaitingConfirmation TicketState = "awaiting_confirmation"
	TicketCompleted            TicketState = "completed"
	TicketFailed               TicketState = "failed"
	TicketExpired              TicketState = "expired"
	TicketRevoked              TicketState = "revoked"
)

// Terminal reports whether no further transition is possible.
func (s TicketState) Terminal() bool {
	switch s {
	case TicketCompleted, TicketFailed, TicketExpired, TicketRevoked:
		return true
	}
	return false
}

// ticketTransitions lists the allowed forward moves.
var ticketTransitions = map[TicketState][]TicketState{
	TicketInitiated:            {TicketAwaitingConfirmation, TicketFailed, TicketExpired, TicketRevoked},
	TicketAwaitingConfirmation: {TicketCompleted, TicketFailed, TicketExpired, TicketRevoked},
}

// Ticket is a one-time pairing code and its state.
type Ticket struct {
	ID             string      `cbor:"id"`
	Code           string      `cbor:"code"`
	CreatedAt      time.Time   `cbor:"created_at"`
	ExpiresAt      time.Time   `cbor:"expires_at"`
	State          TicketState `cbor:"state"`
	FailedAttempts int         `cbor:"failed_attempts"`
}

// advance moves the ticket to next if the move is allowed.
func (t *Ticket) advance(next TicketState) bool {
	for _, allowed := range ticketTransitions[t.State] {
		if allowed == next {
			t.State = next
			return true
		}
	}
	return false
}

// expired reports whether the ticket is past its expiry at now.
func (t *Ticket) expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
