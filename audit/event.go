// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"errors"
	"fmt"
	"time"

	"github.com/voxlink/voxlink/protocol"
)

// Type names what happened.
type Type string

const (
	TypePairingTicketCreated   Type = "pairing_ticket_created"
	TypePairingTicketCancelled Type = "pairing_ticket_cancelled"
	TypePairingCompleted       Type = "pairing_completed"
	TypePairingFailed          Type = "pairing_failed"
	TypePairingExpired         Type = "pairing_expired"
	TypeDeviceRevoked          Type = "device_revoked"

	TypeConnectionOpened   Type = "connection_opened"
	TypeConnectionRejected Type = "connection_rejected"
	TypeConnectionClosed   Type = "connection_closed"
	TypeConnectionDegraded Type = "connection_degraded"

	TypeCommandTransition Type = "command_transition"
	TypeToolInvoked       Type = "tool_invoked"
	TypeToolFailed        Type = "tool_failed"

	TypeWakeSent Type = "wake_sent"
)

var knownTypes = map[Type]bool{
	TypePairingTicketCreated:   true,
	TypePairingTicketCancelled: true,
	TypePairingCompleted:       true,
	TypePairingFailed:          true,
	TypePairingExpired:         true,
	TypeDeviceRevoked:          true,
	TypeConnectionOpened:       true,
	TypeConnectionRejected:     true,
	TypeConnectionClosed:       true,
	TypeConnectionDegraded:     true,
	TypeCommandTransition:      true,
	TypeToolInvoked:            true,
	TypeToolFailed:             true,
	TypeWakeSent:               true,
}

// Known reports whether t is part of the event vocabulary.
func (t Type) Known() bool { return knownTypes[t] }

// Severity ranks events for operators.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one audit record. Fields irrelevant to a Type stay empty.
type Event struct {
	Time     time.Time `cbor:"time"`
	Type     Type      `cbor:"type"`
	Severity Severity  `cbor:"severity"`

	SessionID string `cbor:"session_id,omitempty"`
	CommandID string `cbor:"command_id,omitempty"`
	DeviceID  string `cbor:"device_id,omitempty"`

	// State is the command state entered, for command_transition.
	State string `cbor:"state,omitempty"`

	Code   protocol.Code `cbor:"code,omitempty"`
	Reason string        `cbor:"reason,omitempty"`
	Detail string        `cbor:"detail,omitempty"`

	Fields map[string]string `cbor:"fields,omitempty"`
}

// ErrInvalidEvent wraps every validation failure.
var ErrInvalidEvent = errors.New("invalid audit event")

// Validate checks that e is well-formed.
func (e Event) Validate() error {
	var problems []error
	if e.Time.IsZero() {
		problems = append(problems, errors.New("time is required"))
	}
	if !e.Type.Known() {
		problems = append(problems, fmt.Errorf("unknown type %q", e.Type))
	}
	switch e.Severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		problems = append(problems, fmt.Errorf("unknown severity %q", e.Severity))
	}
	if e.Code != 0 && e.Code.Category() == protocol.CategoryUnknown {
		problems = append(problems, fmt.Errorf("code %d is outside every category", e.Code))
	}

	switch e.Type {
	case TypeCommandTransition:
		if e.CommandID == "" {
			problems = append(problems, errors.New("command_transition requires command_id"))
		}
		if e.State == "" {
			problems = append(problems, errors.New("command_transition requires state"))
		}
	case TypeToolInvoked, TypeToolFailed:
		if e.CommandID == "" {
			problems = append(problems, fmt.Errorf("%s requires command_id", e.Type))
		}
	case TypeDeviceRevoked, TypePairingCompleted:
		if e.DeviceID == "" {
			problems = append(problems, fmt.Errorf("%s requires device_id", e.Type))
		}
	case TypeConnectionOpened, TypeConnectionClosed, TypeConnectionDegraded:
		if e.SessionID == "" {
			problems = append(problems, fmt.Errorf("%s requires session_id", e.Type))
		}
	}
	if e.Type == TypeToolFailed || e.Type == TypePairingFailed || e.Type == TypeConnectionRejected {
		if e.Code == 0 {
			problems = append(problems, fmt.Errorf("%s requires code", e.Type))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w (%s): %w", ErrInvalidEvent, e.Type, errors.Join(problems...))
	}
	return nil
}
