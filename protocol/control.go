// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"

	"github.com/voxlink/voxlink/lib/codec"
)

// Directive names what a CONTROL frame asks for.
type Directive string

// Client to agent.
const (
	DirectivePause      Directive = "pause"
	DirectiveResume     Directive = "resume"
	DirectiveStop       Directive = "stop"
	DirectiveConfirm    Directive = "confirm"
	DirectiveDecline    Directive = "decline"
	DirectiveEndSegment Directive = "end_segment"
	DirectivePair       Directive = "pair"
)

// Agent to client.
const (
	DirectivePaired  Directive = "paired"
	DirectiveSession Directive = "session"
	DirectiveError   Directive = "error"
)

// Control is the CBOR body of a CONTROL frame. Which fields are set
// depends on Directive; see [Control.Validate].
type Control struct {
	Directive Directive `cbor:"directive"`

	// confirm, decline
	CommandID string `cbor:"command_id,omitempty"`

	// end_segment
	SegmentID uint32 `cbor:"segment_id,omitempty"`

	// pair: the client proposes a device name and a PKIX public key,
	// proven by the out-of-band pairing code.
	PairingCode string `cbor:"pairing_code,omitempty"`
	DeviceName  string `cbor:"device_name,omitempty"`
	PublicKey   []byte `cbor:"public_key,omitempty"`

	// paired: the issued client certificate and the CA that signed it.
	DeviceID      string `cbor:"device_id,omitempty"`
	Certificate   []byte `cbor:"certificate,omitempty"`
	CACertificate []byte `cbor:"ca_certificate,omitempty"`

	// session
	SessionID string `cbor:"session_id,omitempty"`

	// error
	Code    Code   `cbor:"code,omitempty"`
	Reason  string `cbor:"reason,omitempty"`
	Message string `cbor:"message,omitempty"`
}

// controlHeader is decoded first so the directive can be inspected
// before the strict decode of the full body.
type controlHeader struct {
	Directive Directive `cbor:"directive"`
}

// Validate checks that the fields required by the directive are set.
func (c Control) Validate() error {
	switch c.Directive {
	case DirectivePause, DirectiveResume, DirectiveStop:
		return nil
	case DirectiveConfirm, DirectiveDecline:
		if c.CommandID == "" {
			return Errorf(CodeMalformedFrame, "malformed_frame", "%s requires command_id", c.Directive)
		}
	case DirectiveEndSegment:
		// Segment 0 is valid; nothing further to check.
	case DirectivePair:
		if c.PairingCode == "" || c.DeviceName == "" || len(c.PublicKey) == 0 {
			return Errorf(CodeMalformedFrame, "malformed_frame", "pair requires pairing_code, device_name and public_key")
		}
	case DirectivePaired:
		if c.DeviceID == "" || len(c.Certificate) == 0 || len(c.CACertificate) == 0 {
			return Errorf(CodeMalformedFrame, "malformed_frame", "paired requires device_id, certificate and ca_certificate")
		}
	case DirectiveSession:
		if c.SessionID == "" {
			return Errorf(CodeMalformedFrame, "malformed_frame", "session requires session_id")
		}
	case DirectiveError:
		if c.Code == 0 {
			return Errorf(CodeMalformedFrame, "malformed_frame", "error requires code")
		}
	default:
		return Errorf(CodeMalformedFrame, "malformed_frame", "unknown directive %q", c.Directive)
	}
	return nil
}

// EncodeControl validates and serializes c.
func EncodeControl(c Control) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return codec.Marshal(c)
}

// DecodeControl parses and validates a CONTROL payload. Unknown fields
// are rejected.
func DecodeControl(payload []byte) (Control, error) {
	var header controlHeader
	if err := codec.Unmarshal(payload, &header); err != nil {
		return Control{}, Wrap(CodeMalformedFrame, "malformed_frame", fmt.Errorf("decoding control header: %w", err))
	}
	if header.Directive == "" {
		return Control{}, Errorf(CodeMalformedFrame, "malformed_frame", "control missing directive")
	}
	var c Control
	if err := codec.UnmarshalStrict(payload, &c); err != nil {
		return Control{}, Wrap(CodeMalformedFrame, "malformed_frame", fmt.Errorf("decoding %s control: %w", header.Directive, err))
	}
	if err := c.Validate(); err != nil {
		return Control{}, err
	}
	return c, nil
}

// ErrorControl renders err as an error directive.
func ErrorControl(err error) Control {
	protocolErr := As(err)
	return Control{
		Directive: DirectiveError,
		Code:      protocolErr.Code,
		Reason:    protocolErr.Reason,
		Message:   protocolErr.Message,
	}
}

// AsError converts an error directive back into an *Error.
func (c Control) AsError() *Error {
	return &Error{Code: c.Code, Reason: c.Reason, Message: c.Message}
}
