// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
)

// Code is a numeric error code surfaced to the client.
type Code int

// Authentication.
const (
	CodeUntrustedPeer           Code = 4001
	CodeInvalidPairingCode      Code = 4002
	CodePairingExpired          Code = 4003
	CodePairingAlreadyCompleted Code = 4004
	CodePairingInProgress       Code = 4005
	CodePairingRequired         Code = 4006
)

// Protocol.
const (
	CodeSegmentCorrupted      Code = 4101
	CodeSegmentClosed         Code = 4102
	CodeMalformedFrame        Code = 4103
	CodeUnknownAction         Code = 4104
	CodeInvalidParameters     Code = 4105
	CodeNoPendingConfirmation Code = 4106
	CodeAmbiguousIntent       Code = 4107
	CodeLowConfidence         Code = 4108
	CodeStopped               Code = 4109
)

// Rate and capacity.
const (
	CodeSessionOccupied    Code = 4201
	CodeCommandCapacity    Code = 4202
	CodeReconnectExhausted Code = 4203
	CodeDeviceLimitReached Code = 4204
	CodeOutboundFull       Code = 4205
)

// Server.
const (
	CodeInternal               Code = 5000
	CodeTranscriberUnavailable Code = 5001
	CodeInterpreterUnavailable Code = 5002
	CodeToolFailed             Code = 5003
	CodeToolTimeout            Code = 5004
	CodeSessionLost            Code = 5005
)

// Category groups codes for client-side rendering.
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryProtocol       Category = "protocol"
	CategoryCapacity       Category = "capacity"
	CategoryServer         Category = "server"
	CategoryUnknown        Category = "unknown"
)

// Category reports the range c falls in.
func (c Code) Category() Category {
	switch {
	case c >= 4001 && c <= 4099:
		return CategoryAuthentication
	case c >= 4100 && c <= 4199:
		return CategoryProtocol
	case c >= 4200 && c <= 4299:
		return CategoryCapacity
	case c >= 5000 && c <= 5099:
		return CategoryServer
	default:
		return CategoryUnknown
	}
}

var codeNames = map[Code]string{
	CodeUntrustedPeer:           "UntrustedPeer",
	CodeInvalidPairingCode:      "InvalidCode",
	CodePairingExpired:          "Expired",
	CodePairingAlreadyCompleted: "AlreadyCompleted",
	CodePairingInProgress:       "PairingInProgress",
	CodePairingRequired:         "PairingRequired",
	CodeSegmentCorrupted:        "SegmentCorrupted",
	CodeSegmentClosed:           "SegmentClosed",
	CodeMalformedFrame:          "MalformedFrame",
	CodeUnknownAction:           "UnknownAction",
	CodeInvalidParameters:       "InvalidParameters",
	CodeNoPendingConfirmation:   "NoPendingConfirmation",
	CodeAmbiguousIntent:         "AmbiguousIntent",
	CodeLowConfidence:           "LowConfidence",
	CodeStopped:                 "Stopped",
	CodeSessionOccupied:         "SessionOccupied",
	CodeCommandCapacity:         "CommandCapacity",
	CodeReconnectExhausted:      "ReconnectExhausted",
	CodeDeviceLimitReached:      "DeviceLimitReached",
	CodeOutboundFull:            "OutboundFull",
	CodeInternal:                "Internal",
	CodeTranscriberUnavailable:  "TranscriberUnavailable",
	CodeInterpreterUnavailable:  "InterpreterUnavailable",
	CodeToolFailed:              "ToolFailed",
	CodeToolTimeout:             "ToolTimeout",
	CodeSessionLost:             "SessionLost",
}

// String returns the symbolic name, e.g. "SessionOccupied".
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is the machine-readable failure carried to the client.
type Error struct {
	Code    Code
	Reason  string
	Message string

	// Err is the underlying cause, kept for logs and errors.As. It is
	// never sent over the wire.
	Err error
}

func (e *Error) Error() string {
	text := fmt.Sprintf("%d %s", int(e.Code), e.Reason)
	if e.Message != "" {
		text += ": " + e.Message
	}
	if e.Err != nil {
		text += ": " + e.Err.Error()
	}
	return text
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// Errorf builds an Error with a formatted message.
func Errorf(code Code, reason, format string, args ...any) *Error {
	return &Error{Code: code, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and reason to err. The message is err's text.
func Wrap(code Code, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Message: err.Error(), Err: err}
}

// As extracts the *Error from err's chain. Errors without one are
// reported as CodeInternal with reason "internal".
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var protocolErr *Error
	if errors.As(err, &protocolErr) {
		return protocolErr
	}
	return &Error{Code: CodeInternal, Reason: "internal", Message: err.Error(), Err: err}
}

// CodeOf returns the code of err, CodeInternal if it carries none, and
// 0 for nil.
func CodeOf(err error) Code {
	if err == nil {
		return 0
	}
	return As(err).Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrUntrustedPeer          = &Error{Code: CodeUntrustedPeer, Reason: "untrusted_peer"}
	ErrInvalidPairingCode     = &Error{Code: CodeInvalidPairingCode, Reason: "invalid_code"}
	ErrPairingExpired         = &Error{Code: CodePairingExpired, Reason: "expired"}
	ErrPairingCompleted       = &Error{Code: CodePairingAlreadyCompleted, Reason: "already_completed"}
	ErrPairingInProgress      = &Error{Code: CodePairingInProgress, Reason: "pairing_in_progress"}
	ErrPairingRequired        = &Error{Code: CodePairingRequired, Reason: "pairing_required"}
	ErrSegmentCorrupted       = &Error{Code: CodeSegmentCorrupted, Reason: "segment_corrupted"}
	ErrSegmentClosed          = &Error{Code: CodeSegmentClosed, Reason: "segment_closed"}
	ErrMalformedFrame         = &Error{Code: CodeMalformedFrame, Reason: "malformed_frame"}
	ErrUnknownAction          = &Error{Code: CodeUnknownAction, Reason: "unknown_action"}
	ErrInvalidParameters      = &Error{Code: CodeInvalidParameters, Reason: "invalid_parameters"}
	ErrNoPendingConfirmation  = &Error{Code: CodeNoPendingConfirmation, Reason: "no_pending_confirmation"}
	ErrAmbiguousIntent        = &Error{Code: CodeAmbiguousIntent, Reason: "ambiguous_intent"}
	ErrLowConfidence          = &Error{Code: CodeLowConfidence, Reason: "low_confidence"}
	ErrStopped                = &Error{Code: CodeStopped, Reason: "stopped"}
	ErrSessionOccupied        = &Error{Code: CodeSessionOccupied, Reason: "session_occupied"}
	ErrCommandCapacity        = &Error{Code: CodeCommandCapacity, Reason: "command_capacity"}
	ErrReconnectExhausted     = &Error{Code: CodeReconnectExhausted, Reason: "reconnect_exhausted"}
	ErrDeviceLimitReached     = &Error{Code: CodeDeviceLimitReached, Reason: "device_limit_reached"}
	ErrOutboundFull           = &Error{Code: CodeOutboundFull, Reason: "outbound_full"}
	ErrTranscriberUnavailable = &Error{Code: CodeTranscriberUnavailable, Reason: "transcriber_unavailable"}
	ErrInterpreterUnavailable = &Error{Code: CodeInterpreterUnavailable, Reason: "interpreter_unavailable"}
	ErrToolFailed             = &Error{Code: CodeToolFailed, Reason: "tool_failed"}
	ErrToolTimeout            = &Error{Code: CodeToolTimeout, Reason: "tool_timeout"}
	ErrSessionLost            = &Error{Code: CodeSessionLost, Reason: "session_lost"}
)
