// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/voxlink/voxlink/lib/codec"
)

// FrameType is the first byte of every frame header.
type FrameType byte

const (
	FrameAudio     FrameType = 0x01
	FrameControl   FrameType = 0x02
	FrameStatus    FrameType = 0x03
	FrameHeartbeat FrameType = 0x04
)

// Known reports whether t is one of the four defined frame types.
func (t FrameType) Known() bool {
	return t >= FrameAudio && t <= FrameHeartbeat
}

func (t FrameType) String() string {
	switch t {
	case FrameAudio:
		return "audio"
	case FrameControl:
		return "control"
	case FrameStatus:
		return "status"
	case FrameHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("frame(0x%02x)", byte(t))
	}
}

// audioHeaderSize is the segment ID plus sequence number prefix of an
// AUDIO payload.
const audioHeaderSize = 8

// AudioFrame is one decoded AUDIO payload.
type AudioFrame struct {
	SegmentID uint32
	Sequence  uint32
	Data      []byte
}

// EncodeAudio lays out [segment_id:4][sequence:4][bytes], big-endian.
func EncodeAudio(frame AudioFrame) []byte {
	payload := make([]byte, audioHeaderSize+len(frame.Data))
	binary.BigEndian.PutUint32(payload[0:4], frame.SegmentID)
	binary.BigEndian.PutUint32(payload[4:8], frame.Sequence)
	copy(payload[audioHeaderSize:], frame.Data)
	return payload
}

// DecodeAudio parses an AUDIO payload. Data aliases payload.
func DecodeAudio(payload []byte) (AudioFrame, error) {
	if len(payload) < audioHeaderSize {
		return AudioFrame{}, Errorf(CodeMalformedFrame, "malformed_frame",
			"audio payload is %d bytes, need at least %d", len(payload), audioHeaderSize)
	}
	return AudioFrame{
		SegmentID: binary.BigEndian.Uint32(payload[0:4]),
		Sequence:  binary.BigEndian.Uint32(payload[4:8]),
		Data:      payload[audioHeaderSize:],
	}, nil
}

// HeartbeatKind distinguishes a ping from its echo.
type HeartbeatKind byte

const (
	HeartbeatPing HeartbeatKind = 1
	HeartbeatPong HeartbeatKind = 2
)

const heartbeatSize = 9

// Heartbeat is a HEARTBEAT payload: [kind:1][sent_at_unix_nano:8]. A
// pong echoes the SentAt of the ping it answers so the sender can
// measure round-trip time.
type Heartbeat struct {
	Kind   HeartbeatKind
	SentAt time.Time
}

// EncodeHeartbeat serializes h.
func EncodeHeartbeat(h Heartbeat) []byte {
	payload := make([]byte, heartbeatSize)
	payload[0] = byte(h.Kind)
	binary.BigEndian.PutUint64(payload[1:], uint64(h.SentAt.UnixNano()))
	return payload
}

// DecodeHeartbeat parses a HEARTBEAT payload. An empty payload is
// accepted as a ping with zero time, which lets minimal clients send
// bare keep-alives.
func DecodeHeartbeat(payload []byte) (Heartbeat, error) {
	if len(payload) == 0 {
		return Heartbeat{Kind: HeartbeatPing}, nil
	}
	if len(payload) != heartbeatSize {
		return Heartbeat{}, Errorf(CodeMalformedFrame, "malformed_frame",
			"heartbeat payload is %d bytes, want %d", len(payload), heartbeatSize)
	}
	kind := HeartbeatKind(payload[0])
	if kind != HeartbeatPing && kind != HeartbeatPong {
		return Heartbeat{}, Errorf(CodeMalformedFrame, "malformed_frame", "unknown heartbeat kind %d", kind)
	}
	return Heartbeat{
		Kind:   kind,
		SentAt: time.Unix(0, int64(binary.BigEndian.Uint64(payload[1:]))),
	}, nil
}

// Status is the CBOR body of a STATUS frame. One is emitted per command
// state transition.
type Status struct {
	CommandID string           `cbor:"command_id"`
	State     string           `cbor:"state"`
	Message   string           `cbor:"message,omitempty"`
	Code      Code             `cbor:"code,omitempty"`
	Reason    string           `cbor:"reason,omitempty"`
	Data      codec.RawMessage `cbor:"data,omitempty"`
}

// EncodeStatus serializes s as deterministic CBOR.
func EncodeStatus(s Status) ([]byte, error) {
	return codec.Marshal(s)
}

// DecodeStatus parses a STATUS payload.
func DecodeStatus(payload []byte) (Status, error) {
	var s Status
	if err := codec.Unmarshal(payload, &s); err != nil {
		return Status{}, Wrap(CodeMalformedFrame, "malformed_frame", err)
	}
	if s.CommandID == "" || s.State == "" {
		return Status{}, Errorf(CodeMalformedFrame, "malformed_frame", "status missing command_id or state")
	}
	return s, nil
}
