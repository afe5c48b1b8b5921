// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/voxlink/voxlink/lib/codec"
)

func TestCodeCategory(t *testing.T) {
	tests := []struct {
		code Code
		want Category
	}{
		{CodeUntrustedPeer, CategoryAuthentication},
		{CodePairingRequired, CategoryAuthentication},
		{CodeMalformedFrame, CategoryProtocol},
		{CodeStopped, CategoryProtocol},
		{CodeSessionOccupied, CategoryCapacity},
		{CodeSessionLost, CategoryServer},
		{Code(42), CategoryUnknown},
	}
	for _, test := range tests {
		if got := test.code.Category(); got != test.want {
			t.Errorf("%v.Category() = %q, want %q", test.code, got, test.want)
		}
	}
}

func TestErrorIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("accepting session: %w", Errorf(CodeSessionOccupied, "session_occupied", "device %s holds the slot", "laptop"))
	if !errors.Is(err, ErrSessionOccupied) {
		t.Errorf("errors.Is(%v, ErrSessionOccupied) = false", err)
	}
	if errors.Is(err, ErrUntrustedPeer) {
		t.Errorf("errors.Is(%v, ErrUntrustedPeer) = true", err)
	}
	if CodeOf(err) != CodeSessionOccupied {
		t.Errorf("CodeOf = %d, want %d", CodeOf(err), CodeSessionOccupied)
	}
}

func TestAsWrapsPlainErrors(t *testing.T) {
	if As(nil) != nil {
		t.Error("As(nil) should be nil")
	}
	plain := errors.New("disk on fire")
	got := As(plain)
	if got.Code != CodeInternal || got.Reason != "internal" {
		t.Errorf("As(plain) = %+v, want internal", got)
	}
	if !errors.Is(got, plain) {
		t.Error("As(plain) should unwrap to the original error")
	}
}

func TestAudioRoundTrip(t *testing.T) {
	frame := AudioFrame{SegmentID: 7, Sequence: 0x01020304, Data: []byte("pcm")}
	payload := EncodeAudio(frame)
	if !bytes.Equal(payload[:8], []byte{0, 0, 0, 7, 1, 2, 3, 4}) {
		t.Fatalf("header = %x", payload[:8])
	}
	decoded, err := DecodeAudio(payload)
	if err != nil {
		t.Fatalf("DecodeAudio: %v", err)
	}
	if decoded.SegmentID != 7 || decoded.Sequence != 0x01020304 || string(decoded.Data) != "pcm" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestDecodeAudioShort(t *testing.T) {
	_, err := DecodeAudio([]byte{1, 2, 3})
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("DecodeAudio(short) = %v, want MalformedFrame", err)
	}
}

func TestHeartbeat(t *testing.T) {
	sent := time.Date(2026, 3, 1, 12, 0, 0, 12345, time.UTC)
	decoded, err := DecodeHeartbeat(EncodeHeartbeat(Heartbeat{Kind: HeartbeatPong, SentAt: sent}))
	if err != nil {
		t.Fatalf("DecodeHeartbeat: %v", err)
	}
	if decoded.Kind != HeartbeatPong || !decoded.SentAt.Equal(sent) {
		t.Errorf("decoded = %+v", decoded)
	}

	bare, err := DecodeHeartbeat(nil)
	if err != nil || bare.Kind != HeartbeatPing {
		t.Errorf("DecodeHeartbeat(nil) = %+v, %v", bare, err)
	}

	if _, err := DecodeHeartbeat([]byte{9, 0, 0, 0, 0, 0, 0, 0, 0}); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("unknown kind error = %v", err)
	}
	if _, err := DecodeHeartbeat([]byte{1, 2}); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("short heartbeat error = %v", err)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	payload, err := EncodeStatus(Status{
		CommandID: "cmd-1",
		State:     "failed",
		Message:   "transcript confidence 0.42 below threshold",
		Code:      CodeLowConfidence,
		Reason:    "low_confidence",
	})
	if err != nil {
		t.Fatalf("EncodeStatus: %v", err)
	}
	status, err := DecodeStatus(payload)
	if err != nil {
		t.Fatalf("DecodeStatus: %v", err)
	}
	if status.Code != CodeLowConfidence || status.Reason != "low_confidence" {
		t.Errorf("status = %+v", status)
	}
}

func TestDecodeStatusRequiresFields(t *testing.T) {
	payload, err := codec.Marshal(map[string]any{"state": "completed"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeStatus(payload); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("DecodeStatus without command_id = %v", err)
	}
}

func TestControlDecode(t *testing.T) {
	payload, err := EncodeControl(Control{Directive: DirectiveConfirm, CommandID: "cmd-9"})
	if err != nil {
		t.Fatalf("EncodeControl: %v", err)
	}
	control, err := DecodeControl(payload)
	if err != nil {
		t.Fatalf("DecodeControl: %v", err)
	}
	if control.Directive != DirectiveConfirm || control.CommandID != "cmd-9" {
		t.Errorf("control = %+v", control)
	}
}

func TestControlRejects(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing directive", map[string]any{"command_id": "x"}},
		{"unknown directive", map[string]any{"directive": "dance"}},
		{"unknown field", map[string]any{"directive": "pause", "volume": 3}},
		{"confirm without command", map[string]any{"directive": "confirm"}},
		{"pair without key", map[string]any{"directive": "pair", "pairing_code": "123456", "device_name": "phone"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			payload, err := codec.Marshal(test.body)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := DecodeControl(payload); !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("DecodeControl = %v, want MalformedFrame", err)
			}
		})
	}
	if _, err := DecodeControl([]byte{0xff, 0x00}); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("DecodeControl(garbage) = %v", err)
	}
}

func TestErrorControl(t *testing.T) {
	control := ErrorControl(Errorf(CodeDeviceLimitReached, "device_limit_reached", "3 devices paired"))
	if err := control.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	back := control.AsError()
	if !errors.Is(back, ErrDeviceLimitReached) || back.Message != "3 devices paired" {
		t.Errorf("AsError = %+v", back)
	}
}
