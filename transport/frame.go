// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/voxlink/voxlink/protocol"
)

// HeaderSize is the fixed frame header: 1 byte type plus 4 bytes length.
const HeaderSize = 5

// MaxPayload is the largest payload either side accepts: 1 MiB.
const MaxPayload = 1 << 20

// ErrFrameTooLarge means a header declared a payload above MaxPayload.
// The stream cannot be resynchronized after it.
var ErrFrameTooLarge = errors.New("frame payload exceeds maximum")

// Frame is one unit on the wire.
type Frame struct {
	Type    protocol.FrameType
	Payload []byte
}

// WriteFrame writes frame to w as a single vectored write.
func WriteFrame(w io.Writer, frame Frame) (int64, error) {
	if len(frame.Payload) > MaxPayload {
		return 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(frame.Payload), MaxPayload)
	}
	var header [HeaderSize]byte
	header[0] = byte(frame.Type)
	binary.BigEndian.PutUint32(header[1:5], uint32(len(frame.Payload)))

	buffers := net.Buffers{header[:]}
	if len(frame.Payload) > 0 {
		buffers = append(buffers, frame.Payload)
	}
	written, err := buffers.WriteTo(w)
	if err != nil {
		return written, fmt.Errorf("write frame: %w", err)
	}
	return written, nil
}

// ReadFrame reads one frame from r. Unknown types are returned to the
// caller; only an oversized length is an error besides I/O failure.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	frameType := protocol.FrameType(header[0])
	payloadLength := binary.BigEndian.Uint32(header[1:5])
	if payloadLength > MaxPayload {
		return Frame{}, fmt.Errorf("%w: type %s declares %d bytes", ErrFrameTooLarge, frameType, payloadLength)
	}
	payload := make([]byte, payloadLength)
	if payloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return Frame{Type: frameType, Payload: payload}, nil
}

// ControlFrame encodes c as a CONTROL frame.
func ControlFrame(c protocol.Control) (Frame, error) {
	payload, err := protocol.EncodeControl(c)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: protocol.FrameControl, Payload: payload}, nil
}

// ErrorFrame renders err as a CONTROL error frame.
func ErrorFrame(err error) Frame {
	frame, encodeErr := ControlFrame(protocol.ErrorControl(err))
	if encodeErr != nil {
		// An error directive with a code always encodes; fall back to a
		// bare internal error if err carried code 0.
		frame, _ = ControlFrame(protocol.Control{Directive: protocol.DirectiveError, Code: protocol.CodeInternal, Reason: "internal"})
	}
	return frame
}

// StatusFrame encodes s as a STATUS frame.
func StatusFrame(s protocol.Status) (Frame, error) {
	payload, err := protocol.EncodeStatus(s)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: protocol.FrameStatus, Payload: payload}, nil
}
