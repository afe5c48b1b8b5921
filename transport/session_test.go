// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/voxlink/voxlink/lib/clock"
	"github.com/voxlink/voxlink/lib/testutil"
	"github.com/voxlink/voxlink/protocol"
)

const testTimeout = 5 * time.Second

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// rawPeer drives the far end of a pipe frame by frame.
type rawPeer struct {
	conn   net.Conn
	frames chan Frame
}

func newRawPeer(conn net.Conn) *rawPeer {
	peer := &rawPeer{conn: conn, frames: make(chan Frame, 64)}
	go func() {
		defer close(peer.frames)
		for {
			frame, err := ReadFrame(conn)
			if err != nil {
				return
			}
			peer.frames <- frame
		}
	}()
	return peer
}

func (p *rawPeer) send(t *testing.T, frame Frame) {
	t.Helper()
	if _, err := WriteFrame(p.conn, frame); err != nil {
		t.Fatalf("peer write: %v", err)
	}
}

func (p *rawPeer) next(t *testing.T) Frame {
	t.Helper()
	return testutil.RequireReceive(t, p.frames, testTimeout, "peer waiting for frame")
}

// nextApplication skips heartbeats.
func (p *rawPeer) nextApplication(t *testing.T) Frame {
	t.Helper()
	for {
		frame := p.next(t)
		if frame.Type != protocol.FrameHeartbeat {
			return frame
		}
	}
}

func (p *rawPeer) nextHeartbeat(t *testing.T) protocol.Heartbeat {
	t.Helper()
	frame := p.next(t)
	if frame.Type != protocol.FrameHeartbeat {
		t.Fatalf("got %s frame, want heartbeat", frame.Type)
	}
	heartbeat, err := protocol.DecodeHeartbeat(frame.Payload)
	if err != nil {
		t.Fatalf("DecodeHeartbeat: %v", err)
	}
	return heartbeat
}

type stateRecorder struct {
	mu          sync.Mutex
	transitions []State
}

func (r *stateRecorder) record(_ *Session, _, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, to)
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.transitions...)
}

func startPipeSession(t *testing.T, fake *clock.FakeClock, recorder *stateRecorder) (*Session, *rawPeer) {
	t.Helper()
	local, remote := net.Pipe()
	config := SessionConfig{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatMisses:   3,
		OutboundBuffer:    4,
		Clock:             fake,
	}
	if recorder != nil {
		config.OnStateChange = recorder.record
	}
	session := NewSession("", local, Peer{DeviceID: "dev-1", DeviceName: "phone"}, config)
	peer := newRawPeer(remote)
	session.Start()
	t.Cleanup(func() {
		session.Close(ReasonShutdown)
		remote.Close()
		testutil.RequireClosed(t, session.Finished(), testTimeout, "session goroutines exit")
	})
	return session, peer
}

func statusFrame(t *testing.T, commandID, state string) Frame {
	t.Helper()
	frame, err := StatusFrame(protocol.Status{CommandID: commandID, State: state})
	if err != nil {
		t.Fatalf("StatusFrame: %v", err)
	}
	return frame
}

func TestSessionDeliversInboundAndAnswersPings(t *testing.T) {
	fake := clock.Fake(epoch)
	session, peer := startPipeSession(t, fake, nil)

	if ping := peer.nextHeartbeat(t); ping.Kind != protocol.HeartbeatPing {
		t.Fatalf("first frame kind = %d, want ping", ping.Kind)
	}

	sentAt := epoch.Add(-time.Second)
	peer.send(t, Frame{Type: protocol.FrameHeartbeat, Payload: protocol.EncodeHeartbeat(protocol.Heartbeat{Kind: protocol.HeartbeatPing, SentAt: sentAt})})
	pong := peer.nextHeartbeat(t)
	if pong.Kind != protocol.HeartbeatPong || !pong.SentAt.Equal(sentAt) {
		t.Errorf("pong = %+v, want echo of %v", pong, sentAt)
	}

	audio := Frame{Type: protocol.FrameAudio, Payload: protocol.EncodeAudio(protocol.AudioFrame{SegmentID: 3, Data: []byte("x")})}
	peer.send(t, audio)
	got := testutil.RequireReceive(t, session.Inbound(), testTimeout, "inbound audio")
	if got.Type != protocol.FrameAudio {
		t.Errorf("inbound type = %s, heartbeats must not be delivered", got.Type)
	}
	if session.State() != StateAuthenticated {
		t.Errorf("state = %s", session.State())
	}
}

func TestSessionMeasuresRTT(t *testing.T) {
	fake := clock.Fake(epoch)
	session, peer := startPipeSession(t, fake, nil)

	ping := peer.nextHeartbeat(t)
	fake.Advance(40 * time.Millisecond)
	peer.send(t, Frame{Type: protocol.FrameHeartbeat, Payload: protocol.EncodeHeartbeat(protocol.Heartbeat{Kind: protocol.HeartbeatPong, SentAt: ping.SentAt})})

	// A following application frame proves the pong was processed.
	peer.send(t, statusFrame(t, "c", "completed"))
	testutil.RequireReceive(t, session.Inbound(), testTimeout, "marker frame")

	stats := session.Stats()
	if stats.LastRTT != 40*time.Millisecond || stats.SmoothedRTT != 40*time.Millisecond {
		t.Errorf("rtt = %v smoothed %v, want 40ms", stats.LastRTT, stats.SmoothedRTT)
	}
	if stats.FramesIn != 2 || stats.FramesOut == 0 {
		t.Errorf("frame counters = in %d out %d", stats.FramesIn, stats.FramesOut)
	}
}

func TestSessionUnknownFrameTypeSurvives(t *testing.T) {
	fake := clock.Fake(epoch)
	session, peer := startPipeSession(t, fake, nil)

	peer.send(t, Frame{Type: protocol.FrameType(0x09), Payload: []byte("what")})
	reply := peer.nextApplication(t)
	if reply.Type != protocol.FrameControl {
		t.Fatalf("reply type = %s, want control", reply.Type)
	}
	control, err := protocol.DecodeControl(reply.Payload)
	if err != nil {
		t.Fatalf("DecodeControl: %v", err)
	}
	if control.Directive != protocol.DirectiveError || control.Code != protocol.CodeMalformedFrame {
		t.Errorf("reply = %+v, want MalformedFrame error", control)
	}

	peer.send(t, Frame{Type: protocol.FrameControl, Payload: mustControl(t, protocol.Control{Directive: protocol.DirectivePause})})
	frame := testutil.RequireReceive(t, session.Inbound(), testTimeout, "frame after unknown type")
	if frame.Type != protocol.FrameControl {
		t.Errorf("inbound = %s", frame.Type)
	}
}

func TestSessionOversizedFrameCloses(t *testing.T) {
	fake := clock.Fake(epoch)
	session, peer := startPipeSession(t, fake, nil)

	header := make([]byte, HeaderSize)
	header[0] = byte(protocol.FrameAudio)
	binary.BigEndian.PutUint32(header[1:], MaxPayload+1)
	if _, err := peer.conn.Write(header); err != nil {
		t.Fatalf("writing header: %v", err)
	}

	reply := peer.nextApplication(t)
	control, err := protocol.DecodeControl(reply.Payload)
	if err != nil {
		t.Fatalf("DecodeControl: %v", err)
	}
	if control.Code != protocol.CodeMalformedFrame {
		t.Errorf("error code = %d, want MalformedFrame", control.Code)
	}
	testutil.RequireClosed(t, session.Done(), testTimeout, "session close")
	if session.CloseReason() != ReasonFrameTooLarge {
		t.Errorf("close reason = %q", session.CloseReason())
	}
}

func TestSessionHeartbeatDegradeRecoverTimeout(t *testing.T) {
	fake := clock.Fake(epoch)
	recorder := &stateRecorder{}
	session, peer := startPipeSession(t, fake, recorder)
	peer.nextHeartbeat(t) // initial ping, deliberately unanswered

	fake.Advance(30 * time.Second)
	peer.nextHeartbeat(t)
	if session.State() != StateDegraded {
		t.Fatalf("after one silent interval state = %s, want degraded", session.State())
	}

	// Application frames are held while degraded.
	if err := session.Send(context.Background(), statusFrame(t, "cmd-1", "executing")); err != nil {
		t.Fatalf("Send while degraded: %v", err)
	}
	testutil.RequireNoReceive(t, peer.frames, 50*time.Millisecond, "held frame leaked while degraded")

	// Any inbound heartbeat restores the session and releases the queue.
	peer.send(t, Frame{Type: protocol.FrameHeartbeat, Payload: protocol.EncodeHeartbeat(protocol.Heartbeat{Kind: protocol.HeartbeatPing, SentAt: fake.Now()})})
	var sawStatus, sawPong bool
	for !sawStatus || !sawPong {
		frame := peer.next(t)
		switch frame.Type {
		case protocol.FrameStatus:
			sawStatus = true
		case protocol.FrameHeartbeat:
			sawPong = true
		}
	}
	if session.State() != StateAuthenticated {
		t.Fatalf("after recovery state = %s", session.State())
	}

	fake.Advance(30 * time.Second) // heartbeat seen: no miss
	peer.nextHeartbeat(t)
	if session.State() != StateAuthenticated {
		t.Fatalf("state = %s after a healthy interval", session.State())
	}

	fake.Advance(30 * time.Second)
	peer.nextHeartbeat(t)
	fake.Advance(30 * time.Second)
	peer.nextHeartbeat(t)
	fake.Advance(30 * time.Second)

	testutil.RequireClosed(t, session.Done(), testTimeout, "heartbeat timeout")
	if session.CloseReason() != ReasonHeartbeatTimeout {
		t.Errorf("close reason = %q, want %q", session.CloseReason(), ReasonHeartbeatTimeout)
	}
	testutil.RequireClosed(t, session.Finished(), testTimeout, "goroutines exit")

	want := []State{StateAuthenticated, StateDegraded, StateAuthenticated, StateDegraded, StateClosing, StateClosed}
	got := recorder.snapshot()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", got, want)
		}
	}
}

func TestSendAfterCloseIsSessionLost(t *testing.T) {
	fake := clock.Fake(epoch)
	session, _ := startPipeSession(t, fake, nil)
	session.Close(ReasonShutdown)

	err := session.Send(context.Background(), statusFrame(t, "cmd-1", "completed"))
	if !errors.Is(err, protocol.ErrSessionLost) {
		t.Errorf("Send after close = %v, want SessionLost", err)
	}
	if session.CloseReason() != ReasonShutdown {
		t.Errorf("close reason = %q", session.CloseReason())
	}
}

func TestSendRejectsHeartbeatAndOversize(t *testing.T) {
	fake := clock.Fake(epoch)
	session, _ := startPipeSession(t, fake, nil)
	if err := session.Send(context.Background(), Frame{Type: protocol.FrameHeartbeat}); err == nil {
		t.Error("Send(heartbeat) should fail; heartbeats use the priority slot")
	}
	err := session.Send(context.Background(), Frame{Type: protocol.FrameAudio, Payload: make([]byte, MaxPayload+1)})
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Send(oversize) = %v", err)
	}
}

func TestPeerHangupClosesSession(t *testing.T) {
	fake := clock.Fake(epoch)
	session, peer := startPipeSession(t, fake, nil)
	peer.nextHeartbeat(t)
	peer.conn.Close()
	testutil.RequireClosed(t, session.Done(), testTimeout, "close on hangup")
	if session.CloseReason() != ReasonPeerClosed {
		t.Errorf("close reason = %q", session.CloseReason())
	}
	// Inbound is closed once the reader exits.
	for range session.Inbound() {
	}
}

func TestCloseBeforeStart(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	session := NewSession("s1", local, Peer{}, SessionConfig{Clock: clock.Fake(epoch)})
	session.Close(ReasonShutdown)
	testutil.RequireClosed(t, session.Finished(), testTimeout, "finished without start")
	if session.State() != StateClosed {
		t.Errorf("state = %s", session.State())
	}
}

func mustControl(t *testing.T, control protocol.Control) []byte {
	t.Helper()
	payload, err := protocol.EncodeControl(control)
	if err != nil {
		t.Fatalf("EncodeControl: %v", err)
	}
	return payload
}
