// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voxlink/voxlink/lib/clock"
	"github.com/voxlink/voxlink/lib/netutil"
	"github.com/voxlink/voxlink/protocol"
)

// State is a session lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateAuthenticated
	StateDegraded
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateDegraded:
		return "degraded"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Close reasons.
const (
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonPeerClosed       = "peer_closed"
	ReasonFrameTooLarge    = "frame_too_large"
	ReasonReadFailed       = "read_failed"
	ReasonWriteFailed      = "write_failed"
	ReasonDeviceRevoked    = "device_revoked"
	ReasonShutdown         = "shutdown"
	ReasonClientClosed     = "client_closed"
)

// Peer identifies the authenticated device on the other end.
type Peer struct {
	DeviceID    string
	DeviceName  string
	Fingerprint string
}

// SessionConfig configures liveness and buffering. Zero fields take the
// defaults noted.
type SessionConfig struct {
	// HeartbeatInterval defaults to 30s.
	HeartbeatInterval time.Duration

	// HeartbeatMisses is the number of silent intervals that close the
	// session. Defaults to 3.
	HeartbeatMisses int

	// InboundBuffer and OutboundBuffer default to 64 frames.
	InboundBuffer  int
	OutboundBuffer int

	// WriteTimeout bounds a single frame write. Defaults to 10s.
	WriteTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger

	// OnStateChange, if set, is called after every state transition.
	// It runs on a session goroutine and must not block.
	OnStateChange func(session *Session, from, to State)
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = 3
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = 64
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// Stats is a snapshot of session counters.
type Stats struct {
	BytesIn       uint64
	BytesOut      uint64
	FramesIn      uint64
	FramesOut     uint64
	LastRTT       time.Duration
	SmoothedRTT   time.Duration
	LastHeartbeat time.Time
}

// prioritySlots is the capacity of the queue that bypasses outbound.
const prioritySlots = 8

// Session is one authenticated, framed connection.
type Session struct {
	id     string
	peer   Peer
	conn   net.Conn
	config SessionConfig
	logger *slog.Logger

	state atomic.Int32

	inbound  chan Frame
	outbound chan Frame
	priority chan Frame

	// wake nudges the writer after a state change so it re-evaluates
	// whether the outbound queue is held.
	wake chan struct{}

	heartbeatSeen atomic.Bool
	lastHeartbeat atomic.Int64
	lastRTT       atomic.Int64
	smoothedRTT   atomic.Int64
	bytesIn       atomic.Uint64
	bytesOut      atomic.Uint64
	framesIn      atomic.Uint64
	framesOut     atomic.Uint64

	startOnce   sync.Once
	closeOnce   sync.Once
	closeReason string
	done        chan struct{}
	finished    chan struct{}
	goroutines  sync.WaitGroup
}

// NewSession wraps an authenticated connection. The session is in the
// connected state until Start. An empty id is replaced by a random UUID.
func NewSession(id string, conn net.Conn, peer Peer, config SessionConfig) *Session {
	config = config.withDefaults()
	if id == "" {
		id = uuid.NewString()
	}
	session := &Session{
		id:       id,
		peer:     peer,
		conn:     conn,
		config:   config,
		inbound:  make(chan Frame, config.InboundBuffer),
		outbound: make(chan Frame, config.OutboundBuffer),
		priority: make(chan Frame, prioritySlots),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	session.logger = config.Logger.With("session_id", id, "device_id", peer.DeviceID)
	session.state.Store(int32(StateConnected))
	return session
}

// Start moves the session to authenticated and launches the reader,
// writer, and heartbeat goroutines.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.transition(StateConnected, StateAuthenticated)
		s.lastHeartbeat.Store(s.config.Clock.Now().UnixNano())
		s.goroutines.Add(3)
		go s.readLoop()
		go s.writeLoop()
		go s.heartbeatLoop()
		go func() {
			s.goroutines.Wait()
			s.setState(StateClosed)
			close(s.finished)
		}()
	})
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Peer returns the authenticated device.
func (s *Session) Peer() Peer { return s.peer }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Inbound delivers AUDIO, CONTROL, and STATUS frames in arrival order.
// It is closed when the reader exits.
func (s *Session) Inbound() <-chan Frame { return s.inbound }

// Done is closed when the session begins closing.
func (s *Session) Done() <-chan struct{} { return s.done }

// Finished is closed after every session goroutine has exited.
func (s *Session) Finished() <-chan struct{} { return s.finished }

// CloseReason returns the first reason passed to Close, or "" while open.
func (s *Session) CloseReason() string {
	select {
	case <-s.done:
		return s.closeReason
	default:
		return ""
	}
}

// Stats returns a snapshot of the counters.
func (s *Session) Stats() Stats {
	return Stats{
		BytesIn:       s.bytesIn.Load(),
		BytesOut:      s.bytesOut.Load(),
		FramesIn:      s.framesIn.Load(),
		FramesOut:     s.framesOut.Load(),
		LastRTT:       time.Duration(s.lastRTT.Load()),
		SmoothedRTT:   time.Duration(s.smoothedRTT.Load()),
		LastHeartbeat: time.Unix(0, s.lastHeartbeat.Load()),
	}
}

// Send queues frame for the writer. While degraded the queue is held,
// so Send blocks once it is full until the session recovers, ctx ends,
// or the session closes (SessionLost).
func (s *Session) Send(ctx context.Context, frame Frame) error {
	if !frame.Type.Known() || frame.Type == protocol.FrameHeartbeat {
		return fmt.Errorf("cannot queue %s frame", frame.Type)
	}
	if len(frame.Payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame.Payload))
	}
	select {
	case <-s.done:
		return s.lostError()
	default:
	}
	select {
	case s.outbound <- frame:
		return nil
	case <-s.done:
		return s.lostError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendControl encodes and queues a CONTROL frame.
func (s *Session) SendControl(ctx context.Context, control protocol.Control) error {
	frame, err := ControlFrame(control)
	if err != nil {
		return err
	}
	return s.Send(ctx, frame)
}

// SendError reports err to the peer ahead of queued traffic. It does
// not block; if the priority slot is full the report is dropped.
func (s *Session) SendError(err error) {
	s.queuePriority(ErrorFrame(err))
}

// Close begins shutdown with reason. Only the first reason is kept.
// Pending priority frames (error reports) are flushed before the
// connection closes; queued application frames are discarded. Close
// does not wait; use Finished for that.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.closeReason = reason
		previous := s.setState(StateClosing)
		s.logger.Info("session closing", "reason", reason, "from_state", previous.String())
		close(s.done)
		s.startOnce.Do(func() {
			// Never started: nothing else owns the connection.
			s.conn.Close()
			s.setState(StateClosed)
			close(s.finished)
		})
	})
}

func (s *Session) lostError() error {
	return protocol.Errorf(protocol.CodeSessionLost, "session_lost", "session %s closed: %s", s.id, s.closeReason)
}

// transition moves from one state to another only if the session is in
// from, so closing can never be undone by a late heartbeat.
func (s *Session) transition(from, to State) bool {
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	s.changed(from, to)
	return true
}

// setState moves to a terminal-side state unconditionally, never
// backwards from closed.
func (s *Session) setState(to State) State {
	for {
		current := State(s.state.Load())
		if current >= to {
			return current
		}
		if s.state.CompareAndSwap(int32(current), int32(to)) {
			s.changed(current, to)
			return current
		}
	}
}

func (s *Session) changed(from, to State) {
	select {
	case s.wake <- struct{}{}:
	default:
	}
	if s.config.OnStateChange != nil {
		s.config.OnStateChange(s, from, to)
	}
}

func (s *Session) queuePriority(frame Frame) {
	select {
	case s.priority <- frame:
	default:
		s.logger.Debug("priority slot full, dropping frame", "type", frame.Type.String())
	}
}

func (s *Session) readLoop() {
	defer s.goroutines.Done()
	defer close(s.inbound)

	reader := bufio.NewReader(s.conn)
	for {
		frame, err := ReadFrame(reader)
		if err != nil {
			s.readFailed(err)
			return
		}
		s.framesIn.Add(1)
		s.bytesIn.Add(uint64(HeaderSize + len(frame.Payload)))

		if !frame.Type.Known() {
			s.logger.Warn("unknown frame type", "type", frame.Type.String(), "length", len(frame.Payload))
			s.SendError(protocol.Errorf(protocol.CodeMalformedFrame, "malformed_frame", "unknown frame type 0x%02x", byte(frame.Type)))
			continue
		}
		if frame.Type == protocol.FrameHeartbeat {
			s.receiveHeartbeat(frame.Payload)
			continue
		}

		select {
		case s.inbound <- frame:
		case <-s.done:
			return
		}
	}
}

func (s *Session) readFailed(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	switch {
	case errors.Is(err, ErrFrameTooLarge):
		s.logger.Warn("closing desynchronized stream", "error", err)
		s.SendError(protocol.Wrap(protocol.CodeMalformedFrame, "malformed_frame", err))
		s.Close(ReasonFrameTooLarge)
	case netutil.IsExpectedCloseError(err):
		s.Close(ReasonPeerClosed)
	default:
		s.logger.Warn("session read failed", "error", err)
		s.Close(ReasonReadFailed)
	}
}

func (s *Session) receiveHeartbeat(payload []byte) {
	heartbeat, err := protocol.DecodeHeartbeat(payload)
	if err != nil {
		s.SendError(err)
		return
	}
	now := s.config.Clock.Now()
	s.heartbeatSeen.Store(true)
	s.lastHeartbeat.Store(now.UnixNano())
	if s.transition(StateDegraded, StateAuthenticated) {
		s.logger.Info("session recovered")
	}

	switch heartbeat.Kind {
	case protocol.HeartbeatPing:
		s.queuePriority(Frame{
			Type:    protocol.FrameHeartbeat,
			Payload: protocol.EncodeHeartbeat(protocol.Heartbeat{Kind: protocol.HeartbeatPong, SentAt: heartbeat.SentAt}),
		})
	case protocol.HeartbeatPong:
		if heartbeat.SentAt.IsZero() || heartbeat.SentAt.After(now) {
			return
		}
		rtt := now.Sub(heartbeat.SentAt)
		s.lastRTT.Store(int64(rtt))
		// Smoothed RTT uses the TCP gain of 1/8.
		previous := s.smoothedRTT.Load()
		if previous == 0 {
			s.smoothedRTT.Store(int64(rtt))
		} else {
			s.smoothedRTT.Store(previous + (int64(rtt)-previous)/8)
		}
	}
}

func (s *Session) sendPing() {
	s.queuePriority(Frame{
		Type:    protocol.FrameHeartbeat,
		Payload: protocol.EncodeHeartbeat(protocol.Heartbeat{Kind: protocol.HeartbeatPing, SentAt: s.config.Clock.Now()}),
	})
}

// heartbeatLoop pings once at start and then on every tick. A tick that
// finds no inbound heartbeat since the previous tick is a miss.
func (s *Session) heartbeatLoop() {
	defer s.goroutines.Done()

	ticker := s.config.Clock.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	s.sendPing()
	misses := 0
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		if s.heartbeatSeen.Swap(false) {
			misses = 0
		} else {
			misses++
			s.logger.Info("heartbeat missed", "misses", misses)
			if misses >= s.config.HeartbeatMisses {
				s.Close(ReasonHeartbeatTimeout)
				return
			}
			if misses == 1 {
				s.transition(StateAuthenticated, StateDegraded)
			}
		}
		s.sendPing()
	}
}

func (s *Session) writeLoop() {
	defer s.goroutines.Done()
	defer s.conn.Close()

	for {
		// Priority frames always go first.
		select {
		case frame := <-s.priority:
			if !s.write(frame) {
				return
			}
			continue
		default:
		}

		var outbound <-chan Frame
		if s.State() != StateDegraded {
			outbound = s.outbound
		}
		select {
		case frame := <-s.priority:
			if !s.write(frame) {
				return
			}
		case frame := <-outbound:
			if !s.write(frame) {
				return
			}
		case <-s.wake:
		case <-s.done:
			s.flushPriority()
			return
		}
	}
}

func (s *Session) flushPriority() {
	for {
		select {
		case frame := <-s.priority:
			if frame.Type == protocol.FrameHeartbeat {
				continue
			}
			if !s.write(frame) {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(frame Frame) bool {
	s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	written, err := WriteFrame(s.conn, frame)
	s.bytesOut.Add(uint64(written))
	if err != nil {
		if !netutil.IsExpectedCloseError(err) {
			s.logger.Warn("session write failed", "error", err)
		}
		s.Close(ReasonWriteFailed)
		return false
	}
	s.framesOut.Add(1)
	return true
}
