// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voxlink/voxlink/audio"
	"github.com/voxlink/voxlink/audit"
	"github.com/voxlink/voxlink/lib/clock"
	"github.com/voxlink/voxlink/pairing"
	"github.com/voxlink/voxlink/pipeline"
	"github.com/voxlink/voxlink/protocol"
	"github.com/voxlink/voxlink/router"
	"github.com/voxlink/voxlink/transport"
)

// Config configures an Agent. Sub-configurations without a Clock,
// Logger, or Audit sink inherit the Agent's.
type Config struct {
	// ServerNames become SANs on the agent certificate. Defaults to
	// localhost and 127.0.0.1.
	ServerNames []string

	// CertificateValidity is the agent certificate lifetime. Defaults
	// to one year.
	CertificateValidity time.Duration

	// HandshakeTimeout bounds TLS, the welcome frame, and the pairing
	// exchange. Defaults to 10s.
	HandshakeTimeout time.Duration

	// SweepInterval is how often open segments are checked for the
	// silence gap. Defaults to 250ms.
	SweepInterval time.Duration

	// ContextWindow and ContextTTL bound the per-session history the
	// interpreter sees. Default 5 entries and 10m.
	ContextWindow int
	ContextTTL    time.Duration

	Session  transport.SessionConfig
	Audio    audio.Config
	Pipeline pipeline.Config
	Router   router.Config

	Clock  clock.Clock
	Logger *slog.Logger
	Audit  audit.Sink
}

func (c Config) withDefaults() Config {
	if len(c.ServerNames) == 0 {
		c.ServerNames = []string{"localhost", "127.0.0.1"}
	}
	if c.CertificateValidity <= 0 {
		c.CertificateValidity = 365 * 24 * time.Hour
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 250 * time.Millisecond
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Audit == nil {
		c.Audit = audit.Discard
	}
	if c.Session.Clock == nil {
		c.Session.Clock = c.Clock
	}
	if c.Session.Logger == nil {
		c.Session.Logger = c.Logger
	}
	if c.Audio.Clock == nil {
		c.Audio.Clock = c.Clock
	}
	if c.Pipeline.Clock == nil {
		c.Pipeline.Clock = c.Clock
	}
	if c.Pipeline.Logger == nil {
		c.Pipeline.Logger = c.Logger
	}
	if c.Pipeline.Audit == nil {
		c.Pipeline.Audit = c.Audit
	}
	if c.Router.Clock == nil {
		c.Router.Clock = c.Clock
	}
	if c.Router.Logger == nil {
		c.Router.Logger = c.Logger
	}
	if c.Router.Audit == nil {
		c.Router.Audit = c.Audit
	}
	return c
}

// Services are the collaborators every session shares. Archive may be
// nil.
type Services struct {
	Transcriber pipeline.Transcriber
	Interpreter pipeline.Interpreter
	Catalog     *router.Catalog
	Executors   map[router.Family]router.Executor
	Archive     pipeline.Archiver

	// AuditLog, when set, backs the audit-log and verify-audit admin
	// actions.
	AuditLog AuditLog
}

// AuditLog is the queryable side of the audit store.
type AuditLog interface {
	Query(ctx context.Context, filter audit.Filter) ([]audit.Record, error)
	VerifyChain(ctx context.Context) (int, error)
}

// Agent accepts client connections, pairs new devices, and runs one
// authenticated session at a time through the command pipeline.
type Agent struct {
	authority *pairing.Authority
	services  Services
	config    Config
	tls       *tls.Config
	startedAt time.Time

	slot  transport.ActiveSlot
	ready atomic.Bool

	workerMu sync.Mutex
	worker   *sessionWorker

	// histories holds each device's context window across its sessions.
	histories map[string]*pipeline.Window
	latency   *pipeline.Latency

	connections sync.WaitGroup
}

// New returns an Agent whose server certificate is issued by the
// authority's CA.
func New(authority *pairing.Authority, services Services, config Config) (*Agent, error) {
	config = config.withDefaults()
	if services.Transcriber == nil || services.Interpreter == nil {
		return nil, errors.New("agent: transcriber and interpreter are required")
	}
	if services.Catalog == nil {
		services.Catalog = router.DefaultCatalog()
	}
	certificate, err := authority.CA().IssueServer(config.ServerNames, config.CertificateValidity)
	if err != nil {
		return nil, fmt.Errorf("issuing agent certificate: %w", err)
	}
	return &Agent{
		authority: authority,
		services:  services,
		config:    config,
		tls:       transport.ServerTLSConfig(certificate, authority.CA().Pool()),
		startedAt: config.Clock.Now(),
		histories: make(map[string]*pipeline.Window),
		latency:   pipeline.NewLatency(0),
	}, nil
}

// Ready reports whether the agent is accepting connections.
func (a *Agent) Ready() bool { return a.ready.Load() }

// Serve accepts connections on listener until ctx is cancelled, then
// closes the live session and waits for every connection handler.
func (a *Agent) Serve(ctx context.Context, listener net.Listener) error {
	revoked, unsubscribe := a.authority.Subscribe()
	defer unsubscribe()
	go a.watchRevocations(ctx, revoked)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	a.ready.Store(true)
	defer a.ready.Store(false)
	a.config.Logger.Info("agent listening", "address", listener.Addr().String(), "ca_fingerprint", a.authority.CA().Fingerprint())

	var acceptErr error
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() == nil {
				acceptErr = fmt.Errorf("accepting connection: %w", err)
			}
			break
		}
		a.connections.Add(1)
		go func() {
			defer a.connections.Done()
			a.handle(ctx, conn)
		}()
	}

	if current := a.slot.Current(); current != nil {
		current.Close(transport.ReasonShutdown)
	}
	a.connections.Wait()
	return acceptErr
}

// handle authenticates conn and either pairs it or runs its session.
func (a *Agent) handle(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	handshakeCtx, cancel := context.WithTimeout(ctx, a.config.HandshakeTimeout)
	tlsConn, leaf, err := transport.ServerHandshake(handshakeCtx, conn, a.tls)
	cancel()
	if err != nil {
		a.config.Logger.Info("tls handshake failed", "remote", remote, "error", err)
		a.reject(ctx, remote, "", protocol.Wrap(protocol.CodeUntrustedPeer, "tls_handshake_failed", err))
		return
	}
	if leaf == nil {
		a.pair(ctx, tlsConn)
		return
	}

	device, err := a.authority.Verify(ctx, leaf)
	if err != nil {
		a.reject(ctx, remote, "", err)
		transport.Reject(tlsConn, err)
		return
	}

	sessionConfig := a.config.Session
	sessionConfig.OnStateChange = a.stateChanged
	session := transport.NewSession(uuid.NewString(), tlsConn, transport.Peer{
		DeviceID:    device.ID,
		DeviceName:  device.Name,
		Fingerprint: device.Fingerprint,
	}, sessionConfig)
	if err := a.slot.TryAcquire(session); err != nil {
		a.reject(ctx, remote, device.ID, err)
		transport.Reject(tlsConn, err)
		return
	}
	defer a.slot.Release(session)

	if err := a.welcome(tlsConn, session); err != nil {
		a.config.Logger.Warn("sending session welcome failed", "device_id", device.ID, "error", err)
		session.Close(transport.ReasonWriteFailed)
		return
	}
	session.Start()
	a.record(ctx, audit.Event{
		Type:      audit.TypeConnectionOpened,
		Severity:  audit.SeverityInfo,
		SessionID: session.ID(),
		DeviceID:  device.ID,
		Fields:    map[string]string{"remote": remote, "device_name": device.Name},
	})
	a.config.Logger.Info("session opened", "session_id", session.ID(), "device_id", device.ID, "device_name", device.Name)

	a.runSession(ctx, session)

	stats := session.Stats()
	a.record(context.WithoutCancel(ctx), audit.Event{
		Type:      audit.TypeConnectionClosed,
		Severity:  audit.SeverityInfo,
		SessionID: session.ID(),
		DeviceID:  device.ID,
		Reason:    session.CloseReason(),
		Fields: map[string]string{
			"bytes_in":  fmt.Sprint(stats.BytesIn),
			"bytes_out": fmt.Sprint(stats.BytesOut),
		},
	})
	a.config.Logger.Info("session closed", "session_id", session.ID(), "reason", session.CloseReason())
}

// welcome writes the session announcement before the writer goroutine
// owns the connection.
func (a *Agent) welcome(conn net.Conn, session *transport.Session) error {
	frame, err := transport.ControlFrame(protocol.Control{Directive: protocol.DirectiveSession, SessionID: session.ID()})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(a.config.HandshakeTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	_, err = transport.WriteFrame(conn, frame)
	return err
}

// pair serves a connection that presented no certificate: it may only
// exchange a pairing code for a device certificate.
func (a *Agent) pair(ctx context.Context, conn *tls.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	conn.SetReadDeadline(time.Now().Add(a.config.HandshakeTimeout))
	frame, err := transport.ReadFrame(conn)
	if err != nil {
		a.config.Logger.Info("reading pair request failed", "remote", remote, "error", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	if frame.Type != protocol.FrameControl {
		transport.Reject(conn, protocol.Errorf(protocol.CodePairingRequired, "pairing_required", "pair this device before sending %s frames", frame.Type))
		return
	}
	control, err := protocol.DecodeControl(frame.Payload)
	if err != nil {
		transport.Reject(conn, err)
		return
	}
	if control.Directive != protocol.DirectivePair {
		err := protocol.Errorf(protocol.CodePairingRequired, "pairing_required", "a device certificate is required for %s", control.Directive)
		a.reject(ctx, remote, "", err)
		transport.Reject(conn, err)
		return
	}

	device, err := a.authority.CompletePairing(ctx, control.PairingCode, pairing.PeerIdentity{
		Name:      control.DeviceName,
		PublicKey: control.PublicKey,
	})
	if err != nil {
		transport.Reject(conn, err)
		return
	}
	reply, err := transport.ControlFrame(protocol.Control{
		Directive:     protocol.DirectivePaired,
		DeviceID:      device.ID,
		Certificate:   device.Certificate,
		CACertificate: a.authority.CA().Certificate().Raw,
	})
	if err != nil {
		transport.Reject(conn, err)
		return
	}
	conn.SetWriteDeadline(time.Now().Add(a.config.HandshakeTimeout))
	if _, err := transport.WriteFrame(conn, reply); err != nil {
		a.config.Logger.Warn("sending device certificate failed", "device_id", device.ID, "error", err)
	}
}

// watchRevocations closes the live session of a device as soon as it
// is revoked and drops its command history.
func (a *Agent) watchRevocations(ctx context.Context, revoked <-chan pairing.DeviceIdentity) {
	for {
		select {
		case <-ctx.Done():
			return
		case device := <-revoked:
			a.workerMu.Lock()
			delete(a.histories, device.ID)
			a.workerMu.Unlock()
			current := a.slot.Current()
			if current == nil || current.Peer().DeviceID != device.ID {
				continue
			}
			a.config.Logger.Warn("closing session of revoked device", "session_id", current.ID(), "device_id", device.ID)
			current.Close(transport.ReasonDeviceRevoked)
		}
	}
}

// stateChanged audits the first step into degraded. It runs on a
// session goroutine, so the audit write uses a detached context.
func (a *Agent) stateChanged(session *transport.Session, from, to transport.State) {
	if to != transport.StateDegraded || from == transport.StateDegraded {
		return
	}
	a.record(context.Background(), audit.Event{
		Type:      audit.TypeConnectionDegraded,
		Severity:  audit.SeverityWarning,
		SessionID: session.ID(),
		DeviceID:  session.Peer().DeviceID,
	})
}

func (a *Agent) reject(ctx context.Context, remote, deviceID string, err error) {
	protocolErr := protocol.As(err)
	a.record(ctx, audit.Event{
		Type:     audit.TypeConnectionRejected,
		Severity: audit.SeverityWarning,
		DeviceID: deviceID,
		Code:     protocolErr.Code,
		Reason:   protocolErr.Reason,
		Detail:   protocolErr.Message,
		Fields:   map[string]string{"remote": remote},
	})
}

func (a *Agent) record(ctx context.Context, event audit.Event) {
	event.Time = a.config.Clock.Now()
	if err := a.config.Audit.Record(ctx, event); err != nil {
		a.config.Logger.Error("recording audit event", "type", event.Type, "error", err)
	}
}

// current returns the live session worker, or nil.
func (a *Agent) current() *sessionWorker {
	a.workerMu.Lock()
	defer a.workerMu.Unlock()
	return a.worker
}

// history returns the command window of deviceID.
func (a *Agent) history(deviceID string) *pipeline.Window {
	a.workerMu.Lock()
	defer a.workerMu.Unlock()
	window, ok := a.histories[deviceID]
	if !ok {
		window = pipeline.NewWindow(a.config.ContextWindow, a.config.ContextTTL, a.config.Clock)
		a.histories[deviceID] = window
	}
	return window
}

// makeCurrent installs worker even if a previous worker is still
// draining.
func (a *Agent) makeCurrent(worker *sessionWorker) {
	a.workerMu.Lock()
	defer a.workerMu.Unlock()
	a.worker = worker
}

// retire clears worker unless a newer session has replaced it.
func (a *Agent) retire(worker *sessionWorker) {
	a.workerMu.Lock()
	defer a.workerMu.Unlock()
	if a.worker == worker {
		a.worker = nil
	}
}
