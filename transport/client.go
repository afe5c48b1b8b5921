// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/voxlink/voxlink/protocol"
)

// DialConfig configures a client session.
type DialConfig struct {
	Address string
	TLS     *tls.Config
	Session SessionConfig

	// HandshakeTimeout bounds TCP connect, TLS, and the welcome frame.
	// Defaults to 10s.
	HandshakeTimeout time.Duration
}

func handshakeTimeout(configured time.Duration) time.Duration {
	if configured <= 0 {
		return 10 * time.Second
	}
	return configured
}

// Dial connects to the agent, completes mutual TLS, and waits for the
// welcome. A rejection arrives as a CONTROL error and is returned as
// its *protocol.Error.
func Dial(ctx context.Context, config DialConfig) (*Session, error) {
	timeout := handshakeTimeout(config.HandshakeTimeout)
	dialer := &tls.Dialer{NetDialer: &net.Dialer{Timeout: timeout}, Config: config.TLS}
	rawConn, err := dialer.DialContext(ctx, "tcp", config.Address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", config.Address, err)
	}
	conn := rawConn.(*tls.Conn)

	control, err := readControl(conn, timeout)
	if err != nil {
		conn.Close()
		return nil, err
	}
	switch control.Directive {
	case protocol.DirectiveSession:
	case protocol.DirectiveError:
		conn.Close()
		return nil, control.AsError()
	default:
		conn.Close()
		return nil, protocol.Errorf(protocol.CodeMalformedFrame, "malformed_frame", "expected session welcome, got %s", control.Directive)
	}

	peer := Peer{DeviceName: config.TLS.ServerName}
	if state := conn.ConnectionState(); len(state.PeerCertificates) > 0 {
		peer.Fingerprint = protocol.Fingerprint(state.PeerCertificates[0].Raw)
	}
	session := NewSession(control.SessionID, conn, peer, config.Session)
	session.Start()
	return session, nil
}

// readControl reads the first frame within timeout and decodes it as
// CONTROL.
func readControl(conn net.Conn, timeout time.Duration) (protocol.Control, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	frame, err := ReadFrame(conn)
	if err != nil {
		return protocol.Control{}, fmt.Errorf("waiting for agent reply: %w", err)
	}
	if frame.Type != protocol.FrameControl {
		return protocol.Control{}, protocol.Errorf(protocol.CodeMalformedFrame, "malformed_frame", "expected control frame, got %s", frame.Type)
	}
	return protocol.DecodeControl(frame.Payload)
}

// PairRequest enrolls a device with a one-time pairing code.
type PairRequest struct {
	Address    string
	Code       string
	DeviceName string

	// Key is the device's private key; the agent certifies its public
	// half.
	Key crypto.Signer

	// CAFingerprint pins the agent CA shown next to the pairing code.
	// When empty the agent is trusted on first use.
	CAFingerprint string

	HandshakeTimeout time.Duration
}

// PairResult is what a successful pairing returns.
type PairResult struct {
	DeviceID      string
	Certificate   *x509.Certificate
	CACertificate *x509.Certificate
}

// ErrFingerprintMismatch means the agent did not present the pinned CA.
var ErrFingerprintMismatch = errors.New("agent CA fingerprint does not match")

// Pair connects without a client certificate and exchanges a pair
// request for a signed device certificate.
func Pair(ctx context.Context, request PairRequest) (*PairResult, error) {
	publicKey, err := x509.MarshalPKIXPublicKey(request.Key.Public())
	if err != nil {
		return nil, fmt.Errorf("encoding device public key: %w", err)
	}
	pin := protocol.NormalizeFingerprint(request.CAFingerprint)

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS13,
		// The agent's CA is not known yet. When a pin is given the
		// presented chain must contain it and the leaf must verify
		// against it.
		InsecureSkipVerify: true,
		VerifyConnection: func(state tls.ConnectionState) error {
			if pin == "" {
				return nil
			}
			return verifyPinnedChain(state.PeerCertificates, pin)
		},
	}

	timeout := handshakeTimeout(request.HandshakeTimeout)
	dialer := &tls.Dialer{NetDialer: &net.Dialer{Timeout: timeout}, Config: tlsConfig}
	rawConn, err := dialer.DialContext(ctx, "tcp", request.Address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", request.Address, err)
	}
	conn := rawConn.(*tls.Conn)
	defer conn.Close()

	frame, err := ControlFrame(protocol.Control{
		Directive:   protocol.DirectivePair,
		PairingCode: request.Code,
		DeviceName:  request.DeviceName,
		PublicKey:   publicKey,
	})
	if err != nil {
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := WriteFrame(conn, frame); err != nil {
		return nil, fmt.Errorf("sending pair request: %w", err)
	}

	control, err := readControl(conn, timeout)
	if err != nil {
		return nil, err
	}
	if control.Directive == protocol.DirectiveError {
		return nil, control.AsError()
	}
	if control.Directive != protocol.DirectivePaired {
		return nil, protocol.Errorf(protocol.CodeMalformedFrame, "malformed_frame", "expected paired, got %s", control.Directive)
	}

	certificate, err := x509.ParseCertificate(control.Certificate)
	if err != nil {
		return nil, fmt.Errorf("parsing device certificate: %w", err)
	}
	caCertificate, err := x509.ParseCertificate(control.CACertificate)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}
	if pin != "" && protocol.Fingerprint(caCertificate.Raw) != pin {
		return nil, ErrFingerprintMismatch
	}
	if err := certificate.CheckSignatureFrom(caCertificate); err != nil {
		return nil, fmt.Errorf("device certificate not signed by agent CA: %w", err)
	}
	if !bytes.Equal(certificate.RawSubjectPublicKeyInfo, publicKey) {
		return nil, fmt.Errorf("device certificate does not bind the submitted key")
	}
	return &PairResult{DeviceID: control.DeviceID, Certificate: certificate, CACertificate: caCertificate}, nil
}

func verifyPinnedChain(chain []*x509.Certificate, pin string) error {
	if len(chain) == 0 {
		return ErrFingerprintMismatch
	}
	for _, candidate := range chain {
		if protocol.Fingerprint(candidate.Raw) != pin {
			continue
		}
		roots := x509.NewCertPool()
		roots.AddCert(candidate)
		_, err := chain[0].Verify(x509.VerifyOptions{Roots: roots})
		if err != nil {
			return fmt.Errorf("agent certificate does not chain to pinned CA: %w", err)
		}
		return nil
	}
	return ErrFingerprintMismatch
}
