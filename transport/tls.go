// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/voxlink/voxlink/protocol"
)

// ServerTLSConfig returns the agent's TLS 1.3 configuration. Client
// certificates are verified against clientCAs when presented; a client
// without one completes the handshake and may only pair.
func ServerTLSConfig(certificate tls.Certificate, clientCAs *x509.CertPool) *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{certificate},
		ClientAuth:   tls.VerifyClientCertIfGiven,
		ClientCAs:    clientCAs,
	}
}

// ClientTLSConfig returns a TLS 1.3 configuration presenting
// certificate and trusting only roots.
func ClientTLSConfig(certificate tls.Certificate, roots *x509.CertPool, serverName string) *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{certificate},
		RootCAs:      roots,
		ServerName:   serverName,
	}
}

// ServerHandshake completes TLS on conn within ctx. The returned leaf is
// nil when the client sent no certificate.
func ServerHandshake(ctx context.Context, conn net.Conn, config *tls.Config) (*tls.Conn, *x509.Certificate, error) {
	tlsConn := tls.Server(conn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tlsConn.Close()
		return nil, nil, fmt.Errorf("tls handshake with %s: %w", conn.RemoteAddr(), err)
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return tlsConn, nil, nil
	}
	return tlsConn, state.PeerCertificates[0], nil
}

// rejectTimeout bounds the write of a rejection before closing.
const rejectTimeout = 2 * time.Second

// Reject sends err as a CONTROL error frame and closes conn. It is used
// before a session exists (untrusted peer, occupied slot).
func Reject(conn net.Conn, err error) {
	conn.SetWriteDeadline(time.Now().Add(rejectTimeout))
	WriteFrame(conn, ErrorFrame(err))
	conn.Close()
}

// IsSecurityError reports whether err is an authentication failure that
// reconnecting cannot fix: a certificate the other side rejects, a
// server certificate this side rejects, or an auth-category protocol
// error.
func IsSecurityError(err error) bool {
	if err == nil {
		return false
	}
	var protocolErr *protocol.Error
	if errors.As(err, &protocolErr) && protocolErr.Code.Category() == protocol.CategoryAuthentication {
		return true
	}
	// crypto/tls reports alerts as *net.OpError with these ops.
	var opErr *net.OpError
	if errors.As(err, &opErr) && (opErr.Op == "remote error" || opErr.Op == "local error") {
		return true
	}
	var verification *tls.CertificateVerificationError
	if errors.As(err, &verification) {
		return true
	}
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return true
	}
	var invalid x509.CertificateInvalidError
	return errors.As(err, &invalid)
}
