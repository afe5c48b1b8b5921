// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/voxlink/voxlink/lib/testutil"
	"github.com/voxlink/voxlink/protocol"
)

// testCA issues short-lived certificates for loopback tests.
type testCA struct {
	key         *ecdsa.PrivateKey
	certificate *x509.Certificate
}

func newTestCA(t *testing.T, name string) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	certificate, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return &testCA{key: key, certificate: certificate}
}

func (ca *testCA) pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.certificate)
	return pool
}

func (ca *testCA) sign(t *testing.T, name string, public any, server bool) *x509.Certificate {
	t.Helper()
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	if server {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		template.DNSNames = []string{"localhost"}
		template.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1)}
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.certificate, public, ca.key)
	if err != nil {
		t.Fatal(err)
	}
	certificate, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return certificate
}

func (ca *testCA) keyPair(t *testing.T, name string, server bool) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	leaf := ca.sign(t, name, &key.PublicKey, server)
	return tls.Certificate{
		Certificate: [][]byte{leaf.Raw, ca.certificate.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}
}

const testPairingCode = "482913"

// loopbackAgent is a minimal accept loop over the transport primitives.
type loopbackAgent struct {
	t        *testing.T
	ca       *testCA
	listener net.Listener
	config   *tls.Config
	slot     ActiveSlot
	sessions chan *Session
}

func startLoopbackAgent(t *testing.T) *loopbackAgent {
	t.Helper()
	ca := newTestCA(t, "voxlink test CA")
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	agent := &loopbackAgent{
		t:        t,
		ca:       ca,
		listener: listener,
		config:   ServerTLSConfig(ca.keyPair(t, "agent", true), ca.pool()),
		sessions: make(chan *Session, 4),
	}
	t.Cleanup(func() { listener.Close() })
	go agent.serve()
	return agent
}

func (a *loopbackAgent) serve() {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return
		}
		go a.handle(conn)
	}
}

func (a *loopbackAgent) handle(conn net.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	tlsConn, leaf, err := ServerHandshake(ctx, conn, a.config)
	if err != nil {
		return
	}
	if leaf == nil {
		a.pair(tlsConn)
		return
	}

	session := NewSession("", tlsConn, Peer{DeviceName: leaf.Subject.CommonName}, SessionConfig{})
	if err := a.slot.TryAcquire(session); err != nil {
		Reject(tlsConn, err)
		return
	}
	welcome, _ := ControlFrame(protocol.Control{Directive: protocol.DirectiveSession, SessionID: session.ID()})
	if _, err := WriteFrame(tlsConn, welcome); err != nil {
		session.Close(ReasonWriteFailed)
		return
	}
	session.Start()
	a.t.Cleanup(func() {
		session.Close(ReasonShutdown)
		<-session.Finished()
	})
	a.sessions <- session
}

func (a *loopbackAgent) pair(conn *tls.Conn) {
	control, err := readControl(conn, testTimeout)
	if err != nil || control.Directive != protocol.DirectivePair {
		Reject(conn, protocol.ErrMalformedFrame)
		return
	}
	if control.PairingCode != testPairingCode {
		Reject(conn, protocol.Errorf(protocol.CodeInvalidPairingCode, "invalid_code", "pairing code not recognized"))
		return
	}
	public, err := x509.ParsePKIXPublicKey(control.PublicKey)
	if err != nil {
		Reject(conn, protocol.ErrMalformedFrame)
		return
	}
	certificate := a.ca.sign(a.t, control.DeviceName, public, false)
	reply, _ := ControlFrame(protocol.Control{
		Directive:     protocol.DirectivePaired,
		DeviceID:      "device-1",
		Certificate:   certificate.Raw,
		CACertificate: a.ca.certificate.Raw,
	})
	WriteFrame(conn, reply)
	conn.Close()
}

func (a *loopbackAgent) dial(t *testing.T, certificate tls.Certificate) (*Session, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	session, err := Dial(ctx, DialConfig{
		Address: a.listener.Addr().String(),
		TLS:     ClientTLSConfig(certificate, a.ca.pool(), "localhost"),
	})
	if session != nil {
		t.Cleanup(func() {
			session.Close(ReasonClientClosed)
			<-session.Finished()
		})
	}
	return session, err
}

func TestDialMutualTLSSession(t *testing.T) {
	agent := startLoopbackAgent(t)
	client, err := agent.dial(t, agent.ca.keyPair(t, "phone", false))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	server := testutil.RequireReceive(t, agent.sessions, testTimeout, "server session")
	if server.Peer().DeviceName != "phone" {
		t.Errorf("server peer = %q, want phone", server.Peer().DeviceName)
	}
	if client.ID() != server.ID() {
		t.Errorf("client session id %q != server session id %q", client.ID(), server.ID())
	}

	if err := client.Send(context.Background(), statusFrame(t, "cmd-1", "received")); err != nil {
		t.Fatal(err)
	}
	frame := testutil.RequireReceive(t, server.Inbound(), testTimeout, "status at server")
	status, err := protocol.DecodeStatus(frame.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if status.CommandID != "cmd-1" {
		t.Errorf("CommandID = %q", status.CommandID)
	}
}

func TestDialRejectsSecondSession(t *testing.T) {
	agent := startLoopbackAgent(t)
	if _, err := agent.dial(t, agent.ca.keyPair(t, "phone", false)); err != nil {
		t.Fatalf("first Dial: %v", err)
	}
	testutil.RequireReceive(t, agent.sessions, testTimeout, "first server session")

	_, err := agent.dial(t, agent.ca.keyPair(t, "tablet", false))
	if !errors.Is(err, protocol.ErrSessionOccupied) {
		t.Fatalf("second Dial = %v, want SessionOccupied", err)
	}
	if IsSecurityError(err) {
		t.Error("an occupied slot is not a security failure")
	}
}

func TestDialUntrustedCertificate(t *testing.T) {
	agent := startLoopbackAgent(t)
	stranger := newTestCA(t, "someone else")
	_, err := agent.dial(t, stranger.keyPair(t, "intruder", false))
	if err == nil {
		t.Fatal("Dial with a foreign certificate succeeded")
	}
	if !IsSecurityError(err) {
		t.Errorf("IsSecurityError(%v) = false, want true", err)
	}
	testutil.RequireNoReceive(t, agent.sessions, 50*time.Millisecond, "no session for an untrusted peer")
}

func TestPairIssuesCertificate(t *testing.T) {
	agent := startLoopbackAgent(t)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	result, err := Pair(ctx, PairRequest{
		Address:       agent.listener.Addr().String(),
		Code:          testPairingCode,
		DeviceName:    "phone",
		Key:           key,
		CAFingerprint: protocol.Fingerprint(agent.ca.certificate.Raw),
	})
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if result.DeviceID != "device-1" {
		t.Errorf("DeviceID = %q", result.DeviceID)
	}
	if result.Certificate.Subject.CommonName != "phone" {
		t.Errorf("certificate subject = %q", result.Certificate.Subject.CommonName)
	}

	// The issued certificate opens a session.
	certificate := tls.Certificate{
		Certificate: [][]byte{result.Certificate.Raw},
		PrivateKey:  key,
		Leaf:        result.Certificate,
	}
	if _, err := agent.dial(t, certificate); err != nil {
		t.Fatalf("Dial with paired certificate: %v", err)
	}
}

func TestPairWrongCode(t *testing.T) {
	agent := startLoopbackAgent(t)
	key, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	_, err := Pair(context.Background(), PairRequest{
		Address:          agent.listener.Addr().String(),
		Code:             "000000",
		DeviceName:       "phone",
		Key:              key,
		HandshakeTimeout: testTimeout,
	})
	if !errors.Is(err, protocol.ErrInvalidPairingCode) {
		t.Fatalf("Pair = %v, want InvalidPairingCode", err)
	}
}

func TestPairFingerprintMismatch(t *testing.T) {
	agent := startLoopbackAgent(t)
	other := newTestCA(t, "impostor")
	key, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	_, err := Pair(context.Background(), PairRequest{
		Address:          agent.listener.Addr().String(),
		Code:             testPairingCode,
		DeviceName:       "phone",
		Key:              key,
		CAFingerprint:    protocol.Fingerprint(other.certificate.Raw),
		HandshakeTimeout: testTimeout,
	})
	if !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("Pair = %v, want ErrFingerprintMismatch", err)
	}
}
