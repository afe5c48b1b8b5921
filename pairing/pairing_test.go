// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/voxlink/voxlink/audit"
	"github.com/voxlink/voxlink/lib/clock"
	"github.com/voxlink/voxlink/lib/sealed"
	"github.com/voxlink/voxlink/lib/testutil"
	"github.com/voxlink/voxlink/protocol"
)

var epoch = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingSink) Record(_ context.Context, event audit.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) count(eventType audit.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, event := range r.events {
		if event.Type == eventType {
			count++
		}
	}
	return count
}

type fixture struct {
	authority *Authority
	clock     *clock.FakeClock
	audit     *recordingSink
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()
	fake := clock.Fake(epoch)
	ca, err := NewCA("test CA", fake)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ca.Close() })
	store, err := OpenTrustStore(TrustStoreConfig{Path: filepath.Join(t.TempDir(), "trust.db"), CacheSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	sink := &recordingSink{}
	config.Clock = fake
	config.Audit = sink
	return &fixture{authority: NewAuthority(ca, store, config), clock: fake, audit: sink}
}

func devicePeer(t *testing.T, name string) (PeerIdentity, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	public, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	return PeerIdentity{Name: name, PublicKey: public}, key
}

func (f *fixture) pair(t *testing.T, name string) DeviceIdentity {
	t.Helper()
	ticket, err := f.authority.CreatePairingTicket(context.Background())
	if err != nil {
		t.Fatalf("CreatePairingTicket: %v", err)
	}
	peer, _ := devicePeer(t, name)
	device, err := f.authority.CompletePairing(context.Background(), ticket.Code, peer)
	if err != nil {
		t.Fatalf("CompletePairing: %v", err)
	}
	return *device
}

func parse(t *testing.T, der []byte) *x509.Certificate {
	t.Helper()
	certificate, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return certificate
}

func requireCode(t *testing.T, err error, want protocol.Code) {
	t.Helper()
	if got := protocol.CodeOf(err); got != want {
		t.Fatalf("error code = %d (%v), want %d", got, err, want)
	}
}

var sixDigits = regexp.MustCompile(`^[0-9]{6}$`)

func TestPairingHappyPath(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	ticket, err := f.authority.CreatePairingTicket(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !sixDigits.MatchString(ticket.Code) {
		t.Errorf("code %q is not six digits", ticket.Code)
	}
	if ticket.State != TicketAwaitingConfirmation {
		t.Errorf("state = %s", ticket.State)
	}
	if want := epoch.Add(10 * time.Minute); !ticket.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", ticket.ExpiresAt, want)
	}

	peer, key := devicePeer(t, "pixel")
	device, err := f.authority.CompletePairing(ctx, ticket.Code, peer)
	if err != nil {
		t.Fatalf("CompletePairing: %v", err)
	}
	certificate := parse(t, device.Certificate)
	if !key.PublicKey.Equal(certificate.PublicKey) {
		t.Error("certificate does not bind the submitted key")
	}
	if certificate.Subject.CommonName != "pixel" {
		t.Errorf("CN = %q", certificate.Subject.CommonName)
	}
	_, err = certificate.Verify(x509.VerifyOptions{
		Roots:       f.authority.CA().Pool(),
		CurrentTime: epoch,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		t.Errorf("device certificate does not verify: %v", err)
	}

	current, _ := f.authority.Ticket()
	if current.State != TicketCompleted {
		t.Errorf("ticket state = %s, want completed", current.State)
	}

	verified, err := f.authority.Verify(ctx, certificate)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if verified.ID != device.ID {
		t.Errorf("Verify returned %s, want %s", verified.ID, device.ID)
	}

	_, err = f.authority.CompletePairing(ctx, ticket.Code, peer)
	requireCode(t, err, protocol.CodePairingAlreadyCompleted)

	if f.audit.count(audit.TypePairingCompleted) != 1 {
		t.Error("pairing_completed not audited exactly once")
	}
}

func TestSingleTicketAwaitingConfirmation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	if _, err := f.authority.CreatePairingTicket(ctx); err != nil {
		t.Fatal(err)
	}
	_, err := f.authority.CreatePairingTicket(ctx)
	requireCode(t, err, protocol.CodePairingInProgress)

	if err := f.authority.CancelTicket(ctx); err != nil {
		t.Fatalf("CancelTicket: %v", err)
	}
	if err := f.authority.CancelTicket(ctx); !errors.Is(err, ErrNoTicket) {
		t.Errorf("second CancelTicket = %v, want ErrNoTicket", err)
	}
	if _, err := f.authority.CreatePairingTicket(ctx); err != nil {
		t.Errorf("CreatePairingTicket after cancel: %v", err)
	}
}

func TestTicketExpires(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	ticket, err := f.authority.CreatePairingTicket(ctx)
	if err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(10 * time.Minute)
	current, _ := f.authority.Ticket()
	if current.State != TicketExpired {
		t.Fatalf("state after TTL = %s, want expired", current.State)
	}

	peer, _ := devicePeer(t, "pixel")
	_, err = f.authority.CompletePairing(ctx, ticket.Code, peer)
	requireCode(t, err, protocol.CodePairingExpired)

	// An expired ticket does not block a new one, and the new code is
	// usable.
	next, err := f.authority.CreatePairingTicket(ctx)
	if err != nil {
		t.Fatalf("CreatePairingTicket after expiry: %v", err)
	}
	if _, err := f.authority.CompletePairing(ctx, next.Code, peer); err != nil {
		t.Errorf("CompletePairing with fresh code: %v", err)
	}
	if f.audit.count(audit.TypePairingExpired) != 1 {
		t.Errorf("pairing_expired audited %d times, want 1", f.audit.count(audit.TypePairingExpired))
	}
}

func TestWrongCodesFailTicket(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3})
	ctx := context.Background()
	ticket, err := f.authority.CreatePairingTicket(ctx)
	if err != nil {
		t.Fatal(err)
	}
	wrong := "000000"
	if ticket.Code == wrong {
		wrong = "000001"
	}
	peer, _ := devicePeer(t, "pixel")
	for range 3 {
		_, err := f.authority.CompletePairing(ctx, wrong, peer)
		requireCode(t, err, protocol.CodeInvalidPairingCode)
	}
	current, _ := f.authority.Ticket()
	if current.State != TicketFailed {
		t.Fatalf("state after 3 wrong codes = %s, want failed", current.State)
	}

	_, err = f.authority.CompletePairing(ctx, ticket.Code, peer)
	requireCode(t, err, protocol.CodeInvalidPairingCode)
	if f.audit.count(audit.TypePairingFailed) != 4 {
		t.Errorf("pairing_failed audited %d times, want 4", f.audit.count(audit.TypePairingFailed))
	}
}

func TestDeviceLimit(t *testing.T) {
	f := newFixture(t, Config{MaxDevices: 2})
	ctx := context.Background()
	first := f.pair(t, "phone")
	f.pair(t, "tablet")

	_, err := f.authority.CreatePairingTicket(ctx)
	requireCode(t, err, protocol.CodeDeviceLimitReached)

	if _, err := f.authority.Revoke(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.authority.CreatePairingTicket(ctx); err != nil {
		t.Errorf("CreatePairingTicket after revoking a device: %v", err)
	}
}

func TestRevokeRejectsAndNotifies(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	device := f.pair(t, "phone")
	certificate := parse(t, device.Certificate)

	// Warm the cache so revocation must evict.
	if _, err := f.authority.Verify(ctx, certificate); err != nil {
		t.Fatal(err)
	}

	revocations, unsubscribe := f.authority.Subscribe()
	defer unsubscribe()

	revoked, err := f.authority.Revoke(ctx, device.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !revoked.Revoked() {
		t.Error("Revoke returned an unrevoked identity")
	}
	notified := testutil.RequireReceive(t, revocations, time.Second, "revocation notice")
	if notified.ID != device.ID {
		t.Errorf("notified %s, want %s", notified.ID, device.ID)
	}

	_, err = f.authority.Verify(ctx, certificate)
	requireCode(t, err, protocol.CodeUntrustedPeer)

	// Revoking again is a no-op without a second notice.
	if _, err := f.authority.Revoke(ctx, device.ID); err != nil {
		t.Fatal(err)
	}
	testutil.RequireNoReceive(t, revocations, 20*time.Millisecond, "duplicate revocation notice")

	if _, err := f.authority.Revoke(ctx, "no-such-device"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("Revoke(unknown) = %v, want ErrUnknownDevice", err)
	}

	devices, err := f.authority.Devices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || !devices[0].Revoked() {
		t.Errorf("Devices = %+v", devices)
	}
}

func TestVerifyRejectsForeignCertificates(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.authority.Verify(ctx, nil)
	requireCode(t, err, protocol.CodePairingRequired)

	stranger, err := NewCA("stranger", f.clock)
	if err != nil {
		t.Fatal(err)
	}
	defer stranger.Close()
	peer, _ := devicePeer(t, "intruder")
	foreign, err := stranger.IssueClient("intruder", peer.PublicKey, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.authority.Verify(ctx, foreign)
	requireCode(t, err, protocol.CodeUntrustedPeer)

	// Signed by the right CA but never registered.
	unregistered, err := f.authority.CA().IssueClient("ghost", peer.PublicKey, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.authority.Verify(ctx, unregistered)
	requireCode(t, err, protocol.CodeUntrustedPeer)
}

func TestCompletePairingRejectsBadKey(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	ticket, err := f.authority.CreatePairingTicket(ctx)
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.authority.CompletePairing(ctx, ticket.Code, PeerIdentity{Name: "broken", PublicKey: []byte("not a key")})
	requireCode(t, err, protocol.CodeInvalidParameters)

	current, _ := f.authority.Ticket()
	if current.State != TicketAwaitingConfirmation {
		t.Errorf("a malformed key consumed the ticket: state %s", current.State)
	}
}

func TestIssueServerCertificate(t *testing.T) {
	fake := clock.Fake(epoch)
	ca, err := NewCA("test CA", fake)
	if err != nil {
		t.Fatal(err)
	}
	defer ca.Close()

	certificate, err := ca.IssueServer([]string{"desktop.local", "192.168.1.20"}, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(certificate.Certificate) != 2 {
		t.Fatalf("chain length %d, want leaf and root", len(certificate.Certificate))
	}
	if protocol.Fingerprint(certificate.Certificate[1]) != ca.Fingerprint() {
		t.Error("second chain element is not the root")
	}
	leaf := certificate.Leaf
	for _, name := range []string{"desktop.local", "192.168.1.20"} {
		if err := leaf.VerifyHostname(name); err != nil {
			t.Errorf("VerifyHostname(%s): %v", name, err)
		}
	}
	_, err = leaf.Verify(x509.VerifyOptions{Roots: ca.Pool(), CurrentTime: epoch, DNSName: "desktop.local"})
	if err != nil {
		t.Errorf("server certificate does not verify: %v", err)
	}
}

func TestLoadOrCreateCAPersists(t *testing.T) {
	dir := t.TempDir()
	fake := clock.Fake(epoch)
	keypair, err := sealed.LoadOrCreateKeypair(filepath.Join(dir, "host.key"))
	if err != nil {
		t.Fatal(err)
	}
	defer keypair.Close()

	first, created, err := LoadOrCreateCA(dir, keypair, fake)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("first load did not report creation")
	}
	fingerprint := first.Fingerprint()
	first.Close()

	info, err := os.Stat(filepath.Join(dir, caKeyFile))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("sealed key mode = %v, want 0600", info.Mode().Perm())
	}

	second, created, err := LoadOrCreateCA(dir, keypair, fake)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	if created {
		t.Error("second load reported creation")
	}
	if second.Fingerprint() != fingerprint {
		t.Error("reloaded CA has a different fingerprint")
	}

	// The reloaded key still signs.
	peer, _ := devicePeer(t, "phone")
	issued, err := second.IssueClient("phone", peer.PublicKey, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Issued(issued) {
		t.Error("reloaded CA does not recognise its own certificate")
	}

	other, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	if _, _, err := LoadOrCreateCA(dir, other, fake); err == nil {
		t.Error("CA unsealed with the wrong host key")
	}
}
