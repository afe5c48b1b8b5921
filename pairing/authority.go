// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxlink/voxlink/audit"
	"github.com/voxlink/voxlink/lib/clock"
	"github.com/voxlink/voxlink/protocol"
)

// codeSpace is the number of distinct six-digit codes.
const codeSpace = 1_000_000

// Config configures an Authority.
type Config struct {
	// TicketTTL is how long a code stays valid. Defaults to 10m.
	TicketTTL time.Duration

	// MaxDevices bounds the number of unrevoked devices. Defaults to 3.
	MaxDevices int

	// MaxAttempts is how many wrong codes fail a ticket. Defaults to 5.
	MaxAttempts int

	// CertificateValidity is the lifetime of device certificates.
	// Defaults to one year.
	CertificateValidity time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
	Audit  audit.Sink
}

func (c Config) withDefaults() Config {
	if c.TicketTTL <= 0 {
		c.TicketTTL = 10 * time.Minute
	}
	if c.MaxDevices <= 0 {
		c.MaxDevices = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.CertificateValidity <= 0 {
		c.CertificateValidity = 365 * 24 * time.Hour
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
	return c
}

// PeerIdentity is what a pairing device submits.
type PeerIdentity struct {
	Name string

	// PublicKey is a PKIX DER public key.
	PublicKey []byte
}

// ErrNoTicket means there is no ticket awaiting confirmation.
var ErrNoTicket = errors.New("no pairing ticket is awaiting confirmation")

// Authority issues pairing tickets, certifies devices, and answers
// trust questions for the transport.
type Authority struct {
	ca     *CA
	store  *TrustStore
	config Config

	mu     sync.Mutex
	ticket *Ticket
	// issued maps every code handed out to its ticket's expiry, so a
	// code is not reissued while it could still be live.
	issued map[string]time.Time

	subscribersMu sync.Mutex
	subscribers   map[chan DeviceIdentity]struct{}
}

// NewAuthority returns an Authority signing with ca and persisting to
// store. The caller keeps ownership of both.
func NewAuthority(ca *CA, store *TrustStore, config Config) *Authority {
	return &Authority{
		ca:          ca,
		store:       store,
		config:      config.withDefaults(),
		issued:      make(map[string]time.Time),
		subscribers: make(map[chan DeviceIdentity]struct{}),
	}
}

// CA returns the signing authority.
func (a *Authority) CA() *CA { return a.ca }

// CreatePairingTicket issues a new code. It fails with
// PairingInProgress while another ticket awaits confirmation and with
// DeviceLimitReached when MaxDevices devices are already paired.
func (a *Authority) CreatePairingTicket(ctx context.Context) (*Ticket, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.config.Clock.Now()
	if a.ticket != nil && a.ticket.State == TicketAwaitingConfirmation {
		if !a.ticket.expired(now) {
			return nil, protocol.Errorf(protocol.CodePairingInProgress, "pairing_in_progress",
				"a pairing code is already active until %s", a.ticket.ExpiresAt.Format(time.TimeOnly))
		}
		a.expireLocked(ctx, a.ticket)
	}

	active, err := a.store.ActiveCount(ctx)
	if err != nil {
		return nil, err
	}
	if active >= a.config.MaxDevices {
		return nil, protocol.Errorf(protocol.CodeDeviceLimitReached, "device_limit_reached",
			"%d devices are already paired; revoke one first", active)
	}

	code, err := a.newCodeLocked(now)
	if err != nil {
		return nil, err
	}
	ticket := &Ticket{
		ID:        uuid.NewString(),
		Code:      code,
		CreatedAt: now,
		ExpiresAt: now.Add(a.config.TicketTTL),
		State:     TicketInitiated,
	}
	ticket.advance(TicketAwaitingConfirmation)
	a.ticket = ticket
	a.issued[code] = ticket.ExpiresAt

	ticketID := ticket.ID
	a.config.Clock.AfterFunc(a.config.TicketTTL, func() { a.expireTicket(ticketID) })

	a.record(ctx, audit.Event{
		Type:     audit.TypePairingTicketCreated,
		Severity: audit.SeverityInfo,
		Fields:   map[string]string{"ticket_id": ticket.ID, "expires_at": ticket.ExpiresAt.Format(time.RFC3339)},
	})
	a.config.Logger.Info("pairing ticket created", "ticket_id", ticket.ID, "expires_at", ticket.ExpiresAt)

	snapshot := *ticket
	return &snapshot, nil
}

// newCodeLocked draws a code uniformly from [0, 10^6) that is not held
// by any ticket that could still be live.
func (a *Authority) newCodeLocked(now time.Time) (string, error) {
	for code, expiry := range a.issued {
		if !now.Before(expiry) {
			delete(a.issued, code)
		}
	}
	for range 64 {
		value, err := rand.Int(rand.Reader, big.NewInt(codeSpace))
		if err != nil {
			return "", fmt.Errorf("generating pairing code: %w", err)
		}
		code := fmt.Sprintf("%06d", value.Int64())
		if _, live := a.issued[code]; !live {
			return code, nil
		}
	}
	return "", errors.New("pairing code space exhausted")
}

// CompletePairing validates code against the live ticket and, on a
// match, certifies peer.PublicKey and records the new device.
func (a *Authority) CompletePairing(ctx context.Context, code string, peer PeerIdentity) (*DeviceIdentity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.config.Clock.Now()
	ticket := a.ticket
	if ticket == nil {
		return nil, a.rejectPairing(ctx, nil, protocol.Errorf(protocol.CodeInvalidPairingCode, "invalid_code", "no pairing code is active"))
	}
	matches := subtle.ConstantTimeCompare([]byte(code), []byte(ticket.Code)) == 1

	switch ticket.State {
	case TicketCompleted:
		if matches {
			return nil, a.rejectPairing(ctx, ticket, protocol.Errorf(protocol.CodePairingAlreadyCompleted, "already_completed", "this pairing code has already been used"))
		}
		return nil, a.rejectPairing(ctx, ticket, protocol.Errorf(protocol.CodeInvalidPairingCode, "invalid_code", "pairing code not recognized"))
	case TicketExpired:
		if matches {
			return nil, a.rejectPairing(ctx, ticket, protocol.Errorf(protocol.CodePairingExpired, "expired", "pairing code expired"))
		}
		return nil, a.rejectPairing(ctx, ticket, protocol.Errorf(protocol.CodeInvalidPairingCode, "invalid_code", "pairing code not recognized"))
	case TicketAwaitingConfirmation:
	default:
		return nil, a.rejectPairing(ctx, ticket, protocol.Errorf(protocol.CodeInvalidPairingCode, "invalid_code", "no pairing code is active"))
	}

	if ticket.expired(now) {
		a.expireLocked(ctx, ticket)
		if matches {
			return nil, a.rejectPairing(ctx, ticket, protocol.Errorf(protocol.CodePairingExpired, "expired", "pairing code expired"))
		}
		return nil, a.rejectPairing(ctx, ticket, protocol.Errorf(protocol.CodeInvalidPairingCode, "invalid_code", "pairing code not recognized"))
	}

	if !matches {
		ticket.FailedAttempts++
		remaining := a.config.MaxAttempts - ticket.FailedAttempts
		if remaining <= 0 {
			ticket.advance(TicketFailed)
			a.config.Logger.Warn("pairing ticket failed after too many wrong codes", "ticket_id", ticket.ID, "attempts", ticket.FailedAttempts)
			return nil, a.rejectPairing(ctx, ticket, protocol.Errorf(protocol.CodeInvalidPairingCode, "invalid_code", "pairing code not recognized; too many attempts, request a new code"))
		}
		return nil, a.rejectPairing(ctx, ticket, protocol.Errorf(protocol.CodeInvalidPairingCode, "invalid_code", "pairing code not recognized; %d attempts left", remaining))
	}

	active, err := a.store.ActiveCount(ctx)
	if err != nil {
		return nil, err
	}
	if active >= a.config.MaxDevices {
		return nil, a.rejectPairing(ctx, ticket, protocol.Errorf(protocol.CodeDeviceLimitReached, "device_limit_reached", "%d devices are already paired", active))
	}

	name := peer.Name
	if name == "" {
		name = "device"
	}
	certificate, err := a.ca.IssueClient(name, peer.PublicKey, a.config.CertificateValidity)
	if err != nil {
		var protocolErr *protocol.Error
		if errors.As(err, &protocolErr) {
			return nil, a.rejectPairing(ctx, ticket, protocolErr)
		}
		return nil, fmt.Errorf("issuing device certificate: %w", err)
	}
	device := DeviceIdentity{
		ID:          uuid.NewString(),
		Name:        name,
		Fingerprint: protocol.Fingerprint(certificate.Raw),
		Certificate: certificate.Raw,
		IssuedAt:    now,
	}
	if err := a.store.Add(ctx, device); err != nil {
		return nil, err
	}
	ticket.advance(TicketCompleted)

	a.record(ctx, audit.Event{
		Type:     audit.TypePairingCompleted,
		Severity: audit.SeverityInfo,
		DeviceID: device.ID,
		Fields:   map[string]string{"ticket_id": ticket.ID, "device_name": device.Name, "fingerprint": device.Fingerprint},
	})
	a.config.Logger.Info("device paired", "device_id", device.ID, "device_name", device.Name, "fingerprint", device.Fingerprint)
	return &device, nil
}

// rejectPairing audits a failed attempt and returns err.
func (a *Authority) rejectPairing(ctx context.Context, ticket *Ticket, err *protocol.Error) error {
	fields := map[string]string{}
	if ticket != nil {
		fields["ticket_id"] = ticket.ID
		fields["ticket_state"] = string(ticket.State)
		fields["failed_attempts"] = strconv.Itoa(ticket.FailedAttempts)
	}
	a.record(ctx, audit.Event{
		Type:     audit.TypePairingFailed,
		Severity: audit.SeverityWarning,
		Code:     err.Code,
		Reason:   err.Reason,
		Detail:   err.Message,
		Fields:   fields,
	})
	return err
}

// CancelTicket abandons the ticket awaiting confirmation.
func (a *Authority) CancelTicket(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ticket == nil || !a.ticket.advance(TicketRevoked) {
		return ErrNoTicket
	}
	a.record(ctx, audit.Event{
		Type:     audit.TypePairingTicketCancelled,
		Severity: audit.SeverityInfo,
		Fields:   map[string]string{"ticket_id": a.ticket.ID},
	})
	a.config.Logger.Info("pairing ticket cancelled", "ticket_id", a.ticket.ID)
	return nil
}

// Ticket returns a copy of the most recent ticket, if any.
func (a *Authority) Ticket() (Ticket, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ticket == nil {
		return Ticket{}, false
	}
	return *a.ticket, true
}

func (a *Authority) expireTicket(ticketID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ticket != nil && a.ticket.ID == ticketID {
		a.expireLocked(context.Background(), a.ticket)
	}
}

func (a *Authority) expireLocked(ctx context.Context, ticket *Ticket) {
	if !ticket.advance(TicketExpired) {
		return
	}
	a.record(ctx, audit.Event{
		Type:     audit.TypePairingExpired,
		Severity: audit.SeverityInfo,
		Fields:   map[string]string{"ticket_id": ticket.ID},
	})
	a.config.Logger.Info("pairing ticket expired", "ticket_id", ticket.ID)
}

// Verify maps a TLS-verified client certificate to its device. Unknown
// and revoked devices yield UntrustedPeer.
func (a *Authority) Verify(ctx context.Context, certificate *x509.Certificate) (DeviceIdentity, error) {
	if certificate == nil {
		return DeviceIdentity{}, protocol.Errorf(protocol.CodePairingRequired, "pairing_required", "no client certificate; pair this device first")
	}
	if !a.ca.Issued(certificate) {
		return DeviceIdentity{}, protocol.Errorf(protocol.CodeUntrustedPeer, "untrusted_peer", "certificate was not issued by this agent")
	}
	fingerprint := protocol.Fingerprint(certificate.Raw)
	device, found, err := a.store.Lookup(ctx, fingerprint)
	if err != nil {
		return DeviceIdentity{}, err
	}
	if !found {
		return DeviceIdentity{}, protocol.Errorf(protocol.CodeUntrustedPeer, "untrusted_peer", "certificate %s is not registered", shortFingerprint(fingerprint))
	}
	if device.Revoked() {
		return DeviceIdentity{}, protocol.Errorf(protocol.CodeUntrustedPeer, "untrusted_peer", "device %q was revoked", device.Name)
	}
	return device, nil
}

// Revoke marks a device untrusted and notifies subscribers so a live
// session for it can be closed.
func (a *Authority) Revoke(ctx context.Context, deviceID string) (DeviceIdentity, error) {
	existing, err := a.store.Device(ctx, deviceID)
	if err != nil {
		return DeviceIdentity{}, err
	}
	if existing.Revoked() {
		return existing, nil
	}
	device, err := a.store.Revoke(ctx, deviceID, a.config.Clock.Now())
	if err != nil {
		return DeviceIdentity{}, err
	}
	a.record(ctx, audit.Event{
		Type:     audit.TypeDeviceRevoked,
		Severity: audit.SeverityWarning,
		DeviceID: device.ID,
		Fields:   map[string]string{"device_name": device.Name, "fingerprint": device.Fingerprint},
	})
	a.config.Logger.Warn("device revoked", "device_id", device.ID, "device_name", device.Name)
	a.notify(device)
	return device, nil
}

// Devices lists every paired device, including revoked ones.
func (a *Authority) Devices(ctx context.Context) ([]DeviceIdentity, error) {
	return a.store.List(ctx)
}

// Subscribe returns a channel receiving each revoked device, and a
// function that ends the subscription. A subscriber that falls more
// than a few revocations behind misses them.
func (a *Authority) Subscribe() (<-chan DeviceIdentity, func()) {
	channel := make(chan DeviceIdentity, 8)
	a.subscribersMu.Lock()
	a.subscribers[channel] = struct{}{}
	a.subscribersMu.Unlock()

	var once sync.Once
	return channel, func() {
		once.Do(func() {
			a.subscribersMu.Lock()
			delete(a.subscribers, channel)
			a.subscribersMu.Unlock()
		})
	}
}

func (a *Authority) notify(device DeviceIdentity) {
	a.subscribersMu.Lock()
	defer a.subscribersMu.Unlock()
	for channel := range a.subscribers {
		select {
		case channel <- device:
		default:
			a.config.Logger.Warn("revocation subscriber is full, dropping notification", "device_id", device.ID)
		}
	}
}

func (a *Authority) record(ctx context.Context, event audit.Event) {
	event.Time = a.config.Clock.Now()
	if err := a.config.Audit.Record(ctx, event); err != nil {
		a.config.Logger.Error("recording audit event", "type", event.Type, "error", err)
	}
}

func shortFingerprint(fingerprint string) string {
	if len(fingerprint) > 16 {
		return fingerprint[:16]
	}
	return fingerprint
}
