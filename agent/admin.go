// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"time"

	"github.com/voxlink/voxlink/audit"
	"github.com/voxlink/voxlink/lib/codec"
	"github.com/voxlink/voxlink/lib/service"
	"github.com/voxlink/voxlink/lib/version"
	"github.com/voxlink/voxlink/pairing"
	"github.com/voxlink/voxlink/pipeline"
	"github.com/voxlink/voxlink/protocol"
)

// Admin socket actions.
const (
	ActionCreatePairingTicket = "create-pairing-ticket"
	ActionCancelPairingTicket = "cancel-pairing-ticket"
	ActionListDevices         = "list-devices"
	ActionRevokeDevice        = "revoke-device"
	ActionStatus              = "status"
	ActionAuditLog            = "audit-log"
	ActionVerifyAudit         = "verify-audit"
)

// TicketInfo is the reply to create-pairing-ticket. The operator reads
// Code and CAFingerprint to the person holding the device.
type TicketInfo struct {
	TicketID      string    `cbor:"ticket_id" json:"ticket_id"`
	Code          string    `cbor:"code" json:"code"`
	ExpiresAt     time.Time `cbor:"expires_at" json:"expires_at"`
	CAFingerprint string    `cbor:"ca_fingerprint" json:"ca_fingerprint"`
}

// DeviceInfo describes one paired device.
type DeviceInfo struct {
	ID          string    `cbor:"id" json:"id"`
	Name        string    `cbor:"name" json:"name"`
	Fingerprint string    `cbor:"fingerprint" json:"fingerprint"`
	IssuedAt    time.Time `cbor:"issued_at" json:"issued_at"`
	RevokedAt   time.Time `cbor:"revoked_at" json:"revoked_at"`
	Connected   bool      `cbor:"connected" json:"connected"`
}

// SessionInfo describes the live session.
type SessionInfo struct {
	ID            string        `cbor:"id" json:"id"`
	DeviceID      string        `cbor:"device_id" json:"device_id"`
	DeviceName    string        `cbor:"device_name" json:"device_name"`
	State         string        `cbor:"state" json:"state"`
	BytesIn       uint64        `cbor:"bytes_in" json:"bytes_in"`
	BytesOut      uint64        `cbor:"bytes_out" json:"bytes_out"`
	FramesIn      uint64        `cbor:"frames_in" json:"frames_in"`
	FramesOut     uint64        `cbor:"frames_out" json:"frames_out"`
	SmoothedRTT   time.Duration `cbor:"smoothed_rtt" json:"smoothed_rtt"`
	LastHeartbeat time.Time     `cbor:"last_heartbeat" json:"last_heartbeat"`
	InFlight      int           `cbor:"in_flight" json:"in_flight"`
}

// Status is the reply to the status action.
type Status struct {
	Version       string       `cbor:"version" json:"version"`
	Ready         bool         `cbor:"ready" json:"ready"`
	UptimeSeconds float64      `cbor:"uptime_seconds" json:"uptime_seconds"`
	CAFingerprint string       `cbor:"ca_fingerprint" json:"ca_fingerprint"`
	PairingActive bool         `cbor:"pairing_active" json:"pairing_active"`
	Session       *SessionInfo `cbor:"session,omitempty" json:"session,omitempty"`

	// Latency covers recently completed commands of every session.
	Latency []pipeline.StageLatency `cbor:"latency,omitempty" json:"latency,omitempty"`
}

type revokeRequest struct {
	DeviceID string `cbor:"device_id"`
}

// AuditQuery selects audit-log entries. Zero fields match everything.
type AuditQuery struct {
	Type      string    `cbor:"type,omitempty" json:"type,omitempty"`
	SessionID string    `cbor:"session_id,omitempty" json:"session_id,omitempty"`
	CommandID string    `cbor:"command_id,omitempty" json:"command_id,omitempty"`
	DeviceID  string    `cbor:"device_id,omitempty" json:"device_id,omitempty"`
	Since     time.Time `cbor:"since" json:"since"`
	Limit     int       `cbor:"limit,omitempty" json:"limit,omitempty"`
}

// AuditEntry is one stored audit event.
type AuditEntry struct {
	Seq   int64       `cbor:"seq" json:"seq"`
	Event audit.Event `cbor:"event" json:"event"`
}

// AuditVerification is the reply to verify-audit.
type AuditVerification struct {
	Verified int    `cbor:"verified" json:"verified"`
	Intact   bool   `cbor:"intact" json:"intact"`
	Problem  string `cbor:"problem,omitempty" json:"problem,omitempty"`
}

// RegisterAdmin installs the operator actions on server.
func (a *Agent) RegisterAdmin(server *service.SocketServer) {
	server.Handle(ActionCreatePairingTicket, a.handleCreateTicket)
	server.Handle(ActionCancelPairingTicket, a.handleCancelTicket)
	server.Handle(ActionListDevices, a.handleListDevices)
	server.Handle(ActionRevokeDevice, a.handleRevokeDevice)
	server.Handle(ActionStatus, a.handleStatus)
	if a.services.AuditLog != nil {
		server.Handle(ActionAuditLog, a.handleAuditLog)
		server.Handle(ActionVerifyAudit, a.handleVerifyAudit)
	}
}

func (a *Agent) handleCreateTicket(ctx context.Context, _ []byte) (any, error) {
	ticket, err := a.authority.CreatePairingTicket(ctx)
	if err != nil {
		return nil, err
	}
	return TicketInfo{
		TicketID:      ticket.ID,
		Code:          ticket.Code,
		ExpiresAt:     ticket.ExpiresAt,
		CAFingerprint: a.authority.CA().Fingerprint(),
	}, nil
}

func (a *Agent) handleCancelTicket(ctx context.Context, _ []byte) (any, error) {
	return nil, a.authority.CancelTicket(ctx)
}

func (a *Agent) handleListDevices(ctx context.Context, _ []byte) (any, error) {
	devices, err := a.authority.Devices(ctx)
	if err != nil {
		return nil, err
	}
	connected := ""
	if current := a.slot.Current(); current != nil {
		connected = current.Peer().DeviceID
	}
	infos := make([]DeviceInfo, 0, len(devices))
	for _, device := range devices {
		infos = append(infos, DeviceInfo{
			ID:          device.ID,
			Name:        device.Name,
			Fingerprint: device.Fingerprint,
			IssuedAt:    device.IssuedAt,
			RevokedAt:   device.RevokedAt,
			Connected:   device.ID == connected,
		})
	}
	return infos, nil
}

func (a *Agent) handleRevokeDevice(ctx context.Context, raw []byte) (any, error) {
	var request revokeRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, protocol.Wrap(protocol.CodeInvalidParameters, "invalid_request", err)
	}
	if request.DeviceID == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParameters, "invalid_request", "device_id is required")
	}
	device, err := a.authority.Revoke(ctx, request.DeviceID)
	if errors.Is(err, pairing.ErrUnknownDevice) {
		return nil, protocol.Errorf(protocol.CodeInvalidParameters, "unknown_device", "no device has id %q", request.DeviceID)
	}
	if err != nil {
		return nil, err
	}
	return DeviceInfo{
		ID:          device.ID,
		Name:        device.Name,
		Fingerprint: device.Fingerprint,
		IssuedAt:    device.IssuedAt,
		RevokedAt:   device.RevokedAt,
	}, nil
}

func (a *Agent) handleStatus(_ context.Context, _ []byte) (any, error) {
	ticket, ok := a.authority.Ticket()
	status := Status{
		Version:       version.Short(),
		Ready:         a.Ready(),
		UptimeSeconds: a.config.Clock.Now().Sub(a.startedAt).Seconds(),
		CAFingerprint: a.authority.CA().Fingerprint(),
		PairingActive: ok && ticket.State == pairing.TicketAwaitingConfirmation,
		Latency:       a.latency.Summary(),
	}
	if worker := a.current(); worker != nil {
		session := worker.session
		stats := session.Stats()
		peer := session.Peer()
		status.Session = &SessionInfo{
			ID:            session.ID(),
			DeviceID:      peer.DeviceID,
			DeviceName:    peer.DeviceName,
			State:         session.State().String(),
			BytesIn:       stats.BytesIn,
			BytesOut:      stats.BytesOut,
			FramesIn:      stats.FramesIn,
			FramesOut:     stats.FramesOut,
			SmoothedRTT:   stats.SmoothedRTT,
			LastHeartbeat: stats.LastHeartbeat,
			InFlight:      worker.pipeline.InFlight(),
		}
	}
	return status, nil
}

func (a *Agent) handleAuditLog(ctx context.Context, raw []byte) (any, error) {
	var query AuditQuery
	if err := codec.Unmarshal(raw, &query); err != nil {
		return nil, protocol.Wrap(protocol.CodeInvalidParameters, "invalid_request", err)
	}
	if query.Type != "" && !audit.Type(query.Type).Known() {
		return nil, protocol.Errorf(protocol.CodeInvalidParameters, "invalid_request", "unknown audit type %q", query.Type)
	}
	records, err := a.services.AuditLog.Query(ctx, audit.Filter{
		Type:      audit.Type(query.Type),
		SessionID: query.SessionID,
		CommandID: query.CommandID,
		DeviceID:  query.DeviceID,
		Since:     query.Since,
		Limit:     query.Limit,
	})
	if err != nil {
		return nil, err
	}
	entries := make([]AuditEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, AuditEntry{Seq: record.Seq, Event: record.Event})
	}
	return entries, nil
}

func (a *Agent) handleVerifyAudit(ctx context.Context, _ []byte) (any, error) {
	verified, err := a.services.AuditLog.VerifyChain(ctx)
	if errors.Is(err, audit.ErrChainBroken) {
		a.config.Logger.Error("audit chain broken", "verified", verified, "error", err)
		return AuditVerification{Verified: verified, Problem: err.Error()}, nil
	}
	if err != nil {
		return nil, err
	}
	return AuditVerification{Verified: verified, Intact: true}, nil
}
