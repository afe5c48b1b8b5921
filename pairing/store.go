// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/voxlink/voxlink/lib/sqlitepool"
)

var trustMigrations = []string{`
CREATE TABLE devices (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	fingerprint TEXT NOT NULL UNIQUE,
	certificate BLOB NOT NULL,
	issued_at   INTEGER NOT NULL,
	revoked_at  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX devices_active ON devices(revoked_at) WHERE revoked_at = 0;
`}

// DeviceIdentity is a paired device. Certificate is DER.
type DeviceIdentity struct {
	ID          string    `cbor:"id"`
	Name        string    `cbor:"name"`
	Fingerprint string    `cbor:"fingerprint"`
	Certificate []byte    `cbor:"certificate,omitempty"`
	IssuedAt    time.Time `cbor:"issued_at"`
	RevokedAt   time.Time `cbor:"revoked_at"`
}

// Revoked reports whether the device has been revoked.
func (d DeviceIdentity) Revoked() bool { return !d.RevokedAt.IsZero() }

// ErrUnknownDevice means no device has the requested id.
var ErrUnknownDevice = errors.New("unknown device")

// TrustStoreConfig configures OpenTrustStore.
type TrustStoreConfig struct {
	Path string

	// CacheSize bounds the fingerprint cache. Defaults to 64.
	CacheSize int

	Logger *slog.Logger
}

// TrustStore persists device identities. Lookups by fingerprint, which
// happen on every handshake, go through an LRU cache of trusted
// devices; revocation evicts.
type TrustStore struct {
	pool   *sqlitepool.Pool
	cache  *lru.Cache[string, DeviceIdentity]
	logger *slog.Logger
}

// OpenTrustStore opens or creates the device database.
func OpenTrustStore(cfg TrustStoreConfig) (*TrustStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 64
	}
	cache, err := lru.New[string, DeviceIdentity](size)
	if err != nil {
		return nil, fmt.Errorf("trust store: creating cache: %w", err)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:       cfg.Path,
		PoolSize:   2,
		Logger:     logger,
		Migrations: trustMigrations,
	})
	if err != nil {
		return nil, fmt.Errorf("trust store: %w", err)
	}
	return &TrustStore{pool: pool, cache: cache, logger: logger}, nil
}

// Close closes the database.
func (s *TrustStore) Close() error {
	return s.pool.Close()
}

// Add inserts a newly paired device.
func (s *TrustStore) Add(ctx context.Context, device DeviceIdentity) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("trust store: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO devices (id, name, fingerprint, certificate, issued_at) VALUES (?, ?, ?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{device.ID, device.Name, device.Fingerprint, device.Certificate, device.IssuedAt.UnixNano()},
		})
	if err != nil {
		return fmt.Errorf("trust store: adding device %s: %w", device.ID, err)
	}
	s.cache.Add(device.Fingerprint, device)
	return nil
}

// Lookup finds a device by certificate fingerprint, revoked or not.
func (s *TrustStore) Lookup(ctx context.Context, fingerprint string) (DeviceIdentity, bool, error) {
	if device, ok := s.cache.Get(fingerprint); ok {
		return device, true, nil
	}
	devices, err := s.query(ctx, "WHERE fingerprint = ?", fingerprint)
	if err != nil {
		return DeviceIdentity{}, false, err
	}
	if len(devices) == 0 {
		return DeviceIdentity{}, false, nil
	}
	device := devices[0]
	if !device.Revoked() {
		s.cache.Add(fingerprint, device)
	}
	return device, true, nil
}

// Device finds a device by id.
func (s *TrustStore) Device(ctx context.Context, id string) (DeviceIdentity, error) {
	devices, err := s.query(ctx, "WHERE id = ?", id)
	if err != nil {
		return DeviceIdentity{}, err
	}
	if len(devices) == 0 {
		return DeviceIdentity{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return devices[0], nil
}

// List returns every device, oldest first.
func (s *TrustStore) List(ctx context.Context) ([]DeviceIdentity, error) {
	return s.query(ctx, "")
}

// ActiveCount counts devices that are not revoked.
func (s *TrustStore) ActiveCount(ctx context.Context) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("trust store: %w", err)
	}
	defer s.pool.Put(conn)

	count, err := sqlitex.ResultInt(conn.Prep("SELECT COUNT(*) FROM devices WHERE revoked_at = 0"))
	if err != nil {
		return 0, fmt.Errorf("trust store: counting devices: %w", err)
	}
	return count, nil
}

// Revoke marks the device revoked at the given time. Revoking an
// already-revoked device returns it unchanged.
func (s *TrustStore) Revoke(ctx context.Context, id string, at time.Time) (DeviceIdentity, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return DeviceIdentity{}, fmt.Errorf("trust store: %w", err)
	}
	err = sqlitex.Execute(conn, "UPDATE devices SET revoked_at = ? WHERE id = ? AND revoked_at = 0", &sqlitex.ExecOptions{
		Args: []any{at.UnixNano(), id},
	})
	s.pool.Put(conn)
	if err != nil {
		return DeviceIdentity{}, fmt.Errorf("trust store: revoking %s: %w", id, err)
	}

	device, err := s.Device(ctx, id)
	if err != nil {
		return DeviceIdentity{}, err
	}
	s.cache.Remove(device.Fingerprint)
	return device, nil
}

func (s *TrustStore) query(ctx context.Context, where string, args ...any) ([]DeviceIdentity, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("trust store: %w", err)
	}
	defer s.pool.Put(conn)

	var devices []DeviceIdentity
	err = sqlitex.Execute(conn,
		"SELECT id, name, fingerprint, certificate, issued_at, revoked_at FROM devices "+where+" ORDER BY issued_at, id",
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				devices = append(devices, scanDevice(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("trust store: query: %w", err)
	}
	return devices, nil
}

func scanDevice(stmt *sqlite.Stmt) DeviceIdentity {
	certificate := make([]byte, stmt.ColumnLen(3))
	stmt.ColumnBytes(3, certificate)
	device := DeviceIdentity{
		ID:          stmt.ColumnText(0),
		Name:        stmt.ColumnText(1),
		Fingerprint: stmt.ColumnText(2),
		Certificate: certificate,
		IssuedAt:    time.Unix(0, stmt.ColumnInt64(4)).UTC(),
	}
	if revoked := stmt.ColumnInt64(5); revoked != 0 {
		device.RevokedAt = time.Unix(0, revoked).UTC()
	}
	return device
}
