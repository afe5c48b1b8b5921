// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/voxlink/voxlink/lib/codec"
	"github.com/voxlink/voxlink/lib/sqlitepool"
	"github.com/voxlink/voxlink/protocol"
)

var storeMigrations = []string{`
CREATE TABLE events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	time_ns    INTEGER NOT NULL,
	type       TEXT NOT NULL,
	severity   TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	command_id TEXT NOT NULL DEFAULT '',
	device_id  TEXT NOT NULL DEFAULT '',
	state      TEXT NOT NULL DEFAULT '',
	code       INTEGER NOT NULL DEFAULT 0,
	reason     TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT '',
	fields     BLOB,
	prev_hash  BLOB NOT NULL,
	hash       BLOB NOT NULL
);
CREATE INDEX events_command ON events(command_id) WHERE command_id != '';
CREATE INDEX events_session ON events(session_id) WHERE session_id != '';
CREATE INDEX events_type_time ON events(type, time_ns);
CREATE TRIGGER events_no_update BEFORE UPDATE ON events
BEGIN SELECT RAISE(ABORT, 'audit events are append-only'); END;
`}

// HashSize is the length of a chain hash.
const HashSize = 32

// ErrChainBroken means a stored row does not hash to its recorded
// value or does not link to its predecessor.
var ErrChainBroken = errors.New("audit chain broken")

// Record is a stored event with its position in the chain.
type Record struct {
	Seq   int64
	Event Event
	Hash  []byte
}

// Filter narrows Query. Zero fields match everything.
type Filter struct {
	Type      Type
	SessionID string
	CommandID string
	DeviceID  string
	Since     time.Time

	// Limit caps the result; 0 means 1000.
	Limit int
}

// StoreConfig configures OpenStore.
type StoreConfig struct {
	Path   string
	Logger *slog.Logger
}

// Store is the append-only SQLite audit log.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// OpenStore opens or creates the audit database at cfg.Path.
func OpenStore(cfg StoreConfig) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:       cfg.Path,
		PoolSize:   2,
		Logger:     logger,
		Migrations: storeMigrations,
	})
	if err != nil {
		return nil, fmt.Errorf("audit store: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Record appends event to the chain.
func (s *Store) Record(ctx context.Context, event Event) (err error) {
	if err := event.Validate(); err != nil {
		return err
	}
	fields, err := encodeFields(event.Fields)
	if err != nil {
		return err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("audit store: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("audit store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	previous := make([]byte, HashSize)
	err = sqlitex.Execute(conn, "SELECT hash FROM events ORDER BY seq DESC LIMIT 1", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stmt.ColumnBytes(0, previous)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("audit store: reading chain head: %w", err)
	}

	hash, err := chainHash(previous, event)
	if err != nil {
		return err
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO events (time_ns, type, severity, session_id, command_id, device_id,
			state, code, reason, detail, fields, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				event.Time.UnixNano(), string(event.Type), string(event.Severity),
				event.SessionID, event.CommandID, event.DeviceID,
				event.State, int(event.Code), event.Reason, event.Detail,
				fields, previous, hash,
			},
		})
	if err != nil {
		return fmt.Errorf("audit store: inserting %s: %w", event.Type, err)
	}
	return nil
}

// Query returns matching events in chain order.
func (s *Store) Query(ctx context.Context, filter Filter) ([]Record, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, value any) {
		clauses = append(clauses, clause)
		args = append(args, value)
	}
	if filter.Type != "" {
		add("type = ?", string(filter.Type))
	}
	if filter.SessionID != "" {
		add("session_id = ?", filter.SessionID)
	}
	if filter.CommandID != "" {
		add("command_id = ?", filter.CommandID)
	}
	if filter.DeviceID != "" {
		add("device_id = ?", filter.DeviceID)
	}
	if !filter.Since.IsZero() {
		add("time_ns >= ?", filter.Since.UnixNano())
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}

	query := "SELECT " + recordColumns + " FROM events"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY seq LIMIT ?"
	args = append(args, limit)

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit store: %w", err)
	}
	defer s.pool.Put(conn)

	var records []Record
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			record, _, err := scanRecord(stmt)
			if err != nil {
				return err
			}
			records = append(records, record)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("audit store: query: %w", err)
	}
	return records, nil
}

// VerifyChain walks the whole log and returns ErrChainBroken at the
// first row whose hash or link does not match. It returns the number
// of rows verified.
func (s *Store) VerifyChain(ctx context.Context) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("audit store: %w", err)
	}
	defer s.pool.Put(conn)

	expected := make([]byte, HashSize)
	verified := 0
	err = sqlitex.Execute(conn, "SELECT "+recordColumns+" FROM events ORDER BY seq", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			record, previous, err := scanRecord(stmt)
			if err != nil {
				return err
			}
			if !bytes.Equal(previous, expected) {
				return fmt.Errorf("%w at seq %d: links to %s, want %s", ErrChainBroken,
					record.Seq, hex.EncodeToString(previous), hex.EncodeToString(expected))
			}
			hash, err := chainHash(previous, record.Event)
			if err != nil {
				return err
			}
			if !bytes.Equal(hash, record.Hash) {
				return fmt.Errorf("%w at seq %d: content does not match hash", ErrChainBroken, record.Seq)
			}
			expected = record.Hash
			verified++
			return nil
		},
	})
	if err != nil {
		return verified, err
	}
	return verified, nil
}

const recordColumns = `seq, time_ns, type, severity, session_id, command_id, device_id,
	state, code, reason, detail, fields, prev_hash, hash`

func scanRecord(stmt *sqlite.Stmt) (Record, []byte, error) {
	event := Event{
		Time:      time.Unix(0, stmt.ColumnInt64(1)).UTC(),
		Type:      Type(stmt.ColumnText(2)),
		Severity:  Severity(stmt.ColumnText(3)),
		SessionID: stmt.ColumnText(4),
		CommandID: stmt.ColumnText(5),
		DeviceID:  stmt.ColumnText(6),
		State:     stmt.ColumnText(7),
		Code:      protocol.Code(stmt.ColumnInt(8)),
		Reason:    stmt.ColumnText(9),
		Detail:    stmt.ColumnText(10),
	}
	if !stmt.ColumnIsNull(11) {
		raw := make([]byte, stmt.ColumnLen(11))
		stmt.ColumnBytes(11, raw)
		if err := codec.Unmarshal(raw, &event.Fields); err != nil {
			return Record{}, nil, fmt.Errorf("decoding fields of seq %d: %w", stmt.ColumnInt64(0), err)
		}
	}
	previous := make([]byte, stmt.ColumnLen(12))
	stmt.ColumnBytes(12, previous)
	hash := make([]byte, stmt.ColumnLen(13))
	stmt.ColumnBytes(13, hash)
	return Record{Seq: stmt.ColumnInt64(0), Event: event, Hash: hash}, previous, nil
}

func encodeFields(fields map[string]string) ([]byte, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	data, err := codec.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding audit fields: %w", err)
	}
	return data, nil
}

// chainedEvent is the hashed form of an Event. Time is carried as
// nanoseconds so the hash survives the database round trip exactly.
type chainedEvent struct {
	TimeNS    int64             `cbor:"1,keyasint"`
	Type      string            `cbor:"2,keyasint"`
	Severity  string            `cbor:"3,keyasint"`
	SessionID string            `cbor:"4,keyasint,omitempty"`
	CommandID string            `cbor:"5,keyasint,omitempty"`
	DeviceID  string            `cbor:"6,keyasint,omitempty"`
	State     string            `cbor:"7,keyasint,omitempty"`
	Code      int               `cbor:"8,keyasint,omitempty"`
	Reason    string            `cbor:"9,keyasint,omitempty"`
	Detail    string            `cbor:"10,keyasint,omitempty"`
	Fields    map[string]string `cbor:"11,keyasint,omitempty"`
}

// chainHash is blake3(previous || canonical CBOR of event).
func chainHash(previous []byte, event Event) ([]byte, error) {
	encoded, err := codec.Marshal(chainedEvent{
		TimeNS:    event.Time.UnixNano(),
		Type:      string(event.Type),
		Severity:  string(event.Severity),
		SessionID: event.SessionID,
		CommandID: event.CommandID,
		DeviceID:  event.DeviceID,
		State:     event.State,
		Code:      int(event.Code),
		Reason:    event.Reason,
		Detail:    event.Detail,
		Fields:    event.Fields,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding event for hashing: %w", err)
	}
	hasher := blake3.New()
	hasher.Write(previous)
	hasher.Write(encoded)
	return hasher.Sum(nil), nil
}
