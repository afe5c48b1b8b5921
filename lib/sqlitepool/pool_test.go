// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/voxlink/voxlink/lib/sqlitepool"
)

var testMigrations = []string{
	`CREATE TABLE devices (id TEXT PRIMARY KEY, name TEXT NOT NULL);`,
	`ALTER TABLE devices ADD COLUMN revoked_at INTEGER;`,
}

func openPool(t *testing.T, path string, migrations []string) *sqlitepool.Pool {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{Path: path, PoolSize: 2, Migrations: migrations})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return pool
}

func TestOpenAppliesPragmasAndMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	pool := openPool(t, path, testMigrations)
	defer pool.Close()

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	var journalMode string
	err = sqlitex.Execute(conn, "PRAGMA journal_mode", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			journalMode = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	version, err := sqlitepool.UserVersion(conn)
	if err != nil {
		t.Fatalf("UserVersion: %v", err)
	}
	if version != 2 {
		t.Errorf("user_version = %d, want 2", version)
	}

	err = sqlitex.Execute(conn, "INSERT INTO devices (id, name, revoked_at) VALUES (?, ?, ?)", &sqlitex.ExecOptions{
		Args: []any{"d1", "phone", nil},
	})
	if err != nil {
		t.Fatalf("insert after migration: %v", err)
	}
}

func TestMigrationsResumeFromVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	first := openPool(t, path, testMigrations[:1])
	conn, err := first.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	first.Put(conn)
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := openPool(t, path, testMigrations)
	defer second.Close()
	conn, err = second.Take(context.Background())
	if err != nil {
		t.Fatalf("Take after upgrade: %v", err)
	}
	defer second.Put(conn)
	if version, _ := sqlitepool.UserVersion(conn); version != 2 {
		t.Errorf("user_version = %d, want 2", version)
	}
}

func TestNewerSchemaRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	pool := openPool(t, path, testMigrations)
	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	pool.Put(conn)
	pool.Close()

	older := openPool(t, path, testMigrations[:1])
	defer older.Close()
	if conn, err := older.Take(context.Background()); err == nil {
		older.Put(conn)
		t.Fatal("Take should fail when the database is newer than the binary")
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := sqlitepool.Open(sqlitepool.Config{}); err == nil {
		t.Error("Open without a path should fail")
	}
}
