// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/beacon/lib/sqlitepool"
)

func TestOpenAppliesPragmas(t *testing.T) {
	pool := openTestPool(t, filepath.Join(t.TempDir(), "test.db"), nil)

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
		t.Errorf("journal_mode = %q, want %q", journalMode, "wal")
	}

	var synchronous int
	err = sqlitex.Execute(conn, "PRAGMA synchronous", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			synchronous = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("PRAGMA synchronous: %v", err)
	}
	if synchronous != 1 {
		t.Errorf("synchronous = %d, want 1 (NORMAL)", synchronous)
	}
}

func TestOnConnectCreatesSchema(t *testing.T) {
	var called bool
	pool := openTestPool(t, filepath.Join(t.TempDir(), "test.db"), func(conn *sqlite.Conn) error {
		called = true
		return sqlitex.ExecuteScript(conn, `
			CREATE TABLE IF NOT EXISTS items (id INTEGER PRIMARY KEY, value TEXT NOT NULL);
		`, nil)
	})

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	if !called {
		t.Error("OnConnect was not called")
	}
	err = sqlitex.Execute(conn, "INSERT INTO items (value) VALUES (?)", &sqlitex.ExecOptions{
		Args: []any{"hello"},
	})
	if err != nil {
		t.Fatalf("INSERT: %v", err)
	}
}

func TestEmptyPathRejected(t *testing.T) {
	if _, err := sqlitepool.Open(sqlitepool.Config{}); err == nil {
		t.Fatal("expected error for empty Path")
	}
}

func TestCorruptFileDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.db")
	garbage := make([]byte, 8192)
	for i := range garbage {
		garbage[i] = byte(i * 7)
	}
	if err := os.WriteFile(path, garbage, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{Path: path})
	if err != nil {
		if !sqlitepool.IsCorrupt(err) {
			t.Fatalf("Open error %v is not classified as corrupt", err)
		}
		return
	}
	defer pool.Close()

	_, err = pool.Take(context.Background())
	if err == nil {
		t.Fatal("Take on a garbage file succeeded")
	}
	if !sqlitepool.IsCorrupt(err) {
		t.Errorf("IsCorrupt(%v) = false, want true", err)
	}
}

func TestIsCorruptAndIsNoMemIgnorePlainErrors(t *testing.T) {
	plain := errors.New("boom")
	if sqlitepool.IsCorrupt(plain) || sqlitepool.IsCorrupt(nil) {
		t.Error("IsCorrupt reported a non-SQLite error as corrupt")
	}
	if sqlitepool.IsNoMem(plain) || sqlitepool.IsNoMem(nil) {
		t.Error("IsNoMem reported a non-SQLite error as NOMEM")
	}
}

func TestIsCorruptAndIsNoMemClassifySQLiteCodes(t *testing.T) {
	if !sqlitepool.IsCorrupt(sqlite.ResultCorrupt.ToError()) || !sqlitepool.IsCorrupt(sqlite.ResultNotADB.ToError()) {
		t.Error("IsCorrupt missed a corruption result")
	}
	if !sqlitepool.IsNoMem(sqlite.ResultNoMem.ToError()) {
		t.Error("IsNoMem missed SQLITE_NOMEM")
	}
	if sqlitepool.IsNoMem(sqlite.ResultCorrupt.ToError()) || sqlitepool.IsCorrupt(sqlite.ResultNoMem.ToError()) {
		t.Error("corruption and out-of-memory results were confused")
	}
}

func TestRemoveDatabase(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "events.db")

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path: path,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, `CREATE TABLE IF NOT EXISTS t (x INTEGER);`, nil)
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	pool.Put(conn)
	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := sqlitepool.RemoveDatabase(path); err != nil {
		t.Fatalf("RemoveDatabase: %v", err)
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if _, err := os.Stat(path + suffix); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s still exists (stat err %v)", path+suffix, err)
		}
	}

	// Removing again is a no-op.
	if err := sqlitepool.RemoveDatabase(path); err != nil {
		t.Errorf("second RemoveDatabase: %v", err)
	}
}

func TestContextCancellation(t *testing.T) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "cancel.db"),
		PoolSize: 1,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Take(ctx); err == nil {
		t.Fatal("expected error from cancelled context")
	}
	pool.Put(conn)
}

// openTestPool opens a pool at path that closes when the test ends.
func openTestPool(t *testing.T, path string, onConnect func(*sqlite.Conn) error) *sqlitepool.Pool {
	t.Helper()

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      path,
		PoolSize:  1,
		OnConnect: onConnect,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return pool
}
