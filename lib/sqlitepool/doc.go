// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens SQLite databases with beacon's standard
// settings.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool and applies the same
// pragmas to every connection: WAL journaling, NORMAL synchronous
// (committed events survive a host-app crash, which is the durability
// the event buffer promises), a busy timeout, and a small page cache
// sized for a client device rather than a server.
//
// The event store opens its pool with PoolSize 1. Exactly one worker
// goroutine owns the store, so a single connection both serializes
// writes and avoids holding several page caches inside the host app.
//
// The package also classifies SQLite failures that the store reacts to
// differently: [IsCorrupt] for damaged files that must be deleted and
// recreated, and [IsNoMem] for allocation failures after which nothing
// was written and the batch is retried. [RemoveDatabase] deletes a
// database file together with its WAL and shared-memory companions.
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:     filepath.Join(stateDir, "events.db"),
//	    PoolSize: 1,
//	    Logger:   logger,
//	    OnConnect: func(conn *sqlite.Conn) error {
//	        return sqlitex.ExecuteScript(conn, schema, nil)
//	    },
//	})
package sqlitepool
