// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventstore is the durable, at-least-once event log that sits
// between the in-memory producer queue and the uploader.
//
// Events are stored in SQLite (through [sqlitepool]) as an index row
// per event plus one parameter row per field:
//
//	events(id INTEGER PRIMARY KEY AUTOINCREMENT, created_at INTEGER NOT NULL)
//	event_params(event_id, position, name, value)
//
// AUTOINCREMENT guarantees that identities are never reused, so
// reading in id order is FIFO across restarts. An event stays readable
// until [Store.Delete] is called with its id; the queue only deletes
// after the collector acknowledged the upload.
//
// Corruption is not repaired. Any operation that hits SQLite's CORRUPT
// or NOTADB result returns an error matching [ErrCorrupt], and the
// owner is expected to call [Store.Recreate], which discards the file
// and starts over empty.
//
// A Store is reference counted: [Open] returns it with one reference,
// [Store.Retain] adds one, and the last [Store.Close] closes the
// connection pool. This lets several pipelines that were configured
// with the same database path share a single handle.
package eventstore
