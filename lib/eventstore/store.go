// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/beacon/lib/clock"
	"github.com/bureau-foundation/beacon/lib/event"
	"github.com/bureau-foundation/beacon/lib/sqlitepool"
)

// ErrCorrupt reports that the database file is damaged. The store must
// be recreated.
var ErrCorrupt = errors.New("eventstore: database corrupt")

// ErrNoMem reports that SQLite ran out of memory. Nothing was written
// and the operation may be retried.
var ErrNoMem = errors.New("eventstore: out of memory")

// ErrClosed is returned by operations on a store whose last reference
// has been released.
var ErrClosed = errors.New("eventstore: store closed")

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS event_params (
	event_id INTEGER NOT NULL,
	position INTEGER NOT NULL,
	name     TEXT NOT NULL,
	value    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_params_event ON event_params(event_id);
`

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the SQLite database file. The parent directory must
	// exist. Required.
	Path string

	// Clock stamps created_at on each event row. Defaults to the real
	// clock.
	Clock clock.Clock

	// Logger receives skipped-event and recovery messages. Nil
	// discards them.
	Logger *slog.Logger
}

// Store is the durable event log. All methods are safe for concurrent
// use; operations are serialized internally.
type Store struct {
	path   string
	clock  clock.Clock
	logger *slog.Logger

	// mu guards pool and references, and serializes operations so
	// that Recreate never swaps the pool out from under a reader.
	mu         sync.Mutex
	pool       *sqlitepool.Pool
	references int
}

// Open opens (creating if needed) the store at cfg.Path with a
// reference count of one. A file found damaged at open is discarded
// and replaced with an empty database.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("eventstore: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	store := &Store{
		path:       cfg.Path,
		clock:      clk,
		logger:     logger,
		references: 1,
	}
	pool, err := store.openPool()
	if errors.Is(err, ErrCorrupt) {
		logger.Warn("event store corrupt at open, discarding", "path", cfg.Path, "error", err)
		if removeErr := sqlitepool.RemoveDatabase(cfg.Path); removeErr != nil {
			return nil, fmt.Errorf("eventstore: %w", removeErr)
		}
		pool, err = store.openPool()
	}
	if err != nil {
		return nil, err
	}
	store.pool = pool
	return store, nil
}

// openPool opens the pool and borrows its connection once so that a
// damaged file is reported here rather than by the first operation.
func (s *Store) openPool() (*sqlitepool.Pool, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     s.path,
		PoolSize: 1,
		Logger:   s.logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, s.wrap("open", err)
	}
	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, s.wrap("open", err)
	}
	pool.Put(conn)
	return pool, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Retain adds a reference and returns s. Each Retain must be matched
// by a Close.
func (s *Store) Retain() *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.references > 0 {
		s.references++
	}
	return s
}

// Close releases one reference. The last release closes the pool;
// releases beyond that are no-ops.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.references == 0 {
		return nil
	}
	s.references--
	if s.references > 0 {
		return nil
	}
	pool := s.pool
	s.pool = nil
	if pool == nil {
		return nil
	}
	return pool.Close()
}

// Recreate discards the database file and reopens the store empty.
// Used after an operation returned ErrCorrupt. Every event buffered
// in the file is lost.
func (s *Store) Recreate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.references == 0 {
		return ErrClosed
	}

	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Warn("closing corrupt event store", "path", s.path, "error", err)
		}
		s.pool = nil
	}
	if err := sqlitepool.RemoveDatabase(s.path); err != nil {
		return fmt.Errorf("eventstore: recreate: %w", err)
	}
	pool, err := s.openPool()
	if err != nil {
		return fmt.Errorf("eventstore: recreate: %w", err)
	}
	s.pool = pool
	s.logger.Warn("event store recreated", "path", s.path)
	return nil
}

// withConn runs fn with the store locked and a connection borrowed.
func (s *Store) withConn(ctx context.Context, operation string, fn func(conn *sqlite.Conn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return ErrClosed
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return s.wrap(operation, err)
	}
	defer s.pool.Put(conn)

	if err := fn(conn); err != nil {
		return s.wrap(operation, err)
	}
	return nil
}

func (s *Store) wrap(operation string, err error) error {
	switch {
	case sqlitepool.IsCorrupt(err):
		return fmt.Errorf("eventstore: %s: %w: %w", operation, ErrCorrupt, err)
	case sqlitepool.IsNoMem(err):
		return fmt.Errorf("eventstore: %s: %w: %w", operation, ErrNoMem, err)
	}
	return fmt.Errorf("eventstore: %s: %w", operation, err)
}

// Write appends batch in one IMMEDIATE transaction and returns the
// number of events written. Each event is inserted inside its own
// savepoint: an event whose insert fails is logged, rolled back and
// skipped without affecting the others. Events with no fields are
// skipped. Running out of memory rolls back the whole batch and
// returns an error matching [ErrNoMem].
func (s *Store) Write(ctx context.Context, batch []event.Event) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	var written int
	err := s.withConn(ctx, "write", func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endTransaction(&err)

		createdAt := s.clock.Now().UnixMilli()
		for index, item := range batch {
			if item.Len() == 0 {
				s.logger.Debug("skipping event with no fields", "kind", item.Kind().String())
				continue
			}
			insertErr := insertEvent(conn, item, createdAt)
			if insertErr == nil {
				written++
				continue
			}
			if sqlitepool.IsCorrupt(insertErr) || sqlitepool.IsNoMem(insertErr) {
				return insertErr
			}
			s.logger.Warn("skipping event that failed to insert",
				"index", index,
				"kind", item.Kind().String(),
				"error", insertErr,
			)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

func insertEvent(conn *sqlite.Conn, item event.Event, createdAt int64) (err error) {
	release := sqlitex.Save(conn)
	defer release(&err)

	if err := sqlitex.Execute(conn, "INSERT INTO events (created_at) VALUES (?)", &sqlitex.ExecOptions{
		Args: []any{createdAt},
	}); err != nil {
		return err
	}
	eventID := conn.LastInsertRowID()

	for position, field := range item.Fields() {
		if err := sqlitex.Execute(conn,
			"INSERT INTO event_params (event_id, position, name, value) VALUES (?, ?, ?, ?)",
			&sqlitex.ExecOptions{
				Args: []any{eventID, position, field.Name, string(field.Value)},
			}); err != nil {
			return err
		}
	}
	return nil
}

// Read returns up to limit events, oldest first, with fields in the
// order they were written.
func (s *Store) Read(ctx context.Context, limit int) ([]event.Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	var records []event.Record
	err := s.withConn(ctx, "read", func(conn *sqlite.Conn) error {
		const query = `SELECT e.id, p.name, p.value
			FROM (SELECT id FROM events ORDER BY id LIMIT ?) AS e
			JOIN event_params AS p ON p.event_id = e.id
			ORDER BY e.id, p.position`

		var (
			currentID int64 = -1
			fields    []event.Field
		)
		flush := func() {
			if currentID >= 0 {
				records = append(records, event.Record{ID: currentID, Event: event.Restore(fields)})
			}
		}
		err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id := stmt.ColumnInt64(0)
				if id != currentID {
					flush()
					currentID = id
					fields = nil
				}
				fields = append(fields, event.Field{
					Name:  stmt.ColumnText(1),
					Value: []byte(stmt.ColumnText(2)),
				})
				return nil
			},
		})
		if err != nil {
			return err
		}
		flush()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Delete removes the events with the given ids and all their
// parameter rows in one transaction. Unknown ids are ignored.
func (s *Store) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withConn(ctx, "delete", func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endTransaction(&err)

		for _, id := range ids {
			if err := sqlitex.Execute(conn, "DELETE FROM event_params WHERE event_id = ?",
				&sqlitex.ExecOptions{Args: []any{id}}); err != nil {
				return err
			}
			if err := sqlitex.Execute(conn, "DELETE FROM events WHERE id = ?",
				&sqlitex.ExecOptions{Args: []any{id}}); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteAll removes every buffered event. Identities keep increasing
// afterwards.
func (s *Store) DeleteAll(ctx context.Context) error {
	return s.withConn(ctx, "delete all", func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endTransaction(&err)

		for _, statement := range []string{"DELETE FROM event_params", "DELETE FROM events"} {
			if err := sqlitex.ExecuteTransient(conn, statement, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns the number of buffered events.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.withConn(ctx, "count", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT COUNT(*) FROM events", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// IDs returns the identities of records, in order.
func IDs(records []event.Record) []int64 {
	ids := make([]int64, len(records))
	for i, record := range records {
		ids[i] = record.ID
	}
	return ids
}
