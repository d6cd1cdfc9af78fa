// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/beacon/lib/clock"
	"github.com/bureau-foundation/beacon/lib/event"
)

var storeTestEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.Default()
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{
		Path:   filepath.Join(t.TempDir(), "events.db"),
		Clock:  clock.Fake(storeTestEpoch),
		Logger: testLogger(t),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("store.Close: %v", err)
		}
	})
	return store
}

func numberedEvent(t *testing.T, number int) event.Event {
	t.Helper()
	built, err := event.NewDraft(event.AppDefined, storeTestEpoch).
		Int("n", int64(number)).
		String("label", fmt.Sprintf("event-%d", number)).
		Build()
	if err != nil {
		t.Fatalf("building event %d: %v", number, err)
	}
	return built
}

func numberedEvents(t *testing.T, count int) []event.Event {
	t.Helper()
	events := make([]event.Event, count)
	for i := range events {
		events[i] = numberedEvent(t, i+1)
	}
	return events
}

func eventNumber(t *testing.T, record event.Record) string {
	t.Helper()
	value, ok := record.Event.Get("n")
	if !ok {
		t.Fatalf("record %d has no n field", record.ID)
	}
	return string(value)
}

func TestWriteReadFIFO(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	written, err := store.Write(ctx, numberedEvents(t, 5))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if written != 5 {
		t.Fatalf("Write returned %d, want 5", written)
	}

	records, err := store.Read(ctx, 10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("Read returned %d records, want 5", len(records))
	}
	for i, record := range records {
		if got, want := eventNumber(t, record), fmt.Sprint(i+1); got != want {
			t.Errorf("record %d: n = %s, want %s", i, got, want)
		}
		if i > 0 && record.ID <= records[i-1].ID {
			t.Errorf("record ids not ascending: %d after %d", record.ID, records[i-1].ID)
		}
	}

	limited, err := store.Read(ctx, 2)
	if err != nil {
		t.Fatalf("Read(2): %v", err)
	}
	if len(limited) != 2 || eventNumber(t, limited[0]) != "1" || eventNumber(t, limited[1]) != "2" {
		t.Errorf("Read(2) did not return the two oldest events")
	}
}

func TestReadPreservesFieldsAndKind(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	original := event.NewDraft(event.BeginSession, storeTestEpoch).
		String("quote", `say "hi"`).
		Float("ratio", 0.25).
		Bool("flag", false).
		WithDeviceID().
		MustBuild()
	if _, err := store.Write(ctx, []event.Event{original}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	records, err := store.Read(ctx, 1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Read returned %d records, want 1", len(records))
	}
	restored := records[0].Event
	if restored.Kind() != event.BeginSession {
		t.Errorf("Kind() = %v, want BeginSession", restored.Kind())
	}
	if !restored.DeviceIDPending() {
		t.Error("device id placeholder lost in storage")
	}

	want, _ := original.MarshalJSON()
	got, _ := restored.MarshalJSON()
	if string(got) != string(want) {
		t.Errorf("restored = %s\nwant       %s", got, want)
	}
}

func TestDeleteSubset(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Write(ctx, numberedEvents(t, 5)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	records, err := store.Read(ctx, 10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	// Delete events 1, 3 and 4.
	if err := store.Delete(ctx, []int64{records[0].ID, records[2].ID, records[3].ID}); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	remaining, err := store.Read(ctx, 10)
	if err != nil {
		t.Fatalf("Read after delete: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("Read after delete returned %d records, want 2", len(remaining))
	}
	if eventNumber(t, remaining[0]) != "2" || eventNumber(t, remaining[1]) != "5" {
		t.Errorf("remaining events = %s, %s; want 2, 5",
			eventNumber(t, remaining[0]), eventNumber(t, remaining[1]))
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Errorf("Count() = %d, want 2", count)
	}
}

func TestEventsSurviveUntilDeleted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	first, err := Open(Config{Path: path, Logger: testLogger(t)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := first.Write(ctx, numberedEvents(t, 3)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Reading is not acknowledging.
	if _, err := first.Read(ctx, 3); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := Open(Config{Path: path, Logger: testLogger(t)})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()

	records, err := second.Read(ctx, 10)
	if err != nil {
		t.Fatalf("Read after reopen: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Read after reopen returned %d records, want 3", len(records))
	}

	// New identities continue after the old ones.
	if _, err := second.Write(ctx, []event.Event{numberedEvent(t, 4)}); err != nil {
		t.Fatalf("Write after reopen: %v", err)
	}
	all, err := second.Read(ctx, 10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if all[3].ID <= all[2].ID {
		t.Errorf("identity %d reused or out of order after %d", all[3].ID, all[2].ID)
	}
}

func TestWriteSkipsEmptyEvents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	batch := []event.Event{numberedEvent(t, 1), {}, numberedEvent(t, 2)}
	written, err := store.Write(ctx, batch)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if written != 2 {
		t.Errorf("Write returned %d, want 2", written)
	}
	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Errorf("Count() = %d, want 2", count)
	}
}

func TestDeleteAll(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Write(ctx, numberedEvents(t, 4)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := store.DeleteAll(ctx); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("Count() = %d after DeleteAll, want 0", count)
	}
	records, err := store.Read(ctx, 10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Read returned %d records after DeleteAll", len(records))
	}
}

func TestRecreate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Write(ctx, numberedEvents(t, 3)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := store.Recreate(); err != nil {
		t.Fatalf("Recreate: %v", err)
	}
	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("Count() = %d after Recreate, want 0", count)
	}
	if written, err := store.Write(ctx, numberedEvents(t, 2)); err != nil || written != 2 {
		t.Errorf("Write after Recreate = %d, %v; want 2, nil", written, err)
	}
}

func TestOpenDiscardsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	garbage := make([]byte, 8192)
	for i := range garbage {
		garbage[i] = byte(i * 13)
	}
	if err := os.WriteFile(path, garbage, 0o600); err != nil {
		t.Fatal(err)
	}

	store, err := Open(Config{Path: path, Logger: testLogger(t)})
	if err != nil {
		t.Fatalf("Open on a corrupt file: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if written, err := store.Write(ctx, numberedEvents(t, 1)); err != nil || written != 1 {
		t.Fatalf("Write after recovery = %d, %v; want 1, nil", written, err)
	}
}

func TestWrapClassifiesCorruption(t *testing.T) {
	store := openTestStore(t)
	tests := []struct {
		name        string
		err         error
		wantCorrupt bool
		wantNoMem   bool
	}{
		{name: "plain", err: errors.New("boom")},
		{name: "corrupt", err: sqlite.ResultCorrupt.ToError(), wantCorrupt: true},
		{name: "not a database", err: sqlite.ResultNotADB.ToError(), wantCorrupt: true},
		{name: "out of memory", err: sqlite.ResultNoMem.ToError(), wantNoMem: true},
		{name: "busy", err: sqlite.ResultBusy.ToError()},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			wrapped := store.wrap("write", test.err)
			if got := errors.Is(wrapped, ErrCorrupt); got != test.wantCorrupt {
				t.Errorf("errors.Is(ErrCorrupt) = %v, want %v", got, test.wantCorrupt)
			}
			if got := errors.Is(wrapped, ErrNoMem); got != test.wantNoMem {
				t.Errorf("errors.Is(ErrNoMem) = %v, want %v", got, test.wantNoMem)
			}
			if !errors.Is(wrapped, test.err) {
				t.Error("wrapped error lost the SQLite cause")
			}
		})
	}
}

func TestReferenceCounting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	store, err := Open(Config{Path: path, Logger: testLogger(t)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	shared := store.Retain()

	if err := store.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if _, err := shared.Count(ctx); err != nil {
		t.Fatalf("Count with one reference left: %v", err)
	}

	if err := shared.Close(); err != nil {
		t.Fatalf("last Close: %v", err)
	}
	if _, err := shared.Count(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Count after last Close = %v, want ErrClosed", err)
	}
	if err := shared.Close(); err != nil {
		t.Errorf("extra Close: %v", err)
	}
	if got := shared.Retain(); got != shared {
		t.Error("Retain should return the receiver")
	}
	if _, err := shared.Count(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Retain revived a closed store")
	}
}

func TestIDs(t *testing.T) {
	ids := IDs([]event.Record{{ID: 4}, {ID: 9}})
	if len(ids) != 2 || ids[0] != 4 || ids[1] != 9 {
		t.Errorf("IDs = %v, want [4 9]", ids)
	}
}
