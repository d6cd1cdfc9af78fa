// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bureau-foundation/beacon/lib/event"
	"github.com/bureau-foundation/beacon/lib/eventstore"
	"github.com/bureau-foundation/beacon/lib/globalcontrol"
	"github.com/bureau-foundation/beacon/lib/upload"
)

// memoryStore is an in-memory Store with injectable failures.
type memoryStore struct {
	mu        sync.Mutex
	nextID    int64
	records   map[int64]event.Event
	writeErr  error
	recreated int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[int64]event.Event)}
}

func (s *memoryStore) Write(_ context.Context, batch []event.Event) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		err := s.writeErr
		s.writeErr = nil
		return 0, err
	}
	written := 0
	for _, item := range batch {
		if item.Len() == 0 {
			continue
		}
		s.nextID++
		s.records[s.nextID] = item
		written++
	}
	return written, nil
}

func (s *memoryStore) Read(_ context.Context, limit int) ([]event.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.sortedIDsLocked()
	if len(ids) > limit {
		ids = ids[:limit]
	}
	records := make([]event.Record, len(ids))
	for i, id := range ids {
		records[i] = event.Record{ID: id, Event: s.records[id]}
	}
	return records, nil
}

func (s *memoryStore) Delete(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.records, id)
	}
	return nil
}

func (s *memoryStore) DeleteAll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[int64]event.Event)
	return nil
}

func (s *memoryStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), nil
}

func (s *memoryStore) Recreate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[int64]event.Event)
	s.recreated++
	return nil
}

func (s *memoryStore) count() int {
	n, _ := s.Count(context.Background())
	return n
}

func (s *memoryStore) ids() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedIDsLocked()
}

func (s *memoryStore) sortedIDsLocked() []int64 {
	ids := make([]int64, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *memoryStore) failNextWrite(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

func corruptError() error {
	return fmt.Errorf("eventstore: write: %w: database disk image is malformed", eventstore.ErrCorrupt)
}

func noMemError() error {
	return fmt.Errorf("eventstore: write: %w: out of memory", eventstore.ErrNoMem)
}

// fakeEnforcer passes batches through unless told otherwise.
type fakeEnforcer struct {
	mu       sync.Mutex
	blackout bool
	discard  bool
	err      error
	calls    int
}

func (e *fakeEnforcer) Enforce(_ context.Context, batch []event.Record) ([]event.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	if e.discard {
		return nil, nil
	}
	return batch, nil
}

func (e *fakeEnforcer) InBlackout() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blackout
}

// fakeSender records each batch on sent.
type fakeSender struct {
	mu      sync.Mutex
	err     error
	panics  bool
	sent    chan []event.Record
	lastMet upload.Metadata
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(chan []event.Record, 16)}
}

func (s *fakeSender) Send(_ context.Context, batch []event.Record, meta upload.Metadata) (upload.Result, error) {
	s.mu.Lock()
	err := s.err
	panics := s.panics
	s.lastMet = meta
	s.mu.Unlock()
	if panics {
		panic("sender exploded")
	}
	s.sent <- batch
	if err != nil {
		return upload.Result{}, err
	}
	return upload.Result{UploadID: fmt.Sprintf("upload-%d", batch[0].ID), Status: 200, Events: len(batch)}, nil
}

func (s *fakeSender) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeSender) setPanics(panics bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.panics = panics
}

func (s *fakeSender) metadata() upload.Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMet
}

// sentCount drains and counts batches sent so far.
func (s *fakeSender) sentCount() int {
	count := 0
	for {
		select {
		case <-s.sent:
			count++
		default:
			return count
		}
	}
}

// fakeControl is a settable ControlSource.
type fakeControl struct {
	mu      sync.Mutex
	control globalcontrol.Control
	delayed bool
}

func (c *fakeControl) Snapshot() (globalcontrol.Control, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.control, c.delayed
}

func (c *fakeControl) set(blocking, delayed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.control = globalcontrol.Control{BlockingEventCollection: blocking}
	c.delayed = delayed
}
