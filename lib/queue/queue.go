// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/beacon/lib/clock"
	"github.com/bureau-foundation/beacon/lib/event"
	"github.com/bureau-foundation/beacon/lib/eventstore"
	"github.com/bureau-foundation/beacon/lib/globalcontrol"
	"github.com/bureau-foundation/beacon/lib/upload"
)

// Defaults for Config fields left zero.
const (
	DefaultDrainInterval   = 500 * time.Millisecond
	DefaultCooldown        = 15 * time.Second
	DefaultMaxBatchSize    = 100
	DefaultUploadThreshold = 50
)

// Store is the durable side of the queue. *eventstore.Store
// implements it.
type Store interface {
	Write(ctx context.Context, batch []event.Event) (int, error)
	Read(ctx context.Context, limit int) ([]event.Record, error)
	Delete(ctx context.Context, ids []int64) error
	DeleteAll(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	Recreate() error
}

// Enforcer applies the privacy policy. *policy.Enforcer implements it.
type Enforcer interface {
	Enforce(ctx context.Context, batch []event.Record) ([]event.Record, error)
	InBlackout() bool
}

// Sender posts a batch to the collector. *upload.Uploader implements
// it.
type Sender interface {
	Send(ctx context.Context, batch []event.Record, meta upload.Metadata) (upload.Result, error)
}

// ControlSource reports the shared opt-out decision.
// *globalcontrol.Coordinator implements it.
type ControlSource interface {
	Snapshot() (control globalcontrol.Control, delayed bool)
}

// Config holds the queue's collaborators and tuning.
type Config struct {
	Store    Store
	Enforcer Enforcer
	Sender   Sender
	Control  ControlSource

	// Metadata identifies this app in every upload. When DeviceID is
	// empty the envelope's device id is taken from the first uploaded
	// event that carries one.
	Metadata upload.Metadata

	// DrainInterval is how often the worker wakes without a Push.
	DrainInterval time.Duration

	// Cooldown is the minimum time between upload attempts that are
	// not forced.
	Cooldown time.Duration

	// MaxBatchSize bounds the events read for one upload.
	MaxBatchSize int

	// UploadThreshold triggers an upload once this many events are
	// buffered, ignoring the cooldown.
	UploadThreshold int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Stats are running counters for diagnostics.
type Stats struct {
	Pushed         int64
	Written        int64
	Dropped        int64
	Uploaded       int64
	UploadAttempts int64
	UploadFailures int64
	Recoveries     int64
	Buffered       int64
}

// Queue is the producer/consumer pipeline. Push, Flush, RequestWipe
// and Stats are safe for concurrent use; everything else runs on the
// worker.
type Queue struct {
	store    Store
	enforcer Enforcer
	sender   Sender
	control  ControlSource
	metadata upload.Metadata

	drainInterval   time.Duration
	cooldown        time.Duration
	maxBatchSize    int
	uploadThreshold int

	clock  clock.Clock
	logger *slog.Logger

	// wake has capacity one: a pending signal is never lost and
	// never blocks the sender.
	wake chan struct{}
	done chan struct{}

	mu             sync.Mutex
	producer       []event.Event
	started        bool
	terminated     bool
	wipePending    bool
	flushRequested bool
	flushWaiters   []chan struct{}
	cancelWorker   context.CancelFunc

	// Worker-owned state.
	buffered     int
	nextUploadAt time.Time
	suspended    bool

	pushed         atomic.Int64
	written        atomic.Int64
	dropped        atomic.Int64
	uploaded       atomic.Int64
	uploadAttempts atomic.Int64
	uploadFailures atomic.Int64
	recoveries     atomic.Int64
	bufferedGauge  atomic.Int64
}

// New creates a queue. Call Start to run the worker.
func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil || cfg.Enforcer == nil || cfg.Sender == nil || cfg.Control == nil {
		return nil, fmt.Errorf("queue: Store, Enforcer, Sender and Control are required")
	}
	q := &Queue{
		store:           cfg.Store,
		enforcer:        cfg.Enforcer,
		sender:          cfg.Sender,
		control:         cfg.Control,
		metadata:        cfg.Metadata,
		drainInterval:   cfg.DrainInterval,
		cooldown:        cfg.Cooldown,
		maxBatchSize:    cfg.MaxBatchSize,
		uploadThreshold: cfg.UploadThreshold,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		wake:            make(chan struct{}, 1),
		done:            make(chan struct{}),
	}
	if q.drainInterval <= 0 {
		q.drainInterval = DefaultDrainInterval
	}
	if q.cooldown <= 0 {
		q.cooldown = DefaultCooldown
	}
	if q.maxBatchSize <= 0 {
		q.maxBatchSize = DefaultMaxBatchSize
	}
	if q.uploadThreshold <= 0 {
		q.uploadThreshold = DefaultUploadThreshold
	}
	if q.clock == nil {
		q.clock = clock.Real()
	}
	if q.logger == nil {
		q.logger = slog.New(slog.DiscardHandler)
	}
	q.nextUploadAt = q.clock.Now().Add(q.cooldown)
	return q, nil
}

// Start launches the worker. It may be called once.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	ctx, cancel := context.WithCancel(context.Background())
	q.cancelWorker = cancel
	go q.run(ctx)
}

// Push enqueues an event for the next drain cycle and wakes the
// worker. Events pushed after Terminate are dropped.
func (q *Queue) Push(item event.Event) {
	q.mu.Lock()
	if q.terminated {
		q.mu.Unlock()
		q.dropped.Add(1)
		return
	}
	q.producer = append(q.producer, item)
	q.mu.Unlock()
	q.pushed.Add(1)
	q.signal()
}

// pushQuiet enqueues an event produced by the worker itself without
// waking it, so that it is handled on the next regular cycle.
func (q *Queue) pushQuiet(item event.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.terminated {
		return
	}
	q.producer = append(q.producer, item)
	q.pushed.Add(1)
}

// Flush asks the worker to attempt an upload on its next cycle,
// ignoring the cooldown. The returned channel is closed once that
// cycle has finished, or immediately after Terminate.
func (q *Queue) Flush() <-chan struct{} {
	finished := make(chan struct{})
	q.mu.Lock()
	if q.terminated {
		q.mu.Unlock()
		close(finished)
		return finished
	}
	q.flushRequested = true
	q.flushWaiters = append(q.flushWaiters, finished)
	q.mu.Unlock()
	q.signal()
	return finished
}

// RequestWipe asks the worker to delete every buffered event on its
// next cycle.
func (q *Queue) RequestWipe() {
	q.mu.Lock()
	q.wipePending = true
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Terminate asks the worker to run one last drain and write and then
// exit, and waits for it or for ctx to end. If ctx ends first the
// worker's in-flight operation is cancelled and ctx's error returned.
// On a queue that was never started the final cycle runs on the
// caller's goroutine.
func (q *Queue) Terminate(ctx context.Context) error {
	q.mu.Lock()
	alreadyTerminated := q.terminated
	q.terminated = true
	started := q.started
	cancel := q.cancelWorker
	q.mu.Unlock()
	if !started {
		if !alreadyTerminated {
			q.runCycle(ctx)
		}
		return nil
	}
	q.signal()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		cancel()
		return fmt.Errorf("queue: terminate: %w", ctx.Err())
	}
}

// Done is closed when the worker has exited.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Pushed:         q.pushed.Load(),
		Written:        q.written.Load(),
		Dropped:        q.dropped.Load(),
		Uploaded:       q.uploaded.Load(),
		UploadAttempts: q.uploadAttempts.Load(),
		UploadFailures: q.uploadFailures.Load(),
		Recoveries:     q.recoveries.Load(),
		Buffered:       q.bufferedGauge.Load(),
	}
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	defer q.cancelWorker()

	for {
		if q.runCycle(ctx) {
			q.logger.Debug("event queue terminated", "buffered", q.buffered)
			return
		}
		q.sleep(ctx)
	}
}

// sleep waits for the next cycle: a wake signal, or the drain
// interval unless uploads are suspended with nothing queued.
func (q *Queue) sleep(ctx context.Context) {
	q.mu.Lock()
	idle := q.suspended && len(q.producer) == 0 && !q.terminated && !q.wipePending && !q.flushRequested
	q.mu.Unlock()

	if idle {
		select {
		case <-q.wake:
		case <-ctx.Done():
		}
		return
	}
	select {
	case <-q.wake:
	case <-q.clock.After(q.drainInterval):
	case <-ctx.Done():
	}
}

// runCycle performs one drain cycle and reports whether the queue has
// terminated. Panics are recovered and logged.
func (q *Queue) runCycle(ctx context.Context) (terminated bool) {
	defer func() {
		if recovered := recover(); recovered != nil {
			q.logger.Error("event queue cycle panicked", "panic", recovered)
		}
	}()

	q.mu.Lock()
	batch := q.producer
	q.producer = nil
	terminated = q.terminated
	wipe := q.wipePending
	q.wipePending = false
	flush := q.flushRequested
	q.flushRequested = false
	flushWaiters := q.flushWaiters
	q.flushWaiters = nil
	q.mu.Unlock()
	defer func() {
		for _, finished := range flushWaiters {
			close(finished)
		}
	}()

	anyForce := flush
	remainSuspended := q.suspended
	for _, item := range batch {
		kind := item.Kind()
		if kind.ForceUpload() {
			anyForce = true
		}
		if kind.PausesUpload() {
			remainSuspended = true
		}
		if kind.ResumesUpload() {
			remainSuspended = false
		}
	}

	control, delayed := q.control.Snapshot()
	blocking := control.BlockingEventCollection && !delayed

	if wipe {
		q.wipe(ctx)
	}
	if len(batch) > 0 {
		q.persist(ctx, batch, blocking)
	}
	if terminated {
		return true
	}

	now := q.clock.Now()
	wasSuspended := q.suspended
	q.suspended = remainSuspended

	if wasSuspended && remainSuspended {
		return false
	}
	if blocking || delayed {
		return false
	}
	if !anyForce && q.buffered < q.uploadThreshold && now.Before(q.nextUploadAt) {
		return false
	}
	q.nextUploadAt = now.Add(q.cooldown)
	q.attemptUpload(ctx)
	return false
}

func (q *Queue) wipe(ctx context.Context) {
	if err := q.store.DeleteAll(ctx); err != nil {
		q.handleStoreError("wiping event store", err)
		return
	}
	q.logger.Info("event store wiped", "buffered", q.buffered)
	q.setBuffered(0)
}

func (q *Queue) persist(ctx context.Context, batch []event.Event, blocking bool) {
	if blocking {
		q.dropped.Add(int64(len(batch)))
		q.logger.Debug("collection blocked, dropping events", "events", len(batch))
		return
	}
	if q.enforcer.InBlackout() {
		q.dropped.Add(int64(len(batch)))
		q.logger.Debug("policy blackout, dropping events", "events", len(batch))
		return
	}
	written, err := q.store.Write(ctx, batch)
	if errors.Is(err, eventstore.ErrNoMem) {
		q.requeue(batch, err)
		return
	}
	if err != nil {
		q.dropped.Add(int64(len(batch)))
		q.handleStoreError("writing events", err)
		return
	}
	if skipped := len(batch) - written; skipped > 0 {
		q.dropped.Add(int64(skipped))
	}
	q.written.Add(int64(written))
	q.setBuffered(q.buffered + written)
}

// requeue puts a batch the store could not take back at the head of
// the producer queue for the next cycle. After Terminate there is no
// next cycle and the batch is dropped.
func (q *Queue) requeue(batch []event.Event, err error) {
	q.mu.Lock()
	if q.terminated {
		q.mu.Unlock()
		q.dropped.Add(int64(len(batch)))
		q.logger.Error("out of memory writing events at shutdown, dropping them",
			"events", len(batch), "error", err)
		return
	}
	requeued := make([]event.Event, 0, len(batch)+len(q.producer))
	requeued = append(requeued, batch...)
	q.producer = append(requeued, q.producer...)
	q.mu.Unlock()
	q.logger.Warn("out of memory writing events, will retry", "events", len(batch), "error", err)
}

func (q *Queue) attemptUpload(ctx context.Context) {
	count, err := q.store.Count(ctx)
	if err != nil {
		q.handleStoreError("counting events", err)
		return
	}
	if count != q.buffered {
		q.logger.Debug("buffered count reconciled", "counted", count, "tracked", q.buffered)
		q.setBuffered(count)
	}
	if count == 0 {
		return
	}

	records, err := q.store.Read(ctx, q.maxBatchSize)
	if err != nil {
		q.handleStoreError("reading events", err)
		return
	}
	if len(records) == 0 {
		return
	}
	ids := eventstore.IDs(records)

	enforced, err := q.enforcer.Enforce(ctx, records)
	if err != nil {
		q.logger.Warn("policy not applied, keeping batch", "events", len(records), "error", err)
		return
	}
	if len(enforced) == 0 {
		q.logger.Info("policy discarded batch", "events", len(records))
		q.dropped.Add(int64(len(records)))
		q.deleteAcknowledged(ctx, ids)
		return
	}

	q.uploadAttempts.Add(1)
	result, err := q.sender.Send(ctx, enforced, q.metadataFor(enforced))
	if err != nil {
		q.uploadFailures.Add(1)
		q.logUploadFailure(err, len(enforced))
		return
	}

	q.uploaded.Add(int64(len(enforced)))
	if dropped := len(records) - len(enforced); dropped > 0 {
		q.dropped.Add(int64(dropped))
	}
	q.deleteAcknowledged(ctx, ids)
	q.logger.Info("events uploaded",
		"upload_id", result.UploadID,
		"events", len(enforced),
		"latency", result.Latency,
	)
	q.pushQuiet(latencyEvent(q.clock.Now(), result))
}

func (q *Queue) deleteAcknowledged(ctx context.Context, ids []int64) {
	if err := q.store.Delete(ctx, ids); err != nil {
		q.handleStoreError("deleting uploaded events", err)
		return
	}
	remaining := q.buffered - len(ids)
	if remaining < 0 {
		remaining = 0
	}
	q.setBuffered(remaining)
}

// metadataFor fills in the envelope device id from the batch when the
// configured metadata has none.
func (q *Queue) metadataFor(batch []event.Record) upload.Metadata {
	meta := q.metadata
	if meta.DeviceID != "" {
		return meta
	}
	for _, record := range batch {
		if deviceID, ok := stringField(record.Event, event.FieldDeviceID); ok && deviceID != "" {
			meta.DeviceID = deviceID
			break
		}
	}
	return meta
}

func (q *Queue) logUploadFailure(err error, events int) {
	var unreachable *upload.UnreachableError
	var rejected *upload.RejectedError
	switch {
	case errors.As(err, &unreachable):
		q.logger.Warn("collector unreachable, will retry", "events", events, "error", err)
	case errors.As(err, &rejected):
		q.logger.Warn("collector rejected upload, will retry",
			"events", events,
			"status", rejected.Status,
			"error", err,
		)
	default:
		q.logger.Error("upload failed, will retry", "events", events, "error", err)
	}
}

// handleStoreError recreates the store on corruption and logs
// anything else.
func (q *Queue) handleStoreError(operation string, err error) {
	if !errors.Is(err, eventstore.ErrCorrupt) {
		q.logger.Error("event store error", "operation", operation, "error", err)
		return
	}

	q.mu.Lock()
	discarded := len(q.producer)
	q.producer = nil
	q.mu.Unlock()

	q.recoveries.Add(1)
	q.logger.Error("event store corrupt, recreating",
		"operation", operation,
		"error", err,
		"discarded_queued", discarded,
		"discarded_buffered", q.buffered,
	)
	if recreateErr := q.store.Recreate(); recreateErr != nil {
		q.logger.Error("recreating event store failed", "error", recreateErr)
	}
	q.dropped.Add(int64(discarded))
	q.setBuffered(0)
}

func (q *Queue) setBuffered(buffered int) {
	q.buffered = buffered
	q.bufferedGauge.Store(int64(buffered))
}
