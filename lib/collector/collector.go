// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/bureau-foundation/beacon/lib/clock"
	"github.com/bureau-foundation/beacon/lib/config"
	"github.com/bureau-foundation/beacon/lib/event"
	"github.com/bureau-foundation/beacon/lib/eventstore"
	"github.com/bureau-foundation/beacon/lib/globalcontrol"
	"github.com/bureau-foundation/beacon/lib/policy"
	"github.com/bureau-foundation/beacon/lib/queue"
	"github.com/bureau-foundation/beacon/lib/upload"
	"github.com/bureau-foundation/beacon/lib/version"
)

// Config holds everything needed to open a Collector.
type Config struct {
	// AppID names this app in the shared control directory and is
	// sent to the policy endpoint. Required.
	AppID string

	// StateDirectory holds the event database and policy cache.
	// Created if missing. Required.
	StateDirectory string

	// SharedRoot is the directory shared with other apps on the
	// device for the opt-out decision. Required.
	SharedRoot string

	// UploadEndpoint and PolicyEndpoint are the collection service
	// URLs. Required.
	UploadEndpoint string
	PolicyEndpoint string

	// Metadata identifies this app in every upload.
	Metadata upload.Metadata

	Compression   upload.Compression
	UploadTimeout time.Duration
	PolicyTimeout time.Duration
	PolicyTTL     time.Duration

	DrainInterval   time.Duration
	Cooldown        time.Duration
	MaxBatchSize    int
	UploadThreshold int

	// ControlRefresh is how often the shared control is reread so
	// that opt-outs made by other apps take effect. Zero disables
	// periodic refresh.
	ControlRefresh time.Duration
}

// ConfigFrom maps a loaded configuration file onto a Config.
func ConfigFrom(cfg *config.Config) (Config, error) {
	compression, err := upload.ParseCompression(cfg.Upload.Compression)
	if err != nil {
		return Config{}, fmt.Errorf("collector: %w", err)
	}
	return Config{
		AppID:          cfg.App.ID,
		StateDirectory: cfg.Paths.State,
		SharedRoot:     cfg.Paths.SharedRoot,
		UploadEndpoint: cfg.Upload.Endpoint,
		PolicyEndpoint: cfg.Policy.Endpoint,
		Metadata: upload.Metadata{
			APIVersion:  cfg.App.APIVersion,
			APIKey:      cfg.App.APIKey,
			PartnerCode: cfg.App.PartnerCode,
			PackageID:   cfg.App.PackageID,
		},
		Compression:     compression,
		UploadTimeout:   cfg.UploadTimeout(),
		PolicyTimeout:   cfg.PolicyTimeout(),
		PolicyTTL:       cfg.PolicyCacheTTL(),
		DrainInterval:   cfg.DrainInterval(),
		Cooldown:        cfg.UploadCooldown(),
		MaxBatchSize:    cfg.Upload.MaxBatchSize,
		UploadThreshold: cfg.Upload.UploadThreshold,
		ControlRefresh:  cfg.ControlRefreshInterval(),
	}, nil
}

// Options carries the host-provided collaborators.
type Options struct {
	// DeviceID supplies the raw device id that is hashed into events
	// built WithDeviceID. Nil means none is available.
	DeviceID policy.DeviceIDSource

	// HTTPClient is used for both policy and upload requests.
	// Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// UserAgent defaults to version.UserAgent().
	UserAgent string

	// MeterProvider receives the pipeline counters as OpenTelemetry
	// asynchronous instruments. Nil registers none.
	MeterProvider metric.MeterProvider

	Clock  clock.Clock
	Logger *slog.Logger
}

// Collector owns the event pipeline for one app.
type Collector struct {
	store       *eventstore.Store
	enforcer    *policy.Enforcer
	uploader    *upload.Uploader
	coordinator *globalcontrol.Coordinator
	queue       *queue.Queue

	maxBatchSize int
	clock        clock.Clock
	logger       *slog.Logger

	unsubscribe   func()
	metrics       metric.Registration
	stopRefresh   context.CancelFunc
	refreshClosed chan struct{}
	closeOnce     sync.Once
	closeErr      error
}

// Open wires the pipeline and starts its worker. ctx bounds only the
// startup work; the collector runs until Close.
func Open(ctx context.Context, cfg Config, options Options) (*Collector, error) {
	if cfg.StateDirectory == "" {
		return nil, fmt.Errorf("collector: StateDirectory is required")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	userAgent := options.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	maxBatchSize := cfg.MaxBatchSize
	if maxBatchSize <= 0 {
		maxBatchSize = queue.DefaultMaxBatchSize
	}

	if err := os.MkdirAll(cfg.StateDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("collector: creating state directory: %w", err)
	}

	uploader, err := upload.New(upload.Config{
		Endpoint:    cfg.UploadEndpoint,
		Compression: cfg.Compression,
		Timeout:     cfg.UploadTimeout,
		UserAgent:   userAgent,
		Client:      options.HTTPClient,
		Clock:       clk,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("collector: %w", err)
	}

	if cfg.PolicyEndpoint == "" {
		return nil, fmt.Errorf("collector: PolicyEndpoint is required")
	}
	enforcer, err := policy.NewEnforcer(policy.Config{
		Fetcher: &policy.HTTPFetcher{
			Endpoint:  cfg.PolicyEndpoint,
			AppID:     cfg.AppID,
			UserAgent: userAgent,
			Timeout:   cfg.PolicyTimeout,
			Client:    options.HTTPClient,
		},
		CachePath: filepath.Join(cfg.StateDirectory, "policy.cbor"),
		TTL:       cfg.PolicyTTL,
		DeviceID:  options.DeviceID,
		Clock:     clk,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("collector: %w", err)
	}

	coordinator, err := globalcontrol.New(globalcontrol.Config{
		SharedRoot: cfg.SharedRoot,
		AppID:      cfg.AppID,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("collector: %w", err)
	}

	store, err := eventstore.Open(eventstore.Config{
		Path:   filepath.Join(cfg.StateDirectory, "events.db"),
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		coordinator.Close()
		return nil, fmt.Errorf("collector: %w", err)
	}

	eventQueue, err := queue.New(queue.Config{
		Store:           store,
		Enforcer:        enforcer,
		Sender:          uploader,
		Control:         coordinator,
		Metadata:        cfg.Metadata,
		DrainInterval:   cfg.DrainInterval,
		Cooldown:        cfg.Cooldown,
		MaxBatchSize:    maxBatchSize,
		UploadThreshold: cfg.UploadThreshold,
		Clock:           clk,
		Logger:          logger,
	})
	if err != nil {
		store.Close()
		coordinator.Close()
		return nil, fmt.Errorf("collector: %w", err)
	}

	collector := &Collector{
		store:         store,
		enforcer:      enforcer,
		uploader:      uploader,
		coordinator:   coordinator,
		queue:         eventQueue,
		maxBatchSize:  maxBatchSize,
		clock:         clk,
		logger:        logger,
		refreshClosed: make(chan struct{}),
	}

	// A transition into blocking wipes whatever is already stored.
	collector.unsubscribe = coordinator.Subscribe(func(control globalcontrol.Control) {
		if control.BlockingEventCollection {
			logger.Info("event collection blocked, wiping stored events")
			eventQueue.RequestWipe()
		}
	})
	// The startup determination runs from globalcontrol.New and may
	// already have found the app blocked before the listener existed.
	if control, delayed := coordinator.Snapshot(); !delayed && control.BlockingEventCollection {
		logger.Info("event collection blocked at startup, wiping stored events")
		eventQueue.RequestWipe()
	}

	if options.MeterProvider != nil {
		registration, err := collector.registerMetrics(options.MeterProvider, cfg.AppID)
		if err != nil {
			collector.unsubscribe()
			store.Close()
			coordinator.Close()
			return nil, err
		}
		collector.metrics = registration
	}

	eventQueue.Start()

	refreshContext, stopRefresh := context.WithCancel(context.Background())
	collector.stopRefresh = stopRefresh
	go collector.refreshControl(refreshContext, cfg.ControlRefresh)

	backlog, err := store.Count(ctx)
	if err != nil {
		logger.Warn("counting stored events failed", "error", err)
	}
	logger.Info("collector opened",
		"app_id", cfg.AppID,
		"upload_endpoint", uploader.Endpoint(),
		"compression", cfg.Compression,
		"backlog", backlog,
	)
	return collector, nil
}

// refreshControl periodically rereads the shared control so that a
// change made by another app reaches this app's subscribers.
func (c *Collector) refreshControl(ctx context.Context, interval time.Duration) {
	defer close(c.refreshClosed)
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(interval):
			c.coordinator.Refresh()
		}
	}
}

// NewEvent starts building an event of kind stamped with the current
// time.
func (c *Collector) NewEvent(kind event.Kind) *event.Draft {
	return event.NewDraft(kind, c.clock.Now())
}

// Record hands an event to the pipeline. It never blocks on storage
// or the network.
func (c *Collector) Record(item event.Event) {
	c.queue.Push(item)
}

// Flush requests an upload on the next cycle, ignoring the cooldown.
// The returned channel is closed once that cycle has run.
func (c *Collector) Flush() <-chan struct{} {
	return c.queue.Flush()
}

// Ready blocks until the shared control has been determined. Uploads
// are held until then. If the app starts out blocked, the wipe of its
// stored events has been requested by the time Ready returns.
func (c *Collector) Ready(ctx context.Context) error {
	if err := c.coordinator.Wait(ctx); err != nil {
		return fmt.Errorf("collector: %w", err)
	}
	return nil
}

// Drain uploads stored events batch by batch until a cycle moves less
// than a full batch, and returns the number of events uploaded. It
// returns an error when an upload fails or ctx ends first.
func (c *Collector) Drain(ctx context.Context) (int64, error) {
	if err := c.Ready(ctx); err != nil {
		return 0, err
	}
	start := c.queue.Stats()
	for {
		before := c.queue.Stats()
		select {
		case <-c.queue.Flush():
		case <-ctx.Done():
			return c.queue.Stats().Uploaded - start.Uploaded, fmt.Errorf("collector: drain: %w", ctx.Err())
		}
		after := c.queue.Stats()
		uploaded := after.Uploaded - start.Uploaded

		if after.UploadFailures > before.UploadFailures {
			return uploaded, fmt.Errorf("collector: drain: upload failed, %d events remain stored", after.Buffered)
		}
		moved := (after.Uploaded - before.Uploaded) + (after.Dropped - before.Dropped)
		if moved < int64(c.maxBatchSize) {
			return uploaded, nil
		}
	}
}

// SetOptOut blocks or unblocks event collection for every app sharing
// the control directory. Opting out wipes stored events.
func (c *Collector) SetOptOut(ctx context.Context, optedOut bool) error {
	if err := c.coordinator.SaveControl(ctx, globalcontrol.Control{BlockingEventCollection: optedOut}); err != nil {
		return fmt.Errorf("collector: %w", err)
	}
	return nil
}

// OptedOut delivers the current opt-out state to callback once the
// shared control has been determined. The callback runs on another
// goroutine.
func (c *Collector) OptedOut(callback func(optedOut bool)) {
	c.coordinator.GetControl(func(control globalcontrol.Control) {
		callback(control.BlockingEventCollection)
	})
}

// Policy returns the policy the next upload will use, fetching it if
// the saved copy is stale.
func (c *Collector) Policy(ctx context.Context) (policy.Policy, policy.Source, error) {
	current, source, err := c.enforcer.Obtain(ctx)
	if err != nil {
		return policy.Policy{}, source, fmt.Errorf("collector: %w", err)
	}
	return current, source, nil
}

// RefreshPolicy discards the saved policy's freshness so the next
// upload refetches it.
func (c *Collector) RefreshPolicy() {
	c.enforcer.Invalidate()
}

// SessionTimeout returns the policy's session timeout override, if
// the saved policy carries one.
func (c *Collector) SessionTimeout() (time.Duration, bool) {
	return c.enforcer.SessionTimeout()
}

// Stats returns the queue counters.
func (c *Collector) Stats() queue.Stats {
	return c.queue.Stats()
}

// Close stops the pipeline after a final drain and write, then
// releases the store. It waits for the worker or for ctx. Calls after
// the first return the first call's result.
func (c *Collector) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		var errs []error
		c.unsubscribe()
		if c.metrics != nil {
			if err := c.metrics.Unregister(); err != nil {
				errs = append(errs, err)
			}
		}
		c.stopRefresh()
		<-c.refreshClosed

		if err := c.queue.Terminate(ctx); err != nil {
			errs = append(errs, err)
		}
		c.coordinator.Close()
		if err := c.store.Close(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			c.closeErr = fmt.Errorf("collector: close: %w", errors.Join(errs...))
		}
		c.logger.Info("collector closed", "stats", c.queue.Stats())
	})
	return c.closeErr
}
