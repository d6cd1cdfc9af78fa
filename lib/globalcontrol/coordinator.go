// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package globalcontrol

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Control is the shared opt-out decision.
type Control struct {
	// BlockingEventCollection, when true, means no events may be
	// stored or uploaded and any buffered events are wiped.
	BlockingEventCollection bool
}

// Config holds the parameters for creating a Coordinator.
type Config struct {
	// SharedRoot is the directory shared by every host app on the
	// device. Created if missing. Required.
	SharedRoot string

	// AppID names this app's subdirectory. Required; must not start
	// with a dot or contain a path separator.
	AppID string

	// Logger defaults to discarding.
	Logger *slog.Logger
}

type subscription struct {
	id       uint64
	listener func(Control)
}

// Coordinator holds this process's view of the shared control. Safe
// for concurrent use.
type Coordinator struct {
	layout layout
	logger *slog.Logger

	// ready is closed when the initial determination finishes.
	ready chan struct{}

	// background tracks goroutines started by the coordinator so
	// that Close can wait for them.
	background sync.WaitGroup

	// readOwn reads this app's blocking sentinel for Refresh.
	readOwn func() (Control, error)

	mu      sync.Mutex
	control Control
	delayed bool

	// generation counts SaveControl calls; saving is nonzero while one
	// is persisting. A refresh that overlaps a save is discarded.
	generation uint64
	saving     int

	refreshing    bool
	pending       []func(Control)
	subscriptions []subscription
	nextID        uint64
}

// New creates the coordinator and starts the initial determination in
// the background.
func New(cfg Config) (*Coordinator, error) {
	if cfg.SharedRoot == "" {
		return nil, fmt.Errorf("globalcontrol: SharedRoot is required")
	}
	if err := validateAppID(cfg.AppID); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	coordinator := &Coordinator{
		layout:  layout{root: cfg.SharedRoot, appID: cfg.AppID},
		logger:  logger,
		ready:   make(chan struct{}),
		delayed: true,
	}
	coordinator.readOwn = func() (Control, error) {
		return coordinator.layout.readControl(coordinator.layout.appID)
	}
	if err := os.MkdirAll(coordinator.layout.appDirectory(cfg.AppID), directoryMode); err != nil {
		return nil, fmt.Errorf("globalcontrol: creating app directory: %w", err)
	}

	coordinator.background.Add(1)
	go func() {
		defer coordinator.background.Done()
		coordinator.initialize()
	}()
	return coordinator, nil
}

func validateAppID(appID string) error {
	if appID == "" {
		return fmt.Errorf("globalcontrol: AppID is required")
	}
	if appID[0] == '.' {
		return fmt.Errorf("globalcontrol: AppID %q must not start with a dot", appID)
	}
	for _, character := range appID {
		if character == '/' || character == os.PathSeparator {
			return fmt.Errorf("globalcontrol: AppID %q must not contain a path separator", appID)
		}
	}
	return nil
}

// initialize determines the starting control and announces presence.
// Subscribers are notified before ready is closed, so Wait returns only
// after they have seen the result. Held GetControl callbacks run after.
func (c *Coordinator) initialize() {
	control, source := c.determine()

	c.mu.Lock()
	changed := control != c.control
	c.control = control
	c.delayed = false
	pending := c.pending
	c.pending = nil
	listeners := c.listenersLocked()
	c.mu.Unlock()

	c.logger.Info("global control determined",
		"blocking", control.BlockingEventCollection,
		"source", source,
	)
	if changed {
		notify(listeners, control)
	}
	close(c.ready)
	for _, callback := range pending {
		callback(control)
	}
}

// determine runs the three-step lookup under the writer lock. Errors
// fall through to the next step; the worst case is the non-blocking
// default.
func (c *Coordinator) determine() (Control, string) {
	unlock, err := c.layout.lock()
	if err != nil {
		c.logger.Warn("global control lock unavailable", "error", err)
	} else {
		defer unlock()
	}

	self := c.layout.appID
	if _, err := os.Stat(c.layout.presencePath(self)); err == nil {
		control, err := c.layout.readControl(self)
		if err == nil {
			return control, "self"
		}
		c.logger.Warn("reading own global control failed", "error", err)
	}

	control, source := Control{}, "default"
	siblings, err := c.layout.siblings()
	if err != nil {
		c.logger.Warn("scanning sibling apps failed", "error", err)
	}
	for _, sibling := range siblings {
		siblingControl, err := c.layout.readControl(sibling)
		if err != nil {
			c.logger.Debug("sibling control unreadable", "app", sibling, "error", err)
			continue
		}
		control, source = siblingControl, "sibling:"+sibling
		break
	}

	if err := c.layout.writeControl(self, control); err != nil {
		c.logger.Warn("persisting global control failed", "error", err)
	}
	if err := c.layout.announce(); err != nil {
		c.logger.Warn("announcing presence failed", "error", err)
	}
	return control, source
}

// IsDelayed reports whether the initial determination is still in
// flight.
func (c *Coordinator) IsDelayed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delayed
}

// Snapshot returns the in-memory control and whether it is still
// delayed. While delayed the control is the non-blocking default.
func (c *Coordinator) Snapshot() (Control, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.control, c.delayed
}

// Wait blocks until the initial determination finishes or ctx ends.
func (c *Coordinator) Wait(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetControl delivers the control to callback exactly once, always on
// another goroutine. While the initial determination is in flight the
// callback is held until it finishes.
func (c *Coordinator) GetControl(callback func(Control)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.delayed {
		c.pending = append(c.pending, callback)
		return
	}
	control := c.control
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		callback(control)
	}()
}

// Subscribe registers listener for every change of the control and
// returns a function that removes it. Listeners run on the goroutine
// that observed the change and must not block or call Wait or
// SaveControl.
func (c *Coordinator) Subscribe(listener func(Control)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.subscriptions = append(c.subscriptions, subscription{id: id, listener: listener})

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, existing := range c.subscriptions {
				if existing.id == id {
					c.subscriptions = append(c.subscriptions[:i:i], c.subscriptions[i+1:]...)
					return
				}
			}
		})
	}
}

func (c *Coordinator) listenersLocked() []func(Control) {
	listeners := make([]func(Control), len(c.subscriptions))
	for i, existing := range c.subscriptions {
		listeners[i] = existing.listener
	}
	return listeners
}

func notify(listeners []func(Control), control Control) {
	for _, listener := range listeners {
		listener(control)
	}
}

// Refresh re-reads this app's blocking sentinel in the background and
// notifies subscribers if it changed. A call while a refresh, a save
// or the initial determination is in flight does nothing, and a read
// that a SaveControl overtook is discarded.
func (c *Coordinator) Refresh() {
	c.mu.Lock()
	if c.refreshing || c.delayed || c.saving > 0 {
		c.mu.Unlock()
		return
	}
	c.refreshing = true
	generation := c.generation
	c.background.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.background.Done()
		control, err := c.readOwn()

		c.mu.Lock()
		c.refreshing = false
		if err != nil {
			c.mu.Unlock()
			c.logger.Warn("refreshing global control failed", "error", err)
			return
		}
		if generation != c.generation {
			c.mu.Unlock()
			c.logger.Debug("discarding global control refresh overtaken by a save")
			return
		}
		if control == c.control {
			c.mu.Unlock()
			return
		}
		c.control = control
		listeners := c.listenersLocked()
		c.mu.Unlock()

		c.logger.Info("global control changed by another app",
			"blocking", control.BlockingEventCollection)
		notify(listeners, control)
	}()
}

// SaveControl changes the control for every app on the device. It
// waits for the initial determination, then, if control differs from
// the current value, persists it for this app and every announced
// sibling and notifies subscribers. Failures to write a sibling's
// sentinel are logged and skipped; a failure to write this app's own
// sentinel is returned after the in-memory value and subscribers have
// been updated.
func (c *Coordinator) SaveControl(ctx context.Context, control Control) error {
	if err := c.Wait(ctx); err != nil {
		return fmt.Errorf("globalcontrol: save: %w", err)
	}

	c.mu.Lock()
	if control == c.control {
		c.mu.Unlock()
		return nil
	}
	c.control = control
	c.generation++
	c.saving++
	listeners := c.listenersLocked()
	c.mu.Unlock()

	persistErr := c.persist(control)
	c.mu.Lock()
	c.saving--
	c.mu.Unlock()
	c.logger.Info("global control saved", "blocking", control.BlockingEventCollection)
	notify(listeners, control)
	return persistErr
}

func (c *Coordinator) persist(control Control) error {
	unlock, err := c.layout.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := c.layout.writeControl(c.layout.appID, control); err != nil {
		return fmt.Errorf("globalcontrol: persisting control: %w", err)
	}
	siblings, err := c.layout.siblings()
	if err != nil {
		c.logger.Warn("scanning sibling apps failed", "error", err)
		return nil
	}
	for _, sibling := range siblings {
		if err := c.layout.writeControl(sibling, control); err != nil {
			c.logger.Warn("propagating global control failed", "app", sibling, "error", err)
		}
	}
	return nil
}

// Close waits for background work started by the coordinator,
// including GetControl callbacks, to finish.
func (c *Coordinator) Close() {
	c.background.Wait()
}
