// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/beacon/lib/clock"
	"github.com/bureau-foundation/beacon/lib/event"
)

// DefaultTTL is how long an obtained policy is used before it is
// fetched again.
const DefaultTTL = 30 * time.Minute

// ErrPolicyUnavailable is returned by Enforce when no policy could be
// obtained from memory, the disk cache or the network. The batch was
// not enforced and must be retried later.
var ErrPolicyUnavailable = errors.New("policy: no policy available")

// Source says where an obtained policy came from.
type Source int

const (
	SourceMemory Source = iota
	SourceCache
	SourceNetwork
)

func (s Source) String() string {
	switch s {
	case SourceMemory:
		return "memory"
	case SourceCache:
		return "cache"
	case SourceNetwork:
		return "network"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// Config holds the parameters for creating an Enforcer.
type Config struct {
	// Fetcher retrieves the policy document from the collector.
	// Required.
	Fetcher Fetcher

	// CachePath is where the last fetched document is kept. Empty
	// disables the disk cache.
	CachePath string

	// TTL is the age after which a policy is refetched. Defaults to
	// DefaultTTL.
	TTL time.Duration

	// DeviceID supplies the device id for hashing. Nil means no
	// device id is available, and pending device-id fields are
	// removed.
	DeviceID DeviceIDSource

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to discarding.
	Logger *slog.Logger
}

// saved is a policy together with the time it was fetched.
type saved struct {
	policy    Policy
	fetchedAt time.Time
}

// Enforcer obtains the policy and applies it to batches. Safe for
// concurrent use, though the queue calls Enforce from its single
// worker.
type Enforcer struct {
	fetcher  Fetcher
	cache    Cache
	ttl      time.Duration
	deviceID DeviceIDSource
	clock    clock.Clock
	logger   *slog.Logger

	mu          sync.Mutex
	current     *saved
	invalidated bool
}

// NewEnforcer creates an Enforcer. No I/O happens until the first
// call that needs a policy.
func NewEnforcer(cfg Config) (*Enforcer, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("policy: Fetcher is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Enforcer{
		fetcher:  cfg.Fetcher,
		cache:    NewCache(cfg.CachePath),
		ttl:      ttl,
		deviceID: cfg.DeviceID,
		clock:    clk,
		logger:   logger,
	}, nil
}

// Enforce applies the policy to batch and returns the records that may
// be uploaded. During a blackout the result is empty and the error is
// nil: the records are to be discarded, not retried. When no policy
// can be obtained the error wraps ErrPolicyUnavailable and the records
// must be kept.
//
// Enforcement strips blacklisted fields, resolves pending device-id
// fields to the salted hash (or removes them when no device id is
// available) and drops records left without fields. Records passed in
// are not modified. Enforcing an already-enforced batch returns it
// unchanged.
func (e *Enforcer) Enforce(ctx context.Context, batch []event.Record) ([]event.Record, error) {
	now := e.clock.Now()

	if previous, ok := e.loadSaved(); ok && previous.policy.InBlackout(now) {
		e.logger.Info("policy blackout active, discarding batch",
			"events", len(batch),
			"until", previous.policy.BlackoutUntil,
		)
		return nil, nil
	}

	current, source, err := e.Obtain(ctx)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("policy obtained", "source", source.String())

	if current.InBlackout(now) {
		e.logger.Info("policy blackout active, discarding batch",
			"events", len(batch),
			"until", current.BlackoutUntil,
		)
		return nil, nil
	}
	return e.apply(ctx, current, batch), nil
}

func (e *Enforcer) apply(ctx context.Context, current Policy, batch []event.Record) []event.Record {
	var (
		deviceHash     string
		deviceResolved bool
		dropped        int
	)
	result := make([]event.Record, 0, len(batch))
	for _, record := range batch {
		enforced := record.Event.Without(current.Blacklist)
		if enforced.DeviceIDPending() {
			if !deviceResolved {
				deviceHash = e.hashDeviceID(ctx, current.Salt)
				deviceResolved = true
			}
			enforced = enforced.ResolveDeviceID(deviceHash)
		}
		if enforced.Len() == 0 {
			dropped++
			continue
		}
		result = append(result, event.Record{ID: record.ID, Event: enforced})
	}
	if dropped > 0 {
		e.logger.Debug("dropped events emptied by policy", "dropped", dropped)
	}
	return result
}

// hashDeviceID returns the salted device hash, or "" when no device id
// is available.
func (e *Enforcer) hashDeviceID(ctx context.Context, salt string) string {
	if e.deviceID == nil {
		return ""
	}
	deviceID, err := e.deviceID.DeviceID(ctx)
	if err != nil {
		e.logger.Warn("device id unavailable", "error", err)
		return ""
	}
	if deviceID == "" {
		return ""
	}
	return HashDeviceID(deviceID, salt)
}

// Obtain returns the current policy without applying it: the
// in-memory copy or the disk cache if younger than the TTL and not
// invalidated, otherwise a fresh fetch.
func (e *Enforcer) Obtain(ctx context.Context) (Policy, Source, error) {
	now := e.clock.Now()

	e.mu.Lock()
	invalidated := e.invalidated
	if !invalidated && e.current != nil && e.fresh(e.current.fetchedAt, now) {
		current := e.current.policy
		e.mu.Unlock()
		return current, SourceMemory, nil
	}
	e.mu.Unlock()

	if !invalidated {
		if cached, ok := e.loadCache(); ok && e.fresh(cached.fetchedAt, now) {
			e.mu.Lock()
			e.current = &cached
			e.mu.Unlock()
			return cached.policy, SourceCache, nil
		}
	}

	raw, err := e.fetcher.Fetch(ctx)
	if err != nil {
		e.logger.Warn("policy fetch failed", "error", err)
		return Policy{}, 0, fmt.Errorf("%w: %w", ErrPolicyUnavailable, err)
	}
	fetched, err := Parse(raw)
	if err != nil {
		e.logger.Warn("policy document rejected", "error", err)
		return Policy{}, 0, fmt.Errorf("%w: %w", ErrPolicyUnavailable, err)
	}

	e.mu.Lock()
	e.current = &saved{policy: fetched, fetchedAt: now}
	e.invalidated = false
	e.mu.Unlock()

	if err := e.cache.Save(raw, now); err != nil {
		e.logger.Warn("caching policy failed", "error", err)
	}
	e.logger.Info("policy fetched",
		"blacklist", len(fetched.Blacklist),
		"salted", fetched.Salt != "",
		"blackout_until", fetched.BlackoutUntil,
	)
	return fetched, SourceNetwork, nil
}

// fresh reports whether a policy fetched at fetchedAt is within the
// TTL at now. A fetch time in the future (clock moved backwards) is
// treated as stale.
func (e *Enforcer) fresh(fetchedAt, now time.Time) bool {
	age := now.Sub(fetchedAt)
	return age >= 0 && age < e.ttl
}

// loadSaved returns the most recently saved policy regardless of age:
// the in-memory copy, else the disk cache.
func (e *Enforcer) loadSaved() (saved, bool) {
	e.mu.Lock()
	if e.current != nil {
		current := *e.current
		e.mu.Unlock()
		return current, true
	}
	e.mu.Unlock()

	cached, ok := e.loadCache()
	if !ok {
		return saved{}, false
	}
	e.mu.Lock()
	if e.current == nil {
		e.current = &cached
	}
	e.mu.Unlock()
	return cached, true
}

func (e *Enforcer) loadCache() (saved, bool) {
	raw, fetchedAt, err := e.cache.Load()
	if err != nil {
		if !isMissing(err) {
			e.logger.Warn("policy cache unreadable", "error", err)
		}
		return saved{}, false
	}
	cached, err := Parse(raw)
	if err != nil {
		e.logger.Warn("cached policy unparseable", "error", err)
		return saved{}, false
	}
	return saved{policy: cached, fetchedAt: fetchedAt}, true
}

// InBlackout reports whether the saved policy (memory, else disk
// cache, regardless of age) is in blackout now. It never touches the
// network.
func (e *Enforcer) InBlackout() bool {
	previous, ok := e.loadSaved()
	return ok && previous.policy.InBlackout(e.clock.Now())
}

// Invalidate forces the next Enforce or Obtain to fetch from the
// network.
func (e *Enforcer) Invalidate() {
	e.mu.Lock()
	e.invalidated = true
	e.mu.Unlock()
}

// SessionTimeout returns the saved policy's session-timeout override.
func (e *Enforcer) SessionTimeout() (time.Duration, bool) {
	previous, ok := e.loadSaved()
	if !ok || previous.policy.SessionTimeout <= 0 {
		return 0, false
	}
	return previous.policy.SessionTimeout, true
}

// Saved returns the saved policy and when it was fetched, without
// touching the network.
func (e *Enforcer) Saved() (Policy, time.Time, bool) {
	previous, ok := e.loadSaved()
	return previous.policy, previous.fetchedAt, ok
}
