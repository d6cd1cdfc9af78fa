// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/bureau-foundation/beacon/lib/policy"
	"github.com/bureau-foundation/beacon/lib/queue"
)

// Status is a point-in-time view of the pipeline. Gathering it never
// touches the network.
type Status struct {
	OptedOut bool

	// ControlDetermined is false until the shared control has been
	// read at startup; OptedOut is meaningless before then.
	ControlDetermined bool

	// Stored is the number of events in the durable store.
	Stored int

	Queue queue.Stats

	// PolicyKnown reports whether a policy has ever been fetched.
	// Policy and PolicyFetchedAt are zero otherwise.
	PolicyKnown     bool
	Policy          policy.Policy
	PolicyFetchedAt time.Time
	InBlackout      bool
}

// Status gathers the current Status.
func (c *Collector) Status(ctx context.Context) (Status, error) {
	control, delayed := c.coordinator.Snapshot()
	stored, err := c.store.Count(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("collector: status: %w", err)
	}
	saved, fetchedAt, known := c.enforcer.Saved()
	return Status{
		OptedOut:          control.BlockingEventCollection,
		ControlDetermined: !delayed,
		Stored:            stored,
		Queue:             c.queue.Stats(),
		PolicyKnown:       known,
		Policy:            saved,
		PolicyFetchedAt:   fetchedAt,
		InBlackout:        known && saved.InBlackout(c.clock.Now()),
	}, nil
}
