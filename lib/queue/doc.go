// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue moves events from the host app into the durable store
// and from the store to the collector.
//
// Producers call [Queue.Push], which appends to an unbounded in-memory
// slice and wakes the worker; it never blocks on I/O. A single worker
// goroutine owns the store and the upload path. Each drain cycle it:
//
//  1. takes everything pushed since the last cycle,
//  2. runs a pending wipe, then writes the batch to the store unless
//     the shared control is blocking or the saved policy is in
//     blackout (the batch is then dropped),
//  3. decides whether to upload: not while uploads are suspended by a
//     pause event, not while the control is blocking or still being
//     determined, and otherwise only when the batch contained a
//     force-upload event, the buffered count reached the threshold, or
//     the cooldown since the last attempt elapsed,
//  4. on upload, reads the oldest events, enforces the policy, sends
//     them and deletes them from the store once acknowledged,
//  5. records whether the batch left uploads paused or resumed.
//
// The cooldown deadline is advanced before the attempt, so bursts of
// force-upload events still produce at most one attempt per cooldown
// after the first. A successful upload pushes a Latency event that
// travels through the next cycle like any other.
//
// The worker wakes every drain interval, or immediately on Push. While
// uploads are suspended and nothing is queued it sleeps until the next
// Push. [Queue.Terminate] asks for one last drain and write, then the
// worker exits.
//
// Nothing a cycle encounters stops the worker. A corrupt store clears
// the in-memory queue and recreates the store; other errors and panics
// are logged and the next cycle runs as usual.
package queue
