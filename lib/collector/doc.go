// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package collector assembles the telemetry pipeline for one host app.
//
// [Open] builds and connects the pieces:
//
//   - an [eventstore.Store] holding events durably until acknowledged
//   - a [policy.Enforcer] fetching and applying the collection policy
//   - an [upload.Uploader] posting batches to the collection service
//   - a [globalcontrol.Coordinator] sharing the opt-out decision with
//     the other apps on the device
//   - a [queue.Queue] whose single worker drives all of the above
//
// Host code calls [Collector.Record] from any goroutine; it never
// blocks on disk or network. [Collector.SetOptOut] changes the shared
// decision; a transition into opted-out wipes stored events through a
// coordinator subscription registered by Open. [Collector.Close] runs
// one last drain and write before releasing the store.
//
// With [Options].MeterProvider set, the queue counters and opt-out
// state are also published as OpenTelemetry asynchronous instruments
// named beacon.*.
package collector
