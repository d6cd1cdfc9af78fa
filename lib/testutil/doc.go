// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for beacon packages.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// safety valve so a broken test fails instead of hanging. [Eventually]
// polls a condition for asynchronous effects that have no channel to
// wait on, such as a background goroutine writing a sentinel file.
// These helpers are the only place tests use the real wall clock;
// everything else runs on clock.Fake.
//
// [UniqueID] generates distinct identifiers (app ids, field values)
// without reading the time.
//
// All helpers call t.Fatalf on failure.
package testutil
