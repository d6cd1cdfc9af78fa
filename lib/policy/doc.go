// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy fetches, caches and applies the collector's privacy
// policy to batches of stored events before they are uploaded.
//
// A [Policy] carries four server-controlled rules: a blacklist of
// field names to strip, an optional salt for hashing the device id, a
// blackout deadline before which nothing may be transmitted, and an
// optional session-timeout override for the host app.
//
// The [Enforcer] obtains a policy in this order: the in-memory copy
// if it is younger than the TTL, then the on-disk cache if it is
// younger than the TTL, then the network. [Enforcer.Invalidate] skips
// both caches on the next attempt. A successful fetch is cached to
// disk verbatim, wrapped in a small CBOR envelope that records when it
// was fetched.
//
// Blackout is checked against the previously saved policy before any
// fetch is attempted, regardless of the saved policy's age. An
// unreachable collector therefore never lets events slip out during a
// blackout the device already knows about.
//
// When no policy can be obtained at all, [Enforcer.Enforce] returns
// [ErrPolicyUnavailable] and the caller must keep the batch for a
// later attempt.
package policy
