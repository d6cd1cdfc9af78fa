// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mockcollector is an in-memory stand-in for the collection
// service. It serves the policy document and accepts uploads exactly
// as the SDK sends them, decoding zstd and lz4 bodies, and keeps every
// envelope for inspection.
//
// The handler exposes three routes:
//
//   - GET /policy returns the configured policy document
//   - POST /upload decodes and stores an upload envelope
//   - GET /status returns counters as JSON
//
// Tests embed it with httptest; cmd/beacon-mock-collector serves it
// on a TCP port for manual runs.
package mockcollector
