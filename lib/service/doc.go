// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the HTTP serving scaffolding shared by
// beacon's long-running binaries.
//
// [HTTPServer] owns the listener lifecycle: Serve binds, signals
// readiness, and on context cancellation drains in-flight requests
// before returning. [LogRequests] wraps a handler with one structured
// log line per request. The caller provides routing and request
// handling.
package service
