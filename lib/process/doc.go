// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for beacon
// binaries. These functions centralize the two legitimate raw I/O
// patterns that exist before or after the structured logger:
//
//   - Fatal error reporting to stderr when the logger may not be
//     initialized (pre-logger).
//   - Process exit after an unrecoverable error in main(), or with
//     the code carried by an error whose output was already written.
//
// Library code never writes to stdout or stderr directly. This package
// and lib/version are the only exceptions outside cmd/beacon.
package process
