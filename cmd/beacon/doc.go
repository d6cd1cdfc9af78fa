// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Beacon is the command-line front end to the telemetry pipeline. It
// records events, runs upload cycles, and inspects or changes the
// opt-out and policy state for one configured app.
//
// Run "beacon --help" for the command list.
package main
