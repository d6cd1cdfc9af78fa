// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the beacon CLI command tree.
//
// Every command that touches the pipeline opens a [collector.Collector]
// from the configuration file named by --config (or BEACON_CONFIG),
// does its work, and closes it again. The CLI therefore shares the
// event database, policy cache, and opt-out decision with any host app
// configured with the same paths.
package commands
