// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the small command framework behind the beacon CLI:
// a tree of [Command] values dispatched by name, pflag flag sets
// parsed per command, typo suggestions for unknown commands and
// flags, and the logger and JSON output helpers shared by every
// command.
package cli
