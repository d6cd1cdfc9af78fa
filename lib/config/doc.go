// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for beacon
// collectors and tools.
//
// Configuration is loaded from a single file specified by either the
// BEACON_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override base values when
// [Config].Environment matches. Without a production section,
// production compresses uploads with zstd and uses a longer upload
// cooldown.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${BEACON_ROOT}, and ${VAR:-default} patterns are expanded.
//
// Durations are kept as strings in the file and read through accessor
// methods such as [Config.UploadCooldown], which fall back to the
// package defaults when a field is empty. [Config.Validate] reports
// every problem at once.
//
// This package depends on no other beacon packages.
package config
