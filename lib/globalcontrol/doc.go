// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package globalcontrol keeps the device-wide opt-out decision that
// every host app embedding beacon must agree on.
//
// There is no privileged service to ask. Instead, apps share a
// directory with a fixed layout:
//
//	<SharedRoot>/.lock             flock(2) lock held while writing sentinels
//	<SharedRoot>/<appID>/presence  empty file: this app has announced itself
//	<SharedRoot>/<appID>/blocking  one byte: '1' blocking, '0' or empty not
//
// A new [Coordinator] determines its starting value in the background:
// its own blocking file if it announced presence before, otherwise the
// blocking file of the first sibling that has, otherwise not blocking.
// It then announces its own presence. Until that finishes the value is
// "delayed": [Coordinator.Snapshot] reports it, and
// [Coordinator.GetControl] callbacks are held and run once it is known.
//
// [Coordinator.SaveControl] is the only way the value changes
// locally. It writes this app's blocking file and every announced
// sibling's, under the lock, and then notifies subscribers. Other apps
// pick the change up on their next [Coordinator.Refresh].
package globalcontrol
