// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package event defines the measurement record that flows through the
// beacon pipeline.
//
// An [Event] is an ordered set of fields. Each field value is a JSON
// scalar (string, number, boolean or null) held as encoded JSON text,
// which is also how the durable store persists it and how the uploader
// emits it. Field order is preserved end to end.
//
// Every event has a [Kind]. Kinds carry three upload-scheduling
// traits, looked up in a fixed table rather than attached through
// types:
//
//   - ForceUpload: the queue attempts an upload on the drain cycle that
//     sees the event, ignoring the time-based cooldown.
//   - PausesUpload: uploads are suspended after this event until a
//     resuming event arrives (the host app went to the background).
//   - ResumesUpload: lifts a suspension.
//
// Events are built in two phases. A [Draft] collects fields and may
// mark the device-id field as pending with [Draft.WithDeviceID]; the
// real device id is never computed on the caller's goroutine. Build
// freezes the draft into an immutable Event. The pending device id is
// persisted as an empty string and resolved by the policy enforcer
// just before upload, when the salt for hashing it is known.
package event
