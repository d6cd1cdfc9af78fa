// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides beacon's CBOR encoding configuration for
// on-disk state.
//
// beacon keeps a clear format boundary. JSON is used for everything
// that crosses the network or is stored verbatim for the collection
// server (upload envelopes, policy documents). CBOR is used for the
// SDK's own private state files, such as the policy cache envelope
// that pairs the verbatim policy document with its fetch time.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same value always produces the same bytes. Unknown fields are
// ignored on decode, which lets a newer SDK read state written by an
// older one.
//
// Types in this package's domain use `cbor` struct tags only; they are
// never marshaled to JSON.
package codec
