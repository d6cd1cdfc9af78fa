// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package upload serializes a batch of enforced events into one JSON
// envelope and posts it to the collector.
//
// The envelope's keys appear in a fixed order:
//
//	{"uplid": ..., "qcv": ..., "apikey"|"pcode": ..., "did": ..., "pkid": ..., "events": [...]}
//
// and each element of "events" is the event's fields as a JSON object
// in the order they were recorded. "did" is omitted when the metadata
// carries no device id.
//
// Every send is a single synchronous POST. Any 2xx status is success.
// Failures come back as [*UnreachableError] (the request never got a
// response) or [*RejectedError] (the collector answered with a non-2xx
// status). The distinction is for logs only; callers retry both the
// same way, and the batch stays in the durable store until a send
// succeeds.
//
// The body may be compressed with zstd or an LZ4 frame and is then
// labelled with the matching Content-Encoding. [Decompress] reverses
// it for the receiving side.
package upload
