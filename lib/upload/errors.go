// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import "fmt"

// UnreachableError reports that the request got no response: DNS,
// connection, TLS or timeout failures.
type UnreachableError struct {
	Endpoint string
	Err      error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("upload: collector %s unreachable: %v", e.Endpoint, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// RejectedError reports a non-2xx response.
type RejectedError struct {
	Endpoint string
	Status   int
	// Body is the start of the response body, for logs.
	Body string
}

func (e *RejectedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upload: collector %s rejected batch: status %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("upload: collector %s rejected batch: status %d: %s", e.Endpoint, e.Status, e.Body)
}
