// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with code 1. This is
// the standard beacon binary entrypoint error handler. Use it in main()
// for errors from run() where the structured logger may not be
// initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// ExitCoder is implemented by errors that carry their own exit code.
// The command that returned one has already written its output.
type ExitCoder interface {
	ExitCode() int
}

// Exit terminates the process for err returned from run(): nothing
// for nil, the carried code for an [ExitCoder], and [Fatal] otherwise.
func Exit(err error) {
	if err == nil {
		return
	}
	var coder ExitCoder
	if errors.As(err, &coder) {
		os.Exit(coder.ExitCode())
	}
	Fatal(err)
}
