// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bureau-foundation/beacon/cmd/beacon/commands"
	"github.com/bureau-foundation/beacon/lib/process"
)

func main() {
	// Commands that print their own output (like opt-out --check)
	// return an error carrying the exit code; process.Exit does not
	// print a redundant "error:" line for those.
	process.Exit(run())
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return commands.Root(ctx, os.Stdout).Execute(os.Args[1:])
}
