// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"io"

	"github.com/bureau-foundation/beacon/cmd/beacon/cli"
	"github.com/bureau-foundation/beacon/lib/version"
)

// Root builds the beacon command tree. Commands run under ctx and
// write their results to stdout; logs go to stderr.
func Root(ctx context.Context, stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name: "beacon",
		Description: `Beacon: client-side telemetry pipeline.

Record events into the local store, upload them to the collection
service under its policy, and manage the device-wide opt-out. The
configuration file is read from --config or $BEACON_CONFIG.`,
		Subcommands: []*cli.Command{
			recordCommand(ctx, stdout),
			flushCommand(ctx, stdout),
			drainCommand(ctx, stdout),
			statusCommand(ctx, stdout),
			optOutCommand(ctx, stdout),
			policyCommand(ctx, stdout),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					version.Fprint(stdout, "beacon")
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Record an app event",
				Command:     "beacon record app --field screen=home",
			},
			{
				Description: "See what is waiting to be uploaded",
				Command:     "beacon status",
			},
			{
				Description: "Upload everything now",
				Command:     "beacon drain",
			},
			{
				Description: "Point at a local mock collector",
				Command:     "BEACON_CONFIG=./beacon-dev.yaml beacon flush",
			},
		},
	}
}
