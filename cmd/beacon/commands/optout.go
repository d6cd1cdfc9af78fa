// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/beacon/cmd/beacon/cli"
	"github.com/bureau-foundation/beacon/lib/collector"
)

type optOutResult struct {
	OptedOut bool `json:"opted_out"`
}

func optOutCommand(ctx context.Context, stdout io.Writer) *cli.Command {
	var (
		session sessionFlags
		output  cli.JSONOutput
		check   bool
	)
	return &cli.Command{
		Name:    "opt-out",
		Summary: "Show or change the device-wide opt-out",
		Description: `Show or change whether event collection is blocked.

The decision is shared by every app using the same shared root. Opting
out wipes stored events in this app immediately and in other running
apps on their next control refresh. Opting back in does not restore
wiped events.`,
		Usage: "beacon opt-out [on|off] [flags]",
		Examples: []cli.Example{
			{
				Description: "Stop collection on this device",
				Command:     "beacon opt-out on",
			},
			{
				Description: "Fail a script step when collection is blocked",
				Command:     "beacon opt-out --check",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("opt-out", pflag.ContinueOnError)
			session.addFlags(flagSet)
			output.AddFlag(flagSet)
			flagSet.BoolVar(&check, "check", false, "exit with status 1 when opted out")
			return flagSet
		},
		Run: func(args []string) error {
			var change *bool
			switch {
			case len(args) == 0:
			case len(args) == 1 && args[0] == "on":
				change = new(bool)
				*change = true
			case len(args) == 1 && args[0] == "off":
				change = new(bool)
			default:
				return fmt.Errorf("usage: beacon opt-out [on|off]")
			}

			return session.withCollector(ctx, func(opened *collector.Collector) error {
				if err := opened.Ready(ctx); err != nil {
					return err
				}
				if change != nil {
					if err := opened.SetOptOut(ctx, *change); err != nil {
						return err
					}
				}
				status, err := opened.Status(ctx)
				if err != nil {
					return err
				}

				result := optOutResult{OptedOut: status.OptedOut}
				if done, err := output.EmitJSON(stdout, result); !done {
					if result.OptedOut {
						fmt.Fprintln(stdout, "event collection is blocked")
					} else {
						fmt.Fprintln(stdout, "event collection is allowed")
					}
				} else if err != nil {
					return err
				}
				if check && result.OptedOut {
					return &cli.ExitError{Code: 1}
				}
				return nil
			})
		},
	}
}
