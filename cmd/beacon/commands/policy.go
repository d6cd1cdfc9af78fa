// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/beacon/cmd/beacon/cli"
	"github.com/bureau-foundation/beacon/lib/collector"
)

func policyCommand(ctx context.Context, stdout io.Writer) *cli.Command {
	var (
		session sessionFlags
		output  cli.JSONOutput
		refresh bool
	)
	return &cli.Command{
		Name:    "policy",
		Summary: "Show the policy the next upload will use",
		Description: `Show the collection policy, fetching it when the saved copy is older
than policy.cache_ttl. With --refresh the policy is always refetched.
A failed fetch is an error; "beacon status" shows the saved copy
without contacting the service.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("policy", pflag.ContinueOnError)
			session.addFlags(flagSet)
			output.AddFlag(flagSet)
			flagSet.BoolVar(&refresh, "refresh", false, "refetch even if the saved policy is fresh")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			return session.withCollector(ctx, func(opened *collector.Collector) error {
				if refresh {
					opened.RefreshPolicy()
				}
				current, source, err := opened.Policy(ctx)
				if err != nil {
					return err
				}
				result := newPolicyResult(current)
				result.Source = source.String()
				if done, err := output.EmitJSON(stdout, result); done {
					return err
				}
				writer := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
				writePolicy(writer, result)
				return writer.Flush()
			})
		},
	}
}
