// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/beacon/cmd/beacon/cli"
	"github.com/bureau-foundation/beacon/lib/collector"
	"github.com/bureau-foundation/beacon/lib/policy"
)

type statusResult struct {
	OptedOut          bool          `json:"opted_out"`
	ControlDetermined bool          `json:"control_determined"`
	Stored            int           `json:"stored"`
	Policy            *policyResult `json:"policy,omitempty"`
	InBlackout        bool          `json:"in_blackout"`
}

type policyResult struct {
	Source                string    `json:"source,omitempty"`
	FetchedAt             time.Time `json:"fetched_at,omitzero"`
	Blacklist             []string  `json:"blacklist"`
	Salted                bool      `json:"salted"`
	BlackoutUntil         time.Time `json:"blackout_until,omitzero"`
	SessionTimeoutSeconds int64     `json:"session_timeout_seconds,omitempty"`
}

func newPolicyResult(current policy.Policy) *policyResult {
	blacklist := make([]string, 0, len(current.Blacklist))
	for name := range current.Blacklist {
		blacklist = append(blacklist, name)
	}
	sort.Strings(blacklist)
	return &policyResult{
		Blacklist:             blacklist,
		Salted:                current.Salt != "",
		BlackoutUntil:         current.BlackoutUntil,
		SessionTimeoutSeconds: int64(current.SessionTimeout / time.Second),
	}
}

func statusCommand(ctx context.Context, stdout io.Writer) *cli.Command {
	var (
		session sessionFlags
		output  cli.JSONOutput
	)
	return &cli.Command{
		Name:    "status",
		Summary: "Show the stored backlog, opt-out state, and saved policy",
		Description: `Show the local pipeline state without contacting the collection
service: how many events are stored, whether collection is opted out,
and the policy saved from the last fetch.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			session.addFlags(flagSet)
			output.AddFlag(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			return session.withCollector(ctx, func(opened *collector.Collector) error {
				if err := opened.Ready(ctx); err != nil {
					return err
				}
				status, err := opened.Status(ctx)
				if err != nil {
					return err
				}
				result := statusResult{
					OptedOut:          status.OptedOut,
					ControlDetermined: status.ControlDetermined,
					Stored:            status.Stored,
					InBlackout:        status.InBlackout,
				}
				if status.PolicyKnown {
					result.Policy = newPolicyResult(status.Policy)
					result.Policy.FetchedAt = status.PolicyFetchedAt
				}
				if done, err := output.EmitJSON(stdout, result); done {
					return err
				}

				writer := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintf(writer, "stored events:\t%d\n", result.Stored)
				fmt.Fprintf(writer, "opted out:\t%v\n", result.OptedOut)
				if result.Policy == nil {
					fmt.Fprintf(writer, "policy:\tnever fetched\n")
				} else {
					writePolicy(writer, result.Policy)
					fmt.Fprintf(writer, "in blackout:\t%v\n", result.InBlackout)
				}
				return writer.Flush()
			})
		},
	}
}

func writePolicy(writer io.Writer, result *policyResult) {
	if result.Source != "" {
		fmt.Fprintf(writer, "policy source:\t%s\n", result.Source)
	}
	if !result.FetchedAt.IsZero() {
		fmt.Fprintf(writer, "policy fetched:\t%s\n", result.FetchedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(writer, "blacklist:\t%v\n", result.Blacklist)
	fmt.Fprintf(writer, "salted:\t%v\n", result.Salted)
	if !result.BlackoutUntil.IsZero() {
		fmt.Fprintf(writer, "blackout until:\t%s\n", result.BlackoutUntil.Format(time.RFC3339))
	}
	if result.SessionTimeoutSeconds > 0 {
		fmt.Fprintf(writer, "session timeout:\t%ds\n", result.SessionTimeoutSeconds)
	}
}
