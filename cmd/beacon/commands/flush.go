// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/beacon/cmd/beacon/cli"
	"github.com/bureau-foundation/beacon/lib/collector"
)

type drainResult struct {
	Uploaded int64 `json:"uploaded"`
	Stored   int   `json:"stored"`
}

func flushCommand(ctx context.Context, stdout io.Writer) *cli.Command {
	var (
		session sessionFlags
		output  cli.JSONOutput
	)
	return &cli.Command{
		Name:    "flush",
		Summary: "Run one upload cycle now",
		Description: `Upload one batch of stored events, ignoring the upload cooldown.

At most one batch (upload.max_batch_size events) is sent. Use
"beacon drain" to empty the store.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("flush", pflag.ContinueOnError)
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
				before := opened.Stats()
				select {
				case <-opened.Flush():
				case <-ctx.Done():
					return ctx.Err()
				}
				after := opened.Stats()
				if after.UploadFailures > before.UploadFailures {
					return fmt.Errorf("upload failed, events remain stored")
				}
				return emitDrainResult(ctx, stdout, &output, opened, after.Uploaded-before.Uploaded)
			})
		},
	}
}

func drainCommand(ctx context.Context, stdout io.Writer) *cli.Command {
	var (
		session sessionFlags
		output  cli.JSONOutput
		timeout time.Duration
	)
	return &cli.Command{
		Name:    "drain",
		Summary: "Upload every stored event",
		Description: `Upload stored events batch by batch until the store is empty or an
upload fails. Events recorded by other processes while draining may
also be uploaded.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("drain", pflag.ContinueOnError)
			session.addFlags(flagSet)
			output.AddFlag(flagSet)
			flagSet.DurationVar(&timeout, "timeout", 2*time.Minute, "give up after this long")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			return session.withCollector(ctx, func(opened *collector.Collector) error {
				drainContext, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				uploaded, err := opened.Drain(drainContext)
				if err != nil {
					return fmt.Errorf("uploaded %d events before failing: %w", uploaded, err)
				}
				return emitDrainResult(ctx, stdout, &output, opened, uploaded)
			})
		},
	}
}

func emitDrainResult(ctx context.Context, stdout io.Writer, output *cli.JSONOutput, opened *collector.Collector, uploaded int64) error {
	status, err := opened.Status(ctx)
	if err != nil {
		return err
	}
	result := drainResult{Uploaded: uploaded, Stored: status.Stored}
	if done, err := output.EmitJSON(stdout, result); done {
		return err
	}
	fmt.Fprintf(stdout, "uploaded %d events, %d remain stored\n", result.Uploaded, result.Stored)
	return nil
}
