// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/beacon/cmd/beacon/cli"
	"github.com/bureau-foundation/beacon/lib/collector"
	"github.com/bureau-foundation/beacon/lib/event"
)

type recordResult struct {
	Kind     string `json:"kind"`
	Fields   int    `json:"fields"`
	Flushed  bool   `json:"flushed"`
	Uploaded int64  `json:"uploaded"`
}

func recordCommand(ctx context.Context, stdout io.Writer) *cli.Command {
	var (
		session      sessionFlags
		output       cli.JSONOutput
		fields       []string
		withDeviceID bool
		flush        bool
	)
	return &cli.Command{
		Name:    "record",
		Summary: "Record one event",
		Description: `Record one event of the given kind into the local store.

Field values that parse as a JSON scalar (numbers, true, false, or a
quoted string) are recorded as that value; anything else is recorded
as a string. The event is written before the command exits and is
uploaded on the next upload cycle, or immediately with --flush.`,
		Usage: "beacon record <kind> [--field name=value]... [flags]",
		Examples: []cli.Example{
			{
				Description: "Record a screen view",
				Command:     "beacon record app --field screen=home --field load_ms=412",
			},
			{
				Description: "Start a session and upload right away",
				Command:     "beacon record begin_session --device-id $(cat /etc/machine-id) --with-device-id --flush",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("record", pflag.ContinueOnError)
			session.addFlags(flagSet)
			output.AddFlag(flagSet)
			flagSet.StringArrayVarP(&fields, "field", "f", nil, "event field as name=value (repeatable)")
			flagSet.BoolVar(&withDeviceID, "with-device-id", false, "attach the hashed device id")
			flagSet.BoolVar(&flush, "flush", false, "upload before exiting, ignoring the cooldown")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: beacon record <kind> (kinds: %s)", kindNames())
			}
			kind, err := event.ParseKind(args[0])
			if err != nil {
				return fmt.Errorf("%w (kinds: %s)", err, kindNames())
			}

			return session.withCollector(ctx, func(opened *collector.Collector) error {
				draft := opened.NewEvent(kind)
				for _, field := range fields {
					name, value, ok := strings.Cut(field, "=")
					if !ok {
						return fmt.Errorf("--field %q: want name=value", field)
					}
					addField(draft, name, value)
				}
				if withDeviceID {
					draft.WithDeviceID()
				}
				built, err := draft.Build()
				if err != nil {
					return err
				}

				// Wait for the opt-out decision so that an event recorded
				// while opted out is discarded rather than written.
				if err := opened.Ready(ctx); err != nil {
					return err
				}
				before := opened.Stats()
				opened.Record(built)
				result := recordResult{Kind: kind.String(), Fields: len(fields)}
				if flush {
					select {
					case <-opened.Flush():
					case <-ctx.Done():
						return ctx.Err()
					}
					result.Flushed = true
					result.Uploaded = opened.Stats().Uploaded - before.Uploaded
				}

				if done, err := output.EmitJSON(stdout, result); done {
					return err
				}
				fmt.Fprintf(stdout, "recorded %s event (%d fields)\n", result.Kind, result.Fields)
				if result.Flushed {
					fmt.Fprintf(stdout, "uploaded %d events\n", result.Uploaded)
				}
				return nil
			})
		},
	}
}

// addField records value as a JSON scalar when it is one, and as a
// string otherwise.
func addField(draft *event.Draft, name, value string) {
	trimmed := bytes.TrimSpace([]byte(value))
	if len(trimmed) > 0 && trimmed[0] != '{' && trimmed[0] != '[' && string(trimmed) != "null" && json.Valid(trimmed) {
		draft.Raw(name, json.RawMessage(trimmed))
		return
	}
	draft.String(name, value)
}

func kindNames() string {
	var names []string
	for _, kind := range event.Kinds() {
		if kind == event.Generic {
			continue
		}
		names = append(names, kind.String())
	}
	return strings.Join(names, ", ")
}
