// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Beacon-mock-collector is a stand-in for the collection service in
// local development and integration tests. It serves a fixed policy
// document, accepts uploads in every supported compression, keeps
// them in memory, and reports counts at GET /status.
//
// Point a beacon configuration at it with
//
//	upload:
//	  endpoint: http://127.0.0.1:8787/upload
//	policy:
//	  endpoint: http://127.0.0.1:8787/policy
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/beacon/lib/mockcollector"
	"github.com/bureau-foundation/beacon/lib/policy"
	"github.com/bureau-foundation/beacon/lib/process"
	"github.com/bureau-foundation/beacon/lib/service"
	"github.com/bureau-foundation/beacon/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

type options struct {
	listen       string
	policyFile   string
	uploadStatus int
	verbose      bool
	showVersion  bool
}

func parseOptions(args []string) (options, error) {
	var parsed options
	flagSet := pflag.NewFlagSet("beacon-mock-collector", pflag.ContinueOnError)
	flagSet.StringVar(&parsed.listen, "listen", "127.0.0.1:8787", "TCP address to listen on")
	flagSet.StringVar(&parsed.policyFile, "policy-file", "", "policy document served at GET /policy (default {})")
	flagSet.IntVar(&parsed.uploadStatus, "upload-status", http.StatusOK, "HTTP status returned for every upload")
	flagSet.BoolVarP(&parsed.verbose, "verbose", "v", false, "log every request")
	flagSet.BoolVar(&parsed.showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	if flagSet.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected argument %q", flagSet.Arg(0))
	}
	if parsed.uploadStatus < 100 || parsed.uploadStatus > 599 {
		return options{}, fmt.Errorf("--upload-status %d is not an HTTP status", parsed.uploadStatus)
	}
	return parsed, nil
}

// loadPolicy reads a policy document and checks that the SDK would
// accept it. The file is served verbatim, comments included.
func loadPolicy(path string) ([]byte, error) {
	document, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy: %w", err)
	}
	if _, err := policy.Parse(document); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return document, nil
}

func run(args []string) error {
	parsed, err := parseOptions(args)
	if err != nil {
		return err
	}
	if parsed.showVersion {
		version.Print("beacon-mock-collector")
		return nil
	}

	level := slog.LevelInfo
	if parsed.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	mock := mockcollector.New(logger)
	if parsed.policyFile != "" {
		document, err := loadPolicy(parsed.policyFile)
		if err != nil {
			return err
		}
		mock.SetPolicy(document)
	}
	mock.SetUploadStatus(parsed.uploadStatus)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	uploads, unsubscribe := mock.Subscribe()
	defer unsubscribe()
	go func() {
		for {
			select {
			case accepted := <-uploads:
				logger.Info("upload accepted",
					"upload_id", accepted.Envelope.UploadID,
					"device_id", accepted.Envelope.DeviceID,
					"events", len(accepted.Envelope.Events),
					"compression", accepted.Compression,
				)
			case <-ctx.Done():
				return
			}
		}
	}()

	server := service.NewHTTPServer(service.HTTPServerConfig{
		Address: parsed.listen,
		Handler: service.LogRequests(mock.Handler(), logger, nil),
		Logger:  logger,
	})
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.Serve(ctx)
	}()

	select {
	case <-server.Ready():
		logger.Info("mock collector ready",
			"upload_endpoint", server.URL()+"/upload",
			"policy_endpoint", server.URL()+"/policy",
		)
	case err := <-serveDone:
		return err
	}

	if err := <-serveDone; err != nil {
		return err
	}
	logger.Info("mock collector stopped", "status", mock.Status())
	return nil
}
