// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/beacon/cmd/beacon/cli"
	"github.com/bureau-foundation/beacon/lib/collector"
	"github.com/bureau-foundation/beacon/lib/config"
	"github.com/bureau-foundation/beacon/lib/policy"
)

// closeTimeout bounds the final write when a command closes its
// collector, including after an interrupt.
const closeTimeout = 10 * time.Second

// sessionFlags are the flags shared by every command that opens a
// collector.
type sessionFlags struct {
	configPath string
	deviceID   string
	verbose    bool
}

func (s *sessionFlags) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVarP(&s.configPath, "config", "c", "", "configuration file (default $BEACON_CONFIG)")
	flagSet.StringVar(&s.deviceID, "device-id", "", "raw device id to hash into events that carry one")
	flagSet.BoolVarP(&s.verbose, "verbose", "v", false, "log at debug level")
}

func (s *sessionFlags) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if s.configPath != "" {
		cfg, err = config.LoadFile(s.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// open loads the configuration and opens a collector on it. The
// caller must Close the collector.
func (s *sessionFlags) open(ctx context.Context) (*collector.Collector, error) {
	cfg, err := s.loadConfig()
	if err != nil {
		return nil, err
	}
	collectorConfig, err := collector.ConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	options := collector.Options{Logger: cli.NewCommandLogger(s.verbose)}
	if s.deviceID != "" {
		options.DeviceID = policy.StaticDeviceID(s.deviceID)
	}
	return collector.Open(ctx, collectorConfig, options)
}

// withCollector opens a collector, runs fn, and closes the collector.
// A close error is reported only when fn succeeded.
func (s *sessionFlags) withCollector(ctx context.Context, fn func(*collector.Collector) error) (err error) {
	opened, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if closeErr := opened.Close(closeContext); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(opened)
}
