// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bureau-foundation/beacon/lib/version"
)

// meterName scopes every instrument the collector registers.
const meterName = "github.com/bureau-foundation/beacon/lib/collector"

// registerMetrics exposes the queue counters and the opt-out state as
// asynchronous instruments. Values are read from Stats at collection
// time, so the pipeline itself never touches the meter.
func (c *Collector) registerMetrics(provider metric.MeterProvider, appID string) (metric.Registration, error) {
	meter := provider.Meter(meterName,
		metric.WithInstrumentationVersion(version.Short()),
		metric.WithInstrumentationAttributes(attribute.String("beacon.app_id", appID)),
	)

	events, err := meter.Int64ObservableCounter("beacon.events",
		metric.WithDescription("Events that reached each pipeline stage."),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, fmt.Errorf("collector: creating events counter: %w", err)
	}
	uploads, err := meter.Int64ObservableCounter("beacon.uploads",
		metric.WithDescription("Upload requests by outcome."),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, fmt.Errorf("collector: creating uploads counter: %w", err)
	}
	recoveries, err := meter.Int64ObservableCounter("beacon.store.recoveries",
		metric.WithDescription("Times the event store was recreated after corruption."),
		metric.WithUnit("{recovery}"))
	if err != nil {
		return nil, fmt.Errorf("collector: creating recoveries counter: %w", err)
	}
	buffered, err := meter.Int64ObservableGauge("beacon.events.buffered",
		metric.WithDescription("Events written to the store and not yet uploaded."),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, fmt.Errorf("collector: creating buffered gauge: %w", err)
	}
	blocked, err := meter.Int64ObservableGauge("beacon.collection.blocked",
		metric.WithDescription("1 while event collection is opted out, else 0."))
	if err != nil {
		return nil, fmt.Errorf("collector: creating blocked gauge: %w", err)
	}

	stage := func(name string) metric.ObserveOption {
		return metric.WithAttributes(attribute.String("stage", name))
	}
	outcome := func(name string) metric.ObserveOption {
		return metric.WithAttributes(attribute.String("outcome", name))
	}

	registration, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		stats := c.queue.Stats()
		observer.ObserveInt64(events, stats.Pushed, stage("pushed"))
		observer.ObserveInt64(events, stats.Written, stage("written"))
		observer.ObserveInt64(events, stats.Uploaded, stage("uploaded"))
		observer.ObserveInt64(events, stats.Dropped, stage("dropped"))
		observer.ObserveInt64(uploads, stats.UploadAttempts-stats.UploadFailures, outcome("success"))
		observer.ObserveInt64(uploads, stats.UploadFailures, outcome("failure"))
		observer.ObserveInt64(recoveries, stats.Recoveries)
		observer.ObserveInt64(buffered, stats.Buffered)

		control, delayed := c.coordinator.Snapshot()
		if !delayed {
			value := int64(0)
			if control.BlockingEventCollection {
				value = 1
			}
			observer.ObserveInt64(blocked, value)
		}
		return nil
	}, events, uploads, recoveries, buffered, blocked)
	if err != nil {
		return nil, fmt.Errorf("collector: registering metrics callback: %w", err)
	}
	return registration, nil
}
