// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"encoding/json"
	"time"

	"github.com/bureau-foundation/beacon/lib/event"
	"github.com/bureau-foundation/beacon/lib/upload"
)

// latencyEvent records how long an upload took.
func latencyEvent(now time.Time, result upload.Result) event.Event {
	return event.NewDraft(event.Latency, now).
		String("uplid", result.UploadID).
		Int("latency_ms", result.Latency.Milliseconds()).
		Int("events", int64(result.Events)).
		Int("status", int64(result.Status)).
		MustBuild()
}

func stringField(item event.Event, name string) (string, bool) {
	raw, ok := item.Get(name)
	if !ok {
		return "", false
	}
	var value string
	if json.Unmarshal(raw, &value) != nil {
		return "", false
	}
	return value, true
}
