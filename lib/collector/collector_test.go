// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/beacon/lib/clock"
	"github.com/bureau-foundation/beacon/lib/config"
	"github.com/bureau-foundation/beacon/lib/event"
	"github.com/bureau-foundation/beacon/lib/eventstore"
	"github.com/bureau-foundation/beacon/lib/mockcollector"
	"github.com/bureau-foundation/beacon/lib/policy"
	"github.com/bureau-foundation/beacon/lib/testutil"
	"github.com/bureau-foundation/beacon/lib/upload"
)

const testTimeout = 5 * time.Second

var collectorTestEpoch = time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.Default()
}

type collectorFixture struct {
	mock       *mockcollector.Collector
	server     *httptest.Server
	clock      *clock.FakeClock
	sharedRoot string
}

func newCollectorFixture(t *testing.T) *collectorFixture {
	t.Helper()
	mock := mockcollector.New(testLogger(t))
	server := httptest.NewServer(mock.Handler())
	t.Cleanup(server.Close)
	return &collectorFixture{
		mock:       mock,
		server:     server,
		clock:      clock.Fake(collectorTestEpoch),
		sharedRoot: filepath.Join(t.TempDir(), "shared"),
	}
}

func (f *collectorFixture) config(t *testing.T, appID string) Config {
	t.Helper()
	return Config{
		AppID:          appID,
		StateDirectory: filepath.Join(t.TempDir(), "state"),
		SharedRoot:     f.sharedRoot,
		UploadEndpoint: f.server.URL + "/upload",
		PolicyEndpoint: f.server.URL + "/policy",
		Metadata: upload.Metadata{
			APIVersion: "1",
			APIKey:     "test-key",
			PackageID:  appID,
		},
		Compression:     upload.CompressionZstd,
		DrainInterval:   500 * time.Millisecond,
		Cooldown:        24 * time.Hour,
		MaxBatchSize:    100,
		UploadThreshold: 50,
		ControlRefresh:  time.Minute,
	}
}

// open starts a collector and waits for the shared control to be
// determined, since uploads are held until then.
func (f *collectorFixture) open(t *testing.T, cfg Config, deviceID policy.DeviceIDSource) *Collector {
	t.Helper()
	return f.openWith(t, cfg, Options{DeviceID: deviceID})
}

// openWith is open with caller-provided options; Clock and Logger are
// always the fixture's.
func (f *collectorFixture) openWith(t *testing.T, cfg Config, options Options) *Collector {
	t.Helper()
	options.Clock = f.clock
	options.Logger = testLogger(t)
	collector, err := Open(context.Background(), cfg, options)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		collector.Close(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := collector.Ready(ctx); err != nil {
		t.Fatalf("waiting for global control: %v", err)
	}
	return collector
}

func recordNumbered(t *testing.T, collector *Collector, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		built, err := collector.NewEvent(event.AppDefined).Int("n", int64(i)).Build()
		if err != nil {
			t.Fatal(err)
		}
		collector.Record(built)
	}
}

func flush(t *testing.T, collector *Collector) {
	t.Helper()
	testutil.RequireClosed(t, collector.Flush(), testTimeout, "waiting for flush cycle")
}

func stored(t *testing.T, collector *Collector) int {
	t.Helper()
	status, err := collector.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	return status.Stored
}

// appEvents returns the host-recorded events the mock received,
// skipping the SDK's own latency events.
func appEvents(mock *mockcollector.Collector) []map[string]any {
	var events []map[string]any
	for _, received := range mock.Events() {
		if received[event.FieldKind] == event.AppDefined.String() {
			events = append(events, received)
		}
	}
	return events
}

func TestFlushUploadsWithPolicyApplied(t *testing.T) {
	fixture := newCollectorFixture(t)
	fixture.mock.SetPolicy([]byte(`{
		// Trailing commas and comments are tolerated.
		"blacklist": ["email"],
		"salt": "pepper",
	}`))
	collector := fixture.open(t, fixture.config(t, "com.example.app"), policy.StaticDeviceID("device-1"))

	built, err := collector.NewEvent(event.AppDefined).
		String("screen", "home").
		String("email", "someone@example.com").
		WithDeviceID().
		Build()
	if err != nil {
		t.Fatal(err)
	}
	collector.Record(built)
	flush(t, collector)

	uploads := fixture.mock.Uploads()
	if len(uploads) != 1 {
		t.Fatalf("mock received %d uploads, want 1", len(uploads))
	}
	envelope := uploads[0].Envelope
	wantDeviceID := policy.HashDeviceID("device-1", "pepper")
	if envelope.DeviceID != wantDeviceID {
		t.Errorf("envelope did = %q, want %q", envelope.DeviceID, wantDeviceID)
	}
	if envelope.APIKey != "test-key" || envelope.PackageID != "com.example.app" {
		t.Errorf("envelope metadata = %+v", envelope)
	}
	if uploads[0].Compression != upload.CompressionZstd {
		t.Errorf("compression = %s, want zstd", uploads[0].Compression)
	}

	events := appEvents(fixture.mock)
	if len(events) != 1 {
		t.Fatalf("received %d app events, want 1", len(events))
	}
	if _, ok := events[0]["email"]; ok {
		t.Error("blacklisted field reached the collector")
	}
	if events[0]["screen"] != "home" {
		t.Errorf("screen = %v, want home", events[0]["screen"])
	}
	if events[0][event.FieldDeviceID] != wantDeviceID {
		t.Errorf("event did = %v, want %q", events[0][event.FieldDeviceID], wantDeviceID)
	}

	status, err := collector.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.PolicyKnown || status.Policy.Salt != "pepper" {
		t.Errorf("status policy = %+v (known %v)", status.Policy, status.PolicyKnown)
	}
	if status.Queue.Uploaded != 1 {
		t.Errorf("Uploaded = %d, want 1", status.Queue.Uploaded)
	}
}

func TestEventsSurviveRestartWithoutUpload(t *testing.T) {
	fixture := newCollectorFixture(t)
	cfg := fixture.config(t, "com.example.app")

	first := fixture.open(t, cfg, nil)
	recordNumbered(t, first, 3)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := first.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := len(fixture.mock.Uploads()); got != 0 {
		t.Fatalf("%d uploads before the cooldown, want 0", got)
	}

	store, err := eventstore.Open(eventstore.Config{Path: filepath.Join(cfg.StateDirectory, "events.db")})
	if err != nil {
		t.Fatalf("eventstore.Open: %v", err)
	}
	count, err := store.Count(context.Background())
	store.Close()
	if err != nil || count != 3 {
		t.Fatalf("stored after close = %d (%v), want 3", count, err)
	}

	second := fixture.open(t, cfg, nil)
	flush(t, second)
	events := appEvents(fixture.mock)
	if len(events) != 3 {
		t.Fatalf("received %d app events after restart, want 3", len(events))
	}
	for i, received := range events {
		if received["n"] != float64(i) {
			t.Errorf("event %d has n=%v, want FIFO order", i, received["n"])
		}
	}
}

func TestOptOutWipesAndBlocks(t *testing.T) {
	fixture := newCollectorFixture(t)
	collector := fixture.open(t, fixture.config(t, "com.example.app"), nil)

	recordNumbered(t, collector, 3)
	testutil.Eventually(t, testTimeout, func() bool { return stored(t, collector) == 3 },
		"waiting for events to be stored")

	if err := collector.SetOptOut(context.Background(), true); err != nil {
		t.Fatalf("SetOptOut: %v", err)
	}
	testutil.Eventually(t, testTimeout, func() bool { return stored(t, collector) == 0 },
		"waiting for stored events to be wiped")

	recordNumbered(t, collector, 2)
	flush(t, collector)
	if got := stored(t, collector); got != 0 {
		t.Errorf("stored while opted out = %d, want 0", got)
	}
	if got := len(fixture.mock.Uploads()); got != 0 {
		t.Errorf("%d uploads while opted out, want 0", got)
	}

	sentinel, err := os.ReadFile(filepath.Join(fixture.sharedRoot, "com.example.app", "blocking"))
	if err != nil || strings.TrimSpace(string(sentinel)) != "1" {
		t.Errorf("blocking sentinel = %q (%v), want 1", sentinel, err)
	}

	optedOut := make(chan bool, 1)
	collector.OptedOut(func(value bool) { optedOut <- value })
	if !testutil.RequireReceive(t, optedOut, testTimeout, "waiting for OptedOut callback") {
		t.Error("OptedOut reported false after SetOptOut(true)")
	}

	if err := collector.SetOptOut(context.Background(), false); err != nil {
		t.Fatalf("SetOptOut(false): %v", err)
	}
	recordNumbered(t, collector, 1)
	flush(t, collector)
	if got := len(appEvents(fixture.mock)); got != 1 {
		t.Errorf("received %d app events after opting back in, want 1", got)
	}
}

func TestOptOutWhileStoppedWipesOnReopen(t *testing.T) {
	fixture := newCollectorFixture(t)
	cfg := fixture.config(t, "com.example.app")

	first := fixture.open(t, cfg, nil)
	recordNumbered(t, first, 3)
	closeCtx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := first.Close(closeCtx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Another app opts this one out while it is not running.
	sentinel := filepath.Join(fixture.sharedRoot, "com.example.app", "blocking")
	if err := os.WriteFile(sentinel, []byte("1"), 0o644); err != nil {
		t.Fatal(err)
	}

	second := fixture.open(t, cfg, nil)
	optedOut := make(chan bool, 1)
	second.OptedOut(func(value bool) { optedOut <- value })
	if !testutil.RequireReceive(t, optedOut, testTimeout, "waiting for OptedOut callback") {
		t.Fatal("OptedOut reported false with a blocking sentinel")
	}
	flush(t, second)
	flush(t, second)
	if err := second.Close(closeCtx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store, err := eventstore.Open(eventstore.Config{Path: filepath.Join(cfg.StateDirectory, "events.db")})
	if err != nil {
		t.Fatalf("eventstore.Open: %v", err)
	}
	count, err := store.Count(context.Background())
	store.Close()
	if err != nil || count != 0 {
		t.Errorf("stored after reopening opted out = %d (%v), want 0", count, err)
	}
	if got := len(fixture.mock.Uploads()); got != 0 {
		t.Errorf("%d uploads while opted out, want 0", got)
	}
}

func TestOptOutReachesOtherApps(t *testing.T) {
	fixture := newCollectorFixture(t)
	first := fixture.open(t, fixture.config(t, "com.example.first"), nil)
	second := fixture.open(t, fixture.config(t, "com.example.second"), nil)

	recordNumbered(t, second, 2)
	testutil.Eventually(t, testTimeout, func() bool { return stored(t, second) == 2 },
		"waiting for the second app to store events")

	if err := first.SetOptOut(context.Background(), true); err != nil {
		t.Fatalf("SetOptOut: %v", err)
	}

	// The second app learns of the change on its next control refresh.
	testutil.Eventually(t, testTimeout, func() bool {
		fixture.clock.Advance(time.Minute)
		status, err := second.Status(context.Background())
		return err == nil && status.OptedOut && status.Stored == 0
	}, "waiting for the opt-out to reach the second app")

	if got := len(fixture.mock.Uploads()); got != 0 {
		t.Errorf("%d uploads, want 0", got)
	}
}

func TestBlackoutDiscardsEvents(t *testing.T) {
	fixture := newCollectorFixture(t)
	blackoutEnd := collectorTestEpoch.Add(time.Hour).Unix()
	fixture.mock.SetPolicy([]byte(fmt.Sprintf(`{"blackout": %d}`, blackoutEnd)))
	collector := fixture.open(t, fixture.config(t, "com.example.app"), nil)

	recordNumbered(t, collector, 2)
	flush(t, collector)
	if got := stored(t, collector); got != 0 {
		t.Errorf("stored after blackout upload = %d, want 0", got)
	}

	recordNumbered(t, collector, 1)
	flush(t, collector)
	if got := stored(t, collector); got != 0 {
		t.Errorf("stored during blackout = %d, want 0", got)
	}
	if got := len(fixture.mock.Uploads()); got != 0 {
		t.Errorf("%d uploads during blackout, want 0", got)
	}

	status, err := collector.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !status.InBlackout {
		t.Error("Status.InBlackout = false during blackout")
	}
	if status.Queue.Dropped < 3 {
		t.Errorf("Dropped = %d, want at least 3", status.Queue.Dropped)
	}
}

func TestDrainUploadsEverything(t *testing.T) {
	fixture := newCollectorFixture(t)
	cfg := fixture.config(t, "com.example.app")
	cfg.MaxBatchSize = 2
	collector := fixture.open(t, cfg, nil)

	recordNumbered(t, collector, 5)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	uploaded, err := collector.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if uploaded < 5 {
		t.Errorf("Drain uploaded %d events, want at least 5", uploaded)
	}

	events := appEvents(fixture.mock)
	if len(events) != 5 {
		t.Fatalf("received %d app events, want 5", len(events))
	}
	for i, received := range events {
		if received["n"] != float64(i) {
			t.Errorf("event %d has n=%v, want FIFO order", i, received["n"])
		}
	}
	for _, accepted := range fixture.mock.Uploads() {
		if len(accepted.Envelope.Events) > 2 {
			t.Errorf("upload carried %d events, want at most 2", len(accepted.Envelope.Events))
		}
	}
}

func TestDrainReportsUploadFailure(t *testing.T) {
	fixture := newCollectorFixture(t)
	fixture.mock.SetUploadStatus(http.StatusInternalServerError)
	collector := fixture.open(t, fixture.config(t, "com.example.app"), nil)

	recordNumbered(t, collector, 1)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if _, err := collector.Drain(ctx); err == nil {
		t.Fatal("Drain succeeded against a failing collector")
	}
	if got := stored(t, collector); got != 1 {
		t.Errorf("stored after failed drain = %d, want 1", got)
	}
}

func TestPolicyAndRefresh(t *testing.T) {
	fixture := newCollectorFixture(t)
	fixture.mock.SetPolicy([]byte(`{"sessionTimeOutSeconds": 90}`))
	collector := fixture.open(t, fixture.config(t, "com.example.app"), nil)

	current, source, err := collector.Policy(context.Background())
	if err != nil {
		t.Fatalf("Policy: %v", err)
	}
	if source != policy.SourceNetwork || current.SessionTimeout != 90*time.Second {
		t.Errorf("Policy = %+v from %s", current, source)
	}
	if timeout, ok := collector.SessionTimeout(); !ok || timeout != 90*time.Second {
		t.Errorf("SessionTimeout = %s, %v", timeout, ok)
	}

	if _, source, _ = collector.Policy(context.Background()); source != policy.SourceMemory {
		t.Errorf("second Policy source = %s, want memory", source)
	}
	collector.RefreshPolicy()
	if _, source, _ = collector.Policy(context.Background()); source != policy.SourceNetwork {
		t.Errorf("Policy after refresh source = %s, want network", source)
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := config.Default()
	cfg.App.ID = "com.example.app"
	cfg.App.APIKey = "key"
	cfg.App.PackageID = "pkg"
	cfg.Paths.State = "/data/state"
	cfg.Paths.SharedRoot = "/data/shared"
	cfg.Upload.Endpoint = "https://collect.example.com/upload"
	cfg.Upload.Compression = "lz4"
	cfg.Upload.Cooldown = "45s"
	cfg.Policy.Endpoint = "https://collect.example.com/policy"

	mapped, err := ConfigFrom(cfg)
	if err != nil {
		t.Fatalf("ConfigFrom: %v", err)
	}
	if mapped.AppID != "com.example.app" || mapped.StateDirectory != "/data/state" || mapped.SharedRoot != "/data/shared" {
		t.Errorf("mapped identity/paths = %+v", mapped)
	}
	if mapped.Compression != upload.CompressionLZ4 {
		t.Errorf("compression = %s, want lz4", mapped.Compression)
	}
	if mapped.Cooldown != 45*time.Second || mapped.DrainInterval != config.DefaultDrainInterval {
		t.Errorf("durations: cooldown %s, drain %s", mapped.Cooldown, mapped.DrainInterval)
	}
	if mapped.Metadata.APIKey != "key" || mapped.Metadata.PackageID != "pkg" || mapped.Metadata.APIVersion != "1" {
		t.Errorf("metadata = %+v", mapped.Metadata)
	}

	cfg.Upload.Compression = "brotli"
	if _, err := ConfigFrom(cfg); err == nil {
		t.Error("ConfigFrom accepted an unknown compression")
	}
}

func TestOpenValidation(t *testing.T) {
	fixture := newCollectorFixture(t)
	tests := []struct {
		name   string
		modify func(cfg *Config)
	}{
		{"missing state directory", func(cfg *Config) { cfg.StateDirectory = "" }},
		{"missing upload endpoint", func(cfg *Config) { cfg.UploadEndpoint = "" }},
		{"missing policy endpoint", func(cfg *Config) { cfg.PolicyEndpoint = "" }},
		{"invalid app id", func(cfg *Config) { cfg.AppID = "../escape" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fixture.config(t, "com.example.app")
			tt.modify(&cfg)
			if _, err := Open(context.Background(), cfg, Options{Clock: fixture.clock}); err == nil {
				t.Error("Open succeeded")
			}
		})
	}
}

func TestCloseTwice(t *testing.T) {
	fixture := newCollectorFixture(t)
	collector := fixture.open(t, fixture.config(t, "com.example.app"), nil)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := collector.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := collector.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}

	collector.Record(event.NewDraft(event.AppDefined, collectorTestEpoch).MustBuild())
	if stats := collector.Stats(); stats.Dropped != 1 {
		t.Errorf("Record after Close: Dropped = %d, want 1", stats.Dropped)
	}
}
