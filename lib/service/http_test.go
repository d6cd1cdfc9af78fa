// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bureau-foundation/beacon/lib/clock"
)

// --- HTTPServer lifecycle ---

func TestHTTPServerLifecycle(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	handler := http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusOK)
		fmt.Fprintf(writer, "ok")
	})

	server := NewHTTPServer(HTTPServerConfig{
		Address:         "127.0.0.1:0", // OS-assigned port
		Handler:         handler,
		ShutdownTimeout: 2 * time.Second,
		Logger:          logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.Serve(ctx)
	}()

	// Wait for the server to be ready. t.Context() is cancelled
	// when the test deadline passes, so no wall-clock timeout needed.
	select {
	case <-server.Ready():
	case <-t.Context().Done():
		t.Fatal("server did not become ready before test deadline")
	}

	response, err := http.Get(server.URL() + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Errorf("GET /test status = %d, want 200", response.StatusCode)
	}
	responseBody, _ := io.ReadAll(response.Body)
	if string(responseBody) != "ok" {
		t.Errorf("GET /test body = %q, want %q", responseBody, "ok")
	}

	// Cancel the context to trigger shutdown.
	cancel()

	select {
	case err := <-serveDone:
		if err != nil {
			t.Errorf("Serve() = %v, want nil", err)
		}
	case <-t.Context().Done():
		t.Fatal("server did not shut down before test deadline")
	}
}

func TestHTTPServerPanicsOnMissingConfig(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	tests := []struct {
		name   string
		config HTTPServerConfig
	}{
		{
			name:   "missing_address",
			config: HTTPServerConfig{Handler: handler, Logger: logger},
		},
		{
			name:   "missing_handler",
			config: HTTPServerConfig{Address: ":0", Logger: logger},
		},
		{
			name:   "missing_logger",
			config: HTTPServerConfig{Address: ":0", Handler: handler},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if r := recover(); r == nil {
					t.Error("NewHTTPServer did not panic")
				}
			}()
			NewHTTPServer(tt.config)
		})
	}
}

func TestHTTPServerListenError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	first := NewHTTPServer(HTTPServerConfig{Address: "127.0.0.1:0", Handler: handler, Logger: logger})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	firstDone := make(chan error, 1)
	go func() { firstDone <- first.Serve(ctx) }()
	select {
	case <-first.Ready():
	case <-t.Context().Done():
		t.Fatal("server did not become ready before test deadline")
	}

	second := NewHTTPServer(HTTPServerConfig{Address: first.Addr().String(), Handler: handler, Logger: logger})
	if err := second.Serve(ctx); err == nil {
		t.Error("Serve on an address in use = nil, want error")
	}

	cancel()
	if err := <-firstDone; err != nil {
		t.Errorf("first Serve() = %v", err)
	}
}

func TestLogRequests(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	fake := clock.Fake(time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC))

	handler := LogRequests(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		fake.Advance(25 * time.Millisecond)
		if request.URL.Path == "/missing" {
			http.NotFound(writer, request)
			return
		}
		fmt.Fprint(writer, "ok")
	}), logger, fake)

	request := httptest.NewRequest(http.MethodPost, "/upload", nil)
	request.Header.Set("Content-Encoding", "zstd")
	handler.ServeHTTP(httptest.NewRecorder(), request)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	decoder := json.NewDecoder(&logs)
	var entries []map[string]any
	for decoder.More() {
		var entry map[string]any
		if err := decoder.Decode(&entry); err != nil {
			t.Fatalf("decoding log line: %v", err)
		}
		entries = append(entries, entry)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d log lines, want 2", len(entries))
	}

	upload := entries[0]
	if upload["level"] != "DEBUG" || upload["path"] != "/upload" || upload["status"] != float64(200) {
		t.Errorf("upload log = %v", upload)
	}
	if upload["content_encoding"] != "zstd" || upload["response_bytes"] != float64(2) {
		t.Errorf("upload log = %v", upload)
	}
	if upload["duration"] != float64(25*time.Millisecond) {
		t.Errorf("duration = %v, want %d", upload["duration"], 25*time.Millisecond)
	}

	missing := entries[1]
	if missing["level"] != "WARN" || missing["status"] != float64(404) {
		t.Errorf("missing log = %v", missing)
	}
}
