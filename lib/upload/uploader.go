// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/beacon/lib/clock"
	"github.com/bureau-foundation/beacon/lib/event"
)

// maxErrorBody bounds how much of a rejection body is kept for logs.
const maxErrorBody = 512

// Config holds the parameters for creating an Uploader.
type Config struct {
	// Endpoint is the collector's upload URL. Required.
	Endpoint string

	// Compression selects the body encoding.
	Compression Compression

	// Timeout bounds each request. Zero means no limit beyond ctx.
	Timeout time.Duration

	// UserAgent is sent when set.
	UserAgent string

	// Client performs requests. Defaults to http.DefaultClient.
	Client *http.Client

	// Clock measures latency. Defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to discarding.
	Logger *slog.Logger
}

// Result describes a successful send.
type Result struct {
	UploadID string
	Status   int
	Latency  time.Duration
	Events   int
	// Bytes is the size of the request body as sent.
	Bytes int
}

// Uploader posts batches to the collector. Safe for concurrent use.
type Uploader struct {
	endpoint    string
	compression Compression
	timeout     time.Duration
	userAgent   string
	client      *http.Client
	clock       clock.Clock
	logger      *slog.Logger
}

// New creates an Uploader.
func New(cfg Config) (*Uploader, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("upload: Endpoint is required")
	}
	if cfg.Compression > CompressionLZ4 {
		return nil, fmt.Errorf("upload: unsupported compression %d", cfg.Compression)
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Uploader{
		endpoint:    cfg.Endpoint,
		compression: cfg.Compression,
		timeout:     cfg.Timeout,
		userAgent:   cfg.UserAgent,
		client:      client,
		clock:       clk,
		logger:      logger,
	}, nil
}

// Send posts batch in one request. On failure the error is an
// *UnreachableError, a *RejectedError, or an encoding error; in every
// case nothing was acknowledged and the batch must be kept.
func (u *Uploader) Send(ctx context.Context, batch []event.Record, meta Metadata) (Result, error) {
	if len(batch) == 0 {
		return Result{}, errors.New("upload: empty batch")
	}

	uploadID := uuid.NewString()
	body, err := EncodeEnvelope(uploadID, batch, meta)
	if err != nil {
		return Result{}, err
	}
	encoded, err := Compress(body, u.compression)
	if err != nil {
		return Result{}, err
	}

	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(encoded))
	if err != nil {
		return Result{}, fmt.Errorf("upload: building request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if u.compression != CompressionNone {
		request.Header.Set("Content-Encoding", u.compression.String())
	}
	if u.userAgent != "" {
		request.Header.Set("User-Agent", u.userAgent)
	}

	start := u.clock.Now()
	response, err := u.client.Do(request)
	if err != nil {
		return Result{}, &UnreachableError{Endpoint: u.endpoint, Err: err}
	}
	defer response.Body.Close()
	latency := u.clock.Now().Sub(start)

	if response.StatusCode < 200 || response.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
		return Result{}, &RejectedError{
			Endpoint: u.endpoint,
			Status:   response.StatusCode,
			Body:     strings.TrimSpace(string(snippet)),
		}
	}
	io.Copy(io.Discard, io.LimitReader(response.Body, maxErrorBody))

	u.logger.Debug("batch uploaded",
		"upload_id", uploadID,
		"events", len(batch),
		"bytes", len(encoded),
		"status", response.StatusCode,
		"latency", latency,
	)
	return Result{
		UploadID: uploadID,
		Status:   response.StatusCode,
		Latency:  latency,
		Events:   len(batch),
		Bytes:    len(encoded),
	}, nil
}

// Endpoint returns the upload URL.
func (u *Uploader) Endpoint() string { return u.endpoint }
