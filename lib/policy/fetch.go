// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// maxDocumentSize bounds the policy response body.
const maxDocumentSize = 1 << 20

// Fetcher retrieves the raw policy document from the collector.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// FetcherFunc adapts a function to [Fetcher].
type FetcherFunc func(ctx context.Context) ([]byte, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context) ([]byte, error) { return f(ctx) }

// HTTPFetcher fetches the policy with a GET request.
type HTTPFetcher struct {
	// Endpoint is the policy URL. Required.
	Endpoint string

	// AppID is sent as the app_id query parameter when set.
	AppID string

	// UserAgent is sent as the User-Agent header when set.
	UserAgent string

	// Timeout bounds each request. Zero means no limit beyond ctx.
	Timeout time.Duration

	// Client performs the request. Defaults to http.DefaultClient.
	Client *http.Client
}

// Fetch performs the GET. A non-2xx status or an empty body is an
// error.
func (f *HTTPFetcher) Fetch(ctx context.Context) ([]byte, error) {
	endpoint, err := url.Parse(f.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("policy: parsing endpoint %q: %w", f.Endpoint, err)
	}
	if f.AppID != "" {
		query := endpoint.Query()
		query.Set("app_id", f.AppID)
		endpoint.RawQuery = query.Encode()
	}

	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("policy: building request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if f.UserAgent != "" {
		request.Header.Set("User-Agent", f.UserAgent)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	response, err := client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("policy: fetching %s: %w", f.Endpoint, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(response.Body, maxDocumentSize))
		return nil, fmt.Errorf("policy: fetching %s: status %d", f.Endpoint, response.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(response.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("policy: reading response from %s: %w", f.Endpoint, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("policy: fetching %s: status %d with an empty body", f.Endpoint, response.StatusCode)
	}
	return body, nil
}
