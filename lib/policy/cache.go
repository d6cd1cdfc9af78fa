// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bureau-foundation/beacon/lib/codec"
	"github.com/bureau-foundation/beacon/lib/statefile"
)

// cacheEnvelope is the on-disk form of a cached policy. Raw holds the
// document exactly as the collector sent it; it is re-parsed on load
// so that parser improvements apply to cached documents too.
type cacheEnvelope struct {
	FetchedAt int64  `cbor:"fetched_at"`
	Raw       []byte `cbor:"raw"`
}

// Cache persists the last fetched policy document. The zero Cache
// (empty path) stores nothing and always misses.
type Cache struct {
	path string
}

// NewCache returns a cache stored at path.
func NewCache(path string) Cache {
	return Cache{path: path}
}

// Load returns the cached document and the time it was fetched. A
// missing cache yields an error wrapping os.ErrNotExist.
func (c Cache) Load() ([]byte, time.Time, error) {
	if c.path == "" {
		return nil, time.Time{}, fmt.Errorf("policy: cache disabled: %w", os.ErrNotExist)
	}
	data, err := statefile.Read(c.path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("policy: loading cache: %w", err)
	}
	var envelope cacheEnvelope
	if err := codec.Unmarshal(data, &envelope); err != nil {
		return nil, time.Time{}, fmt.Errorf("policy: decoding cache %s: %w", c.path, err)
	}
	return envelope.Raw, time.Unix(0, envelope.FetchedAt), nil
}

// Save atomically replaces the cached document.
func (c Cache) Save(raw []byte, fetchedAt time.Time) error {
	if c.path == "" {
		return nil
	}
	data, err := codec.Marshal(cacheEnvelope{FetchedAt: fetchedAt.UnixNano(), Raw: raw})
	if err != nil {
		return fmt.Errorf("policy: encoding cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("policy: creating cache directory: %w", err)
	}
	return statefile.Write(c.path, data, 0o600)
}

// isMissing reports whether err means the cache simply has no entry.
func isMissing(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
