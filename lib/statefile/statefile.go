// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package statefile reads and writes the small files beacon keeps
// outside SQLite: the policy cache envelope and the opt-out sentinels
// shared between host apps.
//
// Writes are atomic. Data goes to a temporary file in the destination
// directory, is fsynced, and is renamed into place, after which the
// directory itself is fsynced. A reader in another process therefore
// sees either the old content or the new content, never a torn write.
// That matters for the opt-out sentinels, which several apps read
// without any other coordination.
//
// Sentinels are files whose presence (and sometimes a single byte of
// content) is the whole message. [Touch] creates one, [Exists] tests
// for one, and [Remove] deletes one idempotently.
package statefile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Write atomically replaces the file at path with data. The parent
// directory must exist.
func Write(path string, data []byte, perm os.FileMode) error {
	temporary, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("statefile: creating temporary file for %s: %w", path, err)
	}
	temporaryPath := temporary.Name()

	// Write, sync, chmod, close. Any failure removes the temporary
	// file and reports the first error.
	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: writing %s: %w", path, err)
	}
	if err := temporary.Sync(); err != nil {
		temporary.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: syncing %s: %w", path, err)
	}
	if err := temporary.Chmod(perm); err != nil {
		temporary.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: setting mode on %s: %w", path, err)
	}
	if err := temporary.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: closing %s: %w", path, err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: renaming %s into place: %w", path, err)
	}

	// Make the rename itself durable.
	if directory, err := os.Open(filepath.Dir(path)); err == nil {
		directory.Sync()
		directory.Close()
	}
	return nil
}

// Read returns the content of the file at path. A missing file yields
// an error wrapping os.ErrNotExist.
func Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("statefile: %w", err)
	}
	return data, nil
}

// Touch creates an empty sentinel at path if it does not exist. An
// existing file is left untouched.
func Touch(path string, perm os.FileMode) error {
	if Exists(path) {
		return nil
	}
	return Write(path, nil, perm)
}

// Exists reports whether a regular file exists at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Remove deletes the file at path. Missing files are not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("statefile: removing %s: %w", path, err)
	}
	return nil
}
