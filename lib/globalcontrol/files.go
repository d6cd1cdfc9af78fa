// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package globalcontrol

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/beacon/lib/statefile"
)

const (
	lockName     = ".lock"
	presenceName = "presence"
	blockingName = "blocking"

	// Sentinels are shared with other apps.
	sentinelMode  = 0o644
	directoryMode = 0o755
)

// layout resolves paths inside the shared root.
type layout struct {
	root  string
	appID string
}

func (l layout) appDirectory(appID string) string { return filepath.Join(l.root, appID) }

func (l layout) presencePath(appID string) string {
	return filepath.Join(l.root, appID, presenceName)
}

func (l layout) blockingPath(appID string) string {
	return filepath.Join(l.root, appID, blockingName)
}

// siblings returns the ids of other apps that announced presence, in
// lexical order. Unreadable directories are skipped.
func (l layout) siblings() ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("globalcontrol: scanning %s: %w", l.root, err)
	}
	var announced []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || name == l.appID || strings.HasPrefix(name, ".") {
			continue
		}
		if statefile.Exists(l.presencePath(name)) {
			announced = append(announced, name)
		}
	}
	sort.Strings(announced)
	return announced, nil
}

// readControl reads an app's blocking sentinel. A missing file means
// not blocking.
func (l layout) readControl(appID string) (Control, error) {
	data, err := statefile.Read(l.blockingPath(appID))
	if errors.Is(err, os.ErrNotExist) {
		return Control{}, nil
	}
	if err != nil {
		return Control{}, err
	}
	return Control{BlockingEventCollection: bytes.Equal(bytes.TrimSpace(data), []byte("1"))}, nil
}

func (l layout) writeControl(appID string, control Control) error {
	value := []byte("0")
	if control.BlockingEventCollection {
		value = []byte("1")
	}
	return statefile.Write(l.blockingPath(appID), value, sentinelMode)
}

func (l layout) announce() error {
	return statefile.Touch(l.presencePath(l.appID), sentinelMode)
}

// lock takes the exclusive writer lock on the shared root. The
// returned function releases it.
func (l layout) lock() (func(), error) {
	file, err := os.OpenFile(filepath.Join(l.root, lockName), os.O_CREATE|os.O_RDWR, sentinelMode)
	if err != nil {
		return nil, fmt.Errorf("globalcontrol: opening lock: %w", err)
	}
	for {
		err = unix.Flock(int(file.Fd()), unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("globalcontrol: taking lock: %w", err)
	}
	return func() {
		unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
	}, nil
}
