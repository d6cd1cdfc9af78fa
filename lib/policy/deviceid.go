// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// DeviceIDSource supplies the raw device id. It may be slow or
// permission-gated, so the enforcer calls it at most once per batch
// and only when some event in the batch needs it. An empty id with a
// nil error means no id is available.
type DeviceIDSource interface {
	DeviceID(ctx context.Context) (string, error)
}

// DeviceIDFunc adapts a function to [DeviceIDSource].
type DeviceIDFunc func(ctx context.Context) (string, error)

// DeviceID calls f.
func (f DeviceIDFunc) DeviceID(ctx context.Context) (string, error) { return f(ctx) }

// StaticDeviceID is a DeviceIDSource that always returns itself.
type StaticDeviceID string

// DeviceID returns s.
func (s StaticDeviceID) DeviceID(context.Context) (string, error) { return string(s), nil }

// deviceIDDomainKey separates device-id hashes from any other BLAKE3
// keyed hash of the same bytes. Changing it changes every device hash
// the collector has seen.
var deviceIDDomainKey = [32]byte{
	'b', 'e', 'a', 'c', 'o', 'n', '.', 'd', 'e', 'v', 'i', 'c', 'e', '-', 'i', 'd',
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// HashDeviceID returns the hex BLAKE3 keyed hash of deviceID followed
// by salt.
func HashDeviceID(deviceID, salt string) string {
	hasher, err := blake3.NewKeyed(deviceIDDomainKey[:])
	if err != nil {
		panic("policy: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.WriteString(deviceID)
	hasher.WriteString(salt)
	return hex.EncodeToString(hasher.Sum(nil))
}
