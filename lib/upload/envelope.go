// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bureau-foundation/beacon/lib/event"
)

// Metadata identifies the sender of a batch.
type Metadata struct {
	// APIVersion is sent as "qcv".
	APIVersion string

	// APIKey is sent as "apikey". When empty, PartnerCode is sent as
	// "pcode" instead.
	APIKey      string
	PartnerCode string

	// DeviceID is sent as "did" when non-empty.
	DeviceID string

	// PackageID is the host app's package id, sent as "pkid".
	PackageID string
}

// Envelope is the decoded form of an upload body, used by the
// receiving side.
type Envelope struct {
	UploadID    string            `json:"uplid"`
	APIVersion  string            `json:"qcv"`
	APIKey      string            `json:"apikey,omitempty"`
	PartnerCode string            `json:"pcode,omitempty"`
	DeviceID    string            `json:"did,omitempty"`
	PackageID   string            `json:"pkid"`
	Events      []json.RawMessage `json:"events"`
}

// EncodeEnvelope builds the JSON body for batch. Keys are written in
// the fixed envelope order and each event keeps its field order.
func EncodeEnvelope(uploadID string, batch []event.Record, meta Metadata) ([]byte, error) {
	var buffer bytes.Buffer
	buffer.WriteByte('{')

	writeString := func(key, value string) error {
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("upload: encoding %s: %w", key, err)
		}
		if buffer.Len() > 1 {
			buffer.WriteByte(',')
		}
		buffer.WriteByte('"')
		buffer.WriteString(key)
		buffer.WriteString(`":`)
		buffer.Write(encoded)
		return nil
	}

	if err := writeString("uplid", uploadID); err != nil {
		return nil, err
	}
	if err := writeString("qcv", meta.APIVersion); err != nil {
		return nil, err
	}
	credentialKey, credential := "apikey", meta.APIKey
	if credential == "" {
		credentialKey, credential = "pcode", meta.PartnerCode
	}
	if err := writeString(credentialKey, credential); err != nil {
		return nil, err
	}
	if meta.DeviceID != "" {
		if err := writeString("did", meta.DeviceID); err != nil {
			return nil, err
		}
	}
	if err := writeString("pkid", meta.PackageID); err != nil {
		return nil, err
	}

	buffer.WriteString(`,"events":[`)
	for i, record := range batch {
		if i > 0 {
			buffer.WriteByte(',')
		}
		encoded, err := record.Event.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("upload: encoding event %d: %w", record.ID, err)
		}
		buffer.Write(encoded)
	}
	buffer.WriteString("]}")
	return buffer.Bytes(), nil
}

// DecodeEnvelope parses an upload body produced by EncodeEnvelope.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("upload: decoding envelope: %w", err)
	}
	if envelope.UploadID == "" {
		return Envelope{}, errors.New("upload: envelope has no uplid")
	}
	return envelope, nil
}
