// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Draft accumulates fields for an event. Setters record the first
// error and ignore later calls; Build reports it. Setting a name that
// already exists replaces the value in its original position.
//
//	built, err := event.NewDraft(event.AppDefined, now).
//	    String("screen", "checkout").
//	    Int("items", 3).
//	    WithDeviceID().
//	    Build()
type Draft struct {
	kind   Kind
	fields []Field
	err    error
}

// NewDraft starts an event of the given kind created at createdAt.
// The kind and timestamp fields are set immediately.
func NewDraft(kind Kind, createdAt time.Time) *Draft {
	draft := &Draft{kind: kind}
	name, _ := json.Marshal(kind.String())
	draft.set(FieldKind, name)
	draft.set(FieldTimestamp, json.RawMessage(strconv.FormatInt(createdAt.UnixMilli(), 10)))
	return draft
}

// String sets a string field.
func (d *Draft) String(name, value string) *Draft {
	encoded, err := json.Marshal(value)
	if err != nil {
		return d.fail(fmt.Errorf("event: field %q: %w", name, err))
	}
	return d.user(name, encoded)
}

// Int sets an integer field.
func (d *Draft) Int(name string, value int64) *Draft {
	return d.user(name, json.RawMessage(strconv.FormatInt(value, 10)))
}

// Float sets a numeric field. NaN and infinities are rejected.
func (d *Draft) Float(name string, value float64) *Draft {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return d.fail(fmt.Errorf("event: field %q: %v is not representable in JSON", name, value))
	}
	return d.user(name, json.RawMessage(strconv.FormatFloat(value, 'g', -1, 64)))
}

// Bool sets a boolean field.
func (d *Draft) Bool(name string, value bool) *Draft {
	return d.user(name, json.RawMessage(strconv.FormatBool(value)))
}

// Raw sets a field from encoded JSON, which must be a single scalar.
func (d *Draft) Raw(name string, value json.RawMessage) *Draft {
	if err := validateScalar(value); err != nil {
		return d.fail(fmt.Errorf("event: field %q: %w", name, err))
	}
	compacted := bytes.TrimSpace(value)
	return d.user(name, append(json.RawMessage(nil), compacted...))
}

// WithDeviceID marks the device-id field as pending resolution.
func (d *Draft) WithDeviceID() *Draft {
	d.set(FieldDeviceID, pendingDeviceID)
	return d
}

// Build freezes the draft.
func (d *Draft) Build() (Event, error) {
	if d.err != nil {
		return Event{}, d.err
	}
	fields := make([]Field, len(d.fields))
	copy(fields, d.fields)
	return Event{kind: d.kind, fields: fields}, nil
}

// MustBuild is Build for drafts assembled from constants; it panics on
// error.
func (d *Draft) MustBuild() Event {
	built, err := d.Build()
	if err != nil {
		panic(err)
	}
	return built
}

func (d *Draft) user(name string, value json.RawMessage) *Draft {
	switch name {
	case "":
		return d.fail(errors.New("event: empty field name"))
	case FieldKind, FieldTimestamp, FieldDeviceID:
		return d.fail(fmt.Errorf("event: field name %q is reserved", name))
	}
	d.set(name, value)
	return d
}

func (d *Draft) set(name string, value json.RawMessage) {
	if d.err != nil {
		return
	}
	for i := range d.fields {
		if d.fields[i].Name == name {
			d.fields[i].Value = value
			return
		}
	}
	d.fields = append(d.fields, Field{Name: name, Value: value})
}

func (d *Draft) fail(err error) *Draft {
	if d.err == nil {
		d.err = err
	}
	return d
}

func validateScalar(value json.RawMessage) error {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 {
		return errors.New("empty value")
	}
	if !json.Valid(trimmed) {
		return errors.New("invalid JSON")
	}
	switch trimmed[0] {
	case '{', '[':
		return errors.New("value must be a JSON scalar")
	}
	return nil
}
