// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"bytes"
	"encoding/json"
)

// Reserved field names written by the SDK itself.
const (
	// FieldKind holds the kind's wire name.
	FieldKind = "evt"
	// FieldTimestamp holds the creation time in Unix milliseconds.
	FieldTimestamp = "ts"
	// FieldDeviceID holds the salted device-id hash once resolved. An
	// empty string value marks it as pending.
	FieldDeviceID = "did"
)

// pendingDeviceID is the stored placeholder for an unresolved device id.
var pendingDeviceID = json.RawMessage(`""`)

// Field is one named value. Value is encoded JSON text of a scalar.
type Field struct {
	Name  string
	Value json.RawMessage
}

// Event is an immutable, ordered set of fields with a kind. The zero
// Event has kind Generic and no fields.
type Event struct {
	kind   Kind
	fields []Field
}

// Record is an event together with the identity the durable store
// assigned to it.
type Record struct {
	ID    int64
	Event Event
}

// Restore rebuilds an event from stored fields. The kind is taken
// from the "evt" field; an absent or unknown kind yields Generic.
func Restore(fields []Field) Event {
	kind := Generic
	for _, field := range fields {
		if field.Name != FieldKind {
			continue
		}
		var name string
		if json.Unmarshal(field.Value, &name) == nil {
			if parsed, err := ParseKind(name); err == nil {
				kind = parsed
			}
		}
		break
	}
	copied := make([]Field, len(fields))
	copy(copied, fields)
	return Event{kind: kind, fields: copied}
}

// Kind returns the event's kind.
func (e Event) Kind() Kind { return e.kind }

// Len returns the number of fields.
func (e Event) Len() int { return len(e.fields) }

// Fields returns a copy of the fields in order.
func (e Event) Fields() []Field {
	copied := make([]Field, len(e.fields))
	copy(copied, e.fields)
	return copied
}

// Get returns the encoded value of the named field.
func (e Event) Get(name string) (json.RawMessage, bool) {
	for _, field := range e.fields {
		if field.Name == name {
			return field.Value, true
		}
	}
	return nil, false
}

// Has reports whether the event contains the named field.
func (e Event) Has(name string) bool {
	_, ok := e.Get(name)
	return ok
}

// DeviceIDPending reports whether the device-id field is present and
// still holds the placeholder.
func (e Event) DeviceIDPending() bool {
	value, ok := e.Get(FieldDeviceID)
	return ok && bytes.Equal(value, pendingDeviceID)
}

// Without returns a copy of the event lacking every field whose name
// is in names. The kind is unchanged even if "evt" is removed.
func (e Event) Without(names map[string]struct{}) Event {
	if len(names) == 0 {
		return e
	}
	kept := make([]Field, 0, len(e.fields))
	for _, field := range e.fields {
		if _, drop := names[field.Name]; !drop {
			kept = append(kept, field)
		}
	}
	return Event{kind: e.kind, fields: kept}
}

// ResolveDeviceID returns a copy with a pending device-id field
// replaced by hash, or removed entirely when hash is empty. Events
// without a pending device id are returned unchanged.
func (e Event) ResolveDeviceID(hash string) Event {
	if !e.DeviceIDPending() {
		return e
	}
	resolved := make([]Field, 0, len(e.fields))
	for _, field := range e.fields {
		if field.Name != FieldDeviceID {
			resolved = append(resolved, field)
			continue
		}
		if hash == "" {
			continue
		}
		encoded, _ := json.Marshal(hash)
		resolved = append(resolved, Field{Name: FieldDeviceID, Value: encoded})
	}
	return Event{kind: e.kind, fields: resolved}
}

// MarshalJSON encodes the event as a JSON object with fields in order.
func (e Event) MarshalJSON() ([]byte, error) {
	var buffer bytes.Buffer
	buffer.WriteByte('{')
	for i, field := range e.fields {
		if i > 0 {
			buffer.WriteByte(',')
		}
		name, err := json.Marshal(field.Name)
		if err != nil {
			return nil, err
		}
		buffer.Write(name)
		buffer.WriteByte(':')
		buffer.Write(field.Value)
	}
	buffer.WriteByte('}')
	return buffer.Bytes(), nil
}
