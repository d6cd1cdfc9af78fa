// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import "fmt"

// Kind classifies an event and determines its scheduling traits.
type Kind uint8

const (
	// Generic is the zero Kind, used for events whose kind is unknown
	// (for example, a stored event whose kind field was redacted).
	Generic Kind = iota
	BeginSession
	EndSession
	Pause
	Resume
	AppDefined
	Location
	Latency
	SDKError
)

type kindTraits struct {
	name          string
	forceUpload   bool
	pausesUpload  bool
	resumesUpload bool
}

var kindTable = [...]kindTraits{
	Generic:      {name: "generic"},
	BeginSession: {name: "begin_session", forceUpload: true, resumesUpload: true},
	EndSession:   {name: "end_session", forceUpload: true, pausesUpload: true},
	Pause:        {name: "pause", forceUpload: true, pausesUpload: true},
	Resume:       {name: "resume", resumesUpload: true},
	AppDefined:   {name: "app"},
	Location:     {name: "location"},
	Latency:      {name: "latency"},
	SDKError:     {name: "sdk_error", forceUpload: true},
}

func (k Kind) traits() kindTraits {
	if int(k) >= len(kindTable) {
		return kindTable[Generic]
	}
	return kindTable[k]
}

// String returns the wire name of the kind, as stored in the "evt"
// field.
func (k Kind) String() string { return k.traits().name }

// ForceUpload reports whether an event of this kind triggers an
// immediate upload attempt.
func (k Kind) ForceUpload() bool { return k.traits().forceUpload }

// PausesUpload reports whether an event of this kind suspends uploads.
func (k Kind) PausesUpload() bool { return k.traits().pausesUpload }

// ResumesUpload reports whether an event of this kind lifts an upload
// suspension.
func (k Kind) ResumesUpload() bool { return k.traits().resumesUpload }

// ParseKind returns the Kind whose wire name is name.
func ParseKind(name string) (Kind, error) {
	for kind, traits := range kindTable {
		if traits.name == name {
			return Kind(kind), nil
		}
	}
	return Generic, fmt.Errorf("event: unknown kind %q", name)
}

// Kinds returns every defined kind in table order.
func Kinds() []Kind {
	kinds := make([]Kind, len(kindTable))
	for i := range kindTable {
		kinds[i] = Kind(i)
	}
	return kinds
}
