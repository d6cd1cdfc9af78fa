// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/tidwall/jsonc"
)

// noSalt is the salt value the collector sends to mean "no salt".
const noSalt = "MSG"

// Policy is the parsed form of the collector's policy document.
type Policy struct {
	// Blacklist holds field names stripped from every event before
	// upload.
	Blacklist map[string]struct{}

	// Salt is appended to the device id before hashing. Empty means
	// no salt.
	Salt string

	// BlackoutUntil is the end of the blackout window. The zero time
	// means no blackout.
	BlackoutUntil time.Time

	// SessionTimeout overrides the host's session timeout when
	// positive.
	SessionTimeout time.Duration
}

// document is the wire shape of the policy. Each field is decoded
// separately so that one malformed field does not discard the rest.
type document struct {
	Blacklist      json.RawMessage `json:"blacklist"`
	Salt           json.RawMessage `json:"salt"`
	Blackout       json.RawMessage `json:"blackout"`
	SessionTimeout json.RawMessage `json:"sessionTimeOutSeconds"`
}

// Parse decodes a policy document. Comments and trailing commas are
// tolerated. A field that is missing or malformed takes its default
// (empty blacklist, no salt, no blackout, no session-timeout
// override); only a document that is not a JSON object is an error.
func Parse(data []byte) (Policy, error) {
	stripped := jsonc.ToJSON(data)
	if trimmed := bytes.TrimSpace(stripped); len(trimmed) == 0 || trimmed[0] != '{' {
		return Policy{}, fmt.Errorf("policy: document is not a JSON object")
	}

	var raw document
	if err := json.Unmarshal(stripped, &raw); err != nil {
		return Policy{}, fmt.Errorf("policy: parsing document: %w", err)
	}

	return Policy{
		Blacklist:      parseBlacklist(raw.Blacklist),
		Salt:           parseSalt(raw.Salt),
		BlackoutUntil:  parseBlackout(raw.Blackout),
		SessionTimeout: parseSessionTimeout(raw.SessionTimeout),
	}, nil
}

// parseBlacklist keeps every string element and ignores the rest.
func parseBlacklist(data json.RawMessage) map[string]struct{} {
	blacklist := make(map[string]struct{})
	var elements []json.RawMessage
	if json.Unmarshal(data, &elements) != nil {
		return blacklist
	}
	for _, element := range elements {
		var name string
		if json.Unmarshal(element, &name) == nil && name != "" {
			blacklist[name] = struct{}{}
		}
	}
	return blacklist
}

func parseSalt(data json.RawMessage) string {
	var salt string
	if json.Unmarshal(data, &salt) != nil || salt == noSalt {
		return ""
	}
	return salt
}

// Epoch seconds and timeouts beyond what time.Time and time.Duration
// can carry are clamped rather than wrapped.
const maxSeconds = float64(math.MaxInt64 / int64(time.Second))

// farFuture is the blackout deadline used for values past maxSeconds.
var farFuture = time.Unix(int64(maxSeconds), 0)

// parseBlackout reads epoch seconds. Fractional seconds are kept.
func parseBlackout(data json.RawMessage) time.Time {
	var seconds float64
	if json.Unmarshal(data, &seconds) != nil || seconds <= 0 {
		return time.Time{}
	}
	if seconds >= maxSeconds {
		return farFuture
	}
	whole, fraction := math.Modf(seconds)
	return time.Unix(int64(whole), int64(fraction*float64(time.Second)))
}

// parseSessionTimeout reads whole seconds. Values too large for a
// time.Duration become the largest one.
func parseSessionTimeout(data json.RawMessage) time.Duration {
	var seconds float64
	if json.Unmarshal(data, &seconds) != nil || seconds <= 0 || seconds != math.Trunc(seconds) {
		return 0
	}
	if seconds >= maxSeconds {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(seconds) * time.Second
}

// InBlackout reports whether now is at or before the blackout
// deadline.
func (p Policy) InBlackout(now time.Time) bool {
	return !p.BlackoutUntil.IsZero() && !now.After(p.BlackoutUntil)
}

// Blacklisted returns the blacklist in sorted order.
func (p Policy) Blacklisted() []string {
	names := make([]string, 0, len(p.Blacklist))
	for name := range p.Blacklist {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
