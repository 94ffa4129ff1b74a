/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package history maintains the annotation-encoded, bounded update history
// attached to a workload.
package history

import (
	"encoding/json"
	"time"
)

// MaxEntries is the bounded per-container history length.
const MaxEntries = 10

// Entry is one applied image/version change recorded against a workload.
type Entry struct {
	Container     string    `json:"container"`
	Image         string    `json:"image"`
	Timestamp     time.Time `json:"timestamp"`
	UpdateRequest string    `json:"updateRequestName,omitempty"`
	Approver      string    `json:"approver,omitempty"`
}

// Decode parses the annotation value into a per-container history map. An
// empty or malformed value decodes to an empty map rather than an error, so
// a workload with no prior history behaves the same as one with corrupted
// history: history starts fresh.
func Decode(raw string) map[string][]Entry {
	if raw == "" {
		return map[string][]Entry{}
	}
	var m map[string][]Entry
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string][]Entry{}
	}
	if m == nil {
		m = map[string][]Entry{}
	}
	return m
}

// Encode serializes the per-container history map back to its annotation
// representation.
func Encode(m map[string][]Entry) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Prepend adds a new entry to the front of container's history, truncating
// to MaxEntries.
func Prepend(m map[string][]Entry, container string, e Entry) map[string][]Entry {
	entries := append([]Entry{e}, m[container]...)
	if len(entries) > MaxEntries {
		entries = entries[:MaxEntries]
	}
	m[container] = entries
	return m
}

// PreviousImage returns the most recent history entry for container whose
// image differs from currentImage, or ("", false) if none exists. Used by
// rollback to find the prior image to restore.
func PreviousImage(m map[string][]Entry, container, currentImage string) (string, bool) {
	for _, e := range m[container] {
		if e.Image != currentImage {
			return e.Image, true
		}
	}
	return "", false
}
