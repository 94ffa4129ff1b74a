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

// Package updaterequest computes the deterministic name an UpdateRequest
// custom resource is given so repeated discoveries of the same candidate
// coalesce onto a single resource, mirroring the
// {imageName}-{tagSanitized}-{digestShort} naming scheme the teacher uses
// for its detected-image resources.
package updaterequest

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"
)

var invalidLabelChars = regexp.MustCompile(`[^a-z0-9-]+`)

// sanitize lowercases s and replaces every run of characters outside the
// DNS label grammar with a single hyphen, trimming leading/trailing
// hyphens.
func sanitize(s string) string {
	s = strings.ToLower(s)
	s = invalidLabelChars.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "x"
	}
	return s
}

// maxNameLength is the kubernetes object name length limit.
const maxNameLength = 253

// Name computes the deterministic UpdateRequest name for a
// (kind, resource, containerName, newTag) tuple. Container name is omitted
// from the visible segments for chart targets (empty containerName).
func Name(kind, resource, containerName, newTag string) string {
	parts := []string{sanitize(kind), sanitize(resource)}
	if containerName != "" {
		parts = append(parts, sanitize(containerName))
	}
	parts = append(parts, sanitize(newTag))

	name := strings.Join(parts, "-")
	if len(name) <= maxNameLength {
		return name
	}

	// Truncate and append a short hash of the full tuple so distinct
	// long names never collide after truncation.
	sum := sha1.Sum([]byte(strings.Join([]string{kind, resource, containerName, newTag}, "/")))
	suffix := "-" + hex.EncodeToString(sum[:])[:8]
	keep := maxNameLength - len(suffix)
	if keep < 0 {
		keep = 0
	}
	if keep > len(name) {
		keep = len(name)
	}
	return strings.TrimRight(name[:keep], "-") + suffix
}
