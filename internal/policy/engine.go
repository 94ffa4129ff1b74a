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

package policy

import (
	"sort"

	"github.com/ryanuber/go-glob"
)

// Decision is the outcome of evaluating a single candidate tag.
type Decision int

const (
	Reject Decision = iota
	Accept
)

// Engine evaluates policies against current/candidate tag pairs.
type Engine struct{}

// NewEngine constructs a policy Engine. Stateless; safe for concurrent use.
func NewEngine() *Engine {
	return &Engine{}
}

// Decide reports whether candidateTag is an acceptable successor to
// currentTag under the given policy.
func (e *Engine) Decide(p Policy, currentTag, candidateTag string) Decision {
	if candidateTag == currentTag {
		return Reject
	}

	current := ParseVersion(currentTag)
	candidate := ParseVersion(candidateTag)

	switch p.Kind {
	case KindNone:
		return Reject

	case KindForce:
		return Accept

	case KindAll:
		if e.prereleaseBlocked(p, current, candidate) {
			return Reject
		}
		return Accept

	case KindGlob:
		if !glob.Glob(p.Pattern, candidateTag) {
			return Reject
		}
		if e.prereleaseBlocked(p, current, candidate) {
			return Reject
		}
		return Accept

	case KindPatch:
		if !candidate.IsSemver() || !current.IsSemver() {
			return Reject
		}
		if e.prereleaseBlocked(p, current, candidate) {
			return Reject
		}
		if candidate.Major() != current.Major() || candidate.Minor() != current.Minor() {
			return Reject
		}
		if !candidate.GreaterThan(current) {
			return Reject
		}
		return Accept

	case KindMinor:
		if !candidate.IsSemver() || !current.IsSemver() {
			return Reject
		}
		if e.prereleaseBlocked(p, current, candidate) {
			return Reject
		}
		if candidate.Major() != current.Major() {
			return Reject
		}
		if candidate.Minor() < current.Minor() {
			return Reject
		}
		if !candidate.GreaterThan(current) {
			return Reject
		}
		return Accept

	case KindMajor:
		if !candidate.IsSemver() || !current.IsSemver() {
			return Reject
		}
		if e.prereleaseBlocked(p, current, candidate) {
			return Reject
		}
		if !candidate.GreaterThan(current) {
			return Reject
		}
		return Accept

	default:
		return Reject
	}
}

// prereleaseBlocked implements the pre-release admission rule: a
// pre-release candidate is considered only if current is itself a
// pre-release of the same (major,minor,patch), or the policy is one of
// All/Force/Glob (Force and All are handled by their own callers, so this
// only needs to gate the banded policies plus Glob).
func (e *Engine) prereleaseBlocked(p Policy, current, candidate Version) bool {
	if !candidate.IsPrerelease() {
		return false
	}
	if p.Kind == KindAll || p.Kind == KindForce || p.Kind == KindGlob {
		return false
	}
	if current.IsPrerelease() && current.SamePatchSeries(candidate) {
		return false
	}
	return true
}

// SelectBest returns the best candidate among candidates that Decide
// accepts, or ("", false) if none are acceptable.
func (e *Engine) SelectBest(p Policy, currentTag string, candidates []string) (string, bool) {
	var accepted []string
	for _, c := range candidates {
		if e.Decide(p, currentTag, c) == Accept {
			accepted = append(accepted, c)
		}
	}
	if len(accepted) == 0 {
		return "", false
	}

	var semverAccepted []string
	var rest []string
	for _, c := range accepted {
		if ParseVersion(c).IsSemver() {
			semverAccepted = append(semverAccepted, c)
		} else {
			rest = append(rest, c)
		}
	}

	if len(semverAccepted) > 0 {
		sort.Slice(semverAccepted, func(i, j int) bool {
			return ParseVersion(semverAccepted[i]).GreaterThan(ParseVersion(semverAccepted[j]))
		})
		return semverAccepted[0], true
	}

	sort.Slice(rest, func(i, j int) bool {
		return rest[i] > rest[j]
	})
	return rest[0], true
}
