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

// Package policy decides whether a candidate tag is an acceptable successor
// to a workload's current tag, and selects the best among a set of
// candidates.
package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the policy decision rule attached to a workload via annotation.
type Kind string

const (
	KindNone  Kind = "None"
	KindPatch Kind = "Patch"
	KindMinor Kind = "Minor"
	KindMajor Kind = "Major"
	KindAll   Kind = "All"
	KindGlob  Kind = "Glob"
	KindForce Kind = "Force"
)

const (
	annotationPrefix = "headwind.sh/"

	AnnotationPolicy             = annotationPrefix + "policy"
	AnnotationPattern            = annotationPrefix + "pattern"
	AnnotationRequireApproval    = annotationPrefix + "require-approval"
	AnnotationMinUpdateInterval  = annotationPrefix + "min-update-interval"
	AnnotationImages             = annotationPrefix + "images"
	AnnotationEventSource        = annotationPrefix + "event-source"
	AnnotationPollingInterval    = annotationPrefix + "polling-interval"
	AnnotationAutoRollback       = annotationPrefix + "auto-rollback"
	AnnotationRollbackTimeout    = annotationPrefix + "rollback-timeout"
	AnnotationHealthCheckRetries = annotationPrefix + "health-check-retries"
	AnnotationLastUpdate         = annotationPrefix + "last-update"
	AnnotationUpdateHistory      = annotationPrefix + "update-history"
)

// EventSource is the provenance filter for a workload's policy.
type EventSource string

const (
	EventSourceWebhook EventSource = "Webhook"
	EventSourcePolling EventSource = "Polling"
	EventSourceBoth    EventSource = "Both"
	EventSourceNone    EventSource = "None"
)

// Accepts reports whether an event from the given provenance should be
// considered for this policy.
func (s EventSource) Accepts(source EventSource) bool {
	switch s {
	case EventSourceBoth:
		return true
	case EventSourceNone:
		return false
	case "":
		return source == EventSourceWebhook
	default:
		return s == source
	}
}

// Policy is the per-workload value object parsed from annotations.
type Policy struct {
	Kind               Kind
	Pattern            string
	RequireApproval    bool
	MinUpdateInterval  time.Duration
	TrackedImages      map[string]struct{}
	EventSource        EventSource
	PollingInterval    time.Duration
	AutoRollback       bool
	RollbackTimeout    time.Duration
	HealthCheckRetries int
}

// DefaultMinUpdateInterval is applied when the annotation is absent.
const DefaultMinUpdateInterval = 300 * time.Second

// DefaultRollbackTimeout is applied when auto-rollback is enabled without an
// explicit timeout.
const DefaultRollbackTimeout = 120 * time.Second

// DefaultHealthCheckRetries is applied when auto-rollback is enabled without
// an explicit retry count.
const DefaultHealthCheckRetries = 3

// ParseAnnotations builds a Policy from a workload's annotation map. Parse
// errors are returned so the caller can keep the previous valid policy and
// set a status condition, per the reconciler's annotation-parse error rule.
func ParseAnnotations(annotations map[string]string) (Policy, error) {
	p := Policy{
		RequireApproval:   true,
		MinUpdateInterval: DefaultMinUpdateInterval,
		EventSource:       EventSourceWebhook,
	}

	kindRaw := strings.TrimSpace(annotations[AnnotationPolicy])
	if kindRaw == "" {
		p.Kind = KindNone
	} else {
		kind := Kind(kindRaw)
		switch kind {
		case KindNone, KindPatch, KindMinor, KindMajor, KindAll, KindGlob, KindForce:
			p.Kind = kind
		default:
			return Policy{}, fmt.Errorf("unknown policy kind %q", kindRaw)
		}
	}

	if p.Kind == KindGlob {
		p.Pattern = annotations[AnnotationPattern]
		if p.Pattern == "" {
			return Policy{}, fmt.Errorf("policy kind Glob requires %s", AnnotationPattern)
		}
	}

	if raw, ok := annotations[AnnotationRequireApproval]; ok {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return Policy{}, fmt.Errorf("invalid %s: %w", AnnotationRequireApproval, err)
		}
		p.RequireApproval = b
	}

	if raw, ok := annotations[AnnotationMinUpdateInterval]; ok {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Policy{}, fmt.Errorf("invalid %s: %w", AnnotationMinUpdateInterval, err)
		}
		p.MinUpdateInterval = d
	}

	if raw, ok := annotations[AnnotationImages]; ok && raw != "" {
		p.TrackedImages = map[string]struct{}{}
		for _, name := range strings.Split(raw, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				p.TrackedImages[name] = struct{}{}
			}
		}
	}

	if raw, ok := annotations[AnnotationEventSource]; ok && raw != "" {
		src := EventSource(raw)
		switch src {
		case EventSourceWebhook, EventSourcePolling, EventSourceBoth, EventSourceNone:
			p.EventSource = src
		default:
			return Policy{}, fmt.Errorf("invalid %s: %q", AnnotationEventSource, raw)
		}
	}

	if raw, ok := annotations[AnnotationPollingInterval]; ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Policy{}, fmt.Errorf("invalid %s: %w", AnnotationPollingInterval, err)
		}
		p.PollingInterval = d
	}

	if raw, ok := annotations[AnnotationAutoRollback]; ok {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return Policy{}, fmt.Errorf("invalid %s: %w", AnnotationAutoRollback, err)
		}
		p.AutoRollback = b
	}

	p.RollbackTimeout = DefaultRollbackTimeout
	if raw, ok := annotations[AnnotationRollbackTimeout]; ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Policy{}, fmt.Errorf("invalid %s: %w", AnnotationRollbackTimeout, err)
		}
		p.RollbackTimeout = d
	}

	p.HealthCheckRetries = DefaultHealthCheckRetries
	if raw, ok := annotations[AnnotationHealthCheckRetries]; ok && raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Policy{}, fmt.Errorf("invalid %s: %w", AnnotationHealthCheckRetries, err)
		}
		p.HealthCheckRetries = n
	}

	return p, nil
}

// TracksImage reports whether this policy applies to the named container
// image. An empty TrackedImages set means "all containers".
func (p Policy) TracksImage(imageName string) bool {
	if len(p.TrackedImages) == 0 {
		return true
	}
	_, ok := p.TrackedImages[imageName]
	return ok
}
