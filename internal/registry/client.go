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

// Package registry defines the common contract implemented by the OCI and
// chart-index clients, and the typed error taxonomy they return.
package registry

import (
	"context"
	"fmt"
)

// ErrorKind classifies a registry failure so callers can decide whether to
// retry, surface, or drop the triggering event.
type ErrorKind string

const (
	ErrAuthRequired     ErrorKind = "AuthRequired"
	ErrAuthFailed       ErrorKind = "AuthFailed"
	ErrNotFound         ErrorKind = "NotFound"
	ErrRateLimited      ErrorKind = "RateLimited"
	ErrTransient        ErrorKind = "Transient"
	ErrMalformedResponse ErrorKind = "MalformedResponse"
)

// Error is the typed error every Client method returns on failure. Registry
// failures are returned values, not panics, so the reconciliation loop can
// classify and react without a type switch on arbitrary errors.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("registry: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("registry: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the error kind is one the backoff helper should
// retry (Transient and RateLimited), per the registry failure taxonomy.
func (e *Error) Retryable() bool {
	return e.Kind == ErrTransient || e.Kind == ErrRateLimited
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Credentials carries the resolved auth material for a single registry
// host. Exactly one of Token or Username/Password is expected to be set;
// an empty Credentials means anonymous access.
type Credentials struct {
	Username string
	Password string
	Token    string
}

// Empty reports whether no auth material is present.
func (c Credentials) Empty() bool {
	return c.Username == "" && c.Password == "" && c.Token == ""
}

// ImageRef is a parsed `registry/repository:tag[@digest]` reference.
type ImageRef struct {
	Registry   string
	Repository string
	Tag        string
	Digest     string
}

// String renders the reference back to its textual form.
func (r ImageRef) String() string {
	s := r.Repository
	if r.Registry != "" {
		s = r.Registry + "/" + r.Repository
	}
	if r.Tag != "" {
		s += ":" + r.Tag
	} else {
		s += ":latest"
	}
	if r.Digest != "" {
		s += "@" + r.Digest
	}
	return s
}

// Client is the contract for enumerating tags and resolving digests against
// an OCI-compliant registry.
type Client interface {
	// ListTags returns every tag for the given repository.
	ListTags(ctx context.Context, ref ImageRef, creds Credentials) ([]string, error)

	// ResolveDigest returns the content digest the given tag currently
	// points at.
	ResolveDigest(ctx context.Context, ref ImageRef, creds Credentials) (string, error)
}

// ChartVersionLister enumerates chart versions available under a chart
// repository reference, which may be an oci:// reference (delegated to a
// Client) or an HTTP(S) index.yaml URL.
type ChartVersionLister interface {
	ListChartVersions(ctx context.Context, repoRef, chartName string, creds Credentials) ([]string, error)
}
