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

// Package oci implements registry.Client against OCI-compliant registries
// using go-containerregistry's remote transport.
package oci

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"

	"github.com/headwind-sh/headwind/internal/registry"
)

// Client lists tags and resolves digests against any registry implementing
// the Docker/OCI distribution spec.
type Client struct {
	// Backoff governs retry of Transient/RateLimited failures.
	Backoff registry.Backoff
}

// NewClient constructs an oci.Client with the default registry backoff
// schedule (3 retries, 1s/2s/4s base, +-20% jitter).
func NewClient() *Client {
	return &Client{Backoff: registry.DefaultBackoff()}
}

func authenticator(creds registry.Credentials) authn.Authenticator {
	switch {
	case creds.Token != "":
		return &authn.Bearer{Token: creds.Token}
	case creds.Username != "" || creds.Password != "":
		return &authn.Basic{Username: creds.Username, Password: creds.Password}
	default:
		return authn.Anonymous
	}
}

func repoRef(ref registry.ImageRef) (name.Repository, error) {
	repo := ref.Repository
	if ref.Registry != "" {
		repo = ref.Registry + "/" + ref.Repository
	}
	return name.NewRepository(repo)
}

// ListTags returns every tag published under the repository.
func (c *Client) ListTags(ctx context.Context, ref registry.ImageRef, creds registry.Credentials) ([]string, error) {
	repo, err := repoRef(ref)
	if err != nil {
		return nil, &registry.Error{Kind: registry.ErrMalformedResponse, Op: "ListTags", Err: err}
	}

	var tags []string
	err = c.Backoff.Do(ctx, func() error {
		var listErr error
		tags, listErr = remote.List(repo,
			remote.WithContext(ctx),
			remote.WithAuth(authenticator(creds)),
		)
		return classify("ListTags", listErr)
	})
	if err != nil {
		return nil, err
	}
	return tags, nil
}

// ResolveDigest returns the digest the given tag currently points at.
func (c *Client) ResolveDigest(ctx context.Context, ref registry.ImageRef, creds registry.Credentials) (string, error) {
	repo, err := repoRef(ref)
	if err != nil {
		return "", &registry.Error{Kind: registry.ErrMalformedResponse, Op: "ResolveDigest", Err: err}
	}

	tag := ref.Tag
	if tag == "" {
		tag = "latest"
	}
	tagRef := repo.Tag(tag)

	var digest string
	err = c.Backoff.Do(ctx, func() error {
		desc, descErr := remote.Head(tagRef,
			remote.WithContext(ctx),
			remote.WithAuth(authenticator(creds)),
		)
		if descErr != nil {
			return classify("ResolveDigest", descErr)
		}
		digest = desc.Digest.String()
		return nil
	})
	if err != nil {
		return "", err
	}
	return digest, nil
}

// classify maps a go-containerregistry transport error to the registry
// failure taxonomy so callers can decide whether to retry or surface it.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var terr *transport.Error
	if errors.As(err, &terr) {
		switch terr.StatusCode {
		case http.StatusUnauthorized:
			return &registry.Error{Kind: registry.ErrAuthRequired, Op: op, Err: err}
		case http.StatusForbidden:
			return &registry.Error{Kind: registry.ErrAuthFailed, Op: op, Err: err}
		case http.StatusNotFound:
			return &registry.Error{Kind: registry.ErrNotFound, Op: op, Err: err}
		case http.StatusTooManyRequests:
			return &registry.Error{Kind: registry.ErrRateLimited, Op: op, Err: err}
		default:
			if terr.StatusCode >= 500 {
				return &registry.Error{Kind: registry.ErrTransient, Op: op, Err: err}
			}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &registry.Error{Kind: registry.ErrTransient, Op: op, Err: err}
	}

	if strings.Contains(err.Error(), "connection refused") || strings.Contains(err.Error(), "timeout") {
		return &registry.Error{Kind: registry.ErrTransient, Op: op, Err: err}
	}

	return &registry.Error{Kind: registry.ErrMalformedResponse, Op: op, Err: err}
}
