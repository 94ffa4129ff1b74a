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

// Package creds decodes image-pull-secret docker config json into
// per-registry-host credentials.
package creds

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/headwind-sh/headwind/internal/registry"
)

type entry struct {
	username, password, registry, provenance string
}

// Set is a decoded collection of per-host credentials gathered from one or
// more pull secrets.
type Set struct {
	byHost map[string]entry
}

// Empty returns a usable Set with no credentials.
func Empty() Set {
	return Set{byHost: map[string]entry{}}
}

// Merge folds o's entries into s, overwriting on host collision.
func (s Set) Merge(o Set) {
	for host, e := range o.byHost {
		s.byHost[host] = e
	}
}

// For returns the resolved Credentials for the given registry host. An
// unknown host yields an empty Credentials (anonymous attempt).
func (s Set) For(host string) registry.Credentials {
	e, ok := s.byHost[host]
	if !ok {
		return registry.Credentials{}
	}
	return registry.Credentials{Username: e.username, Password: e.password}
}

func decodeAuth(auth string) (entry, error) {
	decoded, err := base64.StdEncoding.DecodeString(auth)
	if err != nil {
		return entry{}, err
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return entry{}, fmt.Errorf("decoded auth has wrong number of fields (want 2, got %d)", len(parts))
	}
	return entry{username: parts[0], password: parts[1]}, nil
}

// Parse decodes a .dockerconfigjson payload (or its bare k8s-secret-data
// variant) into a Set, keyed by normalized registry host.
func Parse(from string, data []byte) (Set, error) {
	var config struct {
		Auths map[string]struct {
			Auth string `json:"auth"`
		} `json:"auths"`
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return Set{}, fmt.Errorf("parse docker config json from %s: %w", from, err)
	}

	if len(config.Auths) == 0 {
		if err := json.Unmarshal(data, &config.Auths); err != nil {
			return Set{}, fmt.Errorf("parse docker config json from %s: %w", from, err)
		}
	}

	set := Empty()
	for host, raw := range config.Auths {
		if host == "http://" || host == "https://" {
			return Set{}, fmt.Errorf("empty registry auth url in %s", from)
		}

		e, err := decodeAuth(raw.Auth)
		if err != nil {
			return Set{}, fmt.Errorf("decode auth for %s in %s: %w", host, from, err)
		}

		u, err := url.Parse(host)
		if err != nil || u.Host == "" {
			u, err = url.Parse("https://" + host + "/")
			if err != nil {
				return Set{}, fmt.Errorf("invalid registry host %q in %s: %w", host, from, err)
			}
		}
		if u.Host == "" {
			return Set{}, fmt.Errorf("invalid registry auth url %q in %s", host, from)
		}

		e.registry = u.Host
		e.provenance = from
		set.byHost[u.Host] = e
	}
	return set, nil
}

// Resolver collects image-pull secrets referenced by a service account (or
// named directly) and decodes them into a credential Set.
type Resolver struct {
	Client client.Client
}

// NewResolver constructs a Resolver against the given cluster client.
func NewResolver(c client.Client) *Resolver {
	return &Resolver{Client: c}
}

// ForServiceAccount resolves the pull-secret credentials referenced by the
// named service account's imagePullSecrets.
func (r *Resolver) ForServiceAccount(ctx context.Context, namespace, name string) (Set, error) {
	var sa corev1.ServiceAccount
	if err := r.Client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, &sa); err != nil {
		return Set{}, fmt.Errorf("get service account %s/%s: %w", namespace, name, err)
	}

	result := Empty()
	for _, ref := range sa.ImagePullSecrets {
		set, err := r.ForSecret(ctx, namespace, ref.Name)
		if err != nil {
			return Set{}, err
		}
		result.Merge(set)
	}
	return result, nil
}

// ForSecret decodes a single kubernetes.io/dockerconfigjson secret.
func (r *Resolver) ForSecret(ctx context.Context, namespace, name string) (Set, error) {
	var secret corev1.Secret
	if err := r.Client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, &secret); err != nil {
		return Set{}, fmt.Errorf("get secret %s/%s: %w", namespace, name, err)
	}

	data, ok := secret.Data[corev1.DockerConfigJsonKey]
	if !ok {
		data, ok = secret.Data[corev1.DockerConfigKey]
	}
	if !ok {
		return Empty(), nil
	}

	return Parse(namespace+"/"+name, data)
}
