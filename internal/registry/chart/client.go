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

// Package chart lists Helm chart versions from either an HTTP repository
// index.yaml or an oci:// reference, the latter delegated to the OCI tag
// lister. The scheme on repoRef is the sole disambiguator between the two,
// which is why a chart name can never collide with an unrelated image name
// in the default registry the way it could when resolution is heuristic.
package chart

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/headwind-sh/headwind/internal/registry"
)

// Index mirrors the subset of a Helm repository index.yaml this client
// needs: chart name to the list of published entries.
type Index struct {
	APIVersion string                   `json:"apiVersion"`
	Entries    map[string][]IndexEntry `json:"entries"`
}

// IndexEntry is one published chart version within an index.yaml entry.
type IndexEntry struct {
	Version string `json:"version"`
	Name    string `json:"name"`
}

// OCITagLister is the subset of registry.Client the chart client delegates
// oci:// references to.
type OCITagLister interface {
	ListTags(ctx context.Context, ref registry.ImageRef, creds registry.Credentials) ([]string, error)
}

// Client lists chart versions from HTTP index.yaml repositories, delegating
// oci:// repository references to an OCITagLister.
type Client struct {
	HTTP *http.Client
	OCI  OCITagLister
}

// NewClient constructs a chart.Client. oci is the tag lister used for
// oci:// chart repository references.
func NewClient(oci OCITagLister) *Client {
	return &Client{HTTP: http.DefaultClient, OCI: oci}
}

// ListChartVersions returns every published version of chartName under
// repoRef. repoRef beginning with "oci://" is delegated to the OCI tag
// lister with the chart name as the repository path; otherwise repoRef is
// treated as the base URL of an HTTP chart repository and its index.yaml is
// fetched and filtered.
func (c *Client) ListChartVersions(ctx context.Context, repoRef, chartName string, creds registry.Credentials) ([]string, error) {
	if strings.HasPrefix(repoRef, "oci://") {
		repoPath := strings.TrimPrefix(repoRef, "oci://")
		ref := registry.ImageRef{Registry: repoPath, Repository: chartName}
		return c.OCI.ListTags(ctx, ref, creds)
	}

	indexURL := strings.TrimSuffix(repoRef, "/") + "/index.yaml"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, indexURL, nil)
	if err != nil {
		return nil, &registry.Error{Kind: registry.ErrMalformedResponse, Op: "ListChartVersions", Err: err}
	}
	if !creds.Empty() {
		if creds.Token != "" {
			req.Header.Set("Authorization", "Bearer "+creds.Token)
		} else {
			req.SetBasicAuth(creds.Username, creds.Password)
		}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &registry.Error{Kind: registry.ErrTransient, Op: "ListChartVersions", Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, &registry.Error{Kind: registry.ErrAuthRequired, Op: "ListChartVersions", Err: fmt.Errorf("401 from %s", indexURL)}
	case http.StatusForbidden:
		return nil, &registry.Error{Kind: registry.ErrAuthFailed, Op: "ListChartVersions", Err: fmt.Errorf("403 from %s", indexURL)}
	case http.StatusNotFound:
		return nil, &registry.Error{Kind: registry.ErrNotFound, Op: "ListChartVersions", Err: fmt.Errorf("404 from %s", indexURL)}
	case http.StatusTooManyRequests:
		return nil, &registry.Error{Kind: registry.ErrRateLimited, Op: "ListChartVersions", Err: fmt.Errorf("429 from %s", indexURL)}
	default:
		if resp.StatusCode >= 500 {
			return nil, &registry.Error{Kind: registry.ErrTransient, Op: "ListChartVersions", Err: fmt.Errorf("%d from %s", resp.StatusCode, indexURL)}
		}
		return nil, &registry.Error{Kind: registry.ErrMalformedResponse, Op: "ListChartVersions", Err: fmt.Errorf("%d from %s", resp.StatusCode, indexURL)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &registry.Error{Kind: registry.ErrTransient, Op: "ListChartVersions", Err: err}
	}

	var idx Index
	if err := yaml.Unmarshal(body, &idx); err != nil {
		return nil, &registry.Error{Kind: registry.ErrMalformedResponse, Op: "ListChartVersions", Err: err}
	}

	entries, ok := idx.Entries[chartName]
	if !ok {
		return nil, &registry.Error{Kind: registry.ErrNotFound, Op: "ListChartVersions", Err: fmt.Errorf("chart %q not in index", chartName)}
	}

	versions := make([]string, 0, len(entries))
	for _, e := range entries {
		versions = append(versions, e.Version)
	}
	return versions, nil
}
