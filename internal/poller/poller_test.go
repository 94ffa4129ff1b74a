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

package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headwind-sh/headwind/internal/controller"
	"github.com/headwind-sh/headwind/internal/events"
	"github.com/headwind-sh/headwind/internal/policy"
	"github.com/headwind-sh/headwind/internal/registry"
)

type fakeImageSource struct {
	targets []controller.PollTarget
}

func (s fakeImageSource) Targets() []controller.PollTarget { return s.targets }

type fakeChartSource struct {
	targets []controller.ChartPollTarget
}

func (s fakeChartSource) Targets(ctx context.Context) []controller.ChartPollTarget { return s.targets }

type fakeRegistryClient struct {
	tags   []string
	digest string
}

func (c fakeRegistryClient) ListTags(ctx context.Context, ref registry.ImageRef, creds registry.Credentials) ([]string, error) {
	return c.tags, nil
}

func (c fakeRegistryClient) ResolveDigest(ctx context.Context, ref registry.ImageRef, creds registry.Credentials) (string, error) {
	return c.digest, nil
}

type fakeChartClient struct {
	versions []string
}

func (c fakeChartClient) ListChartVersions(ctx context.Context, repoRef, chartName string, creds registry.Credentials) ([]string, error) {
	return c.versions, nil
}

type recordingCredentialResolver struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingCredentialResolver) For(ctx context.Context, namespace, registryHost string) (registry.Credentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return registry.Credentials{}, nil
}

// recorderMatcher collects every event the pipeline dispatches to it,
// signaling got on each delivery so tests can wait without sleeping.
type recorderMatcher struct {
	mu     sync.Mutex
	images []events.ImageEvent
	charts []events.ChartEvent
	got    chan struct{}
}

func newRecorderMatcher() *recorderMatcher {
	return &recorderMatcher{got: make(chan struct{}, 32)}
}

func (r *recorderMatcher) MatchImage(ctx context.Context, e events.ImageEvent) {
	r.mu.Lock()
	r.images = append(r.images, e)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorderMatcher) MatchChart(ctx context.Context, e events.ChartEvent) {
	r.mu.Lock()
	r.charts = append(r.charts, e)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorderMatcher) waitForN(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d/%d", i+1, n)
		}
	}
}

func TestCheckImageGroupPublishesBestTagAndDigest(t *testing.T) {
	pipeline := events.NewPipeline()
	rec := newRecorderMatcher()
	pipeline.Register(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pipeline.Run(ctx)

	p := &Poller{
		Workers:     DefaultWorkers,
		ImageClient: fakeRegistryClient{tags: []string{"1.0.0", "1.1.0", "2.0.0"}, digest: "sha256:abc"},
		Pipeline:    pipeline,
	}

	pol := policy.Policy{Kind: policy.KindAll}
	key := imageGroupKey{Registry: "docker.io", Repository: "library/nginx", PolicyKind: pol.Kind, Pattern: pol.Pattern}
	targets := []controller.PollTarget{
		{
			Workload:   controller.WorkloadKey{Namespace: "default", Name: "web"},
			Kind:       "Deployment",
			Container:  "app",
			Registry:   "docker.io",
			Repository: "library/nginx",
			CurrentTag: "1.0.0",
			Policy:     pol,
		},
	}

	p.checkImageGroup(ctx, key, targets)
	rec.waitForN(t, 2)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	var sawBestTag, sawDigest bool
	for _, e := range rec.images {
		if e.Tag == "2.0.0" && e.NewDigest == "" {
			sawBestTag = true
		}
		if e.Tag == "1.0.0" && e.NewDigest == "sha256:abc" {
			sawDigest = true
		}
		assert.Equal(t, "docker.io", e.Registry)
	}
	assert.True(t, sawBestTag, "expected a best-tag event for 2.0.0, got %+v", rec.images)
	assert.True(t, sawDigest, "expected a digest re-resolution event for the current tag, got %+v", rec.images)
}

func TestCheckChartGroupPublishesBestVersion(t *testing.T) {
	pipeline := events.NewPipeline()
	rec := newRecorderMatcher()
	pipeline.Register(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pipeline.Run(ctx)

	p := &Poller{
		Workers:     DefaultWorkers,
		ChartClient: fakeChartClient{versions: []string{"1.0.0", "1.2.0"}},
		Pipeline:    pipeline,
	}

	pol := policy.Policy{Kind: policy.KindAll}
	key := chartGroupKey{ChartName: "redis", RepoRef: "https://charts.example.com"}
	targets := []controller.ChartPollTarget{
		{
			Workload:  controller.WorkloadKey{Namespace: "default", Name: "cache"},
			ChartName: "redis",
			RepoRef:   "https://charts.example.com",
			Version:   "1.0.0",
			Policy:    pol,
		},
	}

	p.checkChartGroup(ctx, key, targets)
	rec.waitForN(t, 1)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.charts, 1)
	assert.Equal(t, "1.2.0", rec.charts[0].DiscoveredVersion)
}

func TestCheckChartGroupSkipsWithNilChartClient(t *testing.T) {
	p := &Poller{Pipeline: events.NewPipeline()}
	key := chartGroupKey{ChartName: "redis", RepoRef: "https://charts.example.com"}
	targets := []controller.ChartPollTarget{{ChartName: "redis", RepoRef: "https://charts.example.com", Version: "1.0.0"}}

	p.checkChartGroup(context.Background(), key, targets)
}

func TestCycleGroupsTargetsByRepositoryAndPolicy(t *testing.T) {
	pipeline := events.NewPipeline()
	rec := newRecorderMatcher()
	pipeline.Register(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pipeline.Run(ctx)

	creds := &recordingCredentialResolver{}
	p := &Poller{
		Workers:     DefaultWorkers,
		ImageClient: fakeRegistryClient{tags: []string{"1.0.0"}, digest: "sha256:same"},
		Pipeline:    pipeline,
		Creds:       creds,
		ImageSources: []ImageSource{
			fakeImageSource{targets: []controller.PollTarget{
				{Workload: controller.WorkloadKey{Namespace: "default", Name: "a"}, Registry: "docker.io", Repository: "library/nginx", CurrentTag: "1.0.0", Policy: policy.Policy{Kind: policy.KindAll}},
				{Workload: controller.WorkloadKey{Namespace: "default", Name: "b"}, Registry: "docker.io", Repository: "library/nginx", CurrentTag: "1.0.0", Policy: policy.Policy{Kind: policy.KindAll}},
			}},
		},
	}

	p.cycle(ctx)
	// Both targets share one (registry, repository, policy) group, so the
	// registry credential resolver and tag listing run exactly once.
	rec.waitForN(t, 1)

	creds.mu.Lock()
	defer creds.mu.Unlock()
	assert.Equal(t, 1, creds.calls, "expected credentials resolved once for the shared group")
}

func TestCycleIncludesChartSources(t *testing.T) {
	pipeline := events.NewPipeline()
	rec := newRecorderMatcher()
	pipeline.Register(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pipeline.Run(ctx)

	p := &Poller{
		Workers:     DefaultWorkers,
		ChartClient: fakeChartClient{versions: []string{"1.0.0", "1.2.0"}},
		Pipeline:    pipeline,
		ChartSources: []ChartSource{
			fakeChartSource{targets: []controller.ChartPollTarget{
				{ChartName: "redis", RepoRef: "https://charts.example.com", Version: "1.0.0", Policy: policy.Policy{Kind: policy.KindAll}},
			}},
		},
	}

	p.cycle(ctx)
	rec.waitForN(t, 1)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.charts, 1)
	assert.Equal(t, "1.2.0", rec.charts[0].DiscoveredVersion)
}
