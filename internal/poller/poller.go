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

// Package poller periodically discovers new image tags and chart versions
// for every tracked workload and feeds findings into the event pipeline,
// mirroring what the webhook path discovers from push notifications.
package poller

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/headwind-sh/headwind/internal/controller"
	"github.com/headwind-sh/headwind/internal/events"
	"github.com/headwind-sh/headwind/internal/metrics"
	"github.com/headwind-sh/headwind/internal/policy"
	"github.com/headwind-sh/headwind/internal/registry"
)

// DefaultWorkers bounds the number of concurrent registry lookups per cycle.
const DefaultWorkers = 16

// ImageSource supplies the poller with the current snapshot of pod-workload
// targets to check. Each of the three pod-workload reconcilers implements
// this via *controller.PodWorkloadReconciler.
type ImageSource interface {
	Targets() []controller.PollTarget
}

// ChartSource supplies the poller with the current snapshot of HelmRelease
// targets to check.
type ChartSource interface {
	Targets(ctx context.Context) []controller.ChartPollTarget
}

// CredentialResolver resolves registry credentials for an image repository.
// Implementations typically consult imagePullSecrets on the workload's
// ServiceAccount; the poller falls back to anonymous access when nil or
// empty credentials are returned.
type CredentialResolver interface {
	For(ctx context.Context, namespace, registryHost string) (registry.Credentials, error)
}

// Poller runs a ticker-driven cycle over every tracked image and chart,
// grouping by (repository, policy) to avoid redundant registry calls, and
// publishing any positive finding as an event with Source=Poller.
type Poller struct {
	Interval    time.Duration
	Workers     int
	ImageClient registry.Client
	ChartClient registry.ChartVersionLister
	Creds       CredentialResolver
	Pipeline    *events.Pipeline
	Metrics     *metrics.Metrics
	Limiter     *rate.Limiter

	ImageSources []ImageSource
	ChartSources []ChartSource
}

// New constructs a Poller with a default 16-worker bound and a rate
// limiter pacing registry egress at 10 requests/second with a burst of 20.
func New(interval time.Duration, imageClient registry.Client, chartClient registry.ChartVersionLister, creds CredentialResolver, pipeline *events.Pipeline, m *metrics.Metrics) *Poller {
	return &Poller{
		Interval:    interval,
		Workers:     DefaultWorkers,
		ImageClient: imageClient,
		ChartClient: chartClient,
		Creds:       creds,
		Pipeline:    pipeline,
		Metrics:     m,
		Limiter:     rate.NewLimiter(rate.Limit(10), 20),
	}
}

// Run drives the ticker loop until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

// imageGroupKey deduplicates identical (repository, policy) pairs across
// workloads so a shared base image referenced by many workloads is only
// checked against the registry once per cycle.
type imageGroupKey struct {
	Registry   string
	Repository string
	PolicyKind policy.Kind
	Pattern    string
}

type chartGroupKey struct {
	ChartName string
	RepoRef   string
}

func (p *Poller) cycle(ctx context.Context) {
	start := time.Now()
	logger := log.FromContext(ctx)

	imageGroups := map[imageGroupKey][]controller.PollTarget{}
	for _, src := range p.ImageSources {
		for _, t := range src.Targets() {
			key := imageGroupKey{Registry: t.Registry, Repository: t.Repository, PolicyKind: t.Policy.Kind, Pattern: t.Policy.Pattern}
			imageGroups[key] = append(imageGroups[key], t)
		}
	}

	chartGroups := map[chartGroupKey][]controller.ChartPollTarget{}
	for _, src := range p.ChartSources {
		for _, t := range src.Targets(ctx) {
			key := chartGroupKey{ChartName: t.ChartName, RepoRef: t.RepoRef}
			chartGroups[key] = append(chartGroups[key], t)
		}
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, p.Workers)

	for key, targets := range imageGroups {
		key, targets := key, targets
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			p.checkImageGroup(ctx, key, targets)
		}()
	}

	for key, targets := range chartGroups {
		key, targets := key, targets
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			p.checkChartGroup(ctx, key, targets)
		}()
	}

	wg.Wait()

	if p.Metrics != nil {
		p.Metrics.PollCycleDuration.Observe(time.Since(start).Seconds())
	}
	logger.V(1).Info("poll cycle complete", "imageGroups", len(imageGroups), "chartGroups", len(chartGroups), "duration", time.Since(start))
}

func (p *Poller) checkImageGroup(ctx context.Context, key imageGroupKey, targets []controller.PollTarget) {
	if p.Limiter != nil {
		if err := p.Limiter.Wait(ctx); err != nil {
			return
		}
	}

	logger := log.FromContext(ctx)
	creds := registry.Credentials{}
	if p.Creds != nil && len(targets) > 0 {
		if c, err := p.Creds.For(ctx, targets[0].Workload.Namespace, key.Registry); err == nil {
			creds = c
		}
	}

	ref := registry.ImageRef{Registry: key.Registry, Repository: key.Repository}

	tags, err := p.ImageClient.ListTags(ctx, ref, creds)
	if err != nil {
		logger.Error(err, "poller: failed to list tags", "repository", key.Repository)
		return
	}

	engine := policy.NewEngine()
	seen := map[string]bool{}
	for _, t := range targets {
		if seen[t.CurrentTag] {
			continue
		}
		seen[t.CurrentTag] = true

		best, ok := engine.SelectBest(t.Policy, t.CurrentTag, tags)
		if ok && best != t.CurrentTag {
			p.Pipeline.PublishImage(events.ImageEvent{
				Registry:   key.Registry,
				Repository: key.Repository,
				Tag:        best,
				Source:     events.SourcePoller,
				ObservedAt: time.Now(),
			})
		}

		digestRef := ref
		digestRef.Tag = t.CurrentTag
		if digest, err := p.ImageClient.ResolveDigest(ctx, digestRef, creds); err == nil {
			p.Pipeline.PublishImage(events.ImageEvent{
				Registry:   key.Registry,
				Repository: key.Repository,
				Tag:        t.CurrentTag,
				NewDigest:  digest,
				Source:     events.SourcePoller,
				ObservedAt: time.Now(),
			})
		}
	}
}

func (p *Poller) checkChartGroup(ctx context.Context, key chartGroupKey, targets []controller.ChartPollTarget) {
	if p.Limiter != nil {
		if err := p.Limiter.Wait(ctx); err != nil {
			return
		}
	}
	if p.ChartClient == nil {
		return
	}

	logger := log.FromContext(ctx)
	creds := registry.Credentials{}

	versions, err := p.ChartClient.ListChartVersions(ctx, key.RepoRef, key.ChartName, creds)
	if err != nil {
		logger.Error(err, "poller: failed to list chart versions", "chart", key.ChartName)
		return
	}

	engine := policy.NewEngine()
	seen := map[string]bool{}
	for _, t := range targets {
		if seen[t.Version] {
			continue
		}
		seen[t.Version] = true

		best, ok := engine.SelectBest(t.Policy, t.Version, versions)
		if ok && best != t.Version {
			p.Pipeline.PublishChart(events.ChartEvent{
				ChartName:         key.ChartName,
				RepositoryRef:     key.RepoRef,
				DiscoveredVersion: best,
				ObservedAt:        time.Now(),
			})
		}
	}
}
