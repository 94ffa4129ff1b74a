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

// Package impact answers "what in the cluster runs this image" so an
// operator reviewing an UpdateRequest can see the blast radius of an
// approval before acting on it.
package impact

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// WorkloadRef is one controller whose pod template references a given
// image.
type WorkloadRef struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Container string `json:"container"`
	Image     string `json:"image"`
}

// defaultTTL bounds how stale the index is allowed to get between the
// cluster-wide scans that rebuild it.
const defaultTTL = 5 * time.Minute

// Index caches a cluster-wide image-name-to-workload mapping, refreshed on
// read once it goes stale.
type Index struct {
	client client.Client
	ttl    time.Duration

	mu          sync.RWMutex
	byImageName map[string][]WorkloadRef
	builtAt     time.Time
}

// NewIndex constructs an Index backed by c, rebuilding every ttl (defaulting
// to five minutes when ttl is zero).
func NewIndex(c client.Client, ttl time.Duration) *Index {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Index{client: c, ttl: ttl, byImageName: map[string][]WorkloadRef{}}
}

func (idx *Index) expired() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return time.Since(idx.builtAt) > idx.ttl
}

// Usage returns every workload whose pod template currently references
// image, rebuilding the index first if it has gone stale.
func (idx *Index) Usage(ctx context.Context, image string) ([]WorkloadRef, error) {
	logger := log.FromContext(ctx)

	if idx.expired() {
		if err := idx.rebuild(ctx); err != nil {
			logger.Error(err, "impact: failed to refresh image usage index")
		}
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	found := idx.byImageName[baseImageName(image)]
	out := make([]WorkloadRef, len(found))
	copy(out, found)
	return out, nil
}

// ForceRefresh rebuilds the index regardless of its TTL.
func (idx *Index) ForceRefresh(ctx context.Context) error {
	return idx.rebuild(ctx)
}

func (idx *Index) rebuild(ctx context.Context) error {
	logger := log.FromContext(ctx)
	built := map[string][]WorkloadRef{}

	if err := idx.scanDeployments(ctx, built); err != nil {
		return fmt.Errorf("impact: scanning deployments: %w", err)
	}
	if err := idx.scanStatefulSets(ctx, built); err != nil {
		return fmt.Errorf("impact: scanning statefulsets: %w", err)
	}
	if err := idx.scanDaemonSets(ctx, built); err != nil {
		return fmt.Errorf("impact: scanning daemonsets: %w", err)
	}
	if err := idx.scanJobs(ctx, built); err != nil {
		return fmt.Errorf("impact: scanning jobs: %w", err)
	}
	if err := idx.scanCronJobs(ctx, built); err != nil {
		return fmt.Errorf("impact: scanning cronjobs: %w", err)
	}

	idx.mu.Lock()
	idx.byImageName = built
	idx.builtAt = time.Now()
	idx.mu.Unlock()

	logger.V(1).Info("impact: index rebuilt", "images", len(built))
	return nil
}

func (idx *Index) scanDeployments(ctx context.Context, out map[string][]WorkloadRef) error {
	var list appsv1.DeploymentList
	if err := idx.client.List(ctx, &list); err != nil {
		return err
	}
	for _, d := range list.Items {
		addWorkload(out, &d.Spec.Template.Spec, d.Namespace, d.Name, "Deployment")
	}
	return nil
}

func (idx *Index) scanStatefulSets(ctx context.Context, out map[string][]WorkloadRef) error {
	var list appsv1.StatefulSetList
	if err := idx.client.List(ctx, &list); err != nil {
		return err
	}
	for _, s := range list.Items {
		addWorkload(out, &s.Spec.Template.Spec, s.Namespace, s.Name, "StatefulSet")
	}
	return nil
}

func (idx *Index) scanDaemonSets(ctx context.Context, out map[string][]WorkloadRef) error {
	var list appsv1.DaemonSetList
	if err := idx.client.List(ctx, &list); err != nil {
		return err
	}
	for _, d := range list.Items {
		addWorkload(out, &d.Spec.Template.Spec, d.Namespace, d.Name, "DaemonSet")
	}
	return nil
}

func (idx *Index) scanJobs(ctx context.Context, out map[string][]WorkloadRef) error {
	var list batchv1.JobList
	if err := idx.client.List(ctx, &list); err != nil {
		return err
	}
	for _, j := range list.Items {
		addWorkload(out, &j.Spec.Template.Spec, j.Namespace, j.Name, "Job")
	}
	return nil
}

func (idx *Index) scanCronJobs(ctx context.Context, out map[string][]WorkloadRef) error {
	var list batchv1.CronJobList
	if err := idx.client.List(ctx, &list); err != nil {
		return err
	}
	for _, c := range list.Items {
		addWorkload(out, &c.Spec.JobTemplate.Spec.Template.Spec, c.Namespace, c.Name, "CronJob")
	}
	return nil
}

func addWorkload(out map[string][]WorkloadRef, spec *corev1.PodSpec, namespace, name, kind string) {
	containers := make([]corev1.Container, 0, len(spec.Containers)+len(spec.InitContainers))
	containers = append(containers, spec.Containers...)
	containers = append(containers, spec.InitContainers...)
	for _, c := range containers {
		if c.Image == "" {
			continue
		}
		key := baseImageName(c.Image)
		out[key] = append(out[key], WorkloadRef{
			Namespace: namespace,
			Name:      name,
			Kind:      kind,
			Container: c.Name,
			Image:     c.Image,
		})
	}
}

// baseImageName strips the registry, tag, and digest from a full image
// reference, leaving the bare repository name for matching regardless of
// which tag a given workload currently pins.
//
// "nginx:latest" -> "nginx"
// "registry.example.com/team/service:v1.0.0" -> "service"
func baseImageName(fullImage string) string {
	image := fullImage
	if i := strings.Index(image, "@"); i >= 0 {
		image = image[:i]
	}
	if i := strings.LastIndex(image, "/"); i >= 0 {
		last := image[i+1:]
		if j := strings.LastIndex(last, ":"); j >= 0 {
			last = last[:j]
		}
		return last
	}
	if j := strings.LastIndex(image, ":"); j >= 0 {
		return image[:j]
	}
	return image
}
