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

// Package controller reconciles workload resources (Deployment, StatefulSet,
// DaemonSet, HelmRelease), maintaining per-controller policy caches and
// translating matched image/chart events into direct mutations or approval
// artifacts.
package controller

import (
	"context"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	headwindv1alpha1 "github.com/headwind-sh/headwind/api/v1alpha1"
	"github.com/headwind-sh/headwind/internal/events"
	"github.com/headwind-sh/headwind/internal/history"
	"github.com/headwind-sh/headwind/internal/metrics"
	"github.com/headwind-sh/headwind/internal/notify"
	"github.com/headwind-sh/headwind/internal/policy"
	"github.com/headwind-sh/headwind/internal/updaterequest"
)

const (
	DefaultRequeueInterval = 5 * time.Minute
	ErrorRequeueInterval   = 2 * time.Minute
)

// WorkloadKey identifies a workload independently of kind.
type WorkloadKey struct {
	Namespace string
	Name      string
}

type containerImage struct {
	Name  string
	Image string
}

type cacheEntry struct {
	Policy     policy.Policy
	Containers []containerImage
}

// pendingKey coalesces repeated discoveries of the same candidate for the
// same workload container.
type pendingKey struct {
	WorkloadKey
	Container string
	NewTag    string
}

// parseImage splits a `registry/repository:tag[@digest]` reference into its
// registry host, repository path, and tag. A bare "repository:tag" with no
// registry component yields an empty registry.
func parseImage(image string) (registryHost, repository, tag string) {
	ref := image
	if at := strings.Index(ref, "@"); at != -1 {
		ref = ref[:at]
	}

	lastColon := strings.LastIndex(ref, ":")
	lastSlash := strings.LastIndex(ref, "/")
	if lastColon > lastSlash {
		tag = ref[lastColon+1:]
		ref = ref[:lastColon]
	} else {
		tag = "latest"
	}

	firstSlash := strings.Index(ref, "/")
	if firstSlash != -1 {
		candidate := ref[:firstSlash]
		if strings.ContainsAny(candidate, ".:") || candidate == "localhost" {
			registryHost = candidate
			repository = ref[firstSlash+1:]
			return
		}
	}
	repository = ref
	return
}

// PodWorkloadAccessor abstracts the container-bearing workload kinds
// (Deployment, StatefulSet, DaemonSet) so PodWorkloadReconciler can serve
// all three from one implementation.
type PodWorkloadAccessor interface {
	// Kind is the workload kind name used in condition messages and
	// UpdateRequest target refs.
	Kind() string

	// NewObject returns a zero-value typed object for Get/Watch.
	NewObject() client.Object

	// Containers extracts the pod template's containers as name/image
	// pairs (regular, init, and ephemeral containers).
	Containers(obj client.Object) []containerImage

	// SetContainerImage mutates obj's named container to newImage,
	// reporting whether the container was found.
	SetContainerImage(obj client.Object, containerName, newImage string) bool
}

// PodWorkloadReconciler is the shared reconciliation loop for the
// container-bearing workload kinds. It maintains an in-memory policy cache
// keyed by workload, a pending set for coalescing repeated discoveries, and
// a last-mutation timestamp map for interval enforcement, matching the
// per-controller structures the design calls for.
type PodWorkloadReconciler struct {
	client.Client
	Accessor PodWorkloadAccessor
	Engine   *policy.Engine
	Notifier notify.Sink
	Metrics  *metrics.Metrics
	Health   HealthWatcher

	mu           sync.Mutex
	cache        map[WorkloadKey]cacheEntry
	pending      map[pendingKey]struct{}
	lastMutation map[WorkloadKey]time.Time
}

// HealthWatcher is the subset of internal/health.Monitor the controllers
// depend on, kept as an interface here to avoid a cyclic package
// dependency between controller and health.
type HealthWatcher interface {
	Watch(ctx context.Context, kind, namespace, name, container, newImage string, timeout time.Duration, retries int)
}

// NewPodWorkloadReconciler constructs a reconciler for one workload kind.
func NewPodWorkloadReconciler(c client.Client, accessor PodWorkloadAccessor, engine *policy.Engine, notifier notify.Sink, m *metrics.Metrics, hw HealthWatcher) *PodWorkloadReconciler {
	return &PodWorkloadReconciler{
		Client:       c,
		Accessor:     accessor,
		Engine:       engine,
		Notifier:     notifier,
		Metrics:      m,
		Health:       hw,
		cache:        map[WorkloadKey]cacheEntry{},
		pending:      map[pendingKey]struct{}{},
		lastMutation: map[WorkloadKey]time.Time{},
	}
}

// reconcileWorkload re-parses annotations and refreshes the cached
// container list for the given key. On annotation parse error the previous
// valid policy is kept and the error is returned; the Deployment,
// StatefulSet and DaemonSet reconcilers log it and requeue after
// ErrorRequeueInterval without recording a status condition.
func (r *PodWorkloadReconciler) reconcileWorkload(ctx context.Context, key WorkloadKey, obj client.Object, annotations map[string]string, containers []containerImage) (policy.Policy, error) {
	logger := log.FromContext(ctx)

	p, err := policy.ParseAnnotations(annotations)
	if err != nil {
		r.mu.Lock()
		prev, ok := r.cache[key]
		r.mu.Unlock()
		if ok {
			logger.Error(err, "keeping previous valid policy after annotation parse error", "namespace", key.Namespace, "name", key.Name)
			return prev.Policy, err
		}
		return policy.Policy{}, err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{Policy: p, Containers: containers}
	if r.Metrics != nil {
		r.Metrics.WatchedWorkloads.WithLabelValues(r.Accessor.Kind()).Set(float64(len(r.cache)))
	}
	r.mu.Unlock()

	return p, nil
}

func (r *PodWorkloadReconciler) removeFromCache(key WorkloadKey) {
	r.mu.Lock()
	delete(r.cache, key)
	if r.Metrics != nil {
		r.Metrics.WatchedWorkloads.WithLabelValues(r.Accessor.Kind()).Set(float64(len(r.cache)))
	}
	r.mu.Unlock()
}

// PollTarget is one (workload, container, image) combination the poller
// should check on each cycle.
type PollTarget struct {
	Workload   WorkloadKey
	Kind       string
	Container  string
	Registry   string
	Repository string
	CurrentTag string
	Policy     policy.Policy
}

// Targets snapshots every cached workload's containers into the flat list
// the poller iterates each cycle. Targets whose policy does not accept
// polling as an event source are excluded.
func (r *PodWorkloadReconciler) Targets() []PollTarget {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []PollTarget
	for key, entry := range r.cache {
		if !entry.Policy.EventSource.Accepts(policy.EventSourcePolling) {
			continue
		}
		for _, c := range entry.Containers {
			if !entry.Policy.TracksImage(c.Name) {
				continue
			}
			host, repo, tag := parseImage(c.Image)
			out = append(out, PollTarget{
				Workload:   key,
				Kind:       r.Accessor.Kind(),
				Container:  c.Name,
				Registry:   host,
				Repository: repo,
				CurrentTag: tag,
				Policy:     entry.Policy,
			})
		}
	}
	return out
}

// MatchImage implements events.Matcher: it looks up every cached workload
// whose containers reference the event's repository and drives each match
// through the policy engine and either the approval or direct-apply path.
func (r *PodWorkloadReconciler) MatchImage(ctx context.Context, e events.ImageEvent) {
	logger := log.FromContext(ctx)

	r.mu.Lock()
	snapshot := make(map[WorkloadKey]cacheEntry, len(r.cache))
	for k, v := range r.cache {
		snapshot[k] = v
	}
	r.mu.Unlock()

	source := policy.EventSourceWebhook
	if e.Source == events.SourcePoller {
		source = policy.EventSourcePolling
	}
	for key, entry := range snapshot {
		if !entry.Policy.EventSource.Accepts(source) {
			continue
		}
		for _, c := range entry.Containers {
			_, repo, currentTag := parseImage(c.Image)
			if repo != e.Repository {
				continue
			}
			if !entry.Policy.TracksImage(c.Name) {
				continue
			}

			decision := r.Engine.Decide(entry.Policy, currentTag, e.Tag)
			if decision != policy.Accept {
				if r.Metrics != nil {
					r.Metrics.UpdatesRejected.Inc()
				}
				continue
			}

			newImage := replaceTag(c.Image, e.Tag)
			if err := r.handleAccepted(ctx, key, c.Name, c.Image, newImage, entry.Policy); err != nil {
				logger.Error(err, "failed to handle accepted candidate", "namespace", key.Namespace, "name", key.Name, "container", c.Name)
			}
		}
	}
}

// MatchChart is a no-op for pod workloads; only HelmReleaseReconciler
// consumes chart events.
func (r *PodWorkloadReconciler) MatchChart(context.Context, events.ChartEvent) {}

func replaceTag(image, newTag string) string {
	host, repo, _ := parseImage(image)
	ref := repo
	if host != "" {
		ref = host + "/" + repo
	}
	return ref + ":" + newTag
}

func (r *PodWorkloadReconciler) handleAccepted(ctx context.Context, key WorkloadKey, container, currentImage, newImage string, p policy.Policy) error {
	if p.RequireApproval {
		return r.coalesceApproval(ctx, key, container, currentImage, newImage, p)
	}
	return r.applyDirect(ctx, key, container, newImage, p)
}

// coalesceApproval implements step 4 of image-event handling: construct the
// deterministic name, drop if terminal or already pending (advancing
// lastUpdated), else create a new Pending UpdateRequest.
func (r *PodWorkloadReconciler) coalesceApproval(ctx context.Context, key WorkloadKey, container, currentImage, newImage string, p policy.Policy) error {
	name := updaterequest.Name(r.Accessor.Kind(), key.Name, container, tagOf(newImage))

	pk := pendingKey{WorkloadKey: key, Container: container, NewTag: tagOf(newImage)}
	r.mu.Lock()
	_, alreadyPending := r.pending[pk]
	r.mu.Unlock()

	var existing headwindv1alpha1.UpdateRequest
	err := r.Get(ctx, types.NamespacedName{Namespace: key.Namespace, Name: name}, &existing)
	switch {
	case err == nil && existing.IsTerminal():
		return nil
	case err == nil:
		now := metav1.Now()
		existing.Status.LastUpdated = &now
		return r.Status().Update(ctx, &existing)
	case !apierrors.IsNotFound(err):
		return err
	}

	if alreadyPending {
		return nil
	}

	now := metav1.Now()
	ur := &headwindv1alpha1.UpdateRequest{
		ObjectMeta: metav1.ObjectMeta{Namespace: key.Namespace, Name: name},
		Spec: headwindv1alpha1.UpdateRequestSpec{
			TargetRef: headwindv1alpha1.TargetRef{
				Kind:      r.Accessor.Kind(),
				Namespace: key.Namespace,
				Name:      key.Name,
			},
			ContainerName: container,
			CurrentImage:  currentImage,
			NewImage:      newImage,
			PolicyKind:    string(p.Kind),
		},
		Status: headwindv1alpha1.UpdateRequestStatus{
			Phase:       headwindv1alpha1.PhasePending,
			CreatedAt:   &now,
			LastUpdated: &now,
		},
	}
	if err := r.Create(ctx, ur); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		return err
	}

	r.mu.Lock()
	r.pending[pk] = struct{}{}
	r.mu.Unlock()

	if r.Metrics != nil {
		r.Metrics.UpdateRequestsCreated.Inc()
	}
	if r.Notifier != nil {
		r.Notifier.Send(notify.Event{
			Kind:      notify.EventUpdateRequestCreated,
			Namespace: key.Namespace,
			Name:      key.Name,
			Container: container,
			Image:     newImage,
			At:        now.Time,
		})
	}
	return nil
}

// applyDirect implements step 5: enforce minUpdateInterval, then patch the
// container image, record LastMutation, prepend history, set the
// last-update annotation, and enqueue health monitoring.
func (r *PodWorkloadReconciler) applyDirect(ctx context.Context, key WorkloadKey, container, newImage string, p policy.Policy) error {
	r.mu.Lock()
	last, ok := r.lastMutation[key]
	r.mu.Unlock()
	if ok && time.Since(last) < p.MinUpdateInterval {
		if r.Metrics != nil {
			r.Metrics.UpdatesSkippedInterval.Inc()
		}
		return nil
	}

	obj := r.Accessor.NewObject()
	if err := r.Get(ctx, types.NamespacedName{Namespace: key.Namespace, Name: key.Name}, obj); err != nil {
		return err
	}

	original := obj.DeepCopyObject().(client.Object)
	if !r.Accessor.SetContainerImage(obj, container, newImage) {
		return nil
	}

	now := time.Now()
	applyHistoryAndTimestamp(obj, container, newImage, "", now)

	if err := r.Patch(ctx, obj, client.MergeFrom(original)); err != nil {
		return err
	}

	r.mu.Lock()
	r.lastMutation[key] = now
	r.mu.Unlock()

	if r.Metrics != nil {
		r.Metrics.UpdatesApplied.Inc()
	}
	if r.Notifier != nil {
		r.Notifier.Send(notify.Event{
			Kind:      notify.EventApplied,
			Namespace: key.Namespace,
			Name:      key.Name,
			Container: container,
			Image:     newImage,
			At:        now,
		})
	}
	if r.Health != nil && p.AutoRollback {
		r.Health.Watch(ctx, r.Accessor.Kind(), key.Namespace, key.Name, container, newImage, p.RollbackTimeout, p.HealthCheckRetries)
	}
	return nil
}

func tagOf(image string) string {
	_, _, tag := parseImage(image)
	return tag
}

// applyHistoryAndTimestamp mutates obj's annotations in place: prepends a
// history entry for container and sets the last-update timestamp.
func applyHistoryAndTimestamp(obj client.Object, container, newImage, approver string, at time.Time) {
	annotations := obj.GetAnnotations()
	if annotations == nil {
		annotations = map[string]string{}
	}

	hist := history.Decode(annotations[policy.AnnotationUpdateHistory])
	hist = history.Prepend(hist, container, history.Entry{
		Container: container,
		Image:     newImage,
		Timestamp: at,
		Approver:  approver,
	})
	encoded, err := history.Encode(hist)
	if err == nil {
		annotations[policy.AnnotationUpdateHistory] = encoded
	}
	annotations[policy.AnnotationLastUpdate] = at.UTC().Format(time.RFC3339)
	obj.SetAnnotations(annotations)
}

// extractPodContainers walks a pod template's regular, init, and ephemeral
// containers into the flat containerImage list the cache stores.
func extractPodContainers(spec corev1.PodSpec) []containerImage {
	var out []containerImage
	for _, c := range spec.Containers {
		out = append(out, containerImage{Name: c.Name, Image: c.Image})
	}
	for _, c := range spec.InitContainers {
		out = append(out, containerImage{Name: c.Name, Image: c.Image})
	}
	for _, c := range spec.EphemeralContainers {
		out = append(out, containerImage{Name: c.Name, Image: c.Image})
	}
	return out
}

func setPodContainerImage(spec *corev1.PodSpec, containerName, newImage string) bool {
	for i := range spec.Containers {
		if spec.Containers[i].Name == containerName {
			spec.Containers[i].Image = newImage
			return true
		}
	}
	for i := range spec.InitContainers {
		if spec.InitContainers[i].Name == containerName {
			spec.InitContainers[i].Image = newImage
			return true
		}
	}
	return false
}
