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

package controller

import (
	"context"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	headwindv1alpha1 "github.com/headwind-sh/headwind/api/v1alpha1"
	"github.com/headwind-sh/headwind/internal/events"
	"github.com/headwind-sh/headwind/internal/metrics"
	"github.com/headwind-sh/headwind/internal/notify"
	"github.com/headwind-sh/headwind/internal/policy"
	"github.com/headwind-sh/headwind/internal/updaterequest"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// helmReleaseGVK is the toolkit.fluxcd.io HelmRelease kind. HelmReleases
// are watched as unstructured objects rather than through a generated
// client, since only spec.chart.spec.version (read and written) and
// spec.chart.spec.chart and spec.chart.spec.sourceRef.name (read) are used.
var helmReleaseGVK = schema.GroupVersionKind{
	Group:   "helm.toolkit.fluxcd.io",
	Version: "v2beta1",
	Kind:    "HelmRelease",
}

type helmReleaseEntry struct {
	Policy    policy.Policy
	ChartName string
	RepoRef   string
}

// HelmReleaseReconciler watches HelmRelease objects and drives chart
// version discoveries through the same approval/direct-apply split as the
// pod-workload reconcilers, mutating spec.chart.spec.version in place of a
// container image.
type HelmReleaseReconciler struct {
	client.Client
	Engine   *policy.Engine
	Notifier notify.Sink
	Metrics  *metrics.Metrics
	Health   HealthWatcher

	mu           sync.Mutex
	cache        map[WorkloadKey]helmReleaseEntry
	pending      map[pendingKey]struct{}
	lastMutation map[WorkloadKey]time.Time
}

// NewHelmReleaseReconciler constructs a HelmReleaseReconciler.
func NewHelmReleaseReconciler(c client.Client, engine *policy.Engine, notifier notify.Sink, m *metrics.Metrics, hw HealthWatcher) *HelmReleaseReconciler {
	return &HelmReleaseReconciler{
		Client:       c,
		Engine:       engine,
		Notifier:     notifier,
		Metrics:      m,
		Health:       hw,
		cache:        map[WorkloadKey]helmReleaseEntry{},
		pending:      map[pendingKey]struct{}{},
		lastMutation: map[WorkloadKey]time.Time{},
	}
}

func (r *HelmReleaseReconciler) newObject() *unstructured.Unstructured {
	u := &unstructured.Unstructured{}
	u.SetGroupVersionKind(helmReleaseGVK)
	return u
}

// Reconcile refreshes the cached policy, chart name, and repository
// reference for the HelmRelease named in req.
func (r *HelmReleaseReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	key := WorkloadKey{Namespace: req.Namespace, Name: req.Name}

	u := r.newObject()
	if err := r.Get(ctx, req.NamespacedName, u); err != nil {
		if client.IgnoreNotFound(err) == nil {
			r.mu.Lock()
			delete(r.cache, key)
			r.mu.Unlock()
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	chartName, _, _ := unstructured.NestedString(u.Object, "spec", "chart", "spec", "chart")
	repoRef, _, _ := unstructured.NestedString(u.Object, "spec", "chart", "spec", "sourceRef", "name")

	p, err := policy.ParseAnnotations(u.GetAnnotations())
	if err != nil {
		return ctrl.Result{RequeueAfter: ErrorRequeueInterval}, nil
	}

	r.mu.Lock()
	r.cache[key] = helmReleaseEntry{Policy: p, ChartName: chartName, RepoRef: repoRef}
	if r.Metrics != nil {
		r.Metrics.WatchedWorkloads.WithLabelValues("HelmRelease").Set(float64(len(r.cache)))
	}
	r.mu.Unlock()

	return ctrl.Result{RequeueAfter: DefaultRequeueInterval}, nil
}

// SetupWithManager registers the reconciler against mgr, watching
// HelmRelease create/update/delete events.
func (r *HelmReleaseReconciler) SetupWithManager(mgr ctrl.Manager) error {
	u := &unstructured.Unstructured{}
	u.SetGroupVersionKind(helmReleaseGVK)
	return ctrl.NewControllerManagedBy(mgr).
		For(u).
		Complete(r)
}

// MatchImage is a no-op; HelmReleaseReconciler only consumes chart events.
func (r *HelmReleaseReconciler) MatchImage(context.Context, events.ImageEvent) {}

// ChartPollTarget is one HelmRelease the poller should check on each cycle.
type ChartPollTarget struct {
	Workload  WorkloadKey
	ChartName string
	RepoRef   string
	Version   string
	Policy    policy.Policy
}

// Targets snapshots every cached HelmRelease into the flat list the poller
// iterates each cycle, fetching the currently pinned version live since
// the cache does not retain it.
func (r *HelmReleaseReconciler) Targets(ctx context.Context) []ChartPollTarget {
	r.mu.Lock()
	snapshot := make(map[WorkloadKey]helmReleaseEntry, len(r.cache))
	for k, v := range r.cache {
		snapshot[k] = v
	}
	r.mu.Unlock()

	var out []ChartPollTarget
	for key, entry := range snapshot {
		if !entry.Policy.EventSource.Accepts(policy.EventSourcePolling) {
			continue
		}
		u := r.newObject()
		if err := r.Get(ctx, types.NamespacedName{Namespace: key.Namespace, Name: key.Name}, u); err != nil {
			continue
		}
		version, _, _ := unstructured.NestedString(u.Object, "spec", "chart", "spec", "version")
		out = append(out, ChartPollTarget{
			Workload:  key,
			ChartName: entry.ChartName,
			RepoRef:   entry.RepoRef,
			Version:   version,
			Policy:    entry.Policy,
		})
	}
	return out
}

// MatchChart implements events.Matcher for chart version discoveries.
func (r *HelmReleaseReconciler) MatchChart(ctx context.Context, e events.ChartEvent) {
	logger := log.FromContext(ctx)

	r.mu.Lock()
	snapshot := make(map[WorkloadKey]helmReleaseEntry, len(r.cache))
	for k, v := range r.cache {
		snapshot[k] = v
	}
	r.mu.Unlock()

	for key, entry := range snapshot {
		if entry.ChartName != e.ChartName || entry.RepoRef != e.RepositoryRef {
			continue
		}

		u := r.newObject()
		if err := r.Get(ctx, types.NamespacedName{Namespace: key.Namespace, Name: key.Name}, u); err != nil {
			logger.Error(err, "failed to fetch HelmRelease for chart match", "namespace", key.Namespace, "name", key.Name)
			continue
		}
		currentVersion, _, _ := unstructured.NestedString(u.Object, "spec", "chart", "spec", "version")

		decision := r.Engine.Decide(entry.Policy, currentVersion, e.DiscoveredVersion)
		if decision != policy.Accept {
			if r.Metrics != nil {
				r.Metrics.UpdatesRejected.Inc()
			}
			continue
		}

		if err := r.handleAccepted(ctx, key, entry, currentVersion, e.DiscoveredVersion); err != nil {
			logger.Error(err, "failed to handle accepted chart version", "namespace", key.Namespace, "name", key.Name)
		}
	}
}

func (r *HelmReleaseReconciler) handleAccepted(ctx context.Context, key WorkloadKey, entry helmReleaseEntry, currentVersion, newVersion string) error {
	if entry.Policy.RequireApproval {
		return r.coalesceApproval(ctx, key, currentVersion, newVersion, entry.Policy)
	}
	return r.applyDirect(ctx, key, newVersion, entry.Policy)
}

func (r *HelmReleaseReconciler) coalesceApproval(ctx context.Context, key WorkloadKey, currentVersion, newVersion string, p policy.Policy) error {
	name := updaterequest.Name("HelmRelease", key.Name, "", newVersion)

	pk := pendingKey{WorkloadKey: key, Container: "", NewTag: newVersion}
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
				Kind:      "HelmRelease",
				Namespace: key.Namespace,
				Name:      key.Name,
			},
			CurrentImage: currentVersion,
			NewImage:     newVersion,
			PolicyKind:   string(p.Kind),
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
			Image:     newVersion,
			At:        now.Time,
		})
	}
	return nil
}

func (r *HelmReleaseReconciler) applyDirect(ctx context.Context, key WorkloadKey, newVersion string, p policy.Policy) error {
	r.mu.Lock()
	last, ok := r.lastMutation[key]
	r.mu.Unlock()
	if ok && time.Since(last) < p.MinUpdateInterval {
		if r.Metrics != nil {
			r.Metrics.UpdatesSkippedInterval.Inc()
		}
		return nil
	}

	u := r.newObject()
	if err := r.Get(ctx, types.NamespacedName{Namespace: key.Namespace, Name: key.Name}, u); err != nil {
		return err
	}

	original := u.DeepCopy()
	if err := unstructured.SetNestedField(u.Object, newVersion, "spec", "chart", "spec", "version"); err != nil {
		return err
	}

	now := time.Now()
	applyHistoryAndTimestamp(u, "", newVersion, "", now)

	if err := r.Patch(ctx, u, client.MergeFrom(original)); err != nil {
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
			Image:     newVersion,
			At:        now,
		})
	}
	if r.Health != nil && p.AutoRollback {
		r.Health.Watch(ctx, "HelmRelease", key.Namespace, key.Name, "", newVersion, p.RollbackTimeout, p.HealthCheckRetries)
	}
	return nil
}
