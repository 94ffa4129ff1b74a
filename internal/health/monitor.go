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

// Package health watches a workload for a bounded window after a mutation
// and triggers rollback on sustained failure signals.
package health

import (
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/labels"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/headwind-sh/headwind/internal/metrics"
	"github.com/headwind-sh/headwind/internal/notify"
)

const pollInterval = 5 * time.Second

// Rollback is the subset of Rollbacker that Monitor depends on, kept as an
// interface so tests can substitute a recorder.
type Rollback interface {
	Trigger(ctx context.Context, kind, namespace, name, container string, auto bool) error
}

// Monitor watches pods belonging to a workload after a mutation and
// triggers rollback when a sustained failure signal is observed.
type Monitor struct {
	Client   client.Client
	Rollback Rollback
	Notifier notify.Sink
	Metrics  *metrics.Metrics

	// PollInterval overrides the default poll cadence; tests set this to
	// a small value.
	PollInterval time.Duration
}

// NewMonitor constructs a Monitor polling every five seconds.
func NewMonitor(c client.Client, rb Rollback, notifier notify.Sink, m *metrics.Metrics) *Monitor {
	return &Monitor{Client: c, Rollback: rb, Notifier: notifier, Metrics: m, PollInterval: pollInterval}
}

// Watch starts a goroutine that polls the workload's pods for up to
// timeout, triggering rollback after retries consecutive failure
// observations. It returns immediately; the watch runs on
// context.Background(), detached from the caller's context lifetime, and
// is bounded only by the timeout deadline checked on each poll.
func (m *Monitor) Watch(parent context.Context, kind, namespace, name, container, newImage string, timeout time.Duration, retries int) {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if retries <= 0 {
		retries = 3
	}

	go m.run(context.Background(), kind, namespace, name, container, newImage, timeout, retries)
}

func (m *Monitor) run(ctx context.Context, kind, namespace, name, container, newImage string, timeout time.Duration, retries int) {
	logger := log.FromContext(ctx)
	deadline := time.Now().Add(timeout)
	interval := m.PollInterval
	if interval <= 0 {
		interval = pollInterval
	}

	consecutiveFailures := 0
	readyObserved := false

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			if !readyObserved {
				m.triggerRollback(ctx, kind, namespace, name, container, "readiness never reached within the health-watch window")
			}
			return
		}

		failed, ready, err := m.observe(ctx, namespace, name, container, newImage)
		if err != nil {
			logger.Error(err, "failed to observe workload health", "namespace", namespace, "name", name)
			continue
		}
		if ready {
			readyObserved = true
		}
		if failed {
			consecutiveFailures++
		} else {
			consecutiveFailures = 0
		}

		if consecutiveFailures >= retries {
			m.triggerRollback(ctx, kind, namespace, name, container, "sustained failure signal on new revision")
			return
		}
	}
}

// observe lists every pod in the namespace, inspects those whose owner
// reference carries this workload's name, and reports whether a
// failure signal was seen and whether any replica of the new image reached
// readiness.
func (m *Monitor) observe(ctx context.Context, namespace, name, container, newImage string) (failed, ready bool, err error) {
	var pods corev1.PodList
	if listErr := m.Client.List(ctx, &pods, client.InNamespace(namespace), client.MatchingLabelsSelector{Selector: labels.Everything()}); listErr != nil {
		return false, false, listErr
	}

	for _, pod := range pods.Items {
		if !belongsToWorkload(pod, name) {
			continue
		}
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.Name != "" && container != "" && cs.Name != container {
				continue
			}
			if imageMatches(cs.Image, newImage) {
				if cs.State.Waiting != nil {
					switch cs.State.Waiting.Reason {
					case "CrashLoopBackOff", "ImagePullBackOff", "ErrImagePull":
						failed = true
					}
				}
				if cs.RestartCount > 5 {
					failed = true
				}
				if cs.Ready {
					ready = true
				}
			}
		}
		for _, cond := range pod.Status.Conditions {
			if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
				ready = true
			}
		}
	}

	return failed, ready, nil
}

func belongsToWorkload(pod corev1.Pod, workloadName string) bool {
	for _, owner := range pod.OwnerReferences {
		if owner.Name == workloadName {
			return true
		}
	}
	return false
}

func imageMatches(actual, expected string) bool {
	return actual == expected
}

func (m *Monitor) triggerRollback(ctx context.Context, kind, namespace, name, container, reason string) {
	logger := log.FromContext(ctx)
	if m.Notifier != nil {
		m.Notifier.Send(notify.Event{
			Kind:      notify.EventRollbackTriggered,
			Namespace: namespace,
			Name:      name,
			Container: container,
			Reason:    reason,
			At:        time.Now(),
		})
	}
	if m.Metrics != nil {
		m.Metrics.RollbacksTriggered.Inc()
	}

	if err := m.Rollback.Trigger(ctx, kind, namespace, name, container, true); err != nil {
		logger.Error(err, "auto-rollback failed", "namespace", namespace, "name", name, "container", container)
		if m.Metrics != nil {
			m.Metrics.RollbacksFailed.Inc()
		}
		if m.Notifier != nil {
			m.Notifier.Send(notify.Event{
				Kind:      notify.EventRollbackFailed,
				Namespace: namespace,
				Name:      name,
				Container: container,
				Message:   err.Error(),
				At:        time.Now(),
			})
		}
		return
	}

	if m.Metrics != nil {
		m.Metrics.RollbacksCompleted.Inc()
	}
	if m.Notifier != nil {
		m.Notifier.Send(notify.Event{
			Kind:      notify.EventRollbackCompleted,
			Namespace: namespace,
			Name:      name,
			Container: container,
			At:        time.Now(),
		})
	}
}
