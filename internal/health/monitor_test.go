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

package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/headwind-sh/headwind/internal/metrics"
)

func newMonitorScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	_ = corev1.AddToScheme(scheme)
	return scheme
}

type recordingRollback struct {
	mu      sync.Mutex
	calls   int
	lastErr error
}

func (r *recordingRollback) Trigger(ctx context.Context, kind, namespace, name, container string, auto bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.lastErr
}

func (r *recordingRollback) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func podWithContainerStatus(name string, owner string, cs corev1.ContainerStatus, ready bool) *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: "default",
			Name:      name,
			OwnerReferences: []metav1.OwnerReference{
				{Name: owner},
			},
		},
		Status: corev1.PodStatus{
			ContainerStatuses: []corev1.ContainerStatus{cs},
		},
	}
	condStatus := corev1.ConditionFalse
	if ready {
		condStatus = corev1.ConditionTrue
	}
	pod.Status.Conditions = []corev1.PodCondition{{Type: corev1.PodReady, Status: condStatus}}
	return pod
}

func TestObserveDetectsCrashLoopBackOff(t *testing.T) {
	pod := podWithContainerStatus("web-1", "web", corev1.ContainerStatus{
		Name:  "app",
		Image: "nginx:2.0",
		State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff"}},
	}, false)

	c := fake.NewClientBuilder().WithScheme(newMonitorScheme()).WithObjects(pod).Build()
	m := NewMonitor(c, &recordingRollback{}, nil, metrics.New())

	failed, ready, err := m.observe(context.Background(), "default", "web", "app", "nginx:2.0")
	require.NoError(t, err)
	assert.True(t, failed, "expected failed=true for CrashLoopBackOff container")
	assert.False(t, ready, "expected ready=false for CrashLoopBackOff container")
}

func TestObserveDetectsReady(t *testing.T) {
	pod := podWithContainerStatus("web-1", "web", corev1.ContainerStatus{
		Name:  "app",
		Image: "nginx:2.0",
		Ready: true,
	}, true)

	c := fake.NewClientBuilder().WithScheme(newMonitorScheme()).WithObjects(pod).Build()
	m := NewMonitor(c, &recordingRollback{}, nil, metrics.New())

	failed, ready, err := m.observe(context.Background(), "default", "web", "app", "nginx:2.0")
	require.NoError(t, err)
	assert.False(t, failed, "expected failed=false for a ready container")
	assert.True(t, ready)
}

func TestObserveIgnoresUnrelatedPods(t *testing.T) {
	pod := podWithContainerStatus("other-1", "other", corev1.ContainerStatus{
		Name:  "app",
		Image: "nginx:2.0",
		State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff"}},
	}, false)

	c := fake.NewClientBuilder().WithScheme(newMonitorScheme()).WithObjects(pod).Build()
	m := NewMonitor(c, &recordingRollback{}, nil, metrics.New())

	failed, ready, err := m.observe(context.Background(), "default", "web", "app", "nginx:2.0")
	require.NoError(t, err)
	assert.False(t, failed)
	assert.False(t, ready)
}

func TestBelongsToWorkload(t *testing.T) {
	pod := corev1.Pod{ObjectMeta: metav1.ObjectMeta{OwnerReferences: []metav1.OwnerReference{{Name: "web"}}}}
	assert.True(t, belongsToWorkload(pod, "web"))
	assert.False(t, belongsToWorkload(pod, "other"))
}

func TestImageMatches(t *testing.T) {
	assert.True(t, imageMatches("nginx:2.0", "nginx:2.0"))
	assert.False(t, imageMatches("nginx:1.0", "nginx:2.0"))
}

func TestRunTriggersRollbackOnSustainedFailure(t *testing.T) {
	pod := podWithContainerStatus("web-1", "web", corev1.ContainerStatus{
		Name:  "app",
		Image: "nginx:2.0",
		State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff"}},
	}, false)

	c := fake.NewClientBuilder().WithScheme(newMonitorScheme()).WithObjects(pod).Build()
	rb := &recordingRollback{}
	m := NewMonitor(c, rb, nil, metrics.New())
	m.PollInterval = time.Millisecond

	m.run(context.Background(), "Deployment", "default", "web", "app", "nginx:2.0", 100*time.Millisecond, 2)

	assert.Equal(t, 1, rb.count())
}

func TestRunExpiresWithoutReadyObserved(t *testing.T) {
	c := fake.NewClientBuilder().WithScheme(newMonitorScheme()).Build()
	rb := &recordingRollback{}
	m := NewMonitor(c, rb, nil, metrics.New())
	m.PollInterval = time.Millisecond

	m.run(context.Background(), "Deployment", "default", "web", "app", "nginx:2.0", 5*time.Millisecond, 3)

	assert.Equal(t, 1, rb.count())
}
