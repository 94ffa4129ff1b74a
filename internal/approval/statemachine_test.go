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

package approval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	headwindv1alpha1 "github.com/headwind-sh/headwind/api/v1alpha1"
)

// newApprovalScheme registers both the UpdateRequest CRD and the core
// workload kinds the image-usage index scans, so tests covering the
// approval API's full router can exercise that endpoint too.
func newApprovalScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	_ = headwindv1alpha1.AddToScheme(scheme)
	_ = appsv1.AddToScheme(scheme)
	_ = corev1.AddToScheme(scheme)
	_ = batchv1.AddToScheme(scheme)
	return scheme
}

type fakePatcher struct {
	err   error
	calls int
}

func (p *fakePatcher) Apply(ctx context.Context, targetRef headwindv1alpha1.TargetRef, containerName, newImage, approver string) error {
	p.calls++
	return p.err
}

func newPendingRequest(namespace, name string) *headwindv1alpha1.UpdateRequest {
	return &headwindv1alpha1.UpdateRequest{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name},
		Spec: headwindv1alpha1.UpdateRequestSpec{
			TargetRef:     headwindv1alpha1.TargetRef{Kind: "Deployment", Namespace: namespace, Name: "web"},
			ContainerName: "app",
			CurrentImage:  "nginx:1.0",
			NewImage:      "nginx:2.0",
		},
		Status: headwindv1alpha1.UpdateRequestStatus{Phase: headwindv1alpha1.PhasePending},
	}
}

func TestApproveAppliesPatchAndCompletes(t *testing.T) {
	ur := newPendingRequest("default", "req-1")
	c := fake.NewClientBuilder().WithScheme(newApprovalScheme()).WithStatusSubresource(&headwindv1alpha1.UpdateRequest{}).WithObjects(ur).Build()
	patcher := &fakePatcher{}
	sm := NewStateMachine(c, patcher, nil)

	require.NoError(t, sm.Approve(context.Background(), "default", "req-1", "alice"))
	assert.Equal(t, 1, patcher.calls)

	var got headwindv1alpha1.UpdateRequest
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: "req-1"}, &got))
	assert.Equal(t, headwindv1alpha1.PhaseCompleted, got.Status.Phase)
	assert.Equal(t, "alice", got.Spec.Approver)
}

func TestApproveMarksFailedOnPatchError(t *testing.T) {
	ur := newPendingRequest("default", "req-2")
	c := fake.NewClientBuilder().WithScheme(newApprovalScheme()).WithStatusSubresource(&headwindv1alpha1.UpdateRequest{}).WithObjects(ur).Build()
	patcher := &fakePatcher{err: errors.New("workload not found")}
	sm := NewStateMachine(c, patcher, nil)

	err := sm.Approve(context.Background(), "default", "req-2", "alice")
	require.Error(t, err, "expected Approve to return the patch error")

	var got headwindv1alpha1.UpdateRequest
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: "req-2"}, &got))
	assert.Equal(t, headwindv1alpha1.PhaseFailed, got.Status.Phase)
	assert.NotEmpty(t, got.Status.ErrorMessage)
}

func TestApproveRejectsNonPendingRequest(t *testing.T) {
	ur := newPendingRequest("default", "req-3")
	ur.Status.Phase = headwindv1alpha1.PhaseCompleted
	c := fake.NewClientBuilder().WithScheme(newApprovalScheme()).WithStatusSubresource(&headwindv1alpha1.UpdateRequest{}).WithObjects(ur).Build()
	sm := NewStateMachine(c, &fakePatcher{}, nil)

	err := sm.Approve(context.Background(), "default", "req-3", "alice")
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestRejectRequiresReason(t *testing.T) {
	ur := newPendingRequest("default", "req-4")
	c := fake.NewClientBuilder().WithScheme(newApprovalScheme()).WithStatusSubresource(&headwindv1alpha1.UpdateRequest{}).WithObjects(ur).Build()
	sm := NewStateMachine(c, &fakePatcher{}, nil)

	err := sm.Reject(context.Background(), "default", "req-4", "alice", "")
	assert.ErrorIs(t, err, ErrReasonRequired)
}

func TestRejectTransitionsToRejected(t *testing.T) {
	ur := newPendingRequest("default", "req-5")
	c := fake.NewClientBuilder().WithScheme(newApprovalScheme()).WithStatusSubresource(&headwindv1alpha1.UpdateRequest{}).WithObjects(ur).Build()
	sm := NewStateMachine(c, &fakePatcher{}, nil)

	require.NoError(t, sm.Reject(context.Background(), "default", "req-5", "bob", "rollout too risky"))

	var got headwindv1alpha1.UpdateRequest
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: "req-5"}, &got))
	assert.Equal(t, headwindv1alpha1.PhaseRejected, got.Status.Phase)
	assert.Equal(t, "rollout too risky", got.Status.RejectionReason)
}

func TestRejectNonPendingRequest(t *testing.T) {
	ur := newPendingRequest("default", "req-6")
	ur.Status.Phase = headwindv1alpha1.PhaseRejected
	c := fake.NewClientBuilder().WithScheme(newApprovalScheme()).WithStatusSubresource(&headwindv1alpha1.UpdateRequest{}).WithObjects(ur).Build()
	sm := NewStateMachine(c, &fakePatcher{}, nil)

	err := sm.Reject(context.Background(), "default", "req-6", "bob", "reason")
	assert.ErrorIs(t, err, ErrNotPending)
}
