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

// Package approval drives UpdateRequest through its Pending -> (transient
// Applying) -> Completed/Failed/Rejected lifecycle and exposes the HTTP API
// that is the only legitimate mutator of status.phase.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	headwindv1alpha1 "github.com/headwind-sh/headwind/api/v1alpha1"
	"github.com/headwind-sh/headwind/internal/history"
	"github.com/headwind-sh/headwind/internal/notify"
	"github.com/headwind-sh/headwind/internal/policy"
)

// ErrNotPending is returned when approve or reject is attempted on a
// request that is not currently Pending.
var ErrNotPending = errors.New("approval: update request is not in Pending phase")

// ErrReasonRequired is returned when Reject is called with an empty reason.
var ErrReasonRequired = errors.New("approval: reject requires a non-empty reason")

// Patcher applies the patched image/version to the target workload named
// by an UpdateRequest's TargetRef.
type Patcher interface {
	Apply(ctx context.Context, targetRef headwindv1alpha1.TargetRef, containerName, newImage, approver string) error
}

// StateMachine drives UpdateRequest transitions with compare-and-set retry
// on resourceVersion conflicts.
type StateMachine struct {
	Client  client.Client
	Patcher Patcher
	Notify  notify.Sink
}

// NewStateMachine constructs a StateMachine.
func NewStateMachine(c client.Client, p Patcher, n notify.Sink) *StateMachine {
	return &StateMachine{Client: c, Patcher: p, Notify: n}
}

const maxCASRetries = 5

// Approve validates that the named request is Pending, applies the patch
// to the target workload, and transitions the request to Completed or
// Failed depending on the outcome. The Applying phase is transient and
// never persisted as an externally observable status value.
func (s *StateMachine) Approve(ctx context.Context, namespace, name, approver string) error {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		var ur headwindv1alpha1.UpdateRequest
		if err := s.Client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, &ur); err != nil {
			return err
		}
		if ur.Status.Phase != headwindv1alpha1.PhasePending {
			return ErrNotPending
		}

		now := metav1.Now()
		ur.Spec.Approver = approver
		if err := s.Client.Update(ctx, &ur); err != nil {
			if apierrors.IsConflict(err) {
				continue
			}
			return err
		}
		ur.Status.ApprovedAt = &now

		applyErr := s.Patcher.Apply(ctx, ur.Spec.TargetRef, ur.Spec.ContainerName, ur.Spec.NewImage, approver)
		if applyErr != nil {
			ur.Status.Phase = headwindv1alpha1.PhaseFailed
			ur.Status.ErrorMessage = applyErr.Error()
		} else {
			ur.Status.Phase = headwindv1alpha1.PhaseCompleted
		}

		err := s.Client.Status().Update(ctx, &ur)
		if apierrors.IsConflict(err) {
			continue
		}
		if err != nil {
			return err
		}

		s.notifyOutcome(ur, applyErr)
		if applyErr != nil {
			return applyErr
		}
		return nil
	}
	return fmt.Errorf("approval: exhausted %d retries on resourceVersion conflict", maxCASRetries)
}

func (s *StateMachine) notifyOutcome(ur headwindv1alpha1.UpdateRequest, applyErr error) {
	if s.Notify == nil {
		return
	}
	if applyErr != nil {
		s.Notify.Send(notify.Event{
			Kind:      notify.EventFailed,
			Namespace: ur.Namespace,
			Name:      ur.Spec.TargetRef.Name,
			Container: ur.Spec.ContainerName,
			Image:     ur.Spec.NewImage,
			Approver:  ur.Spec.Approver,
			Message:   applyErr.Error(),
			At:        time.Now(),
		})
		return
	}
	s.Notify.Send(notify.Event{
		Kind:      notify.EventApplied,
		Namespace: ur.Namespace,
		Name:      ur.Spec.TargetRef.Name,
		Container: ur.Spec.ContainerName,
		Image:     ur.Spec.NewImage,
		Approver:  ur.Spec.Approver,
		At:        time.Now(),
	})
}

// Reject transitions the named request to Rejected, recording the approver
// and a mandatory reason.
func (s *StateMachine) Reject(ctx context.Context, namespace, name, approver, reason string) error {
	if reason == "" {
		return ErrReasonRequired
	}

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		var ur headwindv1alpha1.UpdateRequest
		if err := s.Client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, &ur); err != nil {
			return err
		}
		if ur.Status.Phase != headwindv1alpha1.PhasePending {
			return ErrNotPending
		}

		now := metav1.Now()
		ur.Spec.Approver = approver
		if err := s.Client.Update(ctx, &ur); err != nil {
			if apierrors.IsConflict(err) {
				continue
			}
			return err
		}
		ur.Status.RejectedAt = &now
		ur.Status.RejectionReason = reason
		ur.Status.Phase = headwindv1alpha1.PhaseRejected

		err := s.Client.Status().Update(ctx, &ur)
		if apierrors.IsConflict(err) {
			continue
		}
		if err != nil {
			return err
		}

		if s.Notify != nil {
			s.Notify.Send(notify.Event{
				Kind:      notify.EventRejected,
				Namespace: ur.Namespace,
				Name:      ur.Spec.TargetRef.Name,
				Container: ur.Spec.ContainerName,
				Image:     ur.Spec.NewImage,
				Approver:  approver,
				Reason:    reason,
				At:        time.Now(),
			})
		}
		return nil
	}
	return fmt.Errorf("approval: exhausted %d retries on resourceVersion conflict", maxCASRetries)
}

// workloadPatcher is the default Patcher, mutating the target workload
// directly and maintaining its bounded update history, matching the
// direct-apply path the controllers use.
type workloadPatcher struct {
	Client client.Client
}

// NewWorkloadPatcher constructs the default Patcher used by the approval
// HTTP API.
func NewWorkloadPatcher(c client.Client) Patcher {
	return &workloadPatcher{Client: c}
}

func (p *workloadPatcher) Apply(ctx context.Context, targetRef headwindv1alpha1.TargetRef, containerName, newImage, approver string) error {
	switch targetRef.Kind {
	case "Deployment":
		return p.patchDeployment(ctx, targetRef, containerName, newImage, approver)
	case "StatefulSet":
		return p.patchStatefulSet(ctx, targetRef, containerName, newImage, approver)
	case "DaemonSet":
		return p.patchDaemonSet(ctx, targetRef, containerName, newImage, approver)
	case "HelmRelease":
		return p.patchHelmRelease(ctx, targetRef, newImage, approver)
	default:
		return fmt.Errorf("approval: unsupported target kind %q", targetRef.Kind)
	}
}

func recordHistory(obj client.Object, container, image string, approver string) {
	annotations := obj.GetAnnotations()
	if annotations == nil {
		annotations = map[string]string{}
	}
	hist := history.Decode(annotations[policy.AnnotationUpdateHistory])
	hist = history.Prepend(hist, container, history.Entry{
		Container: container,
		Image:     image,
		Timestamp: time.Now(),
		Approver:  approver,
	})
	if encoded, err := history.Encode(hist); err == nil {
		annotations[policy.AnnotationUpdateHistory] = encoded
	}
	annotations[policy.AnnotationLastUpdate] = time.Now().UTC().Format(time.RFC3339)
	obj.SetAnnotations(annotations)
}
