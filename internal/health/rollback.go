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
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/headwind-sh/headwind/internal/history"
	"github.com/headwind-sh/headwind/internal/policy"
)

// helmReleaseGVK is the toolkit.fluxcd.io HelmRelease kind, watched as an
// unstructured object since only spec.chart.spec.version is ever read or
// written here.
var helmReleaseGVK = schema.GroupVersionKind{
	Group:   "helm.toolkit.fluxcd.io",
	Version: "v2beta1",
	Kind:    "HelmRelease",
}

// Rollbacker patches a workload's container back to the most recent
// previous image recorded in its update history. It is the shared
// primitive used by both the automatic post-mutation health watch and the
// manual rollback API endpoint.
type Rollbacker struct {
	Client client.Client
}

// NewRollbacker constructs a Rollbacker.
func NewRollbacker(c client.Client) *Rollbacker {
	return &Rollbacker{Client: c}
}

// Trigger rolls the named workload's container back to the newest history
// entry whose image differs from the container's current image. auto
// selects the approver recorded on the resulting history entry.
func (r *Rollbacker) Trigger(ctx context.Context, kind, namespace, name, container string, auto bool) error {
	approver := "manual"
	if auto {
		approver = "auto-rollback"
	}

	switch kind {
	case "Deployment":
		return r.rollbackDeployment(ctx, namespace, name, container, approver)
	case "StatefulSet":
		return r.rollbackStatefulSet(ctx, namespace, name, container, approver)
	case "DaemonSet":
		return r.rollbackDaemonSet(ctx, namespace, name, container, approver)
	case "HelmRelease":
		return r.rollbackHelmRelease(ctx, namespace, name, approver)
	default:
		return fmt.Errorf("rollback: unsupported workload kind %q", kind)
	}
}

func (r *Rollbacker) rollbackDeployment(ctx context.Context, namespace, name, container, approver string) error {
	var d appsv1.Deployment
	if err := r.Client.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, &d); err != nil {
		return err
	}
	original := d.DeepCopy()

	currentImage := currentContainerImage(d.Spec.Template.Spec.Containers, container)
	hist := history.Decode(d.GetAnnotations()[policy.AnnotationUpdateHistory])
	prevImage, ok := history.PreviousImage(hist, container, currentImage)
	if !ok {
		return fmt.Errorf("rollback: no previous image recorded for container %q", container)
	}

	if !setContainerImage(d.Spec.Template.Spec.Containers, container, prevImage) {
		return fmt.Errorf("rollback: container %q not found", container)
	}
	applyRollbackHistory(&d, container, prevImage, approver)

	return r.Client.Patch(ctx, &d, client.MergeFrom(original))
}

func (r *Rollbacker) rollbackStatefulSet(ctx context.Context, namespace, name, container, approver string) error {
	var s appsv1.StatefulSet
	if err := r.Client.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, &s); err != nil {
		return err
	}
	original := s.DeepCopy()

	currentImage := currentContainerImage(s.Spec.Template.Spec.Containers, container)
	hist := history.Decode(s.GetAnnotations()[policy.AnnotationUpdateHistory])
	prevImage, ok := history.PreviousImage(hist, container, currentImage)
	if !ok {
		return fmt.Errorf("rollback: no previous image recorded for container %q", container)
	}

	if !setContainerImage(s.Spec.Template.Spec.Containers, container, prevImage) {
		return fmt.Errorf("rollback: container %q not found", container)
	}
	applyRollbackHistory(&s, container, prevImage, approver)

	return r.Client.Patch(ctx, &s, client.MergeFrom(original))
}

func (r *Rollbacker) rollbackDaemonSet(ctx context.Context, namespace, name, container, approver string) error {
	var d appsv1.DaemonSet
	if err := r.Client.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, &d); err != nil {
		return err
	}
	original := d.DeepCopy()

	currentImage := currentContainerImage(d.Spec.Template.Spec.Containers, container)
	hist := history.Decode(d.GetAnnotations()[policy.AnnotationUpdateHistory])
	prevImage, ok := history.PreviousImage(hist, container, currentImage)
	if !ok {
		return fmt.Errorf("rollback: no previous image recorded for container %q", container)
	}

	if !setContainerImage(d.Spec.Template.Spec.Containers, container, prevImage) {
		return fmt.Errorf("rollback: container %q not found", container)
	}
	applyRollbackHistory(&d, container, prevImage, approver)

	return r.Client.Patch(ctx, &d, client.MergeFrom(original))
}

func (r *Rollbacker) rollbackHelmRelease(ctx context.Context, namespace, name, approver string) error {
	u := &unstructured.Unstructured{}
	u.SetGroupVersionKind(helmReleaseGVK)
	if err := r.Client.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, u); err != nil {
		return err
	}
	original := u.DeepCopy()

	currentVersion, _, _ := unstructured.NestedString(u.Object, "spec", "chart", "spec", "version")
	hist := history.Decode(u.GetAnnotations()[policy.AnnotationUpdateHistory])
	prevVersion, ok := history.PreviousImage(hist, "", currentVersion)
	if !ok {
		return fmt.Errorf("rollback: no previous chart version recorded for %s/%s", namespace, name)
	}

	if err := unstructured.SetNestedField(u.Object, prevVersion, "spec", "chart", "spec", "version"); err != nil {
		return err
	}
	applyRollbackHistory(u, "", prevVersion, approver)

	return r.Client.Patch(ctx, u, client.MergeFrom(original))
}

func currentContainerImage(containers []corev1.Container, name string) string {
	for _, c := range containers {
		if c.Name == name {
			return c.Image
		}
	}
	return ""
}

func setContainerImage(containers []corev1.Container, name, image string) bool {
	for i := range containers {
		if containers[i].Name == name {
			containers[i].Image = image
			return true
		}
	}
	return false
}

func applyRollbackHistory(obj client.Object, container, image, approver string) {
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
