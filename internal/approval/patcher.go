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
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"

	headwindv1alpha1 "github.com/headwind-sh/headwind/api/v1alpha1"
)

var helmReleaseGVK = schema.GroupVersionKind{
	Group:   "helm.toolkit.fluxcd.io",
	Version: "v2beta1",
	Kind:    "HelmRelease",
}

func (p *workloadPatcher) patchDeployment(ctx context.Context, ref headwindv1alpha1.TargetRef, container, newImage, approver string) error {
	var d appsv1.Deployment
	if err := p.Client.Get(ctx, client.ObjectKey{Namespace: ref.Namespace, Name: ref.Name}, &d); err != nil {
		return err
	}
	original := d.DeepCopy()

	if !setImage(d.Spec.Template.Spec.Containers, container, newImage) {
		return fmt.Errorf("approval: container %q not found on Deployment %s/%s", container, ref.Namespace, ref.Name)
	}
	recordHistory(&d, container, newImage, approver)

	return p.Client.Patch(ctx, &d, client.MergeFrom(original))
}

func (p *workloadPatcher) patchStatefulSet(ctx context.Context, ref headwindv1alpha1.TargetRef, container, newImage, approver string) error {
	var s appsv1.StatefulSet
	if err := p.Client.Get(ctx, client.ObjectKey{Namespace: ref.Namespace, Name: ref.Name}, &s); err != nil {
		return err
	}
	original := s.DeepCopy()

	if !setImage(s.Spec.Template.Spec.Containers, container, newImage) {
		return fmt.Errorf("approval: container %q not found on StatefulSet %s/%s", container, ref.Namespace, ref.Name)
	}
	recordHistory(&s, container, newImage, approver)

	return p.Client.Patch(ctx, &s, client.MergeFrom(original))
}

func (p *workloadPatcher) patchDaemonSet(ctx context.Context, ref headwindv1alpha1.TargetRef, container, newImage, approver string) error {
	var d appsv1.DaemonSet
	if err := p.Client.Get(ctx, client.ObjectKey{Namespace: ref.Namespace, Name: ref.Name}, &d); err != nil {
		return err
	}
	original := d.DeepCopy()

	if !setImage(d.Spec.Template.Spec.Containers, container, newImage) {
		return fmt.Errorf("approval: container %q not found on DaemonSet %s/%s", container, ref.Namespace, ref.Name)
	}
	recordHistory(&d, container, newImage, approver)

	return p.Client.Patch(ctx, &d, client.MergeFrom(original))
}

func (p *workloadPatcher) patchHelmRelease(ctx context.Context, ref headwindv1alpha1.TargetRef, newVersion, approver string) error {
	u := &unstructured.Unstructured{}
	u.SetGroupVersionKind(helmReleaseGVK)
	if err := p.Client.Get(ctx, client.ObjectKey{Namespace: ref.Namespace, Name: ref.Name}, u); err != nil {
		return err
	}
	original := u.DeepCopy()

	if err := unstructured.SetNestedField(u.Object, newVersion, "spec", "chart", "spec", "version"); err != nil {
		return err
	}
	recordHistory(u, "", newVersion, approver)

	return p.Client.Patch(ctx, u, client.MergeFrom(original))
}

func setImage(containers []corev1.Container, name, image string) bool {
	for i := range containers {
		if containers[i].Name == name {
			containers[i].Image = image
			return true
		}
	}
	return false
}
