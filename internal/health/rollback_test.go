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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/headwind-sh/headwind/internal/history"
	"github.com/headwind-sh/headwind/internal/policy"
)

func newRollbackScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	_ = appsv1.AddToScheme(scheme)
	_ = corev1.AddToScheme(scheme)
	return scheme
}

func historyAnnotation(t *testing.T, container, image string) string {
	t.Helper()
	m := map[string][]history.Entry{
		container: {{Container: container, Image: image}},
	}
	raw, err := history.Encode(m)
	require.NoError(t, err)
	return raw
}

func TestRollbackerTriggerDeployment(t *testing.T) {
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Namespace:   "default",
			Name:        "web",
			Annotations: map[string]string{policy.AnnotationUpdateHistory: historyAnnotation(t, "app", "nginx:1.0")},
		},
		Spec: appsv1.DeploymentSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{Name: "app", Image: "nginx:2.0"}},
				},
			},
		},
	}
	c := fake.NewClientBuilder().WithScheme(newRollbackScheme()).WithObjects(dep).Build()
	rb := NewRollbacker(c)

	err := rb.Trigger(context.Background(), "Deployment", "default", "web", "app", true)
	require.NoError(t, err)

	var got appsv1.Deployment
	require.NoError(t, c.Get(context.Background(), client.ObjectKey{Namespace: "default", Name: "web"}, &got))
	assert.Equal(t, "nginx:1.0", got.Spec.Template.Spec.Containers[0].Image)
}

func TestRollbackerTriggerStatefulSet(t *testing.T) {
	sts := &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{
			Namespace:   "default",
			Name:        "cache",
			Annotations: map[string]string{policy.AnnotationUpdateHistory: historyAnnotation(t, "redis", "redis:6.0")},
		},
		Spec: appsv1.StatefulSetSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{Name: "redis", Image: "redis:7.0"}},
				},
			},
		},
	}
	c := fake.NewClientBuilder().WithScheme(newRollbackScheme()).WithObjects(sts).Build()
	rb := NewRollbacker(c)

	err := rb.Trigger(context.Background(), "StatefulSet", "default", "cache", "redis", false)
	require.NoError(t, err)

	var got appsv1.StatefulSet
	require.NoError(t, c.Get(context.Background(), client.ObjectKey{Namespace: "default", Name: "cache"}, &got))
	assert.Equal(t, "redis:6.0", got.Spec.Template.Spec.Containers[0].Image)
}

func TestRollbackerTriggerHelmRelease(t *testing.T) {
	u := &unstructured.Unstructured{}
	u.SetGroupVersionKind(helmReleaseGVK)
	u.SetNamespace("default")
	u.SetName("app")
	u.SetAnnotations(map[string]string{policy.AnnotationUpdateHistory: historyAnnotation(t, "", "1.0.0")})
	require.NoError(t, unstructured.SetNestedField(u.Object, "2.0.0", "spec", "chart", "spec", "version"))

	c := fake.NewClientBuilder().WithScheme(newRollbackScheme()).WithObjects(u).Build()
	rb := NewRollbacker(c)

	err := rb.Trigger(context.Background(), "HelmRelease", "default", "app", "", true)
	require.NoError(t, err)

	got := &unstructured.Unstructured{}
	got.SetGroupVersionKind(helmReleaseGVK)
	require.NoError(t, c.Get(context.Background(), client.ObjectKey{Namespace: "default", Name: "app"}, got))
	version, _, _ := unstructured.NestedString(got.Object, "spec", "chart", "spec", "version")
	assert.Equal(t, "1.0.0", version)
}

func TestRollbackerTriggerNoHistory(t *testing.T) {
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "web"},
		Spec: appsv1.DeploymentSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{Name: "app", Image: "nginx:2.0"}},
				},
			},
		},
	}
	c := fake.NewClientBuilder().WithScheme(newRollbackScheme()).WithObjects(dep).Build()
	rb := NewRollbacker(c)

	err := rb.Trigger(context.Background(), "Deployment", "default", "web", "app", true)
	assert.Error(t, err, "expected error when no previous image is recorded")
}

func TestRollbackerTriggerUnsupportedKind(t *testing.T) {
	c := fake.NewClientBuilder().WithScheme(newRollbackScheme()).Build()
	rb := NewRollbacker(c)

	err := rb.Trigger(context.Background(), "CronJob", "default", "job", "app", true)
	assert.Error(t, err, "expected error for unsupported workload kind")
}
