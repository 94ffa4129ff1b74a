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

package impact

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
)

func newTestScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	_ = appsv1.AddToScheme(scheme)
	_ = batchv1.AddToScheme(scheme)
	_ = corev1.AddToScheme(scheme)
	return scheme
}

func TestIndexUsageFindsMatchingWorkload(t *testing.T) {
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "web"},
		Spec: appsv1.DeploymentSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{Name: "app", Image: "registry.example.com/team/service:v1.0.0"},
					},
				},
			},
		},
	}
	c := fake.NewClientBuilder().WithScheme(newTestScheme()).WithObjects(dep).Build()

	idx := NewIndex(c, time.Minute)
	refs, err := idx.Usage(context.Background(), "registry.example.com/team/service:v2.0.0")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "web", refs[0].Name)
	assert.Equal(t, "Deployment", refs[0].Kind)
	assert.Equal(t, "app", refs[0].Container)
}

func TestIndexUsageNoMatch(t *testing.T) {
	c := fake.NewClientBuilder().WithScheme(newTestScheme()).Build()

	idx := NewIndex(c, time.Minute)
	refs, err := idx.Usage(context.Background(), "nginx:latest")
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestIndexRefreshOnExpiry(t *testing.T) {
	c := fake.NewClientBuilder().WithScheme(newTestScheme()).Build()
	idx := NewIndex(c, time.Millisecond)

	_, err := idx.Usage(context.Background(), "nginx:latest")
	require.NoError(t, err)
	firstBuild := idx.builtAt
	time.Sleep(2 * time.Millisecond)
	assert.True(t, idx.expired(), "index should report expired once ttl has elapsed")

	_, err = idx.Usage(context.Background(), "nginx:latest")
	require.NoError(t, err)
	assert.True(t, idx.builtAt.After(firstBuild), "Usage should rebuild an expired index")
}

func TestBaseImageName(t *testing.T) {
	cases := map[string]string{
		"nginx:latest": "nginx",
		"registry.example.com/team/service:v1.0.0":           "service",
		"123456789012.dkr.ecr.us-east-1.amazonaws.com/app:v1": "app",
		"nginx@sha256:abc123": "nginx",
		"nginx":               "nginx",
	}
	for input, want := range cases {
		if got := baseImageName(input); got != want {
			t.Errorf("baseImageName(%q) = %q, want %q", input, got, want)
		}
	}
}
