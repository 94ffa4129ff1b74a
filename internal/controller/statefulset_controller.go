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

	appsv1 "k8s.io/api/apps/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// StatefulSetAccessor adapts appsv1.StatefulSet to PodWorkloadAccessor.
type StatefulSetAccessor struct{}

// NewStatefulSetAccessor constructs a StatefulSetAccessor.
func NewStatefulSetAccessor() StatefulSetAccessor { return StatefulSetAccessor{} }

func (StatefulSetAccessor) Kind() string             { return "StatefulSet" }
func (StatefulSetAccessor) NewObject() client.Object { return &appsv1.StatefulSet{} }

func (StatefulSetAccessor) Containers(obj client.Object) []containerImage {
	s := obj.(*appsv1.StatefulSet)
	return extractPodContainers(s.Spec.Template.Spec)
}

func (StatefulSetAccessor) SetContainerImage(obj client.Object, containerName, newImage string) bool {
	s := obj.(*appsv1.StatefulSet)
	return setPodContainerImage(&s.Spec.Template.Spec, containerName, newImage)
}

// StatefulSetReconciler reconciles StatefulSet objects, refreshing the
// shared policy cache on every watch event.
type StatefulSetReconciler struct {
	*PodWorkloadReconciler
}

// NewStatefulSetReconciler builds a StatefulSetReconciler backed by a
// shared PodWorkloadReconciler core.
func NewStatefulSetReconciler(core *PodWorkloadReconciler) *StatefulSetReconciler {
	return &StatefulSetReconciler{PodWorkloadReconciler: core}
}

// Reconcile refreshes the cached policy and container list for the
// StatefulSet named in req, removing it from the cache when deleted.
func (r *StatefulSetReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	key := WorkloadKey{Namespace: req.Namespace, Name: req.Name}

	var s appsv1.StatefulSet
	if err := r.Get(ctx, req.NamespacedName, &s); err != nil {
		if client.IgnoreNotFound(err) == nil {
			r.removeFromCache(key)
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	containers := extractPodContainers(s.Spec.Template.Spec)
	if _, err := r.reconcileWorkload(ctx, key, &s, s.GetAnnotations(), containers); err != nil {
		return ctrl.Result{RequeueAfter: ErrorRequeueInterval}, nil
	}

	return ctrl.Result{RequeueAfter: DefaultRequeueInterval}, nil
}

// SetupWithManager registers the reconciler against mgr, watching
// StatefulSet create/update/delete events.
func (r *StatefulSetReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&appsv1.StatefulSet{}).
		Complete(r)
}
