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

// DeploymentAccessor adapts appsv1.Deployment to PodWorkloadAccessor.
type DeploymentAccessor struct{}

// NewDeploymentAccessor constructs a DeploymentAccessor.
func NewDeploymentAccessor() DeploymentAccessor { return DeploymentAccessor{} }

func (DeploymentAccessor) Kind() string             { return "Deployment" }
func (DeploymentAccessor) NewObject() client.Object { return &appsv1.Deployment{} }

func (DeploymentAccessor) Containers(obj client.Object) []containerImage {
	d := obj.(*appsv1.Deployment)
	return extractPodContainers(d.Spec.Template.Spec)
}

func (DeploymentAccessor) SetContainerImage(obj client.Object, containerName, newImage string) bool {
	d := obj.(*appsv1.Deployment)
	return setPodContainerImage(&d.Spec.Template.Spec, containerName, newImage)
}

// DeploymentReconciler reconciles Deployment objects, refreshing the shared
// policy cache on every watch event.
type DeploymentReconciler struct {
	*PodWorkloadReconciler
}

// NewDeploymentReconciler builds a DeploymentReconciler backed by a shared
// PodWorkloadReconciler core.
func NewDeploymentReconciler(core *PodWorkloadReconciler) *DeploymentReconciler {
	return &DeploymentReconciler{PodWorkloadReconciler: core}
}

// Reconcile refreshes the cached policy and container list for the
// Deployment named in req, removing it from the cache when deleted.
func (r *DeploymentReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	key := WorkloadKey{Namespace: req.Namespace, Name: req.Name}

	var d appsv1.Deployment
	if err := r.Get(ctx, req.NamespacedName, &d); err != nil {
		if client.IgnoreNotFound(err) == nil {
			r.removeFromCache(key)
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	containers := extractPodContainers(d.Spec.Template.Spec)
	if _, err := r.reconcileWorkload(ctx, key, &d, d.GetAnnotations(), containers); err != nil {
		return ctrl.Result{RequeueAfter: ErrorRequeueInterval}, nil
	}

	return ctrl.Result{RequeueAfter: DefaultRequeueInterval}, nil
}

// SetupWithManager registers the reconciler against mgr, watching
// Deployment create/update/delete events.
func (r *DeploymentReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&appsv1.Deployment{}).
		Complete(r)
}
