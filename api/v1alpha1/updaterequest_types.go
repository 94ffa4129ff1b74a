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

package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// UpdateRequestPhase is the lifecycle phase of an UpdateRequest.
type UpdateRequestPhase string

const (
	PhasePending   UpdateRequestPhase = "Pending"
	PhaseCompleted UpdateRequestPhase = "Completed"
	PhaseRejected  UpdateRequestPhase = "Rejected"
	PhaseFailed    UpdateRequestPhase = "Failed"
)

// TargetRef identifies the workload an UpdateRequest applies to.
type TargetRef struct {
	// Kind is the workload kind: Deployment, StatefulSet, DaemonSet or HelmRelease.
	// +kubebuilder:validation:Enum=Deployment;StatefulSet;DaemonSet;HelmRelease
	Kind string `json:"kind"`

	// Namespace of the target workload.
	// +kubebuilder:validation:Required
	Namespace string `json:"namespace"`

	// Name of the target workload.
	// +kubebuilder:validation:Required
	Name string `json:"name"`
}

// UpdateRequestSpec defines the desired state of UpdateRequest.
type UpdateRequestSpec struct {
	// TargetRef is the workload this request proposes to mutate.
	// +kubebuilder:validation:Required
	TargetRef TargetRef `json:"targetRef"`

	// ContainerName is the container within the target whose image changes.
	// Empty for HelmRelease targets, where the chart version changes instead.
	// +optional
	ContainerName string `json:"containerName,omitempty"`

	// CurrentImage is the image reference observed at request creation time.
	// +kubebuilder:validation:Required
	CurrentImage string `json:"currentImage"`

	// NewImage is the proposed replacement image reference.
	// +kubebuilder:validation:Required
	NewImage string `json:"newImage"`

	// PolicyKind records which policy accepted this candidate, for audit.
	// +optional
	PolicyKind string `json:"policyKind,omitempty"`

	// Approver is set once the request has been approved or rejected.
	// +optional
	Approver string `json:"approver,omitempty"`
}

// UpdateRequestStatus defines the observed state of UpdateRequest.
type UpdateRequestStatus struct {
	// Phase is the current lifecycle phase. Monotonic: Pending -> terminal.
	// +kubebuilder:validation:Enum=Pending;Completed;Rejected;Failed
	// +kubebuilder:default="Pending"
	Phase UpdateRequestPhase `json:"phase,omitempty"`

	// CreatedAt is set once, at creation.
	// +optional
	CreatedAt *metav1.Time `json:"createdAt,omitempty"`

	// LastUpdated advances on every coalesced re-discovery, even when phase
	// and spec do not change.
	// +optional
	LastUpdated *metav1.Time `json:"lastUpdated,omitempty"`

	// ApprovedAt is set when phase transitions away from Pending via approve.
	// +optional
	ApprovedAt *metav1.Time `json:"approvedAt,omitempty"`

	// RejectedAt is set when phase transitions to Rejected.
	// +optional
	RejectedAt *metav1.Time `json:"rejectedAt,omitempty"`

	// RejectionReason is the operator-supplied reason for a reject transition.
	// +optional
	RejectionReason string `json:"rejectionReason,omitempty"`

	// ErrorMessage is set when phase transitions to Failed.
	// +optional
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`
// +kubebuilder:printcolumn:name="Target",type=string,JSONPath=`.spec.targetRef.name`
// +kubebuilder:printcolumn:name="NewImage",type=string,JSONPath=`.spec.newImage`

// UpdateRequest is the Schema for the updaterequests API.
type UpdateRequest struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   UpdateRequestSpec   `json:"spec,omitempty"`
	Status UpdateRequestStatus `json:"status,omitempty"`
}

// IsTerminal reports whether the request has reached a phase from which no
// further transitions are accepted.
func (u *UpdateRequest) IsTerminal() bool {
	switch u.Status.Phase {
	case PhaseCompleted, PhaseRejected, PhaseFailed:
		return true
	default:
		return false
	}
}

// +kubebuilder:object:root=true

// UpdateRequestList contains a list of UpdateRequest.
type UpdateRequestList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []UpdateRequest `json:"items"`
}

func init() {
	SchemeBuilder.Register(&UpdateRequest{}, &UpdateRequestList{})
}
