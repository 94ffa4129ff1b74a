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
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	headwindv1alpha1 "github.com/headwind-sh/headwind/api/v1alpha1"
	"github.com/headwind-sh/headwind/internal/health"
	"github.com/headwind-sh/headwind/internal/impact"
)

// API serves the approval and rollback HTTP surface described for the web
// UI and external operator tooling.
type API struct {
	Client       client.Client
	StateMachine *StateMachine
	Rollback     *health.Rollbacker
	Impact       *impact.Index
}

// NewAPI constructs an API instance.
func NewAPI(c client.Client, sm *StateMachine, rb *health.Rollbacker, idx *impact.Index) *API {
	return &API{Client: c, StateMachine: sm, Rollback: rb, Impact: idx}
}

// Router builds the mux.Router serving the approval API routes.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/updates", a.handleList).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/updates/{namespace}/{name}", a.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/updates/{namespace}/{name}/approve", a.handleApprove).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/updates/{namespace}/{name}/reject", a.handleReject).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/rollback/{namespace}/{deployment}/{container}", a.handleRollback).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/images/usage", a.handleImageUsage).Methods(http.MethodGet)
	return r
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	var list headwindv1alpha1.UpdateRequestList
	if err := a.Client.List(r.Context(), &list); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list.Items)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var ur headwindv1alpha1.UpdateRequest
	err := a.Client.Get(r.Context(), types.NamespacedName{Namespace: vars["namespace"], Name: vars["name"]}, &ur)
	if apierrors.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "update request not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ur)
}

type approveRequest struct {
	Approver string `json:"approver"`
}

func (a *API) handleApprove(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body approveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	err := a.StateMachine.Approve(r.Context(), vars["namespace"], vars["name"], body.Approver)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
	case errors.Is(err, ErrNotPending):
		writeError(w, http.StatusConflict, err.Error())
	case apierrors.IsNotFound(err):
		writeError(w, http.StatusNotFound, "update request not found")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type rejectRequest struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason"`
}

func (a *API) handleReject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	err := a.StateMachine.Reject(r.Context(), vars["namespace"], vars["name"], body.Approver, body.Reason)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
	case errors.Is(err, ErrReasonRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotPending):
		writeError(w, http.StatusConflict, err.Error())
	case apierrors.IsNotFound(err):
		writeError(w, http.StatusNotFound, "update request not found")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (a *API) handleRollback(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind := workloadKindFromQuery(r, "Deployment")

	err := a.Rollback.Trigger(r.Context(), kind, vars["namespace"], vars["deployment"], vars["container"], false)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rolled back"})
}

// handleImageUsage reports every workload currently running the image
// named in the ?image= query parameter, so an operator can gauge the
// blast radius of an update before approving or rejecting it.
func (a *API) handleImageUsage(w http.ResponseWriter, r *http.Request) {
	image := r.URL.Query().Get("image")
	if image == "" {
		writeError(w, http.StatusBadRequest, "image query parameter is required")
		return
	}
	if a.Impact == nil {
		writeJSON(w, http.StatusOK, []impact.WorkloadRef{})
		return
	}

	refs, err := a.Impact.Usage(r.Context(), image)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, refs)
}

func workloadKindFromQuery(r *http.Request, fallback string) string {
	if kind := r.URL.Query().Get("kind"); kind != "" {
		return kind
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
