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
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	headwindv1alpha1 "github.com/headwind-sh/headwind/api/v1alpha1"
	"github.com/headwind-sh/headwind/internal/health"
	"github.com/headwind-sh/headwind/internal/impact"
)

func newAPIForObjects(objects []*headwindv1alpha1.UpdateRequest) *API {
	builder := fake.NewClientBuilder().WithScheme(newApprovalScheme()).WithStatusSubresource(&headwindv1alpha1.UpdateRequest{})
	for _, o := range objects {
		builder = builder.WithObjects(o)
	}
	c := builder.Build()
	sm := NewStateMachine(c, &fakePatcher{}, nil)
	rb := health.NewRollbacker(c)
	idx := impact.NewIndex(c, 0)
	return NewAPI(c, sm, rb, idx)
}

func TestHandleListReturnsRequests(t *testing.T) {
	api := newAPIForObjects([]*headwindv1alpha1.UpdateRequest{newPendingRequest("default", "req-1")})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/updates", nil)
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var items []headwindv1alpha1.UpdateRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	assert.Len(t, items, 1)
}

func TestHandleGetNotFound(t *testing.T) {
	api := newAPIForObjects(nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/updates/default/missing", nil)
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleApproveSuccess(t *testing.T) {
	api := newAPIForObjects([]*headwindv1alpha1.UpdateRequest{newPendingRequest("default", "req-1")})

	body, _ := json.Marshal(approveRequest{Approver: "alice"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/updates/default/req-1/approve", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHandleApproveMalformedBody(t *testing.T) {
	api := newAPIForObjects([]*headwindv1alpha1.UpdateRequest{newPendingRequest("default", "req-1")})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/updates/default/req-1/approve", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleApproveConflictWhenNotPending(t *testing.T) {
	ur := newPendingRequest("default", "req-1")
	ur.Status.Phase = headwindv1alpha1.PhaseCompleted
	api := newAPIForObjects([]*headwindv1alpha1.UpdateRequest{ur})

	body, _ := json.Marshal(approveRequest{Approver: "alice"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/updates/default/req-1/approve", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleRejectRequiresReason(t *testing.T) {
	api := newAPIForObjects([]*headwindv1alpha1.UpdateRequest{newPendingRequest("default", "req-1")})

	body, _ := json.Marshal(rejectRequest{Approver: "alice", Reason: ""})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/updates/default/req-1/reject", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleImageUsageRequiresImageParam(t *testing.T) {
	api := newAPIForObjects(nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/images/usage", nil)
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleImageUsageReturnsEmptyForUnusedImage(t *testing.T) {
	api := newAPIForObjects(nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/images/usage?image=nginx:latest", nil)
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var refs []impact.WorkloadRef
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refs))
	assert.Empty(t, refs)
}
