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

package events

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// dockerHubPush is the vendor-specific push envelope.
type dockerHubPush struct {
	PushData struct {
		Tag string `json:"tag"`
	} `json:"push_data"`
	Repository struct {
		RepoName  string `json:"repo_name"`
		Namespace string `json:"namespace"`
		Name      string `json:"name"`
	} `json:"repository"`
}

// genericRegistryPush is the generic OCI push event shape.
type genericRegistryPush struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
	Image      string `json:"image,omitempty"`
}

// SignatureHeader carries the HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Headwind-Signature"

// Webhook serves the webhook ingress surface described by the external
// interface contract: dockerhub and generic registry push shapes decoded
// into ImageEvents and published to a Pipeline.
type Webhook struct {
	Pipeline *Pipeline
	Secret   string // empty disables signature verification
}

// NewWebhook constructs a Webhook publishing to the given pipeline.
func NewWebhook(p *Pipeline, secret string) *Webhook {
	return &Webhook{Pipeline: p, Secret: secret}
}

// Router builds the mux.Router for the webhook ingress surface.
func (w *Webhook) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/webhook/dockerhub", w.handleDockerHub).Methods(http.MethodPost)
	r.HandleFunc("/webhook/registry", w.handleRegistry).Methods(http.MethodPost)
	r.HandleFunc("/health", w.handleHealth).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusMethodNotAllowed)
	})
	return r
}

func (w *Webhook) handleHealth(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(http.StatusOK)
}

func (w *Webhook) handleDockerHub(rw http.ResponseWriter, r *http.Request) {
	logger := log.FromContext(r.Context())

	body, err := w.readAndVerify(rw, r)
	if err != nil {
		return
	}

	var push dockerHubPush
	if err := json.Unmarshal(body, &push); err != nil {
		logger.Error(err, "failed to parse dockerhub webhook body")
		rw.WriteHeader(http.StatusBadRequest)
		return
	}

	repo := push.Repository.RepoName
	if repo == "" && push.Repository.Namespace != "" {
		repo = push.Repository.Namespace + "/" + push.Repository.Name
	}
	if repo == "" || push.PushData.Tag == "" {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}

	w.Pipeline.PublishImage(ImageEvent{
		Repository: repo,
		Tag:        push.PushData.Tag,
		Source:     SourceWebhook,
		ObservedAt: time.Now(),
	})
	rw.WriteHeader(http.StatusAccepted)
}

func (w *Webhook) handleRegistry(rw http.ResponseWriter, r *http.Request) {
	logger := log.FromContext(r.Context())

	body, err := w.readAndVerify(rw, r)
	if err != nil {
		return
	}

	var push genericRegistryPush
	if err := json.Unmarshal(body, &push); err != nil {
		logger.Error(err, "failed to parse registry webhook body")
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	if push.Repository == "" || push.Tag == "" {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}

	w.Pipeline.PublishImage(ImageEvent{
		Repository: push.Repository,
		Tag:        push.Tag,
		Source:     SourceWebhook,
		ObservedAt: time.Now(),
	})
	rw.WriteHeader(http.StatusAccepted)
}

// readAndVerify reads the raw body and, when a secret is configured,
// verifies the X-Headwind-Signature header before returning it. On
// failure it writes the response itself and returns a non-nil error.
func (w *Webhook) readAndVerify(rw http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return nil, err
	}

	if w.Secret == "" {
		return body, nil
	}

	sig := r.Header.Get(SignatureHeader)
	if sig == "" || !validSignature(w.Secret, body, sig) {
		rw.WriteHeader(http.StatusUnauthorized)
		return nil, errSignature
	}
	return body, nil
}

var errSignature = &signatureError{}

type signatureError struct{}

func (*signatureError) Error() string { return "invalid webhook signature" }

func validSignature(secret string, body []byte, sig string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}
