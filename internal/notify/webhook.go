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

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/headwind-sh/headwind/internal/metrics"
)

// DeliveryResult mirrors the result-struct-with-error-field shape used
// elsewhere for operations that can partially fail: the caller inspects
// Delivered rather than a bare error, since WebhookSink.Send never returns
// one.
type DeliveryResult struct {
	Delivered bool
	Attempts  int
	Error     string
}

// WebhookSink posts each event as a JSON body to a configured URL, with a
// bounded number of best-effort retries. It never blocks the caller beyond
// the retry budget and never returns an error to reconciliation.
type WebhookSink struct {
	URL        string
	HTTP       *http.Client
	MaxRetries int
	RetryDelay time.Duration
	Metrics    *metrics.Metrics
}

// NewWebhookSink constructs a WebhookSink posting to url with three
// best-effort retries spaced one second apart.
func NewWebhookSink(url string, m *metrics.Metrics) *WebhookSink {
	return &WebhookSink{
		URL:        url,
		HTTP:       http.DefaultClient,
		MaxRetries: 3,
		RetryDelay: time.Second,
		Metrics:    m,
	}
}

// Send delivers the event, retrying transport and 5xx failures up to
// MaxRetries times before giving up.
func (w *WebhookSink) Send(e Event) {
	result := w.deliver(e)
	if w.Metrics == nil {
		return
	}
	if result.Delivered {
		w.Metrics.NotificationsSent.WithLabelValues(string(e.Kind)).Inc()
	} else {
		w.Metrics.NotificationsFailed.WithLabelValues(string(e.Kind)).Inc()
	}
}

func (w *WebhookSink) deliver(e Event) DeliveryResult {
	body, err := json.Marshal(e)
	if err != nil {
		return DeliveryResult{Error: err.Error()}
	}

	var lastErr error
	for attempt := 0; attempt <= w.MaxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
		if err != nil {
			cancel()
			return DeliveryResult{Attempts: attempt + 1, Error: err.Error()}
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.HTTP.Do(req)
		cancel()
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return DeliveryResult{Delivered: resp.StatusCode < 300, Attempts: attempt + 1}
			}
			lastErr = errStatus(resp.StatusCode)
		} else {
			lastErr = err
		}

		if attempt < w.MaxRetries {
			time.Sleep(w.RetryDelay)
		}
	}
	return DeliveryResult{Attempts: w.MaxRetries + 1, Error: lastErr.Error()}
}

type statusError int

func (s statusError) Error() string {
	return http.StatusText(int(s))
}

func errStatus(code int) error {
	return statusError(code)
}
