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

// Package metrics registers and exposes the counters, gauges, and
// histograms described throughout the component design, via
// controller-runtime's shared prometheus registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

// Metrics bundles every named metric the system exposes on :9090.
type Metrics struct {
	WatchedWorkloads *prometheus.GaugeVec

	UpdatesApplied         prometheus.Counter
	UpdatesRejected        prometheus.Counter
	UpdatesSkippedInterval prometheus.Counter

	UpdateRequestsCreated prometheus.Counter

	RollbacksTriggered prometheus.Counter
	RollbacksCompleted prometheus.Counter
	RollbacksFailed    prometheus.Counter

	NotificationsSent   *prometheus.CounterVec
	NotificationsFailed *prometheus.CounterVec

	RegistryCallDuration *prometheus.HistogramVec
	PipelineDropped      prometheus.Counter

	PollCycleDuration prometheus.Histogram
}

// New constructs the Metrics bundle. Register must be called once to add
// it to a registry.
func New() *Metrics {
	return &Metrics{
		WatchedWorkloads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "headwind_watched_workloads",
			Help: "Number of workloads currently tracked, by kind.",
		}, []string{"kind"}),

		UpdatesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "headwind_updates_applied_total",
			Help: "Direct mutations applied to workloads.",
		}),
		UpdatesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "headwind_updates_rejected_total",
			Help: "Candidate versions rejected by policy.",
		}),
		UpdatesSkippedInterval: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "headwind_updates_skipped_interval_total",
			Help: "Direct-apply mutations skipped due to minUpdateInterval.",
		}),

		UpdateRequestsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "headwind_update_requests_created_total",
			Help: "UpdateRequest resources created.",
		}),

		RollbacksTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "headwind_rollbacks_triggered_total",
			Help: "Automatic rollbacks triggered by the health monitor.",
		}),
		RollbacksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "headwind_rollbacks_completed_total",
			Help: "Rollbacks that completed successfully.",
		}),
		RollbacksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "headwind_rollbacks_failed_total",
			Help: "Rollbacks that failed to apply.",
		}),

		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "headwind_notifications_sent_total",
			Help: "Notifications successfully dispatched, by event kind.",
		}, []string{"event"}),
		NotificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "headwind_notifications_failed_total",
			Help: "Notifications that exhausted retry, by event kind.",
		}, []string{"event"}),

		RegistryCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "headwind_registry_call_duration_seconds",
			Help: "Registry client call latency, by operation.",
		}, []string{"op"}),
		PipelineDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "headwind_pipeline_dropped_events_total",
			Help: "Events dropped from the bounded event pipeline due to overflow.",
		}),

		PollCycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "headwind_poll_cycle_duration_seconds",
			Help: "Wall-clock duration of a full poller cycle.",
		}),
	}
}

// Register adds every collector to controller-runtime's metrics registry,
// which the manager exposes on the metrics endpoint.
func (m *Metrics) Register() {
	metrics.Registry.MustRegister(
		m.WatchedWorkloads,
		m.UpdatesApplied,
		m.UpdatesRejected,
		m.UpdatesSkippedInterval,
		m.UpdateRequestsCreated,
		m.RollbacksTriggered,
		m.RollbacksCompleted,
		m.RollbacksFailed,
		m.NotificationsSent,
		m.NotificationsFailed,
		m.RegistryCallDuration,
		m.PipelineDropped,
		m.PollCycleDuration,
	)
}
