// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/united-manufacturing-hub/agent-gateway/pkg/logger"
)

var (
	namespace = "agent_gateway"

	recordsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "records_consumed_total",
			Help:      "Total number of records received from the input topic",
		},
		[]string{"connector"},
	)

	completionsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "completions_published_total",
			Help:      "Total number of completion records published to the output topic",
		},
		[]string{"connector", "status"},
	)

	retryPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "retry_records_published_total",
			Help:      "Total number of records published to the retry topic",
		},
		[]string{"connector"},
	)

	intakeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "errors_total",
			Help:      "Total number of per-record errors by kind",
		},
		[]string{"connector", "kind"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "queue_depth",
			Help:      "Envelopes waiting in the admission queue",
		},
	)

	activeSlots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "active_slots",
			Help:      "Execution slots currently alive",
		},
	)

	rejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "rejected_total",
			Help:      "Submissions rejected because the admission queue was full",
		},
	)

	invocationDuration = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "invocation_duration_milliseconds",
			Help:      "Time taken by one invocation (in milliseconds)",
			Objectives: map[float64]float64{
				0.5:  0.01,
				0.9:  0.01,
				0.99: 0.01,
			},
		},
		[]string{"status"},
	)
)

func IncRecordsConsumed(connector string) {
	recordsConsumed.WithLabelValues(connector).Inc()
}

func IncCompletionsPublished(connector, status string) {
	completionsPublished.WithLabelValues(connector, status).Inc()
}

func IncRetryPublished(connector string) {
	retryPublished.WithLabelValues(connector).Inc()
}

func IncIntakeError(connector, kind string) {
	intakeErrors.WithLabelValues(connector, kind).Inc()
}

func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

func SetActiveSlots(n int) {
	activeSlots.Set(float64(n))
}

func IncRejected() {
	rejected.Inc()
}

// ObserveInvocation records the duration of one invocation.
func ObserveInvocation(status string, d time.Duration) {
	invocationDuration.WithLabelValues(status).Observe(float64(d.Microseconds()) / 1000.0)
}

// SetupMetricsEndpoint serves /metrics on addr in the background.
func SetupMetricsEndpoint(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.For("metrics").Errorf("Error starting metrics: %s", err)
		}
	}()

	return server
}
