// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability exposes Prometheus metrics derived from the run
// event stream. The recorder is a bus subscriber like the trace collector;
// it never touches the hot path.
package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/agio/pkg/event"
)

// Metrics holds the instrument set registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal      *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	stepsTotal     *prometheus.CounterVec
	tokensTotal    *prometheus.CounterVec
	toolCallsTotal *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	llmDuration    prometheus.Histogram

	mu        sync.Mutex
	runStarts map[string]int64

	sub  *event.Subscription
	done chan struct{}
}

// NewMetrics registers the instrument set on its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agio_runs_total",
			Help: "Terminated runs by status and termination reason.",
		}, []string{"status", "reason"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agio_run_duration_seconds",
			Help:    "Wall time from run start to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"status"}),
		stepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agio_steps_total",
			Help: "Persisted steps by role.",
		}, []string{"role"}),
		tokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agio_tokens_total",
			Help: "Provider tokens by direction.",
		}, []string{"direction"}),
		toolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agio_tool_calls_total",
			Help: "Tool executions by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agio_tool_duration_seconds",
			Help:    "Tool execution duration.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"tool"}),
		llmDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agio_llm_call_duration_seconds",
			Help:    "Provider call duration per assistant step.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		runStarts: make(map[string]int64),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Start subscribes to all runs on the bus and records until Stop.
func (m *Metrics) Start(bus *event.Bus) {
	m.sub = bus.Subscribe("")
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		for ev := range m.sub.Events() {
			m.Observe(ev)
		}
	}()
}

// Stop cancels the subscription and waits for the recorder to drain.
func (m *Metrics) Stop() {
	if m.sub == nil {
		return
	}
	m.sub.Close()
	<-m.done
}

// Observe folds one event into the instrument set.
func (m *Metrics) Observe(ev *event.Event) {
	switch ev.Kind {
	case event.KindRunStarted:
		m.mu.Lock()
		m.runStarts[ev.RunID] = ev.Timestamp
		m.mu.Unlock()

	case event.KindRunCompleted, event.KindRunFailed:
		status := "completed"
		if ev.Kind == event.KindRunFailed {
			status = "failed"
		}
		reason := ""
		if ev.Data != nil {
			reason = ev.Data.TerminationReason
		}
		m.runsTotal.WithLabelValues(status, reason).Inc()

		m.mu.Lock()
		start, ok := m.runStarts[ev.RunID]
		delete(m.runStarts, ev.RunID)
		m.mu.Unlock()
		if ok {
			m.runDuration.WithLabelValues(status).
				Observe(float64(ev.Timestamp-start) / 1000)
		}

	case event.KindStepCompleted:
		if ev.Snapshot == nil {
			return
		}
		m.stepsTotal.WithLabelValues(string(ev.Snapshot.Role)).Inc()
		if mt := ev.Snapshot.Metrics; mt != nil {
			m.tokensTotal.WithLabelValues("input").Add(float64(mt.InputTokens))
			m.tokensTotal.WithLabelValues("output").Add(float64(mt.OutputTokens))
			m.llmDuration.Observe(float64(mt.DurationMS) / 1000)
		}

	case event.KindToolCallCompleted:
		m.toolCallsTotal.WithLabelValues(ev.ToolName, "success").Inc()
		m.toolDuration.WithLabelValues(ev.ToolName).
			Observe(float64(ev.Duration) / 1000)

	case event.KindToolCallFailed:
		m.toolCallsTotal.WithLabelValues(ev.ToolName, "error").Inc()
		m.toolDuration.WithLabelValues(ev.ToolName).
			Observe(float64(ev.Duration) / 1000)
	}
}
