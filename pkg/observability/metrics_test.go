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

package observability

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agio/pkg/event"
	"github.com/kadirpekel/agio/pkg/step"
)

func TestMetricsFoldEvents(t *testing.T) {
	m := NewMetrics()

	started := event.New(event.KindRunStarted, "r1")
	started.Timestamp = 1000
	m.Observe(started)

	snap := event.New(event.KindStepCompleted, "r1")
	snap.Snapshot = &step.Step{
		Role:    step.RoleAssistant,
		Metrics: &step.Metrics{InputTokens: 12, OutputTokens: 4, DurationMS: 250},
	}
	m.Observe(snap)

	tool := event.New(event.KindToolCallCompleted, "r1")
	tool.ToolName = "search"
	tool.Duration = 40
	m.Observe(tool)

	badTool := event.New(event.KindToolCallFailed, "r1")
	badTool.ToolName = "search"
	m.Observe(badTool)

	done := event.New(event.KindRunCompleted, "r1")
	done.Timestamp = 3000
	done.Data = &event.RunData{TerminationReason: "done"}
	m.Observe(done)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("completed", "done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepsTotal.WithLabelValues("assistant")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.tokensTotal.WithLabelValues("input")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.tokensTotal.WithLabelValues("output")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCallsTotal.WithLabelValues("search", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCallsTotal.WithLabelValues("search", "error")))

	// Terminal events release the per-run start bookkeeping.
	m.mu.Lock()
	assert.Empty(t, m.runStarts)
	m.mu.Unlock()
}

func TestMetricsFailedRunLabel(t *testing.T) {
	m := NewMetrics()

	failed := event.New(event.KindRunFailed, "r1")
	m.Observe(failed)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("failed", "")))
}

func TestMetricsHandlerServesTextFormat(t *testing.T) {
	m := NewMetrics()
	m.runsTotal.WithLabelValues("completed", "done").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "agio_runs_total")
}

func TestMetricsBusSubscription(t *testing.T) {
	m := NewMetrics()
	bus := event.NewBus(0)
	m.Start(bus)

	done := event.New(event.KindRunCompleted, "r1")
	done.Data = &event.RunData{TerminationReason: "done"}
	bus.Publish(done)

	m.Stop()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("completed", "done")))
}
