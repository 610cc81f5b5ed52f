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

// Package event defines the typed event stream emitted by the run engine and
// the fan-out bus that delivers it to subscribers (SSE transport, trace
// collector, hooks).
//
// The bus is a derived, lossy channel: the session store is the canonical
// record of what happened. A slow subscriber is dropped after its queue
// overflows rather than blocking the producer.
package event

import (
	"time"

	"github.com/kadirpekel/agio/pkg/step"
)

// Kind discriminates events.
type Kind string

const (
	KindRunStarted   Kind = "run_started"
	KindRunCompleted Kind = "run_completed"
	KindRunFailed    Kind = "run_failed"

	KindStepDelta     Kind = "step_delta"
	KindStepCompleted Kind = "step_completed"

	KindToolCallStarted   Kind = "tool_call_started"
	KindToolCallCompleted Kind = "tool_call_completed"
	KindToolCallFailed    Kind = "tool_call_failed"

	KindStageStarted       Kind = "stage_started"
	KindStageCompleted     Kind = "stage_completed"
	KindStageSkipped       Kind = "stage_skipped"
	KindBranchStarted      Kind = "branch_started"
	KindBranchCompleted    Kind = "branch_completed"
	KindIterationStarted   Kind = "iteration_started"
	KindIterationCompleted Kind = "iteration_completed"

	KindError Kind = "error"
)

// Delta is the incremental payload of a step_delta event. Deltas are strictly
// additive: replaying them reproduces the step_completed snapshot.
type Delta struct {
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is one streamed tool-call fragment, indexed by position.
type ToolCallDelta struct {
	Index    int           `json:"index"`
	ID       string        `json:"id,omitempty"`
	Function FunctionDelta `json:"function"`
}

// FunctionDelta carries the incremental name/arguments pieces of a call.
type FunctionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// RunData is the nested data object of run_started / run_completed /
// run_failed frames.
type RunData struct {
	SessionID         string         `json:"session_id,omitempty"`
	WorkflowType      string         `json:"workflow_type,omitempty"`
	TotalStages       int            `json:"total_stages,omitempty"`
	BranchIDs         []string       `json:"branch_ids,omitempty"`
	Metrics           *step.Metrics  `json:"metrics,omitempty"`
	TerminationReason string         `json:"termination_reason,omitempty"`
	Error             string         `json:"error,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// Event is one engine event. The Kind determines which optional fields are
// populated; the zero values of the rest are omitted on the wire.
type Event struct {
	Kind Kind `json:"-"`

	RunID       string `json:"run_id,omitempty"`
	StepID      string `json:"step_id,omitempty"`
	ParentRunID string `json:"parent_run_id,omitempty"`
	Depth       int    `json:"depth,omitempty"`

	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`

	// run_started fields.
	SessionID  string `json:"session_id,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	InputQuery string `json:"input_query,omitempty"`

	// step_delta / step_completed payloads.
	Delta    *Delta     `json:"delta,omitempty"`
	Snapshot *step.Step `json:"snapshot,omitempty"`

	// tool_call_* fields. Duration is milliseconds.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	Arguments  string `json:"arguments,omitempty"`
	Result     string `json:"result,omitempty"`
	IsSuccess  bool   `json:"is_success,omitempty"`
	Duration   int64  `json:"duration,omitempty"`

	// Workflow wrapper fields.
	Stage     int    `json:"stage,omitempty"`
	Branch    string `json:"branch,omitempty"`
	Iteration int    `json:"iteration,omitempty"`

	Data *RunData `json:"data,omitempty"`

	Error string `json:"error,omitempty"`
}

// New builds an event of the given kind stamped with the current time.
func New(kind Kind, runID string) *Event {
	return &Event{
		Kind:      kind,
		RunID:     runID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Terminal reports whether the event ends a run's stream.
func (e *Event) Terminal() bool {
	return e.Kind == KindRunCompleted || e.Kind == KindRunFailed
}
