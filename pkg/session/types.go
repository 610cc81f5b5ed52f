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

package session

import (
	"time"

	"github.com/kadirpekel/agio/pkg/step"
)

// Session is the durable transcript container. Steps live in their own
// collection keyed by (session_id, sequence); the session row carries
// identity and metadata only.
type Session struct {
	ID        string         `json:"id" bson:"_id"`
	Owner     string         `json:"owner,omitempty" bson:"owner,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" bson:"updated_at"`
}

// RunStatus is the persisted lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// TerminationReason records why a run reached its terminal state.
type TerminationReason string

const (
	ReasonDone      TerminationReason = "done"
	ReasonMaxSteps  TerminationReason = "max_steps"
	ReasonTimeout   TerminationReason = "timeout"
	ReasonCancelled TerminationReason = "cancelled"
	ReasonError     TerminationReason = "error"
)

// Run is one user-query-to-terminal-response execution. Nested runnables
// link to their parent via ParentRunID; Depth is 0 for top-level runs.
type Run struct {
	ID          string `json:"id" bson:"_id"`
	SessionID   string `json:"session_id" bson:"session_id"`
	ParentRunID string `json:"parent_run_id,omitempty" bson:"parent_run_id,omitempty"`
	AgentID     string `json:"agent_id" bson:"agent_id"`
	Depth       int    `json:"depth,omitempty" bson:"depth,omitempty"`

	Status            RunStatus         `json:"status" bson:"status"`
	TerminationReason TerminationReason `json:"termination_reason,omitempty" bson:"termination_reason,omitempty"`
	Error             string            `json:"error,omitempty" bson:"error,omitempty"`

	InputQuery  string `json:"input_query" bson:"input_query"`
	FinalOutput string `json:"final_output,omitempty" bson:"final_output,omitempty"`

	Metrics   *step.Metrics `json:"metrics,omitempty" bson:"metrics,omitempty"`
	StartTime time.Time     `json:"start_time" bson:"start_time"`
	EndTime   time.Time     `json:"end_time,omitempty" bson:"end_time,omitempty"`
}

// Terminal reports whether the run has reached a final status.
func (r *Run) Terminal() bool {
	return r.Status != RunStatusRunning
}

// RunFilter narrows ListRuns. Zero values are ignored.
type RunFilter struct {
	SessionID string
	AgentID   string
	Status    RunStatus
	Limit     int
}

// LLMCallLog records one provider invocation made by the step executor.
type LLMCallLog struct {
	ID        string `json:"id" bson:"_id"`
	RunID     string `json:"run_id" bson:"run_id"`
	SessionID string `json:"session_id" bson:"session_id"`
	Provider  string `json:"provider" bson:"provider"`

	// Sequence of the assistant step the call produced.
	Sequence int64 `json:"sequence" bson:"sequence"`

	InputMessages int    `json:"input_messages" bson:"input_messages"`
	InputTokens   int    `json:"input_tokens,omitempty" bson:"input_tokens,omitempty"`
	OutputTokens  int    `json:"output_tokens,omitempty" bson:"output_tokens,omitempty"`
	DurationMS    int64  `json:"duration_ms" bson:"duration_ms"`
	FirstTokenMS  int64  `json:"first_token_ms,omitempty" bson:"first_token_ms,omitempty"`
	Error         string `json:"error,omitempty" bson:"error,omitempty"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// LogFilter narrows ListLLMCallLogs. Zero values are ignored.
type LogFilter struct {
	RunID     string
	SessionID string
	Limit     int
}

// Checkpoint is an immutable snapshot sufficient to restart or fork a run.
type Checkpoint struct {
	ID         string `json:"id" bson:"_id"`
	RunID      string `json:"run_id" bson:"run_id"`
	SessionID  string `json:"session_id" bson:"session_id"`
	AtSequence int64  `json:"at_sequence" bson:"at_sequence"`

	Steps         []*step.Step   `json:"steps" bson:"steps"`
	Metrics       *step.Metrics  `json:"metrics,omitempty" bson:"metrics,omitempty"`
	AgentConfig   map[string]any `json:"agent_config,omitempty" bson:"agent_config,omitempty"`
	Modifications map[string]any `json:"modifications,omitempty" bson:"modifications,omitempty"`
	Tags          []string       `json:"tags,omitempty" bson:"tags,omitempty"`
	Description   string         `json:"description,omitempty" bson:"description,omitempty"`
	CreatedAt     time.Time      `json:"created_at" bson:"created_at"`
}

// SpanKind classifies trace spans.
type SpanKind string

const (
	SpanKindAgent          SpanKind = "AGENT"
	SpanKindLLMCall        SpanKind = "LLM_CALL"
	SpanKindToolCall       SpanKind = "TOOL_CALL"
	SpanKindWorkflowStage  SpanKind = "WORKFLOW_STAGE"
	SpanKindWorkflowBranch SpanKind = "WORKFLOW_BRANCH"
)

// Span is one node of a collected trace. Times are milliseconds since the
// Unix epoch, taken from event timestamps.
type Span struct {
	ID       string   `json:"id" bson:"id"`
	ParentID string   `json:"parent_id,omitempty" bson:"parent_id,omitempty"`
	RunID    string   `json:"run_id" bson:"run_id"`
	Kind     SpanKind `json:"kind" bson:"kind"`
	Name     string   `json:"name" bson:"name"`

	StartTime int64 `json:"start_time" bson:"start_time"`
	EndTime   int64 `json:"end_time,omitempty" bson:"end_time,omitempty"`

	Attributes map[string]string `json:"attributes,omitempty" bson:"attributes,omitempty"`
	IsError    bool              `json:"is_error,omitempty" bson:"is_error,omitempty"`
}

// Duration returns the span duration in milliseconds, or 0 when open.
func (s *Span) Duration() int64 {
	if s.EndTime == 0 {
		return 0
	}
	return s.EndTime - s.StartTime
}

// Trace is the span tree of one top-level run, keyed by the root run ID.
type Trace struct {
	RunID     string    `json:"run_id" bson:"_id"`
	SessionID string    `json:"session_id,omitempty" bson:"session_id,omitempty"`
	Spans     []*Span   `json:"spans" bson:"spans"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// Stats summarizes store contents for diagnostics endpoints.
type Stats struct {
	Sessions     int64 `json:"sessions"`
	Steps        int64 `json:"steps"`
	Runs         int64 `json:"runs"`
	Checkpoints  int64 `json:"checkpoints"`
	LLMCalls     int64 `json:"llm_calls"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}
