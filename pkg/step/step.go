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

// Package step defines the atomic transcript unit of a session and its
// conversion to and from the provider wire format.
//
// A session transcript is an ordered, gapless sequence of steps with roles
// user, assistant and tool. Assistant steps may carry tool calls; tool steps
// carry the matching results. Steps are created by the run coordinator,
// persisted by the session store and never mutated in place.
package step

import (
	"time"
)

// Role identifies who produced a step.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ToolCall is one tool invocation requested by an assistant step. Arguments
// are the provider's original JSON-encoded string.
type ToolCall struct {
	ID        string `json:"id" bson:"id"`
	Name      string `json:"name" bson:"name"`
	Arguments string `json:"arguments" bson:"arguments"`
}

// ToolResult is the transient outcome of executing one tool call. It is
// materialized as a tool-role step by the coordinator.
type ToolResult struct {
	ToolCallID string        `json:"tool_call_id"`
	Name       string        `json:"name,omitempty"`
	Content    string        `json:"content"`
	IsError    bool          `json:"is_error"`
	Duration   time.Duration `json:"-"`
}

// Metrics captures per-step token and latency measurements.
type Metrics struct {
	InputTokens  int   `json:"input_tokens,omitempty" bson:"input_tokens,omitempty"`
	OutputTokens int   `json:"output_tokens,omitempty" bson:"output_tokens,omitempty"`
	TotalTokens  int   `json:"total_tokens,omitempty" bson:"total_tokens,omitempty"`
	DurationMS   int64 `json:"duration_ms,omitempty" bson:"duration_ms,omitempty"`
	FirstTokenMS int64 `json:"first_token_ms,omitempty" bson:"first_token_ms,omitempty"`
}

// Add accumulates other into m. Latency fields keep the receiver's values;
// only token counts are additive.
func (m *Metrics) Add(other *Metrics) {
	if other == nil {
		return
	}
	m.InputTokens += other.InputTokens
	m.OutputTokens += other.OutputTokens
	m.TotalTokens += other.TotalTokens
}

// Step is one transcript entry.
//
// Invariants maintained by the session store:
//   - sequences within a session are dense, starting at 1
//   - every tool step references a tool call of an earlier assistant step
type Step struct {
	ID        string `json:"id" bson:"_id"`
	SessionID string `json:"session_id" bson:"session_id"`
	Sequence  int64  `json:"sequence" bson:"sequence"`
	Role      Role   `json:"role" bson:"role"`
	Content   string `json:"content" bson:"content"`

	// Assistant-only.
	ToolCalls []ToolCall `json:"tool_calls,omitempty" bson:"tool_calls,omitempty"`

	// Tool-only.
	ToolCallID string `json:"tool_call_id,omitempty" bson:"tool_call_id,omitempty"`
	ToolName   string `json:"name,omitempty" bson:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty" bson:"is_error,omitempty"`

	Metrics   *Metrics  `json:"metrics,omitempty" bson:"metrics,omitempty"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// HasToolCalls reports whether the step requests tool execution.
func (s *Step) HasToolCalls() bool {
	return s.Role == RoleAssistant && len(s.ToolCalls) > 0
}

// CallIDs returns the IDs of the step's tool calls in declaration order.
func (s *Step) CallIDs() []string {
	if len(s.ToolCalls) == 0 {
		return nil
	}
	ids := make([]string, len(s.ToolCalls))
	for i, tc := range s.ToolCalls {
		ids[i] = tc.ID
	}
	return ids
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	out := *s
	if s.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(s.ToolCalls))
		copy(out.ToolCalls, s.ToolCalls)
	}
	if s.Metrics != nil {
		m := *s.Metrics
		out.Metrics = &m
	}
	return &out
}

// NewUserStep builds an unsequenced user step. The session store assigns the
// sequence on append.
func NewUserStep(sessionID, content string) *Step {
	return &Step{
		SessionID: sessionID,
		Role:      RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// NewToolStep materializes a tool result as a transcript step.
func NewToolStep(sessionID string, res ToolResult) *Step {
	return &Step{
		SessionID:  sessionID,
		Role:       RoleTool,
		Content:    res.Content,
		ToolCallID: res.ToolCallID,
		ToolName:   res.Name,
		IsError:    res.IsError,
		Metrics:    &Metrics{DurationMS: res.Duration.Milliseconds()},
		CreatedAt:  time.Now(),
	}
}
