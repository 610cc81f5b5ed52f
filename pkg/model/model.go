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

// Package model defines the boundary between the run engine and LLM providers.
//
// Providers stream responses as a sequence of chunks: text deltas, tool-call
// fragments, usage totals. The engine never sees provider wire formats; it
// consumes Chunk values and assembles them into canonical steps. No concrete
// provider client ships with agio - callers plug in their own implementation
// of Provider, and tests use the scripted provider in mocks.go.
package model

import (
	"context"
	"fmt"
	"iter"
)

// Role values for wire messages. These match the chat-completions message
// shape that every mainstream provider speaks.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single wire message sent to (or reconstructed from) a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and Name are set on tool messages, linking the result back
	// to the assistant call that requested it.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// ToolCall is a tool invocation requested by the model. Arguments are carried
// as the original JSON-encoded string; this package does not parse or
// pretty-print them.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"parameters,omitempty"`
}

// Request is a single generation request.
type Request struct {
	Messages []Message
	Tools    []ToolDefinition

	// Stream requests incremental chunks. Providers that cannot stream may
	// ignore this and emit a single text chunk followed by usage.
	Stream bool
}

// ChunkType discriminates streamed chunks.
type ChunkType string

const (
	// ChunkText carries a content delta.
	ChunkText ChunkType = "text"

	// ChunkToolCall carries a tool-call fragment. Fragments for one call
	// share an index; the name arrives in the first fragment and arguments
	// accrue across fragments.
	ChunkToolCall ChunkType = "tool_call"

	// ChunkUsage carries token usage totals, typically once near the end of
	// the stream.
	ChunkUsage ChunkType = "usage"
)

// Chunk is one unit of streamed provider output.
type Chunk struct {
	Type     ChunkType
	Text     string
	ToolCall *ToolCallFragment
	Usage    *Usage
}

// ToolCallFragment is one streamed piece of a tool call. Providers index
// fragments by position; the ID may arrive in the first or any later fragment
// and is stable once seen.
type ToolCallFragment struct {
	Index          int
	ID             string
	Name           string
	ArgumentsDelta string
}

// Usage reports token consumption for one generation.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Provider generates assistant output for a request.
type Provider interface {
	// Name identifies the provider/model pair for logging and call logs.
	Name() string

	// Stream yields chunks until the generation completes or fails.
	// A yielded error terminates the sequence; the run engine treats it as
	// fatal for the current step.
	Stream(ctx context.Context, req *Request) iter.Seq2[*Chunk, error]
}

// Error is a provider failure surfaced to the run engine. The engine marks
// the run failed and records the message; it never retries implicitly.
type Error struct {
	Provider string
	Message  string
	Wrapped  error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("model %s: %s", e.Provider, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Wrapped }

// NewError builds a provider error.
func NewError(provider, message string, wrapped error) *Error {
	return &Error{Provider: provider, Message: message, Wrapped: wrapped}
}
