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

// Package session provides the durable store for transcripts, runs,
// checkpoints, LLM call logs and traces.
//
// The store is the canonical record of what happened; the event bus is a
// derived, lossy projection of it. Appends to a single session are
// serialized so step sequences stay dense and tool steps always pair with
// an earlier assistant tool call.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/kadirpekel/agio/pkg/step"
)

// Sentinel errors shared by all backends.
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrRunNotFound        = errors.New("run not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrTraceNotFound      = errors.New("trace not found")

	// ErrInvariantViolation is returned when an append would corrupt the
	// transcript: duplicate call IDs within an assistant step, or a tool
	// step whose tool_call_id matches no earlier assistant call.
	ErrInvariantViolation = errors.New("transcript invariant violation")
)

// CreateSessionRequest contains parameters for creating a session.
type CreateSessionRequest struct {
	SessionID string // optional, generated when empty
	Owner     string
	Metadata  map[string]any
}

// Service manages transcript, run, checkpoint, log and trace persistence.
// All methods are safe for concurrent use; each call is atomic.
type Service interface {
	// CreateSession registers a new session.
	CreateSession(ctx context.Context, req *CreateSessionRequest) (*Session, error)

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, id string) (*Session, error)

	// AppendStep assigns the next sequence atomically and persists the
	// step. An empty step ID is filled in. Tool steps must reference a
	// tool call of an earlier assistant step in the same session.
	AppendStep(ctx context.Context, s *step.Step) (*step.Step, error)

	// ListSteps returns steps of a session in ascending sequence order.
	// startSeq <= 0 means from the beginning; endSeq <= 0 means to the tip.
	ListSteps(ctx context.Context, sessionID string, startSeq, endSeq int64) ([]*step.Step, error)

	// LastStep returns the step with the highest sequence, or nil for an
	// empty session.
	LastStep(ctx context.Context, sessionID string) (*step.Step, error)

	// TruncateFrom deletes every step with sequence >= fromSeq. This is
	// the only suffix mutation a session supports. Returns the number of
	// deleted steps.
	TruncateFrom(ctx context.Context, sessionID string, fromSeq int64) (int64, error)

	// SaveRun inserts or updates a run record.
	SaveRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs matching the filter, newest first.
	ListRuns(ctx context.Context, f *RunFilter) ([]*Run, error)

	// SaveLLMCallLog records one provider invocation.
	SaveLLMCallLog(ctx context.Context, log *LLMCallLog) error

	// ListLLMCallLogs returns call logs matching the filter, oldest first.
	ListLLMCallLogs(ctx context.Context, f *LogFilter) ([]*LLMCallLog, error)

	// Stats summarizes store contents.
	Stats(ctx context.Context) (*Stats, error)

	// SaveCheckpoint persists an immutable checkpoint.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error

	// GetCheckpoint retrieves a checkpoint by ID.
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)

	// ListCheckpoints returns the checkpoints of a run, oldest first.
	ListCheckpoints(ctx context.Context, runID string) ([]*Checkpoint, error)

	// DeleteCheckpoint removes a checkpoint. Deleting a missing
	// checkpoint is not an error.
	DeleteCheckpoint(ctx context.Context, id string) error

	// SaveTrace persists the span tree of a completed run.
	SaveTrace(ctx context.Context, tr *Trace) error

	// GetTrace retrieves the trace of a run.
	GetTrace(ctx context.Context, runID string) (*Trace, error)

	// Close releases backend resources.
	Close() error
}

// validateAppend enforces the transcript invariants shared by every
// backend. callIDs holds the tool-call IDs of all earlier assistant steps.
func validateAppend(s *step.Step, callIDs map[string]struct{}) error {
	if !s.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvariantViolation, s.Role)
	}
	if s.Role == step.RoleAssistant {
		seen := make(map[string]struct{}, len(s.ToolCalls))
		for _, tc := range s.ToolCalls {
			if _, dup := seen[tc.ID]; dup {
				return fmt.Errorf("%w: duplicate tool call id %q", ErrInvariantViolation, tc.ID)
			}
			seen[tc.ID] = struct{}{}
		}
	}
	if s.Role == step.RoleTool {
		if s.ToolCallID == "" {
			return fmt.Errorf("%w: tool step without tool_call_id", ErrInvariantViolation)
		}
		if _, ok := callIDs[s.ToolCallID]; !ok {
			return fmt.Errorf("%w: tool step references unknown tool_call_id %q", ErrInvariantViolation, s.ToolCallID)
		}
	}
	return nil
}
