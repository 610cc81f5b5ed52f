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

// Package checkpoint provides snapshots, forking and retry on top of the
// session store.
//
// Because the store is append-only, a checkpoint is just the step prefix
// up to a chosen sequence plus immutable metadata. Fork physically copies
// the prefix into a new session so the two transcripts can diverge
// independently.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/kadirpekel/agio/pkg/agent"
	"github.com/kadirpekel/agio/pkg/session"
	"github.com/kadirpekel/agio/pkg/step"
)

// ErrSequenceOutOfRange is returned when a checkpoint or fork targets a
// sequence beyond the last persisted step. Forking an in-flight run is
// only allowed up to what has already landed.
var ErrSequenceOutOfRange = errors.New("sequence beyond last persisted step")

// Manager creates checkpoints and derived sessions.
type Manager struct {
	store  session.Service
	logger *slog.Logger
}

var _ agent.Checkpointer = (*Manager)(nil)

// NewManager creates a manager over the given store.
func NewManager(store session.Service, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger}
}

// CreateCheckpointRequest names the snapshot point.
type CreateCheckpointRequest struct {
	RunID     string
	SessionID string

	// AtSequence bounds the captured prefix. <= 0 snapshots up to the
	// last persisted step.
	AtSequence int64

	// AgentConfig is snapshotted into a plain map for later inspection.
	AgentConfig any

	Tags        []string
	Description string
}

// CreateCheckpoint snapshots the session's step prefix, aggregated
// metrics and the agent config descriptor. Stored immutably.
func (m *Manager) CreateCheckpoint(ctx context.Context, req *CreateCheckpointRequest) (*session.Checkpoint, error) {
	steps, err := m.store.ListSteps(ctx, req.SessionID, 0, 0)
	if err != nil {
		return nil, err
	}

	var lastSeq int64
	if n := len(steps); n > 0 {
		lastSeq = steps[n-1].Sequence
	}
	at := req.AtSequence
	if at <= 0 {
		at = lastSeq
	}
	if at > lastSeq {
		return nil, fmt.Errorf("%w: at_sequence %d > %d", ErrSequenceOutOfRange, at, lastSeq)
	}

	captured := make([]*step.Step, 0, at)
	metrics := &step.Metrics{}
	for _, s := range steps {
		if s.Sequence > at {
			break
		}
		captured = append(captured, s.Clone())
		metrics.Add(s.Metrics)
	}

	var cfgSnapshot map[string]any
	if req.AgentConfig != nil {
		cfgSnapshot = make(map[string]any)
		if err := mapstructure.Decode(req.AgentConfig, &cfgSnapshot); err != nil {
			return nil, fmt.Errorf("failed to snapshot agent config: %w", err)
		}
	}

	cp := &session.Checkpoint{
		ID:          uuid.NewString(),
		RunID:       req.RunID,
		SessionID:   req.SessionID,
		AtSequence:  at,
		Steps:       captured,
		Metrics:     metrics,
		AgentConfig: cfgSnapshot,
		Tags:        req.Tags,
		Description: req.Description,
		CreatedAt:   time.Now(),
	}
	if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
		return nil, err
	}

	m.logger.Debug("Checkpoint created",
		"checkpoint_id", cp.ID,
		"run_id", req.RunID,
		"at_sequence", at)
	return cp, nil
}

// CheckpointRun is the coordinator-facing hook behind the automatic
// checkpoint strategies.
func (m *Manager) CheckpointRun(ctx context.Context, runID, sessionID string, atSequence int64, description string) (string, error) {
	cp, err := m.CreateCheckpoint(ctx, &CreateCheckpointRequest{
		RunID:       runID,
		SessionID:   sessionID,
		AtSequence:  atSequence,
		Description: description,
	})
	if err != nil {
		return "", err
	}
	return cp.ID, nil
}

// ForkRequest describes a session fork.
type ForkRequest struct {
	SourceSessionID string

	// AtSequence is the length of the copied prefix. Must be within
	// [1, last persisted sequence].
	AtSequence int64

	// ModifiedQuery, when set, replaces the content of the last user step
	// inside the copied prefix.
	ModifiedQuery string

	// NewSessionID is generated when empty.
	NewSessionID string

	Owner string
}

// Fork creates a new session seeded with steps 1..AtSequence of the
// source, keeping relative sequences. The source is unaffected.
func (m *Manager) Fork(ctx context.Context, req *ForkRequest) (string, error) {
	steps, err := m.store.ListSteps(ctx, req.SourceSessionID, 0, 0)
	if err != nil {
		return "", err
	}
	var lastSeq int64
	if n := len(steps); n > 0 {
		lastSeq = steps[n-1].Sequence
	}
	if req.AtSequence <= 0 || req.AtSequence > lastSeq {
		return "", fmt.Errorf("%w: fork at %d, last is %d", ErrSequenceOutOfRange, req.AtSequence, lastSeq)
	}

	prefix := make([]*step.Step, 0, req.AtSequence)
	for _, s := range steps {
		if s.Sequence > req.AtSequence {
			break
		}
		prefix = append(prefix, s)
	}

	if req.ModifiedQuery != "" {
		for i := len(prefix) - 1; i >= 0; i-- {
			if prefix[i].Role == step.RoleUser {
				modified := prefix[i].Clone()
				modified.Content = req.ModifiedQuery
				prefix[i] = modified
				break
			}
		}
	}

	newID := req.NewSessionID
	if newID == "" {
		newID = uuid.NewString()
	}
	if _, err := m.store.CreateSession(ctx, &session.CreateSessionRequest{
		SessionID: newID,
		Owner:     req.Owner,
		Metadata:  map[string]any{"forked_from": req.SourceSessionID, "forked_at": req.AtSequence},
	}); err != nil {
		return "", err
	}

	for _, s := range prefix {
		copied := s.Clone()
		copied.ID = ""
		copied.SessionID = newID
		copied.Sequence = 0
		if _, err := m.store.AppendStep(ctx, copied); err != nil {
			return "", err
		}
	}

	m.logger.Info("Session forked",
		"source", req.SourceSessionID,
		"new", newID,
		"at_sequence", req.AtSequence)
	return newID, nil
}

// ForkCheckpoint seeds a new session from a checkpoint's captured steps.
func (m *Manager) ForkCheckpoint(ctx context.Context, checkpointID, newSessionID string) (string, error) {
	cp, err := m.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return "", err
	}

	newID := newSessionID
	if newID == "" {
		newID = uuid.NewString()
	}
	if _, err := m.store.CreateSession(ctx, &session.CreateSessionRequest{
		SessionID: newID,
		Metadata:  map[string]any{"checkpoint_id": cp.ID, "forked_from": cp.SessionID},
	}); err != nil {
		return "", err
	}
	for _, s := range cp.Steps {
		copied := s.Clone()
		copied.ID = ""
		copied.SessionID = newID
		copied.Sequence = 0
		if _, err := m.store.AppendStep(ctx, copied); err != nil {
			return "", err
		}
	}
	return newID, nil
}

// Retry truncates steps with sequence >= fromSequence. The next run call
// continues from there. Returns the number of deleted steps.
func (m *Manager) Retry(ctx context.Context, sessionID string, fromSequence int64) (int64, error) {
	if fromSequence <= 0 {
		return 0, fmt.Errorf("%w: from_sequence must be positive", ErrSequenceOutOfRange)
	}
	deleted, err := m.store.TruncateFrom(ctx, sessionID, fromSequence)
	if err != nil {
		return 0, err
	}
	m.logger.Info("Session truncated for retry",
		"session_id", sessionID,
		"from_sequence", fromSequence,
		"deleted", deleted)
	return deleted, nil
}
