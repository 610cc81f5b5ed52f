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
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/agio/pkg/step"
)

// InMemoryService returns an in-memory store. Useful for testing and
// development; data does not survive a restart.
func InMemoryService() Service {
	return &inMemoryService{
		sessions:    make(map[string]*Session),
		steps:       make(map[string][]*step.Step),
		runs:        make(map[string]*Run),
		logs:        make(map[string][]*LLMCallLog),
		checkpoints: make(map[string]*Checkpoint),
		traces:      make(map[string]*Trace),
	}
}

type inMemoryService struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	steps       map[string][]*step.Step // session_id -> ascending by sequence
	runs        map[string]*Run
	logs        map[string][]*LLMCallLog // run_id -> insertion order
	checkpoints map[string]*Checkpoint
	traces      map[string]*Trace
}

func (s *inMemoryService) CreateSession(ctx context.Context, req *CreateSessionRequest) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	if existing, ok := s.sessions[id]; ok {
		return cloneSession(existing), nil
	}

	now := time.Now()
	sess := &Session{
		ID:        id,
		Owner:     req.Owner,
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[id] = sess
	return cloneSession(sess), nil
}

func (s *inMemoryService) GetSession(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(sess), nil
}

func (s *inMemoryService) AppendStep(ctx context.Context, st *step.Step) (*step.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[st.SessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	existing := s.steps[st.SessionID]
	callIDs := make(map[string]struct{})
	for _, prev := range existing {
		for _, tc := range prev.ToolCalls {
			callIDs[tc.ID] = struct{}{}
		}
	}
	if err := validateAppend(st, callIDs); err != nil {
		return nil, err
	}

	stored := st.Clone()
	stored.Sequence = int64(len(existing)) + 1
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	s.steps[st.SessionID] = append(existing, stored)
	sess.UpdatedAt = time.Now()
	return stored.Clone(), nil
}

func (s *inMemoryService) ListSteps(ctx context.Context, sessionID string, startSeq, endSeq int64) ([]*step.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}

	var out []*step.Step
	for _, st := range s.steps[sessionID] {
		if startSeq > 0 && st.Sequence < startSeq {
			continue
		}
		if endSeq > 0 && st.Sequence > endSeq {
			continue
		}
		out = append(out, st.Clone())
	}
	return out, nil
}

func (s *inMemoryService) LastStep(ctx context.Context, sessionID string) (*step.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	steps := s.steps[sessionID]
	if len(steps) == 0 {
		return nil, nil
	}
	return steps[len(steps)-1].Clone(), nil
}

func (s *inMemoryService) TruncateFrom(ctx context.Context, sessionID string, fromSeq int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return 0, ErrSessionNotFound
	}

	steps := s.steps[sessionID]
	kept := steps[:0]
	var deleted int64
	for _, st := range steps {
		if st.Sequence >= fromSeq {
			deleted++
			continue
		}
		kept = append(kept, st)
	}
	s.steps[sessionID] = kept
	if deleted > 0 {
		sess.UpdatedAt = time.Now()
	}
	return deleted, nil
}

func (s *inMemoryService) SaveRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *run
	if stored.Metrics != nil {
		m := *stored.Metrics
		stored.Metrics = &m
	}
	s.runs[run.ID] = &stored
	return nil
}

func (s *inMemoryService) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	out := *run
	return &out, nil
}

func (s *inMemoryService) ListRuns(ctx context.Context, f *RunFilter) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if f == nil {
		f = &RunFilter{}
	}

	var out []*Run
	for _, run := range s.runs {
		if f.SessionID != "" && run.SessionID != f.SessionID {
			continue
		}
		if f.AgentID != "" && run.AgentID != f.AgentID {
			continue
		}
		if f.Status != "" && run.Status != f.Status {
			continue
		}
		copied := *run
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *inMemoryService) SaveLLMCallLog(ctx context.Context, log *LLMCallLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *log
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.logs[log.RunID] = append(s.logs[log.RunID], &stored)
	return nil
}

func (s *inMemoryService) ListLLMCallLogs(ctx context.Context, f *LogFilter) ([]*LLMCallLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if f == nil {
		f = &LogFilter{}
	}

	var out []*LLMCallLog
	appendLogs := func(logs []*LLMCallLog) {
		for _, l := range logs {
			if f.SessionID != "" && l.SessionID != f.SessionID {
				continue
			}
			copied := *l
			out = append(out, &copied)
		}
	}

	if f.RunID != "" {
		appendLogs(s.logs[f.RunID])
	} else {
		for _, logs := range s.logs {
			appendLogs(logs)
		}
		sort.Slice(out, func(i, j int) bool {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		})
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *inMemoryService) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{
		Sessions:    int64(len(s.sessions)),
		Runs:        int64(len(s.runs)),
		Checkpoints: int64(len(s.checkpoints)),
	}
	for _, steps := range s.steps {
		stats.Steps += int64(len(steps))
	}
	for _, logs := range s.logs {
		stats.LLMCalls += int64(len(logs))
		for _, l := range logs {
			stats.InputTokens += int64(l.InputTokens)
			stats.OutputTokens += int64(l.OutputTokens)
		}
	}
	return stats, nil
}

func (s *inMemoryService) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *cp
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.Steps = make([]*step.Step, len(cp.Steps))
	for i, st := range cp.Steps {
		stored.Steps[i] = st.Clone()
	}
	s.checkpoints[stored.ID] = &stored
	cp.ID = stored.ID
	cp.CreatedAt = stored.CreatedAt
	return nil
}

func (s *inMemoryService) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	out := *cp
	out.Steps = make([]*step.Step, len(cp.Steps))
	for i, st := range cp.Steps {
		out.Steps[i] = st.Clone()
	}
	return &out, nil
}

func (s *inMemoryService) ListCheckpoints(ctx context.Context, runID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Checkpoint
	for _, cp := range s.checkpoints {
		if cp.RunID != runID {
			continue
		}
		copied := *cp
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *inMemoryService) DeleteCheckpoint(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, id)
	return nil
}

func (s *inMemoryService) SaveTrace(ctx context.Context, tr *Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *tr
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.Spans = make([]*Span, len(tr.Spans))
	for i, sp := range tr.Spans {
		copied := *sp
		stored.Spans[i] = &copied
	}
	s.traces[tr.RunID] = &stored
	return nil
}

func (s *inMemoryService) GetTrace(ctx context.Context, runID string) (*Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tr, ok := s.traces[runID]
	if !ok {
		return nil, ErrTraceNotFound
	}
	out := *tr
	out.Spans = make([]*Span, len(tr.Spans))
	for i, sp := range tr.Spans {
		copied := *sp
		out.Spans[i] = &copied
	}
	return &out, nil
}

func (s *inMemoryService) Close() error { return nil }

func cloneSession(sess *Session) *Session {
	out := *sess
	if sess.Metadata != nil {
		out.Metadata = make(map[string]any, len(sess.Metadata))
		for k, v := range sess.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

var _ Service = (*inMemoryService)(nil)
