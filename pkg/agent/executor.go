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

package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/agio/pkg/event"
	"github.com/kadirpekel/agio/pkg/model"
	"github.com/kadirpekel/agio/pkg/session"
	"github.com/kadirpekel/agio/pkg/step"
)

// stepRequest is one provider turn.
type stepRequest struct {
	runID     string
	sessionID string
	depth     int

	messages []model.Message
	tools    []model.ToolDefinition

	// startSequence is the sequence the assembled assistant step will take
	// when appended.
	startSequence int64

	stream bool
}

// stepExecutor drives one provider call: it streams chunks, emits
// step_delta events as they arrive, and assembles the canonical assistant
// step emitted as a step_completed snapshot. A consumer may follow either
// the deltas or the snapshot; replaying the deltas reproduces the snapshot.
type stepExecutor struct {
	provider model.Provider
	store    session.Service
	logger   *slog.Logger
}

// execute returns the assembled assistant step, unpersisted. A provider
// failure returns a nil step; the call log records the failure either way.
func (e *stepExecutor) execute(ctx context.Context, req *stepRequest, emit func(*event.Event)) (*step.Step, error) {
	stepID := uuid.NewString()
	start := time.Now()

	asm := model.NewAssembler()
	var firstTokenMS int64
	sawToken := false

	mreq := &model.Request{
		Messages: req.messages,
		Tools:    req.tools,
		Stream:   req.stream,
	}

	var streamErr error
	for chunk, err := range e.provider.Stream(ctx, mreq) {
		if err != nil {
			streamErr = err
			break
		}
		if ctx.Err() != nil {
			streamErr = ctx.Err()
			break
		}
		asm.Add(chunk)

		switch chunk.Type {
		case model.ChunkText:
			if chunk.Text == "" {
				continue
			}
			if !sawToken {
				sawToken = true
				firstTokenMS = time.Since(start).Milliseconds()
			}
			ev := event.New(event.KindStepDelta, req.runID)
			ev.StepID = stepID
			ev.Depth = req.depth
			ev.Delta = &event.Delta{Content: chunk.Text}
			emit(ev)

		case model.ChunkToolCall:
			frag := chunk.ToolCall
			if frag == nil {
				continue
			}
			if !sawToken {
				sawToken = true
				firstTokenMS = time.Since(start).Milliseconds()
			}
			ev := event.New(event.KindStepDelta, req.runID)
			ev.StepID = stepID
			ev.Depth = req.depth
			ev.Delta = &event.Delta{ToolCalls: []event.ToolCallDelta{{
				Index: frag.Index,
				ID:    frag.ID,
				Function: event.FunctionDelta{
					Name:      frag.Name,
					Arguments: frag.ArgumentsDelta,
				},
			}}}
			emit(ev)
		}
	}

	duration := time.Since(start)
	usage := asm.Usage()

	log := &session.LLMCallLog{
		ID:            uuid.NewString(),
		RunID:         req.runID,
		SessionID:     req.sessionID,
		Provider:      e.provider.Name(),
		Sequence:      req.startSequence,
		InputMessages: len(req.messages),
		DurationMS:    duration.Milliseconds(),
		FirstTokenMS:  firstTokenMS,
		CreatedAt:     time.Now(),
	}
	if usage != nil {
		log.InputTokens = usage.InputTokens
		log.OutputTokens = usage.OutputTokens
	}

	if streamErr != nil {
		log.Error = streamErr.Error()
		e.saveLog(ctx, log)

		if errors.Is(streamErr, context.Canceled) || errors.Is(streamErr, context.DeadlineExceeded) {
			return nil, streamErr
		}

		ev := event.New(event.KindError, req.runID)
		ev.StepID = stepID
		ev.Depth = req.depth
		ev.Error = streamErr.Error()
		emit(ev)

		var modelErr *model.Error
		if errors.As(streamErr, &modelErr) {
			return nil, streamErr
		}
		return nil, model.NewError(e.provider.Name(), streamErr.Error(), streamErr)
	}

	e.saveLog(ctx, log)

	metrics := &step.Metrics{
		DurationMS:   duration.Milliseconds(),
		FirstTokenMS: firstTokenMS,
	}
	if usage != nil {
		metrics.InputTokens = usage.InputTokens
		metrics.OutputTokens = usage.OutputTokens
		metrics.TotalTokens = usage.TotalTokens
	}

	assembled := &step.Step{
		ID:        stepID,
		SessionID: req.sessionID,
		Sequence:  req.startSequence,
		Role:      step.RoleAssistant,
		Content:   asm.Content(),
		ToolCalls: toStepCalls(asm.ToolCalls()),
		Metrics:   metrics,
		CreatedAt: time.Now(),
	}

	ev := event.New(event.KindStepCompleted, req.runID)
	ev.StepID = stepID
	ev.Depth = req.depth
	ev.Snapshot = assembled
	emit(ev)

	return assembled, nil
}

// saveLog records the provider invocation even when the surrounding
// context has been cancelled.
func (e *stepExecutor) saveLog(ctx context.Context, log *session.LLMCallLog) {
	if err := e.store.SaveLLMCallLog(context.WithoutCancel(ctx), log); err != nil {
		e.logger.Warn("Failed to save LLM call log",
			"run_id", log.RunID,
			"error", err)
	}
}

func toStepCalls(calls []model.ToolCall) []step.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]step.ToolCall, len(calls))
	for i, tc := range calls {
		out[i] = step.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
	}
	return out
}
