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
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agio/pkg/step"
)

func newTestSession(t *testing.T, svc Service) *Session {
	t.Helper()
	sess, err := svc.CreateSession(context.Background(), &CreateSessionRequest{})
	require.NoError(t, err)
	return sess
}

func TestCreateSessionGeneratesID(t *testing.T) {
	svc := InMemoryService()
	sess := newTestSession(t, svc)
	assert.NotEmpty(t, sess.ID)
	assert.False(t, sess.CreatedAt.IsZero())
}

func TestCreateSessionIsIdempotent(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()

	first, err := svc.CreateSession(ctx, &CreateSessionRequest{SessionID: "s1", Owner: "alice"})
	require.NoError(t, err)
	second, err := svc.CreateSession(ctx, &CreateSessionRequest{SessionID: "s1", Owner: "bob"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "alice", second.Owner, "existing session is not modified")
}

func TestGetSessionNotFound(t *testing.T) {
	svc := InMemoryService()
	_, err := svc.GetSession(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAppendStepAssignsDenseSequences(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()
	sess := newTestSession(t, svc)

	for i := 0; i < 5; i++ {
		st, err := svc.AppendStep(ctx, step.NewUserStep(sess.ID, fmt.Sprintf("msg %d", i)))
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), st.Sequence)
		assert.NotEmpty(t, st.ID)
	}
}

func TestAppendStepUnknownSession(t *testing.T) {
	svc := InMemoryService()
	_, err := svc.AppendStep(context.Background(), step.NewUserStep("missing", "hi"))
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAppendStepRejectsUnpairedToolStep(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()
	sess := newTestSession(t, svc)

	_, err := svc.AppendStep(ctx, step.NewToolStep(sess.ID, step.ToolResult{
		ToolCallID: "nope",
		Content:    "x",
	}))
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestAppendStepRejectsDuplicateCallIDs(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()
	sess := newTestSession(t, svc)

	_, err := svc.AppendStep(ctx, &step.Step{
		SessionID: sess.ID,
		Role:      step.RoleAssistant,
		ToolCalls: []step.ToolCall{
			{ID: "c1", Name: "add"},
			{ID: "c1", Name: "sub"},
		},
	})
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestAppendStepAcceptsPairedToolStep(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()
	sess := newTestSession(t, svc)

	_, err := svc.AppendStep(ctx, &step.Step{
		SessionID: sess.ID,
		Role:      step.RoleAssistant,
		ToolCalls: []step.ToolCall{{ID: "c1", Name: "add", Arguments: "{}"}},
	})
	require.NoError(t, err)

	st, err := svc.AppendStep(ctx, step.NewToolStep(sess.ID, step.ToolResult{
		ToolCallID: "c1",
		Name:       "add",
		Content:    "3",
	}))
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Sequence)
}

func TestListStepsRange(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()
	sess := newTestSession(t, svc)

	for i := 0; i < 5; i++ {
		_, err := svc.AppendStep(ctx, step.NewUserStep(sess.ID, fmt.Sprintf("msg %d", i)))
		require.NoError(t, err)
	}

	steps, err := svc.ListSteps(ctx, sess.ID, 2, 4)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, int64(2), steps[0].Sequence)
	assert.Equal(t, int64(4), steps[2].Sequence)
}

func TestLastStepEmptySession(t *testing.T) {
	svc := InMemoryService()
	sess := newTestSession(t, svc)

	st, err := svc.LastStep(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestTruncateFromKeepsDensity(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()
	sess := newTestSession(t, svc)

	for i := 0; i < 5; i++ {
		_, err := svc.AppendStep(ctx, step.NewUserStep(sess.ID, "x"))
		require.NoError(t, err)
	}

	deleted, err := svc.TruncateFrom(ctx, sess.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	// New appends continue from the truncation point.
	st, err := svc.AppendStep(ctx, step.NewUserStep(sess.ID, "retry"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Sequence)
}

func TestAppendedStepsAreIsolatedFromCallerMutation(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()
	sess := newTestSession(t, svc)

	original := &step.Step{
		SessionID: sess.ID,
		Role:      step.RoleAssistant,
		ToolCalls: []step.ToolCall{{ID: "c1", Name: "add"}},
	}
	_, err := svc.AppendStep(ctx, original)
	require.NoError(t, err)

	original.ToolCalls[0].ID = "mutated"

	steps, err := svc.ListSteps(ctx, sess.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "c1", steps[0].ToolCalls[0].ID)
}

func TestSaveAndGetRun(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()

	run := &Run{
		ID:         "r1",
		SessionID:  "s1",
		AgentID:    "a1",
		Status:     RunStatusRunning,
		InputQuery: "hi",
	}
	require.NoError(t, svc.SaveRun(ctx, run))

	run.Status = RunStatusCompleted
	run.TerminationReason = ReasonDone
	require.NoError(t, svc.SaveRun(ctx, run))

	got, err := svc.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, got.Status)
	assert.Equal(t, ReasonDone, got.TerminationReason)

	_, err = svc.GetRun(ctx, "missing")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestListRunsFilters(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()

	for i, status := range []RunStatus{RunStatusCompleted, RunStatusFailed, RunStatusCompleted} {
		require.NoError(t, svc.SaveRun(ctx, &Run{
			ID:        fmt.Sprintf("r%d", i),
			SessionID: "s1",
			AgentID:   "a1",
			Status:    status,
		}))
	}

	runs, err := svc.ListRuns(ctx, &RunFilter{SessionID: "s1", Status: RunStatusCompleted})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = svc.ListRuns(ctx, &RunFilter{SessionID: "other"})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestLLMCallLogsAndStats(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()
	sess := newTestSession(t, svc)

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.SaveLLMCallLog(ctx, &LLMCallLog{
			RunID:        "r1",
			SessionID:    sess.ID,
			Provider:     "echo",
			InputTokens:  10,
			OutputTokens: 5,
		}))
	}

	logs, err := svc.ListLLMCallLogs(ctx, &LogFilter{RunID: "r1"})
	require.NoError(t, err)
	assert.Len(t, logs, 3)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.LLMCalls)
	assert.Equal(t, int64(30), stats.InputTokens)
	assert.Equal(t, int64(15), stats.OutputTokens)
}

func TestCheckpointLifecycle(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()

	cp := &Checkpoint{
		RunID:      "r1",
		SessionID:  "s1",
		AtSequence: 3,
		Steps: []*step.Step{
			{SessionID: "s1", Sequence: 1, Role: step.RoleUser, Content: "hi"},
		},
		Tags: []string{"before-retry"},
	}
	require.NoError(t, svc.SaveCheckpoint(ctx, cp))
	require.NotEmpty(t, cp.ID)

	got, err := svc.GetCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.AtSequence)
	require.Len(t, got.Steps, 1)

	list, err := svc.ListCheckpoints(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, svc.DeleteCheckpoint(ctx, cp.ID))
	_, err = svc.GetCheckpoint(ctx, cp.ID)
	require.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestTraceRoundTrip(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()

	tr := &Trace{
		RunID:     "r1",
		SessionID: "s1",
		Spans: []*Span{
			{ID: "sp1", RunID: "r1", Kind: SpanKindAgent, Name: "agent", StartTime: 100, EndTime: 200},
			{ID: "sp2", ParentID: "sp1", RunID: "r1", Kind: SpanKindLLMCall, Name: "llm", StartTime: 110, EndTime: 150},
		},
	}
	require.NoError(t, svc.SaveTrace(ctx, tr))

	got, err := svc.GetTrace(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got.Spans, 2)
	assert.Equal(t, int64(100), got.Spans[0].Duration())

	_, err = svc.GetTrace(ctx, "missing")
	require.ErrorIs(t, err, ErrTraceNotFound)
}

// Sequence density and tool pairing hold for arbitrary interleavings of
// appends and truncations.
func TestTranscriptInvariantProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	// op: 0 = user step, 1 = assistant with a tool call, 2 = paired tool
	// step (skipped when no call is pending), 3 = truncate last step.
	genOps := gen.SliceOf(gen.IntRange(0, 3))

	properties.Property("sequences stay dense and tool steps stay paired", prop.ForAll(
		func(ops []int) bool {
			svc := InMemoryService()
			ctx := context.Background()
			sess, err := svc.CreateSession(ctx, &CreateSessionRequest{})
			if err != nil {
				return false
			}

			var pendingCalls []string
			callCounter := 0
			for _, op := range ops {
				switch op {
				case 0:
					if _, err := svc.AppendStep(ctx, step.NewUserStep(sess.ID, "q")); err != nil {
						return false
					}
				case 1:
					callCounter++
					id := fmt.Sprintf("call-%d", callCounter)
					_, err := svc.AppendStep(ctx, &step.Step{
						SessionID: sess.ID,
						Role:      step.RoleAssistant,
						ToolCalls: []step.ToolCall{{ID: id, Name: "t", Arguments: "{}"}},
					})
					if err != nil {
						return false
					}
					pendingCalls = append(pendingCalls, id)
				case 2:
					if len(pendingCalls) == 0 {
						continue
					}
					id := pendingCalls[0]
					pendingCalls = pendingCalls[1:]
					_, err := svc.AppendStep(ctx, step.NewToolStep(sess.ID, step.ToolResult{
						ToolCallID: id,
						Content:    "ok",
					}))
					if err != nil {
						return false
					}
				case 3:
					last, err := svc.LastStep(ctx, sess.ID)
					if err != nil {
						return false
					}
					if last == nil {
						continue
					}
					if _, err := svc.TruncateFrom(ctx, sess.ID, last.Sequence); err != nil {
						return false
					}
					// A truncated assistant step takes its calls with it;
					// drop IDs that no longer exist.
					if last.HasToolCalls() && len(pendingCalls) > 0 {
						pendingCalls = pendingCalls[:len(pendingCalls)-1]
					}
				}
			}

			steps, err := svc.ListSteps(ctx, sess.ID, 0, 0)
			if err != nil {
				return false
			}

			// Sequences stay dense 1..N.
			for i, st := range steps {
				if st.Sequence != int64(i+1) {
					return false
				}
			}

			// Every tool step pairs with an earlier assistant call.
			seen := make(map[string]int64)
			for _, st := range steps {
				for _, tc := range st.ToolCalls {
					seen[tc.ID] = st.Sequence
				}
				if st.Role == step.RoleTool {
					at, ok := seen[st.ToolCallID]
					if !ok || at >= st.Sequence {
						return false
					}
				}
			}
			return true
		},
		genOps,
	))

	properties.TestingRun(t)
}
