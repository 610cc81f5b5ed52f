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
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agio/pkg/event"
	"github.com/kadirpekel/agio/pkg/model"
	"github.com/kadirpekel/agio/pkg/session"
	"github.com/kadirpekel/agio/pkg/step"
	"github.com/kadirpekel/agio/pkg/tool"
)

type testEnv struct {
	agent    *Agent
	store    session.Service
	bus      *event.Bus
	provider *model.ScriptedProvider
	sub      *event.Subscription
}

func newTestEnv(t *testing.T, cfg Config, provider *model.ScriptedProvider, tools ...tool.Tool) *testEnv {
	t.Helper()

	store := session.InMemoryService()
	bus := event.NewBus(0)
	reg := tool.NewRegistry()
	for _, tl := range tools {
		require.NoError(t, reg.Register(tl))
	}
	a, err := New(Options{
		ID:       "tester",
		Provider: provider,
		Store:    store,
		Tools:    reg,
		Bus:      bus,
		Config:   cfg,
	})
	require.NoError(t, err)

	env := &testEnv{agent: a, store: store, bus: bus, provider: provider}
	env.sub = bus.Subscribe("")
	t.Cleanup(env.sub.Close)
	return env
}

// events drains everything published so far. Call after Execute returns.
func (e *testEnv) events() []*event.Event {
	var out []*event.Event
	for {
		select {
		case ev, ok := <-e.sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (e *testEnv) steps(t *testing.T, sessionID string) []*step.Step {
	t.Helper()
	steps, err := e.store.ListSteps(context.Background(), sessionID, 0, 0)
	require.NoError(t, err)
	return steps
}

func kindsOf(events []*event.Event) []event.Kind {
	out := make([]event.Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func indexOf(events []*event.Event, match func(*event.Event) bool) int {
	for i, ev := range events {
		if match(ev) {
			return i
		}
	}
	return -1
}

type addArgs struct {
	A float64 `json:"a" jsonschema:"required,description=First operand"`
	B float64 `json:"b" jsonschema:"required,description=Second operand"`
}

func newAddTool(t *testing.T) tool.Tool {
	t.Helper()
	tl, err := tool.NewFunc(
		tool.FuncConfig{Name: "add", Description: "Add two numbers"},
		func(ctx context.Context, inv *tool.Invocation, args addArgs) (string, error) {
			return strconv.FormatFloat(args.A+args.B, 'f', -1, 64), nil
		},
	)
	require.NoError(t, err)
	return tl
}

type noArgs struct{}

func newDelayTool(t *testing.T, name string, delay time.Duration) tool.Tool {
	t.Helper()
	tl, err := tool.NewFunc(
		tool.FuncConfig{Name: name, Description: "Wait then answer"},
		func(ctx context.Context, inv *tool.Invocation, args noArgs) (string, error) {
			select {
			case <-time.After(delay):
				return name + " done", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	)
	require.NoError(t, err)
	return tl
}

func TestRunNoToolGreeting(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), model.NewScriptedProvider(
		model.Turn{Text: "Hello!", Usage: &model.Usage{InputTokens: 3, OutputTokens: 2, TotalTokens: 5}},
	))

	res, err := env.agent.Execute(context.Background(), &Invocation{SessionID: "s1", Query: "hi"})
	require.NoError(t, err)

	assert.Equal(t, session.RunStatusCompleted, res.Status)
	assert.Equal(t, session.ReasonDone, res.Reason)
	assert.Equal(t, "Hello!", res.Output)

	steps := env.steps(t, "s1")
	require.Len(t, steps, 2)
	assert.Equal(t, int64(1), steps[0].Sequence)
	assert.Equal(t, step.RoleUser, steps[0].Role)
	assert.Equal(t, "hi", steps[0].Content)
	assert.Equal(t, int64(2), steps[1].Sequence)
	assert.Equal(t, step.RoleAssistant, steps[1].Role)
	assert.Equal(t, "Hello!", steps[1].Content)
	require.NotNil(t, steps[1].Metrics)
	assert.Equal(t, 5, steps[1].Metrics.TotalTokens)

	events := env.events()
	kinds := kindsOf(events)
	require.GreaterOrEqual(t, len(kinds), 4)
	assert.Equal(t, event.KindRunStarted, kinds[0])
	assert.Equal(t, event.KindRunCompleted, kinds[len(kinds)-1])

	// Deltas concatenate to the completed snapshot's content.
	var deltas strings.Builder
	var snapshot *step.Step
	for _, ev := range events {
		switch ev.Kind {
		case event.KindStepDelta:
			if ev.Delta != nil {
				deltas.WriteString(ev.Delta.Content)
			}
		case event.KindStepCompleted:
			snapshot = ev.Snapshot
		}
	}
	require.NotNil(t, snapshot)
	assert.Equal(t, "Hello!", snapshot.Content)
	assert.Equal(t, "Hello!", deltas.String())

	terminal := events[len(events)-1]
	require.NotNil(t, terminal.Data)
	assert.Equal(t, string(session.ReasonDone), terminal.Data.TerminationReason)
}

func TestRunSingleToolCall(t *testing.T) {
	provider := model.NewScriptedProvider(
		model.Turn{ToolCalls: []model.ToolCall{{ID: "c1", Name: "add", Arguments: `{"a":1,"b":2}`}}},
		model.Turn{Text: "4"},
	)
	env := newTestEnv(t, DefaultConfig(), provider, newAddTool(t))

	res, err := env.agent.Execute(context.Background(), &Invocation{SessionID: "s1", Query: "2+2?"})
	require.NoError(t, err)
	assert.Equal(t, "4", res.Output)
	assert.Equal(t, session.ReasonDone, res.Reason)
	assert.Equal(t, 2, provider.CallCount())

	steps := env.steps(t, "s1")
	require.Len(t, steps, 4)
	assert.Equal(t, step.RoleUser, steps[0].Role)
	require.Len(t, steps[1].ToolCalls, 1)
	assert.Equal(t, "c1", steps[1].ToolCalls[0].ID)
	assert.Equal(t, step.RoleTool, steps[2].Role)
	assert.Equal(t, "c1", steps[2].ToolCallID)
	assert.Equal(t, "3", steps[2].Content)
	assert.False(t, steps[2].IsError)
	assert.Equal(t, "4", steps[3].Content)

	// Event order: run_started < first step_completed < tool pair < second
	// step's deltas < run_completed.
	events := env.events()
	started := indexOf(events, func(ev *event.Event) bool { return ev.Kind == event.KindRunStarted })
	firstDone := indexOf(events, func(ev *event.Event) bool { return ev.Kind == event.KindStepCompleted })
	toolStart := indexOf(events, func(ev *event.Event) bool { return ev.Kind == event.KindToolCallStarted })
	toolDone := indexOf(events, func(ev *event.Event) bool { return ev.Kind == event.KindToolCallCompleted })
	runDone := indexOf(events, func(ev *event.Event) bool { return ev.Kind == event.KindRunCompleted })

	require.NotEqual(t, -1, toolStart)
	assert.Less(t, started, firstDone)
	assert.Less(t, firstDone, toolStart)
	assert.Less(t, toolStart, toolDone)
	assert.Less(t, toolDone, runDone)

	assert.Equal(t, "c1", events[toolDone].ToolCallID)
	assert.Equal(t, "3", events[toolDone].Result)
	assert.True(t, events[toolDone].IsSuccess)
}

func TestRunParallelToolsKeepTranscriptOrder(t *testing.T) {
	provider := model.NewScriptedProvider(
		model.Turn{ToolCalls: []model.ToolCall{
			{ID: "c1", Name: "slow", Arguments: "{}"},
			{ID: "c2", Name: "fast", Arguments: "{}"},
		}},
		model.Turn{Text: "done"},
	)
	env := newTestEnv(t, DefaultConfig(), provider,
		newDelayTool(t, "slow", 300*time.Millisecond),
		newDelayTool(t, "fast", 10*time.Millisecond),
	)

	res, err := env.agent.Execute(context.Background(), &Invocation{SessionID: "s1", Query: "race"})
	require.NoError(t, err)
	assert.Equal(t, session.ReasonDone, res.Reason)

	// Completion events arrive fast-first.
	events := env.events()
	var completedOrder []string
	for _, ev := range events {
		if ev.Kind == event.KindToolCallCompleted {
			completedOrder = append(completedOrder, ev.ToolCallID)
		}
	}
	require.Equal(t, []string{"c2", "c1"}, completedOrder)

	// Tool steps follow the tool_calls order regardless.
	steps := env.steps(t, "s1")
	require.Len(t, steps, 5)
	assert.Equal(t, "c1", steps[2].ToolCallID)
	assert.Equal(t, "c2", steps[3].ToolCallID)
}

func TestRunMaxStepsExhaustion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSteps = 3
	provider := model.NewScriptedProvider(
		model.Turn{ToolCalls: []model.ToolCall{{ID: "c1", Name: "fast", Arguments: "{}"}}},
	)
	env := newTestEnv(t, cfg, provider, newDelayTool(t, "fast", time.Millisecond))

	res, err := env.agent.Execute(context.Background(), &Invocation{SessionID: "s1", Query: "loop"})
	require.NoError(t, err)
	assert.Equal(t, session.RunStatusCompleted, res.Status)
	assert.Equal(t, session.ReasonMaxSteps, res.Reason)
	assert.Equal(t, 3, provider.CallCount())

	assistants := 0
	for _, s := range env.steps(t, "s1") {
		if s.Role == step.RoleAssistant {
			assistants++
		}
	}
	assert.Equal(t, 3, assistants)
}

func TestResumeExecutesPendingWithoutRecallingProvider(t *testing.T) {
	provider := model.NewScriptedProvider(model.Turn{Text: "4"})
	env := newTestEnv(t, DefaultConfig(), provider, newAddTool(t))

	// Simulate a crash after the assistant step with pending calls was
	// persisted but before any tool step landed.
	ctx := context.Background()
	_, err := env.store.CreateSession(ctx, &session.CreateSessionRequest{SessionID: "s1"})
	require.NoError(t, err)
	_, err = env.store.AppendStep(ctx, step.NewUserStep("s1", "2+2?"))
	require.NoError(t, err)
	_, err = env.store.AppendStep(ctx, &step.Step{
		SessionID: "s1",
		Role:      step.RoleAssistant,
		ToolCalls: []step.ToolCall{{ID: "c1", Name: "add", Arguments: `{"a":1,"b":3}`}},
	})
	require.NoError(t, err)

	res, err := env.agent.Resume(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.ReasonDone, res.Reason)
	assert.Equal(t, "4", res.Output)

	// One provider call for the post-tool turn; the pending turn itself is
	// never re-queried.
	require.Equal(t, 1, provider.CallCount())
	req := provider.Requests()[0]
	var sawToolResult bool
	for _, msg := range req.Messages {
		if msg.Role == model.RoleTool && msg.ToolCallID == "c1" {
			sawToolResult = true
			assert.Equal(t, "4", msg.Content)
		}
	}
	assert.True(t, sawToolResult, "provider context must include the tool result")

	steps := env.steps(t, "s1")
	require.Len(t, steps, 4)
	assert.Equal(t, step.RoleTool, steps[2].Role)
	assert.Equal(t, "c1", steps[2].ToolCallID)
	assert.Equal(t, "4", steps[3].Content)
}

func TestResumeTwiceIsIdempotent(t *testing.T) {
	provider := model.NewScriptedProvider(model.Turn{Text: "4"})
	env := newTestEnv(t, DefaultConfig(), provider, newAddTool(t))

	ctx := context.Background()
	_, err := env.store.CreateSession(ctx, &session.CreateSessionRequest{SessionID: "s1"})
	require.NoError(t, err)
	_, err = env.store.AppendStep(ctx, step.NewUserStep("s1", "2+2?"))
	require.NoError(t, err)
	_, err = env.store.AppendStep(ctx, &step.Step{
		SessionID: "s1",
		Role:      step.RoleAssistant,
		ToolCalls: []step.ToolCall{{ID: "c1", Name: "add", Arguments: `{"a":1,"b":3}`}},
	})
	require.NoError(t, err)

	first, err := env.agent.Resume(ctx, "s1")
	require.NoError(t, err)
	stepsAfterFirst := env.steps(t, "s1")

	second, err := env.agent.Resume(ctx, "s1")
	require.NoError(t, err)
	stepsAfterSecond := env.steps(t, "s1")

	assert.Equal(t, first.Output, second.Output)
	assert.Equal(t, session.ReasonDone, second.Reason)
	assert.Equal(t, len(stepsAfterFirst), len(stepsAfterSecond))
	assert.Equal(t, 1, provider.CallCount())
}

func TestResumeExecutesOnlyMissingCalls(t *testing.T) {
	var mu sync.Mutex
	var executed []string
	record := func(name string) (tool.Tool, error) {
		return tool.NewFunc(
			tool.FuncConfig{Name: name, Description: "Record invocation"},
			func(ctx context.Context, inv *tool.Invocation, args noArgs) (string, error) {
				mu.Lock()
				executed = append(executed, name)
				mu.Unlock()
				return name + " result", nil
			},
		)
	}
	t1, err := record("alpha")
	require.NoError(t, err)
	t2, err := record("beta")
	require.NoError(t, err)

	provider := model.NewScriptedProvider(model.Turn{Text: "final"})
	env := newTestEnv(t, DefaultConfig(), provider, t1, t2)

	ctx := context.Background()
	_, err = env.store.CreateSession(ctx, &session.CreateSessionRequest{SessionID: "s1"})
	require.NoError(t, err)
	_, err = env.store.AppendStep(ctx, step.NewUserStep("s1", "go"))
	require.NoError(t, err)
	_, err = env.store.AppendStep(ctx, &step.Step{
		SessionID: "s1",
		Role:      step.RoleAssistant,
		ToolCalls: []step.ToolCall{
			{ID: "c1", Name: "alpha", Arguments: "{}"},
			{ID: "c2", Name: "beta", Arguments: "{}"},
		},
	})
	require.NoError(t, err)
	// c1 already has its result persisted.
	_, err = env.store.AppendStep(ctx, &step.Step{
		SessionID:  "s1",
		Role:       step.RoleTool,
		ToolCallID: "c1",
		ToolName:   "alpha",
		Content:    "alpha result",
	})
	require.NoError(t, err)

	res, err := env.agent.Resume(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "final", res.Output)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"beta"}, executed)

	steps := env.steps(t, "s1")
	require.Len(t, steps, 5)
	assert.Equal(t, "c2", steps[3].ToolCallID)
}

func TestRunProviderFailure(t *testing.T) {
	provider := model.NewScriptedProvider(model.Turn{Err: errors.New("upstream unavailable")})
	env := newTestEnv(t, DefaultConfig(), provider)

	res, err := env.agent.Execute(context.Background(), &Invocation{SessionID: "s1", Query: "hi"})
	require.NoError(t, err)
	assert.Equal(t, session.RunStatusFailed, res.Status)
	assert.Equal(t, session.ReasonError, res.Reason)
	assert.Contains(t, res.Error, "upstream unavailable")

	run, err := env.store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, session.RunStatusFailed, run.Status)

	events := env.events()
	last := events[len(events)-1]
	assert.Equal(t, event.KindRunFailed, last.Kind)
	require.NotNil(t, last.Data)
	assert.Contains(t, last.Data.Error, "upstream unavailable")

	// The failed provider call is still logged.
	logs, err := env.store.ListLLMCallLogs(context.Background(), &session.LogFilter{RunID: res.RunID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Error, "upstream unavailable")
}

func TestRunRetriesProviderFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	provider := model.NewScriptedProvider(
		model.Turn{Err: errors.New("transient")},
		model.Turn{Text: "recovered"},
	)
	env := newTestEnv(t, cfg, provider)

	res, err := env.agent.Execute(context.Background(), &Invocation{SessionID: "s1", Query: "hi"})
	require.NoError(t, err)
	assert.Equal(t, session.RunStatusCompleted, res.Status)
	assert.Equal(t, "recovered", res.Output)
	assert.Equal(t, 2, provider.CallCount())
}

func TestRunCancellation(t *testing.T) {
	provider := model.NewScriptedProvider(
		model.Turn{ToolCalls: []model.ToolCall{{ID: "c1", Name: "slow", Arguments: "{}"}}},
	)
	env := newTestEnv(t, DefaultConfig(), provider, newDelayTool(t, "slow", 5*time.Second))

	type result struct {
		res *Result
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := env.agent.Execute(context.Background(), &Invocation{
			SessionID: "s1",
			Query:     "go",
			RunID:     "r-cancel",
		})
		done <- result{res, err}
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, env.agent.Controller().Cancel("r-cancel"))

	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.Equal(t, session.RunStatusCompleted, got.res.Status)
		assert.Equal(t, session.ReasonCancelled, got.res.Reason)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not unwind after cancel")
	}

	// The aborted batch is not persisted; resume can re-execute it.
	steps := env.steps(t, "s1")
	require.Len(t, steps, 2)
	assert.Equal(t, step.RoleAssistant, steps[1].Role)
}

func TestRunStepTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TimeoutPerStep = 100 * time.Millisecond
	provider := model.NewScriptedProvider(
		model.Turn{ToolCalls: []model.ToolCall{{ID: "c1", Name: "slow", Arguments: "{}"}}},
	)
	env := newTestEnv(t, cfg, provider, newDelayTool(t, "slow", 5*time.Second))

	start := time.Now()
	res, err := env.agent.Execute(context.Background(), &Invocation{SessionID: "s1", Query: "go"})
	require.NoError(t, err)
	assert.Equal(t, session.RunStatusCompleted, res.Status)
	assert.Equal(t, session.ReasonTimeout, res.Reason)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRunPauseGatesBetweenIterations(t *testing.T) {
	provider := model.NewScriptedProvider(
		model.Turn{ToolCalls: []model.ToolCall{{ID: "c1", Name: "fast", Arguments: "{}"}}},
		model.Turn{Text: "after pause"},
	)
	env := newTestEnv(t, DefaultConfig(), provider, newDelayTool(t, "fast", 50*time.Millisecond))

	type result struct {
		res *Result
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := env.agent.Execute(context.Background(), &Invocation{
			SessionID: "s1",
			Query:     "go",
			RunID:     "r1",
		})
		done <- result{res, err}
	}()

	// Pause while the first tool runs; the loop must hold before the next
	// provider call until resumed.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, env.agent.Controller().Pause("r1"))
	time.Sleep(200 * time.Millisecond)
	assert.LessOrEqual(t, provider.CallCount(), 1)

	require.NoError(t, env.agent.Controller().Resume("r1"))
	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.Equal(t, "after pause", got.res.Output)
		assert.Equal(t, 2, provider.CallCount())
	case <-time.After(3 * time.Second):
		t.Fatal("run did not finish after resume")
	}
}

func TestNestedRunnableTool(t *testing.T) {
	store := session.InMemoryService()
	bus := event.NewBus(0)

	subProvider := model.NewScriptedProvider(model.Turn{Text: "inner answer"})
	sub, err := New(Options{
		ID:       "researcher",
		Provider: subProvider,
		Store:    store,
		Bus:      bus,
	})
	require.NoError(t, err)

	subTool, err := NewRunnableTool(sub, store, "")
	require.NoError(t, err)

	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(subTool))

	parentProvider := model.NewScriptedProvider(
		model.Turn{ToolCalls: []model.ToolCall{{ID: "c1", Name: "researcher", Arguments: `{"query":"inner"}`}}},
		model.Turn{Text: "outer done"},
	)
	parent, err := New(Options{
		ID:       "orchestrator",
		Provider: parentProvider,
		Store:    store,
		Tools:    reg,
		Bus:      bus,
	})
	require.NoError(t, err)

	res, err := parent.Execute(context.Background(), &Invocation{SessionID: "s1", Query: "outer"})
	require.NoError(t, err)
	assert.Equal(t, "outer done", res.Output)

	// The delegated answer landed as the tool step content.
	steps, err := store.ListSteps(context.Background(), "s1", 0, 0)
	require.NoError(t, err)
	require.Len(t, steps, 4)
	assert.Equal(t, "inner answer", steps[2].Content)

	// The child run links back to the parent with depth 1.
	runs, err := store.ListRuns(context.Background(), &session.RunFilter{AgentID: "researcher"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, res.RunID, runs[0].ParentRunID)
	assert.Equal(t, 1, runs[0].Depth)
	assert.Equal(t, session.RunStatusCompleted, runs[0].Status)
}

func TestRunRecordsMetricsAndLogs(t *testing.T) {
	provider := model.NewScriptedProvider(
		model.Turn{
			ToolCalls: []model.ToolCall{{ID: "c1", Name: "fast", Arguments: "{}"}},
			Usage:     &model.Usage{InputTokens: 10, OutputTokens: 4, TotalTokens: 14},
		},
		model.Turn{Text: "done", Usage: &model.Usage{InputTokens: 20, OutputTokens: 2, TotalTokens: 22}},
	)
	env := newTestEnv(t, DefaultConfig(), provider, newDelayTool(t, "fast", time.Millisecond))

	res, err := env.agent.Execute(context.Background(), &Invocation{SessionID: "s1", Query: "go"})
	require.NoError(t, err)

	require.NotNil(t, res.Metrics)
	assert.Equal(t, 30, res.Metrics.InputTokens)
	assert.Equal(t, 6, res.Metrics.OutputTokens)

	logs, err := env.store.ListLLMCallLogs(context.Background(), &session.LogFilter{RunID: res.RunID})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "scripted", logs[0].Provider)
	assert.Equal(t, 10, logs[0].InputTokens)
}

func TestExecuteRejectsMissingSession(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), model.NewScriptedProvider(model.Turn{Text: "x"}))

	_, err := env.agent.Execute(context.Background(), &Invocation{Query: "hi"})
	require.ErrorIs(t, err, ErrInvalidInvocation)

	_, err = env.agent.Execute(context.Background(), nil)
	require.ErrorIs(t, err, ErrInvalidInvocation)
}

type checkpointCall struct {
	atSequence  int64
	description string
}

type recordingCheckpointer struct {
	mu    sync.Mutex
	calls []checkpointCall
}

func (r *recordingCheckpointer) CheckpointRun(ctx context.Context, runID, sessionID string, atSequence int64, description string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, checkpointCall{atSequence: atSequence, description: description})
	return "cp-" + strconv.Itoa(len(r.calls)), nil
}

func (r *recordingCheckpointer) snapshot() []checkpointCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]checkpointCall(nil), r.calls...)
}

func TestCheckpointEveryStepStrategy(t *testing.T) {
	provider := model.NewScriptedProvider(
		model.Turn{ToolCalls: []model.ToolCall{{ID: "c1", Name: "add", Arguments: `{"a":1,"b":2}`}}},
		model.Turn{Text: "done"},
	)
	cp := &recordingCheckpointer{}

	store := session.InMemoryService()
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(newAddTool(t)))
	cfg := DefaultConfig()
	cfg.CheckpointStrategy = CheckpointEveryStep
	a, err := New(Options{
		ID:           "tester",
		Provider:     provider,
		Store:        store,
		Tools:        reg,
		Checkpointer: cp,
		Config:       cfg,
	})
	require.NoError(t, err)

	_, err = a.Execute(context.Background(), &Invocation{SessionID: "s1", Query: "1+2?"})
	require.NoError(t, err)

	// One snapshot per assistant step: sequences 2 and 4.
	calls := cp.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, checkpointCall{atSequence: 2, description: "every_step"}, calls[0])
	assert.Equal(t, checkpointCall{atSequence: 4, description: "every_step"}, calls[1])
}

func TestCheckpointCustomStrategy(t *testing.T) {
	provider := model.NewScriptedProvider(
		model.Turn{ToolCalls: []model.ToolCall{{ID: "c1", Name: "add", Arguments: `{"a":1,"b":2}`}}},
		model.Turn{Text: "done"},
	)
	cp := &recordingCheckpointer{}

	store := session.InMemoryService()
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(newAddTool(t)))
	cfg := DefaultConfig()
	cfg.CheckpointStrategy = CheckpointCustom
	a, err := New(Options{
		ID:           "tester",
		Provider:     provider,
		Store:        store,
		Tools:        reg,
		Checkpointer: cp,
		CheckpointWhen: func(s *step.Step) bool {
			return s.HasToolCalls()
		},
		Config: cfg,
	})
	require.NoError(t, err)

	_, err = a.Execute(context.Background(), &Invocation{SessionID: "s1", Query: "1+2?"})
	require.NoError(t, err)

	// Only the tool-calling assistant step matched the predicate.
	calls := cp.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, checkpointCall{atSequence: 2, description: "custom"}, calls[0])
}
