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

package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agio/pkg/agent"
	"github.com/kadirpekel/agio/pkg/event"
	"github.com/kadirpekel/agio/pkg/session"
)

type fakeRunnable struct {
	id string
	fn func(ctx context.Context, inv *agent.Invocation) (*agent.Result, error)

	mu          sync.Mutex
	invocations []*agent.Invocation
}

func (f *fakeRunnable) ID() string { return f.id }

func (f *fakeRunnable) Execute(ctx context.Context, inv *agent.Invocation) (*agent.Result, error) {
	f.mu.Lock()
	f.invocations = append(f.invocations, inv)
	f.mu.Unlock()
	return f.fn(ctx, inv)
}

func (f *fakeRunnable) calls() []*agent.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*agent.Invocation, len(f.invocations))
	copy(out, f.invocations)
	return out
}

func echoRunnable(id, prefix string) *fakeRunnable {
	return &fakeRunnable{id: id, fn: func(ctx context.Context, inv *agent.Invocation) (*agent.Result, error) {
		return &agent.Result{
			RunID:     "run-" + id,
			SessionID: inv.SessionID,
			Output:    prefix + inv.Query,
			Status:    session.RunStatusCompleted,
			Reason:    session.ReasonDone,
		}, nil
	}}
}

func drain(sub *event.Subscription) []*event.Event {
	var out []*event.Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func newWorkflowEnv(t *testing.T) (Options, *event.Subscription, session.Service) {
	t.Helper()
	store := session.InMemoryService()
	bus := event.NewBus(0)
	sub := bus.Subscribe("")
	t.Cleanup(sub.Close)
	return Options{ID: "", Store: store, Bus: bus}, sub, store
}

func TestPipelineFeedsOutputDownstream(t *testing.T) {
	opts, sub, store := newWorkflowEnv(t)
	opts.ID = "pipe"

	first := echoRunnable("draft", "draft:")
	second := echoRunnable("polish", "polish:")
	p, err := NewPipeline(opts, Stage{Runnable: first}, Stage{Runnable: second})
	require.NoError(t, err)

	res, err := p.Execute(context.Background(), &agent.Invocation{SessionID: "s1", Query: "topic"})
	require.NoError(t, err)
	assert.Equal(t, "polish:draft:topic", res.Output)
	assert.Equal(t, session.ReasonDone, res.Reason)

	// Each stage ran in its own child session, linked to the workflow run.
	require.Len(t, second.calls(), 1)
	child := second.calls()[0]
	assert.Equal(t, res.RunID, child.ParentRunID)
	assert.Equal(t, 1, child.Depth)
	assert.NotEqual(t, "s1", child.SessionID)

	events := drain(sub)
	require.NotEmpty(t, events)
	assert.Equal(t, event.KindRunStarted, events[0].Kind)
	require.NotNil(t, events[0].Data)
	assert.Equal(t, "pipeline", events[0].Data.WorkflowType)
	assert.Equal(t, 2, events[0].Data.TotalStages)

	var stageKinds []event.Kind
	for _, ev := range events {
		switch ev.Kind {
		case event.KindStageStarted, event.KindStageCompleted, event.KindStageSkipped:
			stageKinds = append(stageKinds, ev.Kind)
		}
	}
	assert.Equal(t, []event.Kind{
		event.KindStageStarted, event.KindStageCompleted,
		event.KindStageStarted, event.KindStageCompleted,
	}, stageKinds)
	assert.Equal(t, event.KindRunCompleted, events[len(events)-1].Kind)

	run, err := store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, session.RunStatusCompleted, run.Status)
	assert.Equal(t, "polish:draft:topic", run.FinalOutput)
}

func TestPipelineSkipsConditionalStage(t *testing.T) {
	opts, sub, _ := newWorkflowEnv(t)

	first := echoRunnable("a", "a:")
	skipped := echoRunnable("b", "b:")
	p, err := NewPipeline(opts,
		Stage{Runnable: first},
		Stage{Runnable: skipped, Condition: func(input string) bool { return false }},
	)
	require.NoError(t, err)

	res, err := p.Execute(context.Background(), &agent.Invocation{SessionID: "s1", Query: "x"})
	require.NoError(t, err)

	// The skipped stage passes its input through untouched.
	assert.Equal(t, "a:x", res.Output)
	assert.Empty(t, skipped.calls())

	var sawSkip bool
	for _, ev := range drain(sub) {
		if ev.Kind == event.KindStageSkipped {
			sawSkip = true
			assert.Equal(t, 1, ev.Stage)
		}
	}
	assert.True(t, sawSkip)
}

func TestPipelineStageFailureFailsWorkflow(t *testing.T) {
	opts, _, store := newWorkflowEnv(t)

	failing := &fakeRunnable{id: "bad", fn: func(ctx context.Context, inv *agent.Invocation) (*agent.Result, error) {
		return &agent.Result{
			Status: session.RunStatusFailed,
			Reason: session.ReasonError,
			Error:  "stage exploded",
		}, nil
	}}
	after := echoRunnable("after", "after:")
	p, err := NewPipeline(opts, Stage{Runnable: failing}, Stage{Runnable: after})
	require.NoError(t, err)

	res, err := p.Execute(context.Background(), &agent.Invocation{SessionID: "s1", Query: "x"})
	require.NoError(t, err)
	assert.Equal(t, session.RunStatusFailed, res.Status)
	assert.Contains(t, res.Error, "stage exploded")
	assert.Empty(t, after.calls())

	run, err := store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, session.RunStatusFailed, run.Status)
}

func TestParallelGathersInBranchOrder(t *testing.T) {
	opts, sub, _ := newWorkflowEnv(t)
	opts.ID = "fanout"

	slow := &fakeRunnable{id: "slow", fn: func(ctx context.Context, inv *agent.Invocation) (*agent.Result, error) {
		time.Sleep(100 * time.Millisecond)
		return &agent.Result{Output: "slow:" + inv.Query, Status: session.RunStatusCompleted, Reason: session.ReasonDone}, nil
	}}
	fast := echoRunnable("fast", "fast:")

	p, err := NewParallel(opts, slow, fast)
	require.NoError(t, err)

	res, err := p.Execute(context.Background(), &agent.Invocation{SessionID: "s1", Query: "q"})
	require.NoError(t, err)

	// Branch order, not completion order.
	assert.Equal(t, []string{"slow:q", "fast:q"}, strings.Split(res.Output, "\n\n"))

	// Both branches got the same input.
	require.Len(t, slow.calls(), 1)
	require.Len(t, fast.calls(), 1)
	assert.Equal(t, "q", slow.calls()[0].Query)
	assert.Equal(t, "q", fast.calls()[0].Query)

	events := drain(sub)
	require.NotNil(t, events[0].Data)
	assert.Equal(t, "parallel", events[0].Data.WorkflowType)
	assert.Equal(t, []string{"slow", "fast"}, events[0].Data.BranchIDs)

	branches := map[event.Kind]int{}
	for _, ev := range events {
		if ev.Kind == event.KindBranchStarted || ev.Kind == event.KindBranchCompleted {
			branches[ev.Kind]++
		}
	}
	assert.Equal(t, 2, branches[event.KindBranchStarted])
	assert.Equal(t, 2, branches[event.KindBranchCompleted])
}

func TestParallelBranchErrorFailsWorkflow(t *testing.T) {
	opts, _, _ := newWorkflowEnv(t)

	bad := &fakeRunnable{id: "bad", fn: func(ctx context.Context, inv *agent.Invocation) (*agent.Result, error) {
		return nil, errors.New("branch infrastructure down")
	}}
	good := echoRunnable("good", "ok:")

	p, err := NewParallel(opts, bad, good)
	require.NoError(t, err)

	res, err := p.Execute(context.Background(), &agent.Invocation{SessionID: "s1", Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, session.RunStatusFailed, res.Status)
	assert.Contains(t, res.Error, "branch infrastructure down")
}

func TestLoopIteratesUntilBound(t *testing.T) {
	opts, sub, _ := newWorkflowEnv(t)

	body := echoRunnable("refine", "+")
	l, err := NewLoop(opts, LoopConfig{Body: body, MaxIterations: 3})
	require.NoError(t, err)

	res, err := l.Execute(context.Background(), &agent.Invocation{SessionID: "s1", Query: "x"})
	require.NoError(t, err)
	assert.Equal(t, "+++x", res.Output)
	require.Len(t, body.calls(), 3)
	assert.Equal(t, "x", body.calls()[0].Query)
	assert.Equal(t, "+x", body.calls()[1].Query)
	assert.Equal(t, "++x", body.calls()[2].Query)

	iterations := 0
	for _, ev := range drain(sub) {
		if ev.Kind == event.KindIterationCompleted {
			iterations++
		}
	}
	assert.Equal(t, 3, iterations)
}

func TestLoopStopsOnPredicate(t *testing.T) {
	opts, _, _ := newWorkflowEnv(t)

	body := echoRunnable("refine", "+")
	l, err := NewLoop(opts, LoopConfig{
		Body:          body,
		MaxIterations: 10,
		Until:         func(output string) bool { return strings.HasPrefix(output, "++") },
	})
	require.NoError(t, err)

	res, err := l.Execute(context.Background(), &agent.Invocation{SessionID: "s1", Query: "x"})
	require.NoError(t, err)
	assert.Equal(t, "++x", res.Output)
	assert.Len(t, body.calls(), 2)
}

func TestLoopRejectsInvalidConfig(t *testing.T) {
	opts, _, _ := newWorkflowEnv(t)

	_, err := NewLoop(opts, LoopConfig{Body: echoRunnable("b", ""), MaxIterations: 0})
	require.ErrorIs(t, err, ErrInvalidIterations)

	_, err = NewLoop(opts, LoopConfig{MaxIterations: 3})
	require.ErrorIs(t, err, ErrMissingStages)
}
