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
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/agio/pkg/event"
	"github.com/kadirpekel/agio/pkg/session"
	"github.com/kadirpekel/agio/pkg/step"
	"github.com/kadirpekel/agio/pkg/tool"
)

// outcome is the terminal disposition of the run loop.
type outcome struct {
	status  session.RunStatus
	reason  session.TerminationReason
	output  string
	errText string
}

// Execute drives one run to a terminal state. A run that fails still
// returns a Result (with Status failed and Error set); a non-nil error
// means the run could not start or the store broke mid-run.
func (a *Agent) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	if inv == nil || inv.SessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidInvocation)
	}

	// Create-if-missing; existing sessions pass through unchanged.
	if _, err := a.store.CreateSession(ctx, &session.CreateSessionRequest{SessionID: inv.SessionID}); err != nil {
		return nil, err
	}

	runID := inv.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	if err := a.controller.Register(runID); err != nil {
		return nil, err
	}
	defer a.controller.Unregister(runID)

	runCtx, cancel := context.WithCancel(ctx)
	if a.cfg.TimeoutPerRun > 0 {
		runCtx, cancel = context.WithTimeout(ctx, a.cfg.TimeoutPerRun)
	}
	defer cancel()

	// A controller cancel unwinds the loop through context cancellation at
	// its next suspension point.
	go func() {
		select {
		case <-a.controller.Done(runID):
			cancel()
		case <-runCtx.Done():
		}
	}()

	run := &session.Run{
		ID:          runID,
		SessionID:   inv.SessionID,
		ParentRunID: inv.ParentRunID,
		AgentID:     a.id,
		Depth:       inv.Depth,
		Status:      session.RunStatusRunning,
		InputQuery:  inv.Query,
		Metrics:     &step.Metrics{},
		StartTime:   time.Now(),
	}
	if err := a.store.SaveRun(runCtx, run); err != nil {
		return nil, err
	}

	started := event.New(event.KindRunStarted, runID)
	started.SessionID = inv.SessionID
	started.AgentID = a.id
	started.InputQuery = inv.Query
	started.ParentRunID = inv.ParentRunID
	started.Depth = inv.Depth
	started.Data = &event.RunData{SessionID: inv.SessionID}
	a.publish(started)

	a.logger.Info("Run started",
		"run_id", runID,
		"session_id", inv.SessionID,
		"resume", inv.Resume,
		"depth", inv.Depth)

	out := a.runLoop(runCtx, inv, run)
	return a.finalize(ctx, run, out), nil
}

func (a *Agent) runLoop(runCtx context.Context, inv *Invocation, run *session.Run) outcome {
	emit := a.emitter(inv)
	output := ""

	if inv.Resume {
		pending, lastOutput, err := a.pendingToolCalls(runCtx, inv.SessionID)
		if err != nil {
			return a.classify(runCtx, run.ID, err, output)
		}
		output = lastOutput
		if len(pending) == 0 {
			// Nothing pending: the session already ended in a final
			// assistant step. Resume is a no-op then.
			return outcome{status: session.RunStatusCompleted, reason: session.ReasonDone, output: output}
		}
		if out, ok := a.toolPhase(runCtx, runCtx, run, pending, emit); !ok {
			return out
		}
	} else if inv.Query != "" {
		if _, err := a.store.AppendStep(runCtx, step.NewUserStep(inv.SessionID, inv.Query)); err != nil {
			return a.classify(runCtx, run.ID, err, output)
		}
	}

	for stepCount := 1; ; stepCount++ {
		if stepCount > a.cfg.MaxSteps {
			return outcome{status: session.RunStatusCompleted, reason: session.ReasonMaxSteps, output: output}
		}
		if out, ok := a.checkControl(runCtx, run.ID, output); !ok {
			return out
		}
		done, out := a.iterate(runCtx, inv, run, &output, emit)
		if done {
			return out
		}
	}
}

// iterate runs one loop turn: build context, consult the provider, persist
// the assistant step, then execute and persist its tool calls.
func (a *Agent) iterate(runCtx context.Context, inv *Invocation, run *session.Run, output *string, emit func(*event.Event)) (bool, outcome) {
	stepCtx := runCtx
	cancel := func() {}
	if a.cfg.TimeoutPerStep > 0 {
		stepCtx, cancel = context.WithTimeout(runCtx, a.cfg.TimeoutPerStep)
	}
	defer cancel()

	messages, nextSeq, err := a.contextBuilder.Build(stepCtx, inv.SessionID)
	if err != nil {
		return true, a.classify(runCtx, run.ID, err, *output)
	}

	assistant, err := a.executeWithRetry(stepCtx, &stepRequest{
		runID:         run.ID,
		sessionID:     inv.SessionID,
		depth:         inv.Depth,
		messages:      messages,
		tools:         a.tools.Definitions(),
		startSequence: nextSeq,
		stream:        a.cfg.Stream,
	}, emit)
	if err != nil {
		return true, a.classify(runCtx, run.ID, err, *output)
	}

	// The snapshot was already emitted; persisting must survive a timeout
	// that fires between the stream end and the write.
	persisted, err := a.store.AppendStep(context.WithoutCancel(runCtx), assistant)
	if err != nil {
		return true, a.classify(runCtx, run.ID, err, *output)
	}
	run.Metrics.Add(persisted.Metrics)
	*output = persisted.Content
	if a.hooks != nil {
		a.hooks.OnStepPersisted(runCtx, run.ID, persisted)
	}
	a.maybeCheckpoint(runCtx, run, persisted.Sequence, CheckpointEveryStep)
	if a.cfg.CheckpointStrategy == CheckpointCustom && a.checkpointWhen != nil && a.checkpointWhen(persisted) {
		a.maybeCheckpoint(runCtx, run, persisted.Sequence, CheckpointCustom)
	}

	if !persisted.HasToolCalls() {
		return true, outcome{status: session.RunStatusCompleted, reason: session.ReasonDone, output: *output}
	}
	a.maybeCheckpoint(runCtx, run, persisted.Sequence, CheckpointOnToolCall)

	if out, ok := a.toolPhase(runCtx, stepCtx, run, persisted.ToolCalls, emit); !ok {
		return true, out
	}
	return false, outcome{}
}

// toolPhase executes the batch and appends the results as tool steps in
// the original tool_calls order, regardless of finish order.
func (a *Agent) toolPhase(runCtx, stepCtx context.Context, run *session.Run, calls []step.ToolCall, emit func(*event.Event)) (outcome, bool) {
	tinv := &tool.Invocation{
		RunID:     run.ID,
		SessionID: run.SessionID,
		AgentID:   a.id,
		Depth:     run.Depth,
	}
	results := a.dispatcher.ExecuteBatch(stepCtx, tinv, calls, tool.BatchConfig{
		Parallel:       a.cfg.ParallelToolCalls,
		MaxParallel:    a.cfg.MaxParallelToolCalls,
		TimeoutPerCall: a.cfg.TimeoutPerTool,
	}, emit)

	// A batch aborted by cancel or step timeout is not persisted: resume
	// re-executes the missing calls later.
	if err := stepCtx.Err(); err != nil || a.controller.IsCancelled(run.ID) {
		if err == nil {
			err = context.Canceled
		}
		return a.classify(runCtx, run.ID, err, ""), false
	}

	for _, res := range results {
		if _, err := a.store.AppendStep(runCtx, step.NewToolStep(run.SessionID, res)); err != nil {
			return a.classify(runCtx, run.ID, err, ""), false
		}
	}
	return outcome{}, true
}

// executeWithRetry retries provider failures up to MaxRetries. Context
// cancellation and deadlines are never retried.
func (a *Agent) executeWithRetry(ctx context.Context, req *stepRequest, emit func(*event.Event)) (*step.Step, error) {
	attempts := a.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		s, err := a.executor.execute(ctx, req, emit)
		if err == nil {
			return s, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if attempt < attempts {
			a.logger.Warn("Retrying provider call",
				"run_id", req.runID,
				"attempt", attempt,
				"error", err)
		}
	}
	return nil, lastErr
}

// pendingToolCalls returns the calls of the session's last assistant step
// that have no matching tool step yet, in their original order, along with
// that step's content.
func (a *Agent) pendingToolCalls(ctx context.Context, sessionID string) ([]step.ToolCall, string, error) {
	steps, err := a.store.ListSteps(ctx, sessionID, 0, 0)
	if err != nil {
		return nil, "", err
	}

	last := -1
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Role == step.RoleAssistant {
			last = i
			break
		}
	}
	if last < 0 {
		return nil, "", nil
	}
	assistant := steps[last]
	if len(assistant.ToolCalls) == 0 {
		return nil, assistant.Content, nil
	}

	answered := make(map[string]struct{})
	for _, s := range steps[last+1:] {
		if s.Role == step.RoleTool {
			answered[s.ToolCallID] = struct{}{}
		}
	}
	var missing []step.ToolCall
	for _, tc := range assistant.ToolCalls {
		if _, ok := answered[tc.ID]; !ok {
			missing = append(missing, tc)
		}
	}
	return missing, assistant.Content, nil
}

// checkControl is the loop's pause/cancel checkpoint between iterations.
func (a *Agent) checkControl(runCtx context.Context, runID, output string) (outcome, bool) {
	if a.controller.IsCancelled(runID) {
		return outcome{status: session.RunStatusCompleted, reason: session.ReasonCancelled, output: output}, false
	}
	if err := a.controller.AwaitGate(runCtx, runID); err != nil {
		return a.classify(runCtx, runID, err, output), false
	}
	if err := runCtx.Err(); err != nil {
		return a.classify(runCtx, runID, err, output), false
	}
	return outcome{}, true
}

// classify maps a loop error to a terminal disposition. Cancel and timeout
// are normal terminals; only provider and invariant failures fail the run.
func (a *Agent) classify(runCtx context.Context, runID string, err error, output string) outcome {
	switch {
	case a.controller.IsCancelled(runID) || errors.Is(err, context.Canceled):
		return outcome{status: session.RunStatusCompleted, reason: session.ReasonCancelled, output: output}
	case errors.Is(err, context.DeadlineExceeded):
		return outcome{status: session.RunStatusCompleted, reason: session.ReasonTimeout, output: output}
	default:
		return outcome{status: session.RunStatusFailed, reason: session.ReasonError, output: output, errText: err.Error()}
	}
}

func (a *Agent) maybeCheckpoint(ctx context.Context, run *session.Run, atSequence int64, strategy CheckpointStrategy) {
	if a.checkpointer == nil || a.cfg.CheckpointStrategy != strategy {
		return
	}
	if _, err := a.checkpointer.CheckpointRun(ctx, run.ID, run.SessionID, atSequence, string(strategy)); err != nil {
		a.logger.Warn("Checkpoint failed",
			"run_id", run.ID,
			"at_sequence", atSequence,
			"error", err)
	}
}

// finalize freezes the run record, emits the terminal event and builds the
// caller-visible result.
func (a *Agent) finalize(ctx context.Context, run *session.Run, out outcome) *Result {
	saveCtx := context.WithoutCancel(ctx)

	run.Status = out.status
	run.TerminationReason = out.reason
	run.FinalOutput = out.output
	run.Error = out.errText
	run.EndTime = time.Now()
	if err := a.store.SaveRun(saveCtx, run); err != nil {
		a.logger.Error("Failed to persist terminal run state",
			"run_id", run.ID,
			"error", err)
	}

	if out.status == session.RunStatusFailed && a.cfg.CheckpointStrategy == CheckpointOnError {
		if last, err := a.store.LastStep(saveCtx, run.SessionID); err == nil && last != nil {
			a.maybeCheckpoint(saveCtx, run, last.Sequence, CheckpointOnError)
		}
	}

	var ev *event.Event
	if out.status == session.RunStatusFailed {
		ev = event.New(event.KindRunFailed, run.ID)
		ev.Error = out.errText
		ev.Data = &event.RunData{Error: out.errText}
	} else {
		ev = event.New(event.KindRunCompleted, run.ID)
		ev.Data = &event.RunData{
			Metrics:           run.Metrics,
			TerminationReason: string(out.reason),
		}
	}
	ev.SessionID = run.SessionID
	ev.ParentRunID = run.ParentRunID
	ev.Depth = run.Depth
	a.publish(ev)

	a.logger.Info("Run finished",
		"run_id", run.ID,
		"status", out.status,
		"reason", out.reason)

	res := &Result{
		RunID:     run.ID,
		SessionID: run.SessionID,
		Output:    out.output,
		Status:    out.status,
		Reason:    out.reason,
		Error:     out.errText,
		Metrics:   run.Metrics,
	}
	if a.hooks != nil {
		a.hooks.OnTerminal(saveCtx, res)
	}
	return res
}

func (a *Agent) emitter(inv *Invocation) func(*event.Event) {
	return func(ev *event.Event) {
		if ev.ParentRunID == "" {
			ev.ParentRunID = inv.ParentRunID
		}
		if ev.Depth == 0 {
			ev.Depth = inv.Depth
		}
		a.publish(ev)
	}
}
