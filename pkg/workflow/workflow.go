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

// Package workflow provides composite runnables: pipeline (sequential
// stages), parallel (fan-out branches) and loop (bounded iteration).
//
// A workflow is itself a Runnable and owns a run record; every stage,
// branch and iteration opens a child run with parent_run_id set and depth
// increased by one, in a fresh session. Wrapper events (stage_*, branch_*,
// iteration_*) frame the nested run_* events on the same bus.
package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/agio/pkg/agent"
	"github.com/kadirpekel/agio/pkg/event"
	"github.com/kadirpekel/agio/pkg/session"
	"github.com/kadirpekel/agio/pkg/step"
)

// Sentinel errors.
var (
	ErrMissingStore  = errors.New("workflow requires a session store")
	ErrMissingStages = errors.New("workflow requires at least one runnable")
)

// Options wires a workflow's collaborators.
type Options struct {
	// ID names the workflow in run records and events.
	ID string

	Store session.Service

	// Bus receives the workflow's event stream. Nil disables emission.
	Bus *event.Bus

	Logger *slog.Logger
}

func (o *Options) normalize(kind string) error {
	if o.Store == nil {
		return ErrMissingStore
	}
	if o.ID == "" {
		o.ID = kind
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.Logger = o.Logger.With("workflow", o.ID)
	return nil
}

// runner carries the pieces shared by the workflow kinds.
type runner struct {
	id     string
	store  session.Service
	bus    *event.Bus
	logger *slog.Logger
}

func newRunner(opts Options) runner {
	return runner{id: opts.ID, store: opts.Store, bus: opts.Bus, logger: opts.Logger}
}

func (r *runner) publish(ev *event.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}

// begin registers the workflow run and emits run_started with the
// workflow envelope.
func (r *runner) begin(ctx context.Context, inv *agent.Invocation, data *event.RunData) (*session.Run, error) {
	if inv == nil || inv.SessionID == "" {
		return nil, agent.ErrInvalidInvocation
	}
	if _, err := r.store.CreateSession(ctx, &session.CreateSessionRequest{SessionID: inv.SessionID}); err != nil {
		return nil, err
	}

	runID := inv.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	run := &session.Run{
		ID:          runID,
		SessionID:   inv.SessionID,
		ParentRunID: inv.ParentRunID,
		AgentID:     r.id,
		Depth:       inv.Depth,
		Status:      session.RunStatusRunning,
		InputQuery:  inv.Query,
		Metrics:     &step.Metrics{},
		StartTime:   time.Now(),
	}
	if err := r.store.SaveRun(ctx, run); err != nil {
		return nil, err
	}

	data.SessionID = inv.SessionID
	ev := event.New(event.KindRunStarted, runID)
	ev.SessionID = inv.SessionID
	ev.AgentID = r.id
	ev.InputQuery = inv.Query
	ev.ParentRunID = inv.ParentRunID
	ev.Depth = inv.Depth
	ev.Data = data
	r.publish(ev)

	return run, nil
}

// finish freezes the run record, emits the terminal event and returns the
// caller-visible result.
func (r *runner) finish(ctx context.Context, run *session.Run, status session.RunStatus, reason session.TerminationReason, output, errText string) *agent.Result {
	saveCtx := context.WithoutCancel(ctx)

	run.Status = status
	run.TerminationReason = reason
	run.FinalOutput = output
	run.Error = errText
	run.EndTime = time.Now()
	if err := r.store.SaveRun(saveCtx, run); err != nil {
		r.logger.Error("Failed to persist terminal workflow run",
			"run_id", run.ID,
			"error", err)
	}

	var ev *event.Event
	if status == session.RunStatusFailed {
		ev = event.New(event.KindRunFailed, run.ID)
		ev.Error = errText
		ev.Data = &event.RunData{Error: errText}
	} else {
		ev = event.New(event.KindRunCompleted, run.ID)
		ev.Data = &event.RunData{
			Metrics:           run.Metrics,
			TerminationReason: string(reason),
		}
	}
	ev.SessionID = run.SessionID
	ev.ParentRunID = run.ParentRunID
	ev.Depth = run.Depth
	r.publish(ev)

	return &agent.Result{
		RunID:     run.ID,
		SessionID: run.SessionID,
		Output:    output,
		Status:    status,
		Reason:    reason,
		Error:     errText,
		Metrics:   run.Metrics,
	}
}

// childInvocation opens a fresh session for one stage, branch or
// iteration of the workflow run.
func childInvocation(run *session.Run, query string) *agent.Invocation {
	return &agent.Invocation{
		SessionID:   "wf-" + uuid.NewString(),
		Query:       query,
		ParentRunID: run.ID,
		Depth:       run.Depth + 1,
	}
}

// childOutcome folds a child result into the workflow terminal when the
// child did not finish normally. ok is true when the workflow continues.
func childOutcome(res *agent.Result, err error) (status session.RunStatus, reason session.TerminationReason, errText string, ok bool) {
	if err != nil {
		return session.RunStatusFailed, session.ReasonError, err.Error(), false
	}
	if res.Status == session.RunStatusFailed {
		return session.RunStatusFailed, session.ReasonError, res.Error, false
	}
	switch res.Reason {
	case session.ReasonCancelled:
		return session.RunStatusCompleted, session.ReasonCancelled, "", false
	case session.ReasonTimeout:
		return session.RunStatusCompleted, session.ReasonTimeout, "", false
	}
	return "", "", "", true
}
