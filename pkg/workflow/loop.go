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

	"github.com/kadirpekel/agio/pkg/agent"
	"github.com/kadirpekel/agio/pkg/event"
	"github.com/kadirpekel/agio/pkg/session"
)

// ErrInvalidIterations is returned when a loop has no positive bound.
var ErrInvalidIterations = errors.New("loop requires a positive max iterations")

// LoopConfig configures a Loop workflow.
type LoopConfig struct {
	// Body runs once per iteration, fed the previous iteration's output.
	Body agent.Runnable

	// MaxIterations bounds the loop. Required.
	MaxIterations int

	// Until stops the loop early when it returns true for an iteration's
	// output. Optional.
	Until func(output string) bool
}

// Loop runs a single body up to MaxIterations times or until the Until
// predicate is satisfied, feeding each iteration's output into the next.
type Loop struct {
	runner
	cfg LoopConfig
}

var _ agent.Runnable = (*Loop)(nil)

// NewLoop creates a bounded iteration workflow.
func NewLoop(opts Options, cfg LoopConfig) (*Loop, error) {
	if err := opts.normalize("loop"); err != nil {
		return nil, err
	}
	if cfg.Body == nil {
		return nil, ErrMissingStages
	}
	if cfg.MaxIterations <= 0 {
		return nil, ErrInvalidIterations
	}
	return &Loop{runner: newRunner(opts), cfg: cfg}, nil
}

// ID returns the workflow's identifier.
func (l *Loop) ID() string { return l.id }

// Execute iterates the body to a terminal state.
func (l *Loop) Execute(ctx context.Context, inv *agent.Invocation) (*agent.Result, error) {
	run, err := l.begin(ctx, inv, &event.RunData{
		WorkflowType: "loop",
		TotalStages:  l.cfg.MaxIterations,
	})
	if err != nil {
		return nil, err
	}

	input := inv.Query
	for i := 1; i <= l.cfg.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return l.finish(ctx, run, session.RunStatusCompleted, session.ReasonCancelled, input, ""), nil
		}

		ev := event.New(event.KindIterationStarted, run.ID)
		ev.Iteration = i
		ev.AgentID = l.cfg.Body.ID()
		ev.Depth = run.Depth
		l.publish(ev)

		res, err := l.cfg.Body.Execute(ctx, childInvocation(run, input))
		if res != nil {
			run.Metrics.Add(res.Metrics)
		}
		if status, reason, errText, ok := childOutcome(res, err); !ok {
			return l.finish(ctx, run, status, reason, input, errText), nil
		}

		done := event.New(event.KindIterationCompleted, run.ID)
		done.Iteration = i
		done.AgentID = l.cfg.Body.ID()
		done.Result = res.Output
		done.Depth = run.Depth
		l.publish(done)

		input = res.Output
		if l.cfg.Until != nil && l.cfg.Until(input) {
			break
		}
	}

	return l.finish(ctx, run, session.RunStatusCompleted, session.ReasonDone, input, ""), nil
}
