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

	"github.com/kadirpekel/agio/pkg/agent"
	"github.com/kadirpekel/agio/pkg/event"
	"github.com/kadirpekel/agio/pkg/session"
)

// Stage is one pipeline step. A nil Condition always runs; a Condition
// returning false skips the stage and passes its input through unchanged.
type Stage struct {
	Runnable  agent.Runnable
	Condition func(input string) bool
}

// Pipeline runs its stages in order, feeding the output of stage i as the
// input query of stage i+1.
type Pipeline struct {
	runner
	stages []Stage
}

var _ agent.Runnable = (*Pipeline)(nil)

// NewPipeline creates a sequential workflow over the given stages.
func NewPipeline(opts Options, stages ...Stage) (*Pipeline, error) {
	if err := opts.normalize("pipeline"); err != nil {
		return nil, err
	}
	if len(stages) == 0 {
		return nil, ErrMissingStages
	}
	for _, st := range stages {
		if st.Runnable == nil {
			return nil, ErrMissingStages
		}
	}
	return &Pipeline{runner: newRunner(opts), stages: stages}, nil
}

// ID returns the workflow's identifier.
func (p *Pipeline) ID() string { return p.id }

// Execute runs the pipeline to a terminal state.
func (p *Pipeline) Execute(ctx context.Context, inv *agent.Invocation) (*agent.Result, error) {
	run, err := p.begin(ctx, inv, &event.RunData{
		WorkflowType: "pipeline",
		TotalStages:  len(p.stages),
	})
	if err != nil {
		return nil, err
	}

	input := inv.Query
	for i, stage := range p.stages {
		if err := ctx.Err(); err != nil {
			return p.finish(ctx, run, session.RunStatusCompleted, session.ReasonCancelled, input, ""), nil
		}

		if stage.Condition != nil && !stage.Condition(input) {
			ev := event.New(event.KindStageSkipped, run.ID)
			ev.Stage = i
			ev.AgentID = stage.Runnable.ID()
			ev.Depth = run.Depth
			p.publish(ev)
			continue
		}

		ev := event.New(event.KindStageStarted, run.ID)
		ev.Stage = i
		ev.AgentID = stage.Runnable.ID()
		ev.Depth = run.Depth
		p.publish(ev)

		res, err := stage.Runnable.Execute(ctx, childInvocation(run, input))
		if res != nil {
			run.Metrics.Add(res.Metrics)
		}
		if status, reason, errText, ok := childOutcome(res, err); !ok {
			return p.finish(ctx, run, status, reason, input, errText), nil
		}

		done := event.New(event.KindStageCompleted, run.ID)
		done.Stage = i
		done.AgentID = stage.Runnable.ID()
		done.Result = res.Output
		done.Depth = run.Depth
		p.publish(done)

		input = res.Output
	}

	return p.finish(ctx, run, session.RunStatusCompleted, session.ReasonDone, input, ""), nil
}
