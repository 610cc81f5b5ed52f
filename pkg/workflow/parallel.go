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
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/agio/pkg/agent"
	"github.com/kadirpekel/agio/pkg/event"
	"github.com/kadirpekel/agio/pkg/session"
)

// Parallel fans the same input out to all branches concurrently and
// gathers their outputs in branch order.
type Parallel struct {
	runner
	branches []agent.Runnable

	// MaxConcurrent bounds the fan-out. <= 0 runs all branches at once.
	maxConcurrent int
}

var _ agent.Runnable = (*Parallel)(nil)

// NewParallel creates a fan-out workflow over the given branches.
func NewParallel(opts Options, branches ...agent.Runnable) (*Parallel, error) {
	if err := opts.normalize("parallel"); err != nil {
		return nil, err
	}
	if len(branches) == 0 {
		return nil, ErrMissingStages
	}
	return &Parallel{runner: newRunner(opts), branches: branches}, nil
}

// SetMaxConcurrent bounds how many branches run at once.
func (p *Parallel) SetMaxConcurrent(n int) { p.maxConcurrent = n }

// ID returns the workflow's identifier.
func (p *Parallel) ID() string { return p.id }

// Execute runs all branches and joins their outputs. A failing branch
// fails the workflow after the remaining branches settle.
func (p *Parallel) Execute(ctx context.Context, inv *agent.Invocation) (*agent.Result, error) {
	branchIDs := make([]string, len(p.branches))
	for i, b := range p.branches {
		branchIDs[i] = b.ID()
	}

	run, err := p.begin(ctx, inv, &event.RunData{
		WorkflowType: "parallel",
		BranchIDs:    branchIDs,
	})
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	outputs := make([]string, len(p.branches))
	results := make([]*agent.Result, len(p.branches))

	g, groupCtx := errgroup.WithContext(ctx)
	if p.maxConcurrent > 0 {
		g.SetLimit(p.maxConcurrent)
	}
	for i, branch := range p.branches {
		g.Go(func() error {
			ev := event.New(event.KindBranchStarted, run.ID)
			ev.Branch = branch.ID()
			ev.Depth = run.Depth
			p.publish(ev)

			res, err := branch.Execute(groupCtx, childInvocation(run, inv.Query))
			if err != nil {
				return err
			}

			mu.Lock()
			outputs[i] = res.Output
			results[i] = res
			run.Metrics.Add(res.Metrics)
			mu.Unlock()

			done := event.New(event.KindBranchCompleted, run.ID)
			done.Branch = branch.ID()
			done.Result = res.Output
			done.IsSuccess = res.Status != session.RunStatusFailed
			done.Depth = run.Depth
			p.publish(done)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return p.finish(ctx, run, session.RunStatusFailed, session.ReasonError, "", err.Error()), nil
	}

	for _, res := range results {
		if status, reason, errText, ok := childOutcome(res, nil); !ok {
			return p.finish(ctx, run, status, reason, "", errText), nil
		}
	}

	return p.finish(ctx, run, session.RunStatusCompleted, session.ReasonDone,
		strings.Join(outputs, "\n\n"), ""), nil
}
