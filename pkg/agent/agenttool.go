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

	"github.com/google/uuid"

	"github.com/kadirpekel/agio/pkg/session"
	"github.com/kadirpekel/agio/pkg/tool"
)

// runnableTool exposes a Runnable as a callable tool. Each call opens a
// child run in a fresh session: parent_run_id links it to the caller and
// depth increases by one, so the child's events interleave on the same bus
// without ambiguity.
type runnableTool struct {
	runnable    Runnable
	store       session.Service
	description string
}

// NewRunnableTool wraps a Runnable (an agent or a workflow) as a tool. An
// empty description gets a generic delegation blurb.
func NewRunnableTool(r Runnable, store session.Service, description string) (tool.Tool, error) {
	if r == nil {
		return nil, errors.New("runnable is required")
	}
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if description == "" {
		description = fmt.Sprintf("Delegate the query to the %s agent and return its final answer", r.ID())
	}
	return &runnableTool{runnable: r, store: store, description: description}, nil
}

func (t *runnableTool) Name() string        { return t.runnable.ID() }
func (t *runnableTool) Description() string { return t.description }

func (t *runnableTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Input query for the delegated run",
			},
		},
		"required":             []any{"query"},
		"additionalProperties": false,
	}
}

func (t *runnableTool) Call(ctx context.Context, inv *tool.Invocation, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return "", errors.New("query is required")
	}

	childSession := "sub-" + uuid.NewString()
	childInv := &Invocation{
		SessionID:   childSession,
		Query:       query,
		ParentRunID: inv.RunID,
		Depth:       inv.Depth + 1,
	}

	res, err := t.runnable.Execute(ctx, childInv)
	if err != nil {
		return "", err
	}
	if res.Status == session.RunStatusFailed {
		return "", fmt.Errorf("delegated run failed: %s", res.Error)
	}
	return res.Output, nil
}

var _ tool.Tool = (*runnableTool)(nil)
