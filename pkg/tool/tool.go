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

// Package tool defines the tools an agent may invoke, their registry and
// the dispatcher that executes tool-call batches.
//
// A tool is a named function with a declared JSON schema for its
// arguments. The dispatcher validates arguments against the schema before
// invocation; a tool may also be a nested runnable (agent or workflow)
// wrapped behind this interface.
package tool

import (
	"context"
)

// Invocation carries the identity of the run a tool executes under.
// Nested runnable tools use it to open child runs with the right parent
// and depth.
type Invocation struct {
	RunID     string
	SessionID string
	AgentID   string
	Depth     int
}

// Tool is a callable capability exposed to the LLM.
type Tool interface {
	// Name returns the unique tool name.
	Name() string

	// Description explains what the tool does. Shown to the LLM.
	Description() string

	// Schema returns the JSON schema of the tool's arguments, or nil for
	// tools without parameters.
	Schema() map[string]any

	// Call executes the tool. The returned string becomes the content of
	// the tool step.
	Call(ctx context.Context, inv *Invocation, args map[string]any) (string, error)
}
