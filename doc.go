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

// Package agio is an orchestration runtime for LLM agents: a streaming
// tool-calling run engine with durable sessions, checkpoint/fork,
// pause/resume/cancel control, an event bus and execution traces.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/kadirpekel/agio/cmd/agio@latest
//
// Define an agent in YAML:
//
//	agents:
//	  assistant:
//	    provider: echo
//	    system_prompt: "You are a helpful assistant"
//	    tools: [echo, calc, now]
//
// Serve it:
//
//	agio serve --config agio.yaml
//
// or execute a single run:
//
//	agio run assistant "what is 2+2?" --config agio.yaml
//
// # Using as a Go library
//
// The engine is plain Go; the CLI and HTTP server are thin wrappers:
//
//	import (
//	    "github.com/kadirpekel/agio/pkg/agent"
//	    "github.com/kadirpekel/agio/pkg/session"
//	    "github.com/kadirpekel/agio/pkg/tool"
//	)
//
//	store := session.InMemoryService()
//	ag, err := agent.New(agent.Options{ID: "assistant", Provider: provider, Store: store})
//	res, err := ag.Execute(ctx, &agent.Invocation{SessionID: "s1", Query: "hello"})
//
// # Architecture
//
// Every run appends immutable steps to a session transcript; the
// transcript is the single source of truth. The event bus, metrics and
// traces are derived views. Checkpoints and forks copy transcript
// prefixes, so alternate timelines never share mutable state.
//
// Packages:
//
//   - pkg/agent: the run engine (step loop, context builder, retries)
//   - pkg/model: the provider boundary and test doubles
//   - pkg/tool: tool registry, schema generation, bounded dispatcher
//   - pkg/session: session/run/checkpoint/trace stores (memory, SQL, Mongo)
//   - pkg/step: the immutable transcript record
//   - pkg/event: the typed event stream and fan-out bus
//   - pkg/control: pause/resume/cancel for live runs
//   - pkg/checkpoint: checkpoint, fork and retry of transcripts
//   - pkg/workflow: pipeline, parallel and loop composition of agents
//   - pkg/trace: span collection, waterfall view, OTLP export
//   - pkg/observability: Prometheus metrics folded from the bus
//   - pkg/server: HTTP/SSE front end
//   - pkg/config: YAML configuration and the agent registry
package agio
