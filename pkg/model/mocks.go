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

package model

import (
	"context"
	"iter"
	"sync"
)

// Turn is one scripted provider response: the text is split into rune-level
// deltas, tool calls are streamed as two fragments each (name first, then the
// argument tail) to exercise fragment assembly in consumers.
type Turn struct {
	Text      string
	ToolCalls []ToolCall
	Usage     *Usage
	Err       error
}

// ScriptedProvider replays a fixed sequence of turns and records every
// request it receives. It is the standard test double for the run engine:
// assertions on Requests() verify whether (and with what context) the model
// was consulted.
type ScriptedProvider struct {
	mu       sync.Mutex
	turns    []Turn
	cursor   int
	requests []*Request
}

// NewScriptedProvider builds a provider that replays the given turns in order.
// Requests past the last turn replay the final turn.
func NewScriptedProvider(turns ...Turn) *ScriptedProvider {
	return &ScriptedProvider{turns: turns}
}

func (p *ScriptedProvider) Name() string { return "scripted" }

// Requests returns a copy of all requests received so far.
func (p *ScriptedProvider) Requests() []*Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Request, len(p.requests))
	copy(out, p.requests)
	return out
}

// CallCount returns how many times Stream was invoked.
func (p *ScriptedProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *ScriptedProvider) Stream(ctx context.Context, req *Request) iter.Seq2[*Chunk, error] {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	turn := Turn{}
	if len(p.turns) > 0 {
		idx := p.cursor
		if idx >= len(p.turns) {
			idx = len(p.turns) - 1
		}
		turn = p.turns[idx]
		p.cursor++
	}
	p.mu.Unlock()

	return func(yield func(*Chunk, error) bool) {
		if turn.Err != nil {
			yield(nil, turn.Err)
			return
		}
		for _, r := range turn.Text {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			if !yield(&Chunk{Type: ChunkText, Text: string(r)}, nil) {
				return
			}
		}
		for i, tc := range turn.ToolCalls {
			// First fragment carries the name, second the arguments and ID,
			// mirroring how providers interleave streamed call pieces.
			head := &Chunk{Type: ChunkToolCall, ToolCall: &ToolCallFragment{
				Index: i,
				Name:  tc.Name,
			}}
			tail := &Chunk{Type: ChunkToolCall, ToolCall: &ToolCallFragment{
				Index:          i,
				ID:             tc.ID,
				ArgumentsDelta: tc.Arguments,
			}}
			if !yield(head, nil) || !yield(tail, nil) {
				return
			}
		}
		if turn.Usage != nil {
			yield(&Chunk{Type: ChunkUsage, Usage: turn.Usage}, nil)
		}
	}
}

var _ Provider = (*ScriptedProvider)(nil)
