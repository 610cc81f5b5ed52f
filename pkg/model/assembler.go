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
	"sort"
	"strings"

	"github.com/google/uuid"
)

// clientCallIDPrefix marks call IDs generated locally when a provider never
// supplies one. IDs are required to pair calls with results in the transcript.
const clientCallIDPrefix = "agio-"

// Assembler accumulates streamed chunks into a final assistant message.
//
// Tool-call fragments are keyed by their stream index: the name arrives only
// in the first fragment, arguments accrue across fragments, and the call ID
// is adopted from whichever fragment carries it first. The final call order
// is stable by index regardless of fragment interleaving.
type Assembler struct {
	content strings.Builder
	calls   map[int]*toolCallState
	usage   *Usage
}

type toolCallState struct {
	id   string
	name string
	args strings.Builder
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{calls: make(map[int]*toolCallState)}
}

// Add folds one chunk into the accumulated state. Nil chunks are ignored.
func (a *Assembler) Add(chunk *Chunk) {
	if chunk == nil {
		return
	}
	switch chunk.Type {
	case ChunkText:
		a.content.WriteString(chunk.Text)
	case ChunkToolCall:
		a.addFragment(chunk.ToolCall)
	case ChunkUsage:
		a.usage = chunk.Usage
	}
}

func (a *Assembler) addFragment(frag *ToolCallFragment) {
	if frag == nil {
		return
	}
	state, ok := a.calls[frag.Index]
	if !ok {
		state = &toolCallState{}
		a.calls[frag.Index] = state
	}
	// The ID is stable once seen; later fragments may omit it.
	if frag.ID != "" && state.id == "" {
		state.id = frag.ID
	}
	if frag.Name != "" && state.name == "" {
		state.name = frag.Name
	}
	state.args.WriteString(frag.ArgumentsDelta)
}

// Content returns the accumulated assistant text so far.
func (a *Assembler) Content() string {
	return a.content.String()
}

// Usage returns the reported usage, or nil if the provider sent none.
func (a *Assembler) Usage() *Usage {
	return a.usage
}

// ToolCalls returns the assembled calls in stable index order. Calls that
// never received an ID get a locally generated one.
func (a *Assembler) ToolCalls() []ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.calls))
	for idx := range a.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	calls := make([]ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		state := a.calls[idx]
		id := state.id
		if id == "" {
			id = clientCallIDPrefix + uuid.NewString()
		}
		calls = append(calls, ToolCall{
			ID:        id,
			Name:      state.name,
			Arguments: state.args.String(),
		})
	}
	return calls
}
