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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssemblerTextDeltas(t *testing.T) {
	a := NewAssembler()
	for _, delta := range []string{"Hel", "lo", "!"} {
		a.Add(&Chunk{Type: ChunkText, Text: delta})
	}

	assert.Equal(t, "Hello!", a.Content())
	assert.Empty(t, a.ToolCalls())
}

func TestAssemblerToolCallFragments(t *testing.T) {
	a := NewAssembler()

	// Name arrives in the first fragment, ID in a later one, arguments accrue.
	a.Add(&Chunk{Type: ChunkToolCall, ToolCall: &ToolCallFragment{Index: 0, Name: "search"}})
	a.Add(&Chunk{Type: ChunkToolCall, ToolCall: &ToolCallFragment{Index: 0, ArgumentsDelta: `{"q":`}})
	a.Add(&Chunk{Type: ChunkToolCall, ToolCall: &ToolCallFragment{Index: 0, ID: "call_1", ArgumentsDelta: `"go"}`}})

	calls := a.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, "search", calls[0].Name)
	assert.Equal(t, `{"q":"go"}`, calls[0].Arguments)
}

func TestAssemblerInterleavedIndexes(t *testing.T) {
	a := NewAssembler()

	a.Add(&Chunk{Type: ChunkToolCall, ToolCall: &ToolCallFragment{Index: 1, ID: "c2", Name: "fast"}})
	a.Add(&Chunk{Type: ChunkToolCall, ToolCall: &ToolCallFragment{Index: 0, ID: "c1", Name: "slow"}})
	a.Add(&Chunk{Type: ChunkToolCall, ToolCall: &ToolCallFragment{Index: 1, ArgumentsDelta: "{}"}})
	a.Add(&Chunk{Type: ChunkToolCall, ToolCall: &ToolCallFragment{Index: 0, ArgumentsDelta: "{}"}})

	calls := a.ToolCalls()
	require.Len(t, calls, 2)

	// Stable order by index, not by fragment arrival.
	assert.Equal(t, "c1", calls[0].ID)
	assert.Equal(t, "c2", calls[1].ID)
}

func TestAssemblerGeneratesMissingCallID(t *testing.T) {
	a := NewAssembler()
	a.Add(&Chunk{Type: ChunkToolCall, ToolCall: &ToolCallFragment{Index: 0, Name: "add", ArgumentsDelta: "{}"}})

	calls := a.ToolCalls()
	require.Len(t, calls, 1)
	assert.True(t, strings.HasPrefix(calls[0].ID, clientCallIDPrefix))
}

func TestAssemblerUsage(t *testing.T) {
	a := NewAssembler()
	a.Add(&Chunk{Type: ChunkUsage, Usage: &Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}})

	require.NotNil(t, a.Usage())
	assert.Equal(t, 15, a.Usage().TotalTokens)
}

func TestScriptedProviderRecordsRequests(t *testing.T) {
	p := NewScriptedProvider(
		Turn{Text: "Hello!"},
		Turn{Text: "Bye."},
	)

	req := &Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}}
	a := NewAssembler()
	for chunk, err := range p.Stream(context.Background(), req) {
		require.NoError(t, err)
		a.Add(chunk)
	}

	assert.Equal(t, "Hello!", a.Content())
	assert.Equal(t, 1, p.CallCount())
	require.Len(t, p.Requests(), 1)
	assert.Equal(t, "hi", p.Requests()[0].Messages[0].Content)
}

func TestScriptedProviderStreamsToolCallsAsFragments(t *testing.T) {
	p := NewScriptedProvider(Turn{ToolCalls: []ToolCall{
		{ID: "c1", Name: "add", Arguments: `{"a":1,"b":2}`},
	}})

	a := NewAssembler()
	var fragments int
	for chunk, err := range p.Stream(context.Background(), &Request{}) {
		require.NoError(t, err)
		if chunk.Type == ChunkToolCall {
			fragments++
		}
		a.Add(chunk)
	}

	assert.GreaterOrEqual(t, fragments, 2)
	calls := a.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "c1", calls[0].ID)
	assert.Equal(t, "add", calls[0].Name)
	assert.Equal(t, `{"a":1,"b":2}`, calls[0].Arguments)
}

func TestEchoProvider(t *testing.T) {
	p := EchoProvider{}
	a := NewAssembler()
	for chunk, err := range p.Stream(context.Background(), &Request{Messages: []Message{
		{Role: RoleUser, Content: "hello there"},
	}}) {
		require.NoError(t, err)
		a.Add(chunk)
	}
	assert.Equal(t, "hello there", a.Content())
}
