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
	"strings"
)

// EchoProvider is a deterministic local provider for development and smoke
// testing: it streams the last user message back word by word. It never
// requests tools.
type EchoProvider struct{}

func (EchoProvider) Name() string { return "echo" }

func (EchoProvider) Stream(ctx context.Context, req *Request) iter.Seq2[*Chunk, error] {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	if last == "" {
		last = "(empty)"
	}

	return func(yield func(*Chunk, error) bool) {
		words := strings.Fields(last)
		for i, w := range words {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			text := w
			if i < len(words)-1 {
				text += " "
			}
			if !yield(&Chunk{Type: ChunkText, Text: text}, nil) {
				return
			}
		}
		yield(&Chunk{Type: ChunkUsage, Usage: &Usage{
			InputTokens:  len(req.Messages),
			OutputTokens: len(words),
			TotalTokens:  len(req.Messages) + len(words),
		}}, nil)
	}
}

var _ Provider = EchoProvider{}
