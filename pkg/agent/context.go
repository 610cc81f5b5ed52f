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
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kadirpekel/agio/pkg/model"
	"github.com/kadirpekel/agio/pkg/session"
	"github.com/kadirpekel/agio/pkg/step"
)

// contextEncoding is the tokenizer used for the soft token cap. The cap is
// an estimate; providers count with their own tokenizers.
const contextEncoding = "cl100k_base"

// ContextOptions bounds the assembled provider context.
type ContextOptions struct {
	// SystemPrompt is prepended as a synthetic system message. Never
	// persisted.
	SystemPrompt string

	// MaxMessages soft-caps the transcript messages (system excluded).
	// Zero means no cap.
	MaxMessages int

	// MaxTokens soft-caps the estimated token count. Zero means no cap.
	MaxTokens int
}

// ContextBuilder assembles the ordered message sequence for a provider
// call from the persisted steps of a session.
//
// When a range excludes a tool step but includes its parent assistant
// step, the gap is tolerated: the caller is resuming and will execute the
// missing tool calls instead of consulting the provider first.
type ContextBuilder struct {
	store session.Service
	opts  ContextOptions

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// NewContextBuilder creates a builder over the given store.
func NewContextBuilder(store session.Service, opts ContextOptions) *ContextBuilder {
	return &ContextBuilder{store: store, opts: opts}
}

// Build returns the wire messages for the full session up to the tip and
// the next free sequence. An empty session yields an empty or system-only
// sequence; a missing session yields session.ErrSessionNotFound.
func (b *ContextBuilder) Build(ctx context.Context, sessionID string) ([]model.Message, int64, error) {
	return b.BuildRange(ctx, sessionID, 0, 0)
}

// BuildRange is Build restricted to [startSeq, endSeq]. Bounds <= 0 are
// open.
func (b *ContextBuilder) BuildRange(ctx context.Context, sessionID string, startSeq, endSeq int64) ([]model.Message, int64, error) {
	steps, err := b.store.ListSteps(ctx, sessionID, startSeq, endSeq)
	if err != nil {
		return nil, 0, err
	}

	var nextSeq int64 = 1
	if n := len(steps); n > 0 {
		nextSeq = steps[n-1].Sequence + 1
	}

	steps = b.capMessages(steps)
	steps = b.capTokens(steps)

	messages := make([]model.Message, 0, len(steps)+1)
	if b.opts.SystemPrompt != "" {
		messages = append(messages, model.Message{
			Role:    model.RoleSystem,
			Content: b.opts.SystemPrompt,
		})
	}
	for _, s := range steps {
		messages = append(messages, step.ToMessage(s))
	}
	return messages, nextSeq, nil
}

func (b *ContextBuilder) capMessages(steps []*step.Step) []*step.Step {
	if b.opts.MaxMessages <= 0 || len(steps) <= b.opts.MaxMessages {
		return steps
	}
	return trimOrphanTools(steps[len(steps)-b.opts.MaxMessages:])
}

func (b *ContextBuilder) capTokens(steps []*step.Step) []*step.Step {
	if b.opts.MaxTokens <= 0 || len(steps) == 0 {
		return steps
	}

	total := 0
	counts := make([]int, len(steps))
	for i, s := range steps {
		counts[i] = b.countTokens(s.Content)
		total += counts[i]
	}

	// Drop oldest first, keeping at least the final step.
	start := 0
	for total > b.opts.MaxTokens && start < len(steps)-1 {
		total -= counts[start]
		start++
	}
	return trimOrphanTools(steps[start:])
}

// trimOrphanTools drops leading tool steps whose parent assistant step
// fell outside the window.
func trimOrphanTools(steps []*step.Step) []*step.Step {
	for len(steps) > 0 && steps[0].Role == step.RoleTool {
		steps = steps[1:]
	}
	return steps
}

func (b *ContextBuilder) countTokens(text string) int {
	b.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(contextEncoding)
		if err == nil {
			b.enc = enc
		}
	})
	if b.enc == nil {
		// Rough bytes-per-token fallback when the encoding is unavailable.
		return len(text) / 4
	}
	return len(b.enc.Encode(text, nil, nil))
}
