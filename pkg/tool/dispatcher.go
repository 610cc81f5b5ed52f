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

package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/agio/pkg/event"
	"github.com/kadirpekel/agio/pkg/step"
)

// Batch execution defaults.
const (
	DefaultMaxParallel    = 8
	DefaultTimeoutPerCall = 60 * time.Second
)

// BatchConfig bounds one tool-call batch.
type BatchConfig struct {
	// Parallel runs the batch's calls concurrently.
	Parallel bool

	// MaxParallel bounds batch concurrency. <= 0 selects the default.
	MaxParallel int

	// TimeoutPerCall bounds each individual call. <= 0 selects the
	// default.
	TimeoutPerCall time.Duration
}

// Emitter receives the dispatcher's tool events. May be nil.
type Emitter func(ev *event.Event)

// Dispatcher executes tool-call batches against a registry. Tool failures
// never escape as errors; they are materialized as is_error results.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, logger: logger}
}

// ExecuteBatch runs the calls and returns one result per call, in input
// order regardless of finish order. Cancellation of ctx aborts in-flight
// calls and marks not-yet-started calls cancelled.
func (d *Dispatcher) ExecuteBatch(ctx context.Context, inv *Invocation, calls []step.ToolCall, cfg BatchConfig, emit Emitter) []step.ToolResult {
	results := make([]step.ToolResult, len(calls))
	if len(calls) == 0 {
		return results
	}

	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	timeout := cfg.TimeoutPerCall
	if timeout <= 0 {
		timeout = DefaultTimeoutPerCall
	}

	if !cfg.Parallel {
		maxParallel = 1
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = d.executeOne(groupCtx, inv, call, timeout, emit)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *Dispatcher) executeOne(ctx context.Context, inv *Invocation, call step.ToolCall, timeout time.Duration, emit Emitter) step.ToolResult {
	if err := ctx.Err(); err != nil {
		return errorResult(call, "tool call cancelled", 0)
	}

	d.emit(emit, startedEvent(inv, call))

	t, ok := d.registry.Get(call.Name)
	if !ok {
		return d.finish(inv, call, emit, errorResult(call,
			fmt.Sprintf("tool not found: %s", call.Name), 0))
	}

	args := make(map[string]any)
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return d.finish(inv, call, emit, errorResult(call,
				fmt.Sprintf("invalid tool arguments: %v", err), 0))
		}
	}

	if err := validateArgs(t.Schema(), args); err != nil {
		return d.finish(inv, call, emit, errorResult(call,
			fmt.Sprintf("tool arguments failed validation: %v", err), 0))
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		content string
		err     error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		content, err := t.Call(callCtx, inv, args)
		done <- outcome{content: content, err: err}
	}()

	select {
	case out := <-done:
		duration := time.Since(start)
		if out.err != nil {
			return d.finish(inv, call, emit, errorResult(call, out.err.Error(), duration))
		}
		return d.finish(inv, call, emit, step.ToolResult{
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    out.content,
			Duration:   duration,
		})

	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			d.logger.Warn("Tool call timed out",
				"tool", call.Name,
				"tool_call_id", call.ID,
				"timeout_ms", timeout.Milliseconds())
			return d.finish(inv, call, emit, errorResult(call,
				fmt.Sprintf("tool %s timed out after %d ms", call.Name, timeout.Milliseconds()),
				timeout))
		}
		return d.finish(inv, call, emit, errorResult(call, "tool call cancelled", time.Since(start)))
	}
}

func (d *Dispatcher) finish(inv *Invocation, call step.ToolCall, emit Emitter, res step.ToolResult) step.ToolResult {
	kind := event.KindToolCallCompleted
	if res.IsError {
		kind = event.KindToolCallFailed
	}
	ev := event.New(kind, inv.RunID)
	ev.Depth = inv.Depth
	ev.ToolCallID = call.ID
	ev.ToolName = call.Name
	ev.Result = res.Content
	ev.IsSuccess = !res.IsError
	ev.Duration = res.Duration.Milliseconds()
	d.emit(emit, ev)
	return res
}

func (d *Dispatcher) emit(emit Emitter, ev *event.Event) {
	if emit != nil {
		emit(ev)
	}
}

func startedEvent(inv *Invocation, call step.ToolCall) *event.Event {
	ev := event.New(event.KindToolCallStarted, inv.RunID)
	ev.Depth = inv.Depth
	ev.ToolCallID = call.ID
	ev.ToolName = call.Name
	ev.Arguments = call.Arguments
	return ev
}

func errorResult(call step.ToolCall, message string, duration time.Duration) step.ToolResult {
	return step.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    message,
		IsError:    true,
		Duration:   duration,
	}
}
