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

// Package trace collects run events into span trees.
//
// The collector subscribes to the whole bus and folds events into one trace
// per top-level run. Nested runs, workflow stages, branches, LLM calls and
// tool calls become child spans. When the root run terminates the trace is
// persisted to the session store and optionally exported to a Sink.
package trace

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/agio/pkg/event"
	"github.com/kadirpekel/agio/pkg/session"
)

// Sink receives completed traces for out-of-process export.
type Sink interface {
	Export(ctx context.Context, tr *session.Trace) error
	Shutdown(ctx context.Context) error
}

// activeTrace accumulates spans for one top-level run.
type activeTrace struct {
	sessionID string
	spans     []*session.Span

	// open indexes in-flight spans by a per-kind key.
	open map[string]*session.Span
}

// Collector folds the event stream into persisted traces.
type Collector struct {
	store  session.Service
	sink   Sink
	logger *slog.Logger

	mu        sync.Mutex
	traces    map[string]*activeTrace // keyed by root run ID
	runToRoot map[string]string

	sub  *event.Subscription
	done chan struct{}
}

// NewCollector creates a collector over the given store. sink may be nil.
func NewCollector(store session.Service, sink Sink, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		store:     store,
		sink:      sink,
		logger:    logger,
		traces:    make(map[string]*activeTrace),
		runToRoot: make(map[string]string),
	}
}

// Start subscribes to all runs on the bus and consumes events until Stop.
func (c *Collector) Start(bus *event.Bus) {
	c.sub = bus.Subscribe("")
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		for ev := range c.sub.Events() {
			c.handle(ev)
		}
	}()
}

// Stop cancels the subscription and waits for the consumer to drain.
func (c *Collector) Stop() {
	if c.sub == nil {
		return
	}
	c.sub.Close()
	<-c.done
}

func (c *Collector) handle(ev *event.Event) {
	c.mu.Lock()
	var flush *session.Trace
	switch ev.Kind {
	case event.KindRunStarted:
		c.onRunStarted(ev)
	case event.KindRunCompleted, event.KindRunFailed:
		flush = c.onRunTerminal(ev)
	case event.KindStepCompleted:
		c.onStepCompleted(ev)
	case event.KindToolCallStarted:
		c.openSpan(ev, session.SpanKindToolCall, toolKey(ev), ev.ToolName, nil)
	case event.KindToolCallCompleted, event.KindToolCallFailed:
		c.closeSpan(ev, toolKey(ev), ev.Kind == event.KindToolCallFailed)
	case event.KindStageStarted:
		c.openSpan(ev, session.SpanKindWorkflowStage, stageKey(ev), stageName(ev), nil)
	case event.KindStageCompleted:
		c.closeSpan(ev, stageKey(ev), false)
	case event.KindStageSkipped:
		c.onStageSkipped(ev)
	case event.KindIterationStarted:
		c.openSpan(ev, session.SpanKindWorkflowStage, iterKey(ev),
			fmt.Sprintf("iteration %d", ev.Iteration), nil)
	case event.KindIterationCompleted:
		c.closeSpan(ev, iterKey(ev), false)
	case event.KindBranchStarted:
		c.openSpan(ev, session.SpanKindWorkflowBranch, branchKey(ev), ev.Branch, nil)
	case event.KindBranchCompleted:
		c.closeSpan(ev, branchKey(ev), !ev.IsSuccess)
	}
	c.mu.Unlock()

	if flush != nil {
		c.flush(flush)
	}
}

func (c *Collector) onRunStarted(ev *event.Event) {
	root := ev.RunID
	if ev.ParentRunID != "" {
		if r, ok := c.runToRoot[ev.ParentRunID]; ok {
			root = r
		}
	}
	tr, ok := c.traces[root]
	if !ok {
		tr = &activeTrace{
			sessionID: ev.SessionID,
			open:      make(map[string]*session.Span),
		}
		c.traces[root] = tr
	}
	c.runToRoot[ev.RunID] = root

	attrs := map[string]string{"session_id": ev.SessionID}
	if ev.Data != nil && ev.Data.WorkflowType != "" {
		attrs["workflow_type"] = ev.Data.WorkflowType
	}
	name := ev.AgentID
	if name == "" {
		name = ev.RunID
	}
	sp := &session.Span{
		ID:         ev.RunID,
		ParentID:   ev.ParentRunID,
		RunID:      ev.RunID,
		Kind:       session.SpanKindAgent,
		Name:       name,
		StartTime:  ev.Timestamp,
		Attributes: attrs,
	}
	tr.spans = append(tr.spans, sp)
	tr.open[runKey(ev.RunID)] = sp
}

func (c *Collector) onRunTerminal(ev *event.Event) *session.Trace {
	tr := c.lookup(ev.RunID)
	if tr == nil {
		return nil
	}
	if sp, ok := tr.open[runKey(ev.RunID)]; ok {
		sp.EndTime = ev.Timestamp
		sp.IsError = ev.Kind == event.KindRunFailed
		if ev.Data != nil && ev.Data.TerminationReason != "" {
			sp.Attributes["termination_reason"] = ev.Data.TerminationReason
		}
		delete(tr.open, runKey(ev.RunID))
	}

	root := c.runToRoot[ev.RunID]
	if root != ev.RunID {
		return nil
	}

	// Root terminal: detach the trace for flushing.
	delete(c.traces, root)
	for id, r := range c.runToRoot {
		if r == root {
			delete(c.runToRoot, id)
		}
	}
	return &session.Trace{
		RunID:     root,
		SessionID: tr.sessionID,
		Spans:     tr.spans,
		CreatedAt: time.Now(),
	}
}

func (c *Collector) onStepCompleted(ev *event.Event) {
	tr := c.lookup(ev.RunID)
	if tr == nil || ev.Snapshot == nil {
		return
	}
	start := ev.Timestamp
	attrs := map[string]string{
		"sequence": strconv.FormatInt(ev.Snapshot.Sequence, 10),
	}
	if m := ev.Snapshot.Metrics; m != nil {
		start = ev.Timestamp - m.DurationMS
		attrs["input_tokens"] = strconv.Itoa(m.InputTokens)
		attrs["output_tokens"] = strconv.Itoa(m.OutputTokens)
	}
	tr.spans = append(tr.spans, &session.Span{
		ID:         uuid.NewString(),
		ParentID:   ev.RunID,
		RunID:      ev.RunID,
		Kind:       session.SpanKindLLMCall,
		Name:       "llm_call",
		StartTime:  start,
		EndTime:    ev.Timestamp,
		Attributes: attrs,
	})
}

func (c *Collector) onStageSkipped(ev *event.Event) {
	tr := c.lookup(ev.RunID)
	if tr == nil {
		return
	}
	tr.spans = append(tr.spans, &session.Span{
		ID:        uuid.NewString(),
		ParentID:  ev.RunID,
		RunID:     ev.RunID,
		Kind:      session.SpanKindWorkflowStage,
		Name:      stageName(ev),
		StartTime: ev.Timestamp,
		EndTime:   ev.Timestamp,
		Attributes: map[string]string{
			"skipped": "true",
			"stage":   strconv.Itoa(ev.Stage),
		},
	})
}

func (c *Collector) openSpan(ev *event.Event, kind session.SpanKind, key, name string, attrs map[string]string) {
	tr := c.lookup(ev.RunID)
	if tr == nil {
		return
	}
	if attrs == nil {
		attrs = make(map[string]string)
	}
	sp := &session.Span{
		ID:         uuid.NewString(),
		ParentID:   ev.RunID,
		RunID:      ev.RunID,
		Kind:       kind,
		Name:       name,
		StartTime:  ev.Timestamp,
		Attributes: attrs,
	}
	tr.spans = append(tr.spans, sp)
	tr.open[key] = sp
}

func (c *Collector) closeSpan(ev *event.Event, key string, isError bool) {
	tr := c.lookup(ev.RunID)
	if tr == nil {
		return
	}
	sp, ok := tr.open[key]
	if !ok {
		return
	}
	sp.EndTime = ev.Timestamp
	sp.IsError = isError
	if ev.Duration > 0 {
		sp.Attributes["duration_ms"] = strconv.FormatInt(ev.Duration, 10)
	}
	delete(tr.open, key)
}

// lookup resolves the active trace owning the given run, or nil for runs
// whose run_started was never observed.
func (c *Collector) lookup(runID string) *activeTrace {
	root, ok := c.runToRoot[runID]
	if !ok {
		return nil
	}
	return c.traces[root]
}

func (c *Collector) flush(tr *session.Trace) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.store.SaveTrace(ctx, tr); err != nil {
		c.logger.Error("Failed to persist trace", "run_id", tr.RunID, "error", err)
	}
	if c.sink != nil {
		if err := c.sink.Export(ctx, tr); err != nil {
			c.logger.Error("Failed to export trace", "run_id", tr.RunID, "error", err)
		}
	}
	c.logger.Debug("Trace collected", "run_id", tr.RunID, "spans", len(tr.Spans))
}

func runKey(runID string) string { return "run:" + runID }

func toolKey(ev *event.Event) string { return "tool:" + ev.RunID + ":" + ev.ToolCallID }

func stageKey(ev *event.Event) string { return "stage:" + ev.RunID + ":" + strconv.Itoa(ev.Stage) }

func iterKey(ev *event.Event) string { return "iter:" + ev.RunID + ":" + strconv.Itoa(ev.Iteration) }

func branchKey(ev *event.Event) string { return "branch:" + ev.RunID + ":" + ev.Branch }

func stageName(ev *event.Event) string { return fmt.Sprintf("stage %d (%s)", ev.Stage, ev.AgentID) }
