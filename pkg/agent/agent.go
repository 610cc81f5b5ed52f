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

// Package agent implements the run engine: the coordinator that turns a
// user query into an ordered, persisted sequence of steps.
//
// A run alternates between asking the provider for the next assistant step
// and executing the tool calls it requested, until the provider returns no
// further calls, the step budget is exhausted, a timeout fires or the
// caller cancels. The session store is the canonical record; the event bus
// carries a derived, lossy projection of the same progress.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kadirpekel/agio/pkg/control"
	"github.com/kadirpekel/agio/pkg/event"
	"github.com/kadirpekel/agio/pkg/model"
	"github.com/kadirpekel/agio/pkg/session"
	"github.com/kadirpekel/agio/pkg/step"
	"github.com/kadirpekel/agio/pkg/tool"
)

// Sentinel errors.
var (
	ErrInvalidInvocation = errors.New("invalid invocation")
	ErrMissingProvider   = errors.New("agent requires a model provider")
	ErrMissingStore      = errors.New("agent requires a session store")
)

// CheckpointStrategy selects when the coordinator snapshots a run.
type CheckpointStrategy string

const (
	CheckpointManual     CheckpointStrategy = "manual"
	CheckpointEveryStep  CheckpointStrategy = "every_step"
	CheckpointOnToolCall CheckpointStrategy = "on_tool_call"
	CheckpointOnError    CheckpointStrategy = "on_error"
	CheckpointCustom     CheckpointStrategy = "custom"
)

// Config bounds one agent's runs. Use DefaultConfig as the starting point;
// zero numeric fields fall back to the defaults on construction.
type Config struct {
	// MaxSteps caps provider calls per run.
	MaxSteps int `yaml:"max_steps" json:"max_steps"`

	// ParallelToolCalls runs a step's tool batch concurrently.
	ParallelToolCalls bool `yaml:"parallel_tool_calls" json:"parallel_tool_calls"`

	// MaxParallelToolCalls bounds batch concurrency.
	MaxParallelToolCalls int `yaml:"max_parallel_tool_calls" json:"max_parallel_tool_calls"`

	// TimeoutPerTool bounds one tool call.
	TimeoutPerTool time.Duration `yaml:"timeout_per_tool" json:"timeout_per_tool"`

	// TimeoutPerStep bounds one loop iteration: the provider call plus its
	// immediately-following tool batch.
	TimeoutPerStep time.Duration `yaml:"timeout_per_step" json:"timeout_per_step"`

	// TimeoutPerRun bounds the whole run. Zero means unbounded.
	TimeoutPerRun time.Duration `yaml:"timeout_per_run" json:"timeout_per_run"`

	// Stream requests incremental provider chunks.
	Stream bool `yaml:"stream" json:"stream"`

	// CheckpointStrategy selects automatic snapshot points.
	CheckpointStrategy CheckpointStrategy `yaml:"checkpoint_strategy" json:"checkpoint_strategy"`

	// MaxRetries retries a failed provider call before failing the run.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// SystemPrompt is prepended to every provider request, unpersisted.
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`

	// ContextWindowMessages soft-caps the messages sent to the provider.
	// Zero means no cap.
	ContextWindowMessages int `yaml:"context_window_messages" json:"context_window_messages"`

	// MaxContextTokens soft-caps the estimated token count of the context.
	// Zero means no cap.
	MaxContextTokens int `yaml:"max_context_tokens" json:"max_context_tokens"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxSteps:             30,
		ParallelToolCalls:    true,
		MaxParallelToolCalls: 8,
		TimeoutPerTool:       60 * time.Second,
		TimeoutPerStep:       120 * time.Second,
		Stream:               true,
		CheckpointStrategy:   CheckpointManual,
	}
}

// withDefaults fills zero numeric fields. Boolean fields are taken as-is;
// start from DefaultConfig to get the documented true defaults.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxSteps <= 0 {
		c.MaxSteps = def.MaxSteps
	}
	if c.MaxParallelToolCalls <= 0 {
		c.MaxParallelToolCalls = def.MaxParallelToolCalls
	}
	if c.TimeoutPerTool <= 0 {
		c.TimeoutPerTool = def.TimeoutPerTool
	}
	if c.TimeoutPerStep <= 0 {
		c.TimeoutPerStep = def.TimeoutPerStep
	}
	if c.CheckpointStrategy == "" {
		c.CheckpointStrategy = def.CheckpointStrategy
	}
	return c
}

// Invocation is one run request against a session.
type Invocation struct {
	// SessionID names the transcript; the session is created when missing.
	SessionID string

	// Query is the user input. Empty on resume.
	Query string

	// RunID is assigned when empty.
	RunID string

	// ParentRunID and Depth link nested runs to their parent.
	ParentRunID string
	Depth       int

	// Resume skips the provider and executes the pending tool calls of the
	// session's last assistant step first.
	Resume bool
}

// Result is the terminal outcome of a run. A failed run still yields a
// Result; Error carries the diagnostic.
type Result struct {
	RunID     string
	SessionID string

	Output string
	Status session.RunStatus
	Reason session.TerminationReason
	Error  string

	Metrics *step.Metrics
}

// Runnable is any executor with a (query, session) -> run interface: a
// single agent or a composite workflow.
type Runnable interface {
	ID() string
	Execute(ctx context.Context, inv *Invocation) (*Result, error)
}

// Checkpointer snapshots a run at a chosen sequence. The checkpoint
// package provides the production implementation.
type Checkpointer interface {
	CheckpointRun(ctx context.Context, runID, sessionID string, atSequence int64, description string) (string, error)
}

// Hooks observes run lifecycle transitions. All methods are optional
// extension points; the coordinator ignores a nil Hooks.
type Hooks interface {
	// OnStepPersisted fires after an assistant step is appended.
	OnStepPersisted(ctx context.Context, runID string, s *step.Step)

	// OnTerminal fires once per run with the final result.
	OnTerminal(ctx context.Context, res *Result)
}

// Options wires an Agent's collaborators.
type Options struct {
	// ID names the agent in run records and events.
	ID string

	Provider model.Provider
	Store    session.Service

	// Tools is the per-agent registry. Nil means no tools.
	Tools *tool.Registry

	// Bus receives the run's event stream. Nil disables emission.
	Bus *event.Bus

	// Controller gates pause/cancel. Nil allocates a private controller.
	Controller *control.Controller

	// Checkpointer enables the automatic checkpoint strategies. Required
	// only when Config.CheckpointStrategy is not manual.
	Checkpointer Checkpointer

	// CheckpointWhen decides snapshot points for the custom strategy. It
	// runs after each persisted assistant step.
	CheckpointWhen func(s *step.Step) bool

	// Hooks is an optional lifecycle observer.
	Hooks Hooks

	Config Config
	Logger *slog.Logger
}

// Agent drives the run loop for one named agent configuration.
type Agent struct {
	id             string
	provider       model.Provider
	store          session.Service
	tools          *tool.Registry
	bus            *event.Bus
	controller     *control.Controller
	checkpointer   Checkpointer
	checkpointWhen func(s *step.Step) bool
	hooks          Hooks
	cfg            Config
	logger         *slog.Logger

	contextBuilder *ContextBuilder
	executor       *stepExecutor
	dispatcher     *tool.Dispatcher
}

var _ Runnable = (*Agent)(nil)

// New creates an agent from the given options.
func New(opts Options) (*Agent, error) {
	if opts.Provider == nil {
		return nil, ErrMissingProvider
	}
	if opts.Store == nil {
		return nil, ErrMissingStore
	}
	if opts.ID == "" {
		opts.ID = "agent"
	}
	if opts.Tools == nil {
		opts.Tools = tool.NewRegistry()
	}
	if opts.Controller == nil {
		opts.Controller = control.NewController()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg := opts.Config.withDefaults()

	a := &Agent{
		id:             opts.ID,
		provider:       opts.Provider,
		store:          opts.Store,
		tools:          opts.Tools,
		bus:            opts.Bus,
		controller:     opts.Controller,
		checkpointer:   opts.Checkpointer,
		checkpointWhen: opts.CheckpointWhen,
		hooks:          opts.Hooks,
		cfg:            cfg,
		logger:         opts.Logger.With("agent", opts.ID),
	}
	a.contextBuilder = NewContextBuilder(opts.Store, ContextOptions{
		SystemPrompt: cfg.SystemPrompt,
		MaxMessages:  cfg.ContextWindowMessages,
		MaxTokens:    cfg.MaxContextTokens,
	})
	a.executor = &stepExecutor{
		provider: opts.Provider,
		store:    opts.Store,
		logger:   a.logger,
	}
	a.dispatcher = tool.NewDispatcher(opts.Tools, a.logger)
	return a, nil
}

// ID returns the agent's identifier.
func (a *Agent) ID() string { return a.id }

// Config returns the effective run configuration.
func (a *Agent) Config() Config { return a.cfg }

// Controller returns the controller gating this agent's runs.
func (a *Agent) Controller() *control.Controller { return a.controller }

// Resume continues a session whose last step is an assistant with pending
// tool calls. The provider is not consulted for that turn; only the missing
// tool calls execute, then the loop continues normally.
func (a *Agent) Resume(ctx context.Context, sessionID string) (*Result, error) {
	return a.Execute(ctx, &Invocation{SessionID: sessionID, Resume: true})
}

func (a *Agent) publish(ev *event.Event) {
	if a.bus != nil {
		a.bus.Publish(ev)
	}
}
