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

package config

import (
	"fmt"
	"time"

	"github.com/kadirpekel/agio/pkg/agent"
)

// AgentDefinition is one named agent in the registry. Timeouts are
// expressed in milliseconds on the wire; zero values fall back to the
// engine defaults. Boolean knobs are pointers so that an omitted key is
// distinguishable from an explicit false.
type AgentDefinition struct {
	// Name is filled from the map key.
	Name string `yaml:"-"`

	// Provider names a registered model provider.
	Provider string `yaml:"provider"`

	SystemPrompt string   `yaml:"system_prompt"`
	Tools        []string `yaml:"tools"`

	MaxSteps             int    `yaml:"max_steps"`
	ParallelToolCalls    *bool  `yaml:"parallel_tool_calls"`
	MaxParallelToolCalls int    `yaml:"max_parallel_tool_calls"`
	TimeoutPerToolMS     int    `yaml:"timeout_per_tool_ms"`
	TimeoutPerStepMS     int    `yaml:"timeout_per_step_ms"`
	TimeoutPerRunMS      int    `yaml:"timeout_per_run_ms"`
	Stream               *bool  `yaml:"stream"`
	CheckpointStrategy   string `yaml:"checkpoint_strategy"`
	MaxRetries           int    `yaml:"max_retries"`

	ContextWindowMessages int `yaml:"context_window_messages"`
	MaxContextTokens      int `yaml:"max_context_tokens"`
}

func (d *AgentDefinition) setDefaults(name string) {
	d.Name = name
	if d.CheckpointStrategy == "" {
		d.CheckpointStrategy = string(agent.CheckpointManual)
	}
}

func (d *AgentDefinition) validate(name string) error {
	field := func(f string) string { return fmt.Sprintf("agents.%s.%s", name, f) }

	if d.Provider == "" {
		return &ValidationError{Field: field("provider"), Message: "required"}
	}
	if d.MaxSteps < 0 {
		return &ValidationError{Field: field("max_steps"), Message: "must not be negative"}
	}
	if d.MaxRetries < 0 {
		return &ValidationError{Field: field("max_retries"), Message: "must not be negative"}
	}
	if d.TimeoutPerToolMS < 0 || d.TimeoutPerStepMS < 0 || d.TimeoutPerRunMS < 0 {
		return &ValidationError{Field: field("timeouts"), Message: "must not be negative"}
	}
	switch agent.CheckpointStrategy(d.CheckpointStrategy) {
	case agent.CheckpointManual, agent.CheckpointEveryStep,
		agent.CheckpointOnToolCall, agent.CheckpointOnError,
		agent.CheckpointCustom:
	default:
		return &ValidationError{
			Field:   field("checkpoint_strategy"),
			Message: fmt.Sprintf("unknown strategy %q", d.CheckpointStrategy),
		}
	}
	return nil
}

// AgentConfig converts the definition into the engine's config type.
func (d *AgentDefinition) AgentConfig() agent.Config {
	cfg := agent.DefaultConfig()
	if d.MaxSteps > 0 {
		cfg.MaxSteps = d.MaxSteps
	}
	if d.ParallelToolCalls != nil {
		cfg.ParallelToolCalls = *d.ParallelToolCalls
	}
	if d.MaxParallelToolCalls > 0 {
		cfg.MaxParallelToolCalls = d.MaxParallelToolCalls
	}
	if d.TimeoutPerToolMS > 0 {
		cfg.TimeoutPerTool = time.Duration(d.TimeoutPerToolMS) * time.Millisecond
	}
	if d.TimeoutPerStepMS > 0 {
		cfg.TimeoutPerStep = time.Duration(d.TimeoutPerStepMS) * time.Millisecond
	}
	if d.TimeoutPerRunMS > 0 {
		cfg.TimeoutPerRun = time.Duration(d.TimeoutPerRunMS) * time.Millisecond
	}
	if d.Stream != nil {
		cfg.Stream = *d.Stream
	}
	cfg.CheckpointStrategy = agent.CheckpointStrategy(d.CheckpointStrategy)
	cfg.MaxRetries = d.MaxRetries
	cfg.SystemPrompt = d.SystemPrompt
	cfg.ContextWindowMessages = d.ContextWindowMessages
	cfg.MaxContextTokens = d.MaxContextTokens
	return cfg
}
