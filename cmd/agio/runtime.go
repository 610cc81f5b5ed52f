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

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/agio/pkg/agent"
	"github.com/kadirpekel/agio/pkg/checkpoint"
	"github.com/kadirpekel/agio/pkg/config"
	"github.com/kadirpekel/agio/pkg/control"
	"github.com/kadirpekel/agio/pkg/event"
	"github.com/kadirpekel/agio/pkg/model"
	"github.com/kadirpekel/agio/pkg/observability"
	"github.com/kadirpekel/agio/pkg/session"
	"github.com/kadirpekel/agio/pkg/tool"
	"github.com/kadirpekel/agio/pkg/trace"
)

// engineRuntime holds everything a command needs to execute runs: the
// store, the event bus with its subscribers, and the agent registry.
type engineRuntime struct {
	cfg *config.Config

	store       session.Service
	bus         *event.Bus
	controller  *control.Controller
	checkpoints *checkpoint.Manager
	collector   *trace.Collector
	metrics     *observability.Metrics
	agents      map[string]*agent.Agent
}

func buildRuntime(ctx context.Context, cfg *config.Config) (*engineRuntime, error) {
	store, err := session.NewService(ctx, cfg.Store)
	if err != nil {
		return nil, coded(exitConfig, fmt.Errorf("failed to open session store: %w", err))
	}

	rt := &engineRuntime{
		cfg:        cfg,
		store:      store,
		bus:        event.NewBus(cfg.Bus.EventQueueSize),
		controller: control.NewController(),
	}
	rt.checkpoints = checkpoint.NewManager(store, slog.Default())

	sink, err := buildSink(ctx, cfg.Tracing)
	if err != nil {
		rt.Close()
		return nil, coded(exitConfig, err)
	}
	rt.collector = trace.NewCollector(store, sink, slog.Default())
	rt.collector.Start(rt.bus)

	if cfg.Metrics.Enabled {
		rt.metrics = observability.NewMetrics()
		rt.metrics.Start(rt.bus)
	}

	rt.agents, err = buildAgents(cfg, rt)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// Close stops subscribers before the store so in-flight flushes still
// have a backend to write to.
func (rt *engineRuntime) Close() {
	if rt.collector != nil {
		rt.collector.Stop()
	}
	if rt.metrics != nil {
		rt.metrics.Stop()
	}
	if err := rt.store.Close(); err != nil {
		slog.Error("Failed to close session store", "error", err)
	}
}

func buildSink(ctx context.Context, cfg config.TracingConfig) (trace.Sink, error) {
	switch cfg.Exporter {
	case "", "none":
		return nil, nil
	case "otlp":
		return trace.NewOTLPSink(ctx, cfg.Endpoint, cfg.ServiceName)
	case "stdout":
		return trace.NewStdoutSink(cfg.ServiceName)
	default:
		return nil, &config.ValidationError{
			Field:   "tracing.exporter",
			Message: fmt.Sprintf("unknown exporter %q", cfg.Exporter),
		}
	}
}

func buildAgents(cfg *config.Config, rt *engineRuntime) (map[string]*agent.Agent, error) {
	builtins, err := tool.Builtins()
	if err != nil {
		return nil, err
	}
	byName := make(map[string]tool.Tool, len(builtins))
	for _, t := range builtins {
		byName[t.Name()] = t
	}

	agents := make(map[string]*agent.Agent, len(cfg.Agents))
	for name, def := range cfg.Agents {
		provider, err := providerFor(name, def.Provider)
		if err != nil {
			return nil, coded(exitConfig, err)
		}

		registry := tool.NewRegistry()
		for _, toolName := range def.Tools {
			t, ok := byName[toolName]
			if !ok {
				return nil, coded(exitConfig, &config.ValidationError{
					Field:   fmt.Sprintf("agents.%s.tools", name),
					Message: fmt.Sprintf("unknown tool %q", toolName),
				})
			}
			if err := registry.Register(t); err != nil {
				return nil, err
			}
		}

		ag, err := agent.New(agent.Options{
			ID:           name,
			Provider:     provider,
			Store:        rt.store,
			Tools:        registry,
			Bus:          rt.bus,
			Controller:   rt.controller,
			Checkpointer: rt.checkpoints,
			Config:       def.AgentConfig(),
			Logger:       slog.Default(),
		})
		if err != nil {
			return nil, err
		}
		agents[name] = ag
	}
	return agents, nil
}

// providerFor resolves a configured provider name. Only the local echo
// provider ships in-repo; real providers plug in through model.Provider.
func providerFor(agentName, provider string) (model.Provider, error) {
	switch provider {
	case "echo":
		return model.EchoProvider{}, nil
	default:
		return nil, &config.ValidationError{
			Field:   fmt.Sprintf("agents.%s.provider", agentName),
			Message: fmt.Sprintf("unknown provider %q", provider),
		}
	}
}
