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
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/kadirpekel/agio/pkg/agent"
	"github.com/kadirpekel/agio/pkg/event"
	"github.com/kadirpekel/agio/pkg/session"
)

// RunCmd executes one run against a configured agent and prints the output.
type RunCmd struct {
	Agent string `arg:"" help:"Agent name from the config."`
	Query string `arg:"" help:"User query."`

	Session string `help:"Session to append to (created when missing)."`
	Stream  bool   `default:"true" negatable:"" help:"Print output as it is generated."`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, _, err := cli.loadConfig(ctx)
	if err != nil {
		return err
	}
	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ag, ok := rt.agents[c.Agent]
	if !ok {
		return coded(exitConfig, fmt.Errorf("unknown agent %q", c.Agent))
	}

	sessionID := c.Session
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	inv := &agent.Invocation{
		SessionID: sessionID,
		Query:     c.Query,
		RunID:     uuid.NewString(),
	}
	return executeRun(ctx, rt, ag, inv, c.Stream)
}

// ResumeCmd continues a session whose last step has pending tool calls.
type ResumeCmd struct {
	Session string `arg:"" help:"Session to resume."`

	Agent  string `help:"Agent name from the config. Optional when only one is configured."`
	Stream bool   `default:"true" negatable:"" help:"Print output as it is generated."`
}

func (c *ResumeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, _, err := cli.loadConfig(ctx)
	if err != nil {
		return err
	}
	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	name := c.Agent
	if name == "" {
		if len(rt.agents) != 1 {
			return coded(exitConfig, errors.New("--agent is required when multiple agents are configured"))
		}
		for n := range rt.agents {
			name = n
		}
	}
	ag, ok := rt.agents[name]
	if !ok {
		return coded(exitConfig, fmt.Errorf("unknown agent %q", name))
	}

	if _, err := rt.store.GetSession(ctx, c.Session); err != nil {
		return err
	}
	inv := &agent.Invocation{
		SessionID: c.Session,
		RunID:     uuid.NewString(),
		Resume:    true,
	}
	return executeRun(ctx, rt, ag, inv, c.Stream)
}

// executeRun runs the invocation, echoing text deltas to stdout when
// streaming, and maps the terminal outcome to the process exit code.
func executeRun(ctx context.Context, rt *engineRuntime, ag *agent.Agent, inv *agent.Invocation, stream bool) error {
	var (
		sub  *event.Subscription
		done chan struct{}
	)
	if stream {
		sub = rt.bus.Subscribe(inv.RunID)
		done = make(chan struct{})
		go func() {
			defer close(done)
			for ev := range sub.Events() {
				switch ev.Kind {
				case event.KindStepDelta:
					if ev.Delta != nil && ev.Delta.Content != "" {
						fmt.Print(ev.Delta.Content)
					}
				case event.KindToolCallStarted:
					slog.Info("Tool call", "tool", ev.ToolName)
				case event.KindToolCallFailed:
					slog.Warn("Tool call failed", "tool", ev.ToolName, "error", ev.Error)
				}
				if ev.Terminal() {
					return
				}
			}
		}()
	}

	res, err := ag.Execute(ctx, inv)

	if stream {
		sub.Close()
		<-done
		fmt.Println()
	}
	if err != nil {
		return coded(exitRunFailed, err)
	}

	if !stream && res.Output != "" {
		fmt.Println(res.Output)
	}
	slog.Info("Run finished",
		"run_id", res.RunID,
		"session_id", res.SessionID,
		"status", res.Status,
		"reason", res.Reason,
	)
	return resultError(res)
}

func resultError(res *agent.Result) error {
	switch {
	case res.Status == session.RunStatusFailed:
		return coded(exitRunFailed, errors.New(res.Error))
	case res.Reason == session.ReasonCancelled:
		return coded(exitCancelled, errors.New("run cancelled"))
	case res.Reason == session.ReasonTimeout:
		return coded(exitTimeout, errors.New("run timed out"))
	}
	return nil
}

// ValidateCmd checks the config file and reports the agents it defines.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, _, err := cli.loadConfig(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Configuration OK: %d agent(s)\n", len(cfg.Agents))
	for name, def := range cfg.Agents {
		fmt.Printf("  - %s (provider=%s, tools=%d)\n", name, def.Provider, len(def.Tools))
	}
	return nil
}
