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
	"os/signal"
	"syscall"
	"time"

	"github.com/kadirpekel/agio/pkg/config"
	"github.com/kadirpekel/agio/pkg/server"
)

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Addr  string `help:"Override the listen address from config." placeholder:"HOST:PORT"`
	Watch bool   `help:"Reload agent definitions when the config file changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		rt  *engineRuntime
		srv *server.Server
	)
	onChange := func(cfg *config.Config) {
		agents, err := buildAgents(cfg, rt)
		if err != nil {
			slog.Error("Config reload kept previous agents", "error", err)
			return
		}
		srv.SetAgents(agents)
		slog.Info("Agent definitions reloaded", "agents", len(agents))
	}

	cfg, loader, err := cli.loadConfig(ctx, config.WithOnChange(onChange))
	if err != nil {
		return err
	}

	rt, err = buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	addr := cfg.Server.Address()
	if c.Addr != "" {
		addr = c.Addr
	}

	srv = server.New(server.Options{
		Addr:        addr,
		Store:       rt.store,
		Bus:         rt.bus,
		Controller:  rt.controller,
		Checkpoints: rt.checkpoints,
		Agents:      rt.agents,
		Metrics:     rt.metrics,
		Logger:      slog.Default(),
	})

	if c.Watch {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch stopped", "error", err)
			}
		}()
	}

	fmt.Printf("agio server listening on http://%s\n", addr)
	for name := range rt.agents {
		fmt.Printf("  - http://%s/agents/%s/run\n", addr, name)
	}
	if rt.metrics != nil {
		fmt.Printf("  metrics: http://%s/metrics\n", addr)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	rt.controller.CancelAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
