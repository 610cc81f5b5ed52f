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

// Package server exposes the run engine over HTTP. Runs stream as SSE
// frames carrying the engine's event payloads verbatim; everything else
// is plain JSON over REST.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kadirpekel/agio/pkg/agent"
	"github.com/kadirpekel/agio/pkg/checkpoint"
	"github.com/kadirpekel/agio/pkg/control"
	"github.com/kadirpekel/agio/pkg/event"
	"github.com/kadirpekel/agio/pkg/observability"
	"github.com/kadirpekel/agio/pkg/session"
)

// Options wires the server's collaborators.
type Options struct {
	Addr string

	Store       session.Service
	Bus         *event.Bus
	Controller  *control.Controller
	Checkpoints *checkpoint.Manager

	// Agents is the registry the run endpoints route through.
	Agents map[string]*agent.Agent

	// Metrics enables GET /metrics when set.
	Metrics *observability.Metrics

	Logger *slog.Logger
}

// Server is the HTTP front end.
type Server struct {
	addr        string
	store       session.Service
	bus         *event.Bus
	controller  *control.Controller
	checkpoints *checkpoint.Manager
	metrics     *observability.Metrics
	logger      *slog.Logger

	// agentsMu guards agents, which may be swapped on config reload.
	agentsMu sync.RWMutex
	agents   map[string]*agent.Agent

	router chi.Router
	http   *http.Server
}

// New creates a server. The listener is not opened until Start.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Agents == nil {
		opts.Agents = make(map[string]*agent.Agent)
	}
	if opts.Controller == nil {
		opts.Controller = control.NewController()
	}

	s := &Server{
		addr:        opts.Addr,
		store:       opts.Store,
		bus:         opts.Bus,
		controller:  opts.Controller,
		checkpoints: opts.Checkpoints,
		agents:      opts.Agents,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/agents", func(r chi.Router) {
		r.Get("/", s.handleListAgents)
		r.Post("/{agentID}/run", s.handleRun)
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/{sessionID}/resume", s.handleResume)
		r.Get("/{sessionID}/steps", s.handleListSteps)
		r.Post("/{sessionID}/fork", s.handleFork)
	})

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/{runID}", s.handleGetRun)
		r.Post("/{runID}/cancel", s.handleCancelRun)
		r.Post("/{runID}/pause", s.handlePauseRun)
		r.Post("/{runID}/resume", s.handleResumeRun)
	})

	r.Route("/traces", func(r chi.Router) {
		r.Get("/{runID}", s.handleGetTrace)
		r.Get("/{runID}/waterfall", s.handleWaterfall)
	})

	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// SetAgents replaces the agent registry, typically on config reload.
func (s *Server) SetAgents(agents map[string]*agent.Agent) {
	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()
	s.agents = agents
}

func (s *Server) agentByID(id string) (*agent.Agent, bool) {
	s.agentsMu.RLock()
	defer s.agentsMu.RUnlock()
	a, ok := s.agents[id]
	return a, ok
}

// defaultAgent returns the registry's sole agent, used when a resume
// request does not name one.
func (s *Server) defaultAgent() (*agent.Agent, bool) {
	s.agentsMu.RLock()
	defer s.agentsMu.RUnlock()
	if len(s.agents) != 1 {
		return nil, false
	}
	for _, a := range s.agents {
		return a, true
	}
	return nil, false
}

func (s *Server) agentIDs() []string {
	s.agentsMu.RLock()
	defer s.agentsMu.RUnlock()
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	return ids
}
