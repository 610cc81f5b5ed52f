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

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kadirpekel/agio/pkg/agent"
	"github.com/kadirpekel/agio/pkg/checkpoint"
	"github.com/kadirpekel/agio/pkg/config"
	"github.com/kadirpekel/agio/pkg/control"
	"github.com/kadirpekel/agio/pkg/session"
	"github.com/kadirpekel/agio/pkg/step"
	"github.com/kadirpekel/agio/pkg/trace"
)

type runRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
	Stream    *bool  `json:"stream,omitempty"`
}

type resumeRequest struct {
	AgentID string `json:"agent_id,omitempty"`
	Stream  *bool  `json:"stream,omitempty"`
}

type forkRequest struct {
	AtSequence    int64 `json:"at_sequence"`
	Modifications struct {
		ModifiedQuery string `json:"modified_query,omitempty"`
	} `json:"modifications"`
	NewSessionID string `json:"new_session_id,omitempty"`
}

type runResponse struct {
	RunID     string                    `json:"run_id"`
	SessionID string                    `json:"session_id"`
	Output    string                    `json:"output,omitempty"`
	Status    session.RunStatus         `json:"status"`
	Reason    session.TerminationReason `json:"termination_reason,omitempty"`
	Error     string                    `json:"error,omitempty"`
	Metrics   *step.Metrics             `json:"metrics,omitempty"`
}

func toRunResponse(res *agent.Result) *runResponse {
	return &runResponse{
		RunID:     res.RunID,
		SessionID: res.SessionID,
		Output:    res.Output,
		Status:    res.Status,
		Reason:    res.Reason,
		Error:     res.Error,
		Metrics:   res.Metrics,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.agentIDs()})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	ag, ok := s.agentByID(chi.URLParam(r, "agentID"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown agent"})
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	inv := &agent.Invocation{
		SessionID: req.SessionID,
		Query:     req.Query,
		RunID:     uuid.NewString(),
	}
	s.execute(w, r, ag, inv, req.Stream == nil || *req.Stream)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req resumeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}

	var ag *agent.Agent
	var ok bool
	if req.AgentID != "" {
		ag, ok = s.agentByID(req.AgentID)
	} else {
		ag, ok = s.defaultAgent()
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown agent"})
		return
	}

	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		s.writeError(w, err)
		return
	}

	inv := &agent.Invocation{
		SessionID: sessionID,
		RunID:     uuid.NewString(),
		Resume:    true,
	}
	s.execute(w, r, ag, inv, req.Stream == nil || *req.Stream)
}

// execute runs the invocation, either streaming the event feed as SSE or
// blocking for the terminal result.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, ag *agent.Agent, inv *agent.Invocation, stream bool) {
	if !stream {
		res, err := ag.Execute(r.Context(), inv)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toRunResponse(res))
		return
	}

	sub := s.bus.Subscribe(inv.RunID)
	defer sub.Close()

	sse, err := newSSEWriter(w)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	type outcome struct {
		res *agent.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := ag.Execute(r.Context(), inv)
		done <- outcome{res, err}
	}()

	for {
		select {
		case <-r.Context().Done():
			// Client went away; the run keeps its own lifecycle.
			<-done
			return

		case ev, ok := <-sub.Events():
			if !ok {
				<-done
				return
			}
			if err := sse.WriteEvent(ev); err != nil {
				<-done
				return
			}

		case out := <-done:
			// Drain events already queued before the run returned.
			for {
				select {
				case ev, ok := <-sub.Events():
					if !ok {
						return
					}
					if err := sse.WriteEvent(ev); err != nil {
						return
					}
					if ev.Terminal() {
						return
					}
					continue
				default:
				}
				break
			}
			if out.err != nil {
				sse.WriteErrorFrame(inv.RunID, out.err.Error())
			}
			return
		}
	}
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		s.writeError(w, err)
		return
	}
	steps, err := s.store.ListSteps(r.Context(), sessionID, 0, 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "steps": steps})
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	var req forkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	newID, err := s.checkpoints.Fork(r.Context(), &checkpoint.ForkRequest{
		SourceSessionID: chi.URLParam(r, "sessionID"),
		AtSequence:      req.AtSequence,
		ModifiedQuery:   req.Modifications.ModifiedQuery,
		NewSessionID:    req.NewSessionID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": newID})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	runs, err := s.store.ListRuns(r.Context(), &session.RunFilter{
		SessionID: q.Get("session_id"),
		AgentID:   q.Get("agent_id"),
		Status:    session.RunStatus(q.Get("status")),
		Limit:     limit,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	s.controlOp(w, chi.URLParam(r, "runID"), s.controller.Cancel)
}

func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	s.controlOp(w, chi.URLParam(r, "runID"), s.controller.Pause)
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	s.controlOp(w, chi.URLParam(r, "runID"), s.controller.Resume)
}

func (s *Server) controlOp(w http.ResponseWriter, runID string, op func(string) error) {
	if err := op(runID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"run_id": runID,
		"state":  string(s.controller.StateOf(runID)),
	})
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	tr, err := s.store.GetTrace(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleWaterfall(w http.ResponseWriter, r *http.Request) {
	tr, err := s.store.GetTrace(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	rows := trace.Waterfall(tr)

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(trace.RenderWaterfall(rows)))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": tr.RunID, "spans": rows})
}

// writeError maps engine errors to status codes: not-found and validation
// errors are the client's fault, everything else is a 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var verr *config.ValidationError
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrRunNotFound),
		errors.Is(err, session.ErrCheckpointNotFound),
		errors.Is(err, session.ErrTraceNotFound),
		errors.Is(err, control.ErrRunNotRegistered):
		status = http.StatusNotFound
	case errors.Is(err, checkpoint.ErrSequenceOutOfRange),
		errors.Is(err, agent.ErrInvalidInvocation),
		errors.As(err, &verr):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
