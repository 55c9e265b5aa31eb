package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dsguardian/guardian/metrics"
	"github.com/dsguardian/guardian/tools"
)

// AgentCommandRequest is the body for POST /agent/command. Command is either
// a structured step object {tool, args} or a free-text intent string; other
// shapes are acknowledged but not executed.
type AgentCommandRequest struct {
	Command json.RawMessage `json:"command"`
	DryRun  bool            `json:"dry_run"`
	Confirm bool            `json:"confirm"`
	Role    string          `json:"role"`
}

// handleAgentCommand accepts one agent command. Structured steps are
// policy-checked and dispatched through the tool catalog; intent strings are
// planned and executed by the supervisor. Every response carries a fresh
// trace id so the audit trail and the client can be correlated.
func (s *Server) handleAgentCommand(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tools == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Tools not initialized")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req AgentCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	role := req.Role
	if role == "" {
		role = defaultRole
	}
	traceID := uuid.NewString()

	cmd := bytes.TrimSpace(req.Command)
	switch {
	case len(cmd) > 0 && cmd[0] == '{':
		s.runStructuredCommand(w, r, cmd, role, req.DryRun, traceID)
	case len(cmd) > 0 && cmd[0] == '"':
		s.runIntentCommand(w, r, cmd, req.DryRun, req.Confirm, traceID)
	default:
		metrics.AgentCommands.WithLabelValues("unknown", "accepted").Inc()
		s.writeJSON(w, http.StatusAccepted, map[string]any{"trace_id": traceID, "status": "not_implemented"})
	}
}

func (s *Server) runStructuredCommand(w http.ResponseWriter, r *http.Request, raw []byte, role string, dryRun bool, traceID string) {
	var step struct {
		Tool string         `json:"tool"`
		Args map[string]any `json:"args"`
	}
	if err := json.Unmarshal(raw, &step); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid command object")
		return
	}
	if !tools.Known(step.Tool) {
		metrics.AgentCommands.WithLabelValues("unknown", "accepted").Inc()
		s.writeJSON(w, http.StatusAccepted, map[string]any{"trace_id": traceID, "status": "not_implemented"})
		return
	}
	if !s.deps.Access.Allow(role, step.Tool) {
		s.writeError(w, http.StatusForbidden, "Forbidden")
		return
	}
	if dryRun {
		metrics.AgentCommands.WithLabelValues("structured", "ok").Inc()
		s.writeJSON(w, http.StatusOK, map[string]any{"trace_id": traceID, "status": "accepted", "dry_run": true})
		return
	}
	if step.Args == nil {
		step.Args = map[string]any{}
	}

	started := time.Now()
	res, err := s.deps.Tools.Invoke(r.Context(), step.Tool, step.Args)
	if s.deps.Audit != nil {
		outcome := "ok"
		if err != nil {
			outcome = "err"
		}
		s.deps.Audit.Log("api", role, step.Tool, step.Args, outcome, time.Since(started), traceID)
	}
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	metrics.AgentCommands.WithLabelValues("structured", "ok").Inc()
	s.writeJSON(w, http.StatusOK, map[string]any{"trace_id": traceID, "status": "ok", "result": res})
}

func (s *Server) runIntentCommand(w http.ResponseWriter, r *http.Request, raw []byte, dryRun, confirm bool, traceID string) {
	if s.deps.Supervisor == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Supervisor not ready")
		return
	}
	var intent string
	if err := json.Unmarshal(raw, &intent); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid command string")
		return
	}
	plan := s.deps.Supervisor.PlanFromIntent(intent)
	steps := s.deps.Supervisor.ExecutePlan(r.Context(), plan, dryRun, confirm)
	metrics.AgentCommands.WithLabelValues("react", "ok").Inc()
	s.writeJSON(w, http.StatusOK, map[string]any{"trace_id": traceID, "status": "ok", "steps": steps})
}
