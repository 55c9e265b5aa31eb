// Package httpapi exposes the control plane over HTTP: world state and
// device reads, per-type tool invocation, rule management, the agent command
// dispatcher, the archived event history, and a server-sent-events feed of
// the live bus. Responses are JSON throughout; errors carry a
// {"detail": …} object.
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dsguardian/guardian/agent"
	"github.com/dsguardian/guardian/audit"
	"github.com/dsguardian/guardian/broker"
	"github.com/dsguardian/guardian/device"
	"github.com/dsguardian/guardian/events"
	"github.com/dsguardian/guardian/rbac"
	"github.com/dsguardian/guardian/rules"
	"github.com/dsguardian/guardian/state"
	"github.com/dsguardian/guardian/store"
	"github.com/dsguardian/guardian/tools"
)

// maxRequestBodySize limits POST body sizes to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// defaultRole is assumed when a request carries no X-Role header.
const defaultRole = "admin"

// SnapshotSource yields the current world snapshot.
type SnapshotSource interface {
	Snapshot() state.Snapshot
}

// Deps collects the subsystems the server fronts. A nil entry makes the
// routes that need it answer 503, which keeps partial wiring honest during
// startup and in tests.
type Deps struct {
	Snapshots  SnapshotSource
	Registry   *device.Registry
	Tools      *tools.Service
	Engine     *rules.Engine
	Supervisor *agent.Supervisor
	Access     *rbac.Checker
	Audit      *audit.Logger
	Store      *store.Store
	Bus        *events.Bus
}

// Server routes the REST and SSE surface over the wired subsystems.
type Server struct {
	deps     Deps
	origins  []string
	validate *validator.Validate
	logger   *slog.Logger
	boot     time.Time
}

// NewServer builds a server over the given subsystems. origins is the CORS
// allowlist for browser UIs; empty selects the default UI dev hosts. A nil
// Access checker falls back to the default policy.
func NewServer(deps Deps, origins []string, logger *slog.Logger) *Server {
	if deps.Access == nil {
		deps.Access = rbac.New(nil)
	}
	if len(origins) == 0 {
		origins = []string{"http://localhost:8080", "http://ui:8080"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		deps:     deps,
		origins:  origins,
		validate: validator.New(),
		logger:   logger.With("component", "http"),
		boot:     time.Now(),
	}
}

// Handler returns the complete root handler: every route registered at /,
// wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterHTTPHandlers("", mux)
	withCORS := cors.Handler(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	})
	return withCORS(mux)
}

// RegisterHTTPHandlers registers all routes under the given prefix. The
// prefix may be empty to mount at the root. Routes are:
//
//	GET    <prefix>/health
//	GET    <prefix>/state
//	GET    <prefix>/devices
//	GET    <prefix>/device/{id}
//	GET    <prefix>/config/devices
//	GET    <prefix>/config/rules
//	GET    <prefix>/history/events
//	GET    <prefix>/ui/stream
//	GET    <prefix>/metrics
//	POST   <prefix>/rules
//	DELETE <prefix>/rules/{id}
//	POST   <prefix>/agent/command
//	POST   <prefix>/tools/<op>   for every mutating tool
//	GET    <prefix>/tools/<op>   for the read-only tools
func (s *Server) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	// Normalise: ensure leading slash and trailing slash.
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}

	mux.HandleFunc("GET "+prefix+"health", s.handleHealth)
	mux.HandleFunc("GET "+prefix+"state", s.handleState)
	mux.HandleFunc("GET "+prefix+"devices", s.handleDevices)
	mux.HandleFunc("GET "+prefix+"device/{id}", s.handleDevice)
	mux.HandleFunc("GET "+prefix+"config/devices", s.handleConfigDevices)
	mux.HandleFunc("GET "+prefix+"config/rules", s.handleConfigRules)
	mux.HandleFunc("GET "+prefix+"history/events", s.handleHistory)
	mux.HandleFunc("GET "+prefix+"ui/stream", s.handleStream)
	mux.Handle("GET "+prefix+"metrics", promhttp.Handler())

	mux.HandleFunc("POST "+prefix+"rules", s.handleReplaceRules)
	mux.HandleFunc("DELETE "+prefix+"rules/{id}", s.handleDeleteRule)
	mux.HandleFunc("POST "+prefix+"agent/command", s.handleAgentCommand)

	mux.HandleFunc("POST "+prefix+"tools/control_light", s.handleControlLight)
	mux.HandleFunc("POST "+prefix+"tools/set_thermostat", s.handleSetThermostat)
	mux.HandleFunc("POST "+prefix+"tools/lock_door", s.handleLockDoor)
	mux.HandleFunc("POST "+prefix+"tools/unlock_door", s.handleUnlockDoor)
	mux.HandleFunc("POST "+prefix+"tools/cover_set_position", s.handleCoverSetPosition)
	mux.HandleFunc("POST "+prefix+"tools/switch_on", s.handleSwitchOn)
	mux.HandleFunc("POST "+prefix+"tools/switch_off", s.handleSwitchOff)
	mux.HandleFunc("POST "+prefix+"tools/siren_on", s.handleSirenOn)
	mux.HandleFunc("POST "+prefix+"tools/siren_off", s.handleSirenOff)
	mux.HandleFunc("POST "+prefix+"tools/arm_security", s.handleArmSecurity)
	mux.HandleFunc("POST "+prefix+"tools/disarm_security", s.handleDisarmSecurity)
	mux.HandleFunc("POST "+prefix+"tools/camera_snapshot", s.handleCameraSnapshot)
	mux.HandleFunc("POST "+prefix+"tools/emit_sensor", s.handleEmitSensor)
	mux.HandleFunc("GET "+prefix+"tools/get_device_status", s.handleGetDeviceStatus)
	mux.HandleFunc("GET "+prefix+"tools/get_sensor_data", s.handleGetSensorData)
	mux.HandleFunc("GET "+prefix+"tools/camera_snapshot_url", s.handleCameraSnapshotURL)
}

// ----------------------------------------------------------------------------
// GET /health
// ----------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	deviceCount := 0
	if s.deps.Registry != nil {
		deviceCount = s.deps.Registry.Len()
	}
	ruleCount := 0
	if s.deps.Engine != nil {
		ruleCount = len(s.deps.Engine.Rules())
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"uptime_s": math.Round(time.Since(s.boot).Seconds()*10) / 10,
		"devices":  deviceCount,
		"rules":    ruleCount,
	})
}

// ----------------------------------------------------------------------------
// GET /state
// ----------------------------------------------------------------------------

// handleState returns the full world snapshot, or an empty object while the
// context manager is not wired yet.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if s.deps.Snapshots == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Snapshots.Snapshot())
}

// ----------------------------------------------------------------------------
// GET /devices, GET /device/{id}, GET /config/devices
// ----------------------------------------------------------------------------

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	descs := []device.Descriptor{}
	if s.deps.Registry != nil {
		descs = s.deps.Registry.All()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"devices": descs})
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.deps.Registry == nil {
		s.writeError(w, http.StatusNotFound, "Device not found")
		return
	}
	desc, ok := s.deps.Registry.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "Device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, desc)
}

func (s *Server) handleConfigDevices(w http.ResponseWriter, r *http.Request) {
	byID := map[string]device.Descriptor{}
	if s.deps.Registry != nil {
		for _, d := range s.deps.Registry.All() {
			byID[d.ID] = d
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"devices": byID})
}

// ----------------------------------------------------------------------------
// GET /config/rules, POST /rules, DELETE /rules/{id}
// ----------------------------------------------------------------------------

func (s *Server) handleConfigRules(w http.ResponseWriter, r *http.Request) {
	list := []rules.Rule{}
	if s.deps.Engine != nil {
		if got := s.deps.Engine.Rules(); got != nil {
			list = got
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rules": list})
}

// handleReplaceRules swaps the whole rule set. The body is either a bare
// rule array or {"rules": [...]}; it is schema-validated before any rule is
// installed, so a bad document never clobbers a working set.
func (s *Server) handleReplaceRules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Rules engine not ready")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	doc := bytes.TrimSpace(body)
	if bytes.HasPrefix(doc, []byte("{")) {
		var wrapper struct {
			Rules json.RawMessage `json:"rules"`
		}
		if err := json.Unmarshal(doc, &wrapper); err != nil || wrapper.Rules == nil {
			s.writeError(w, http.StatusBadRequest, "Rules must be a list or {rules: [...]}")
			return
		}
		doc = wrapper.Rules
	}
	list, err := rules.Decode(doc)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.deps.Engine.SetRules(list)
	s.logger.Info("rules replaced", "count", len(list))
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "count": len(list)})
}

// handleDeleteRule removes one rule by id. Deleting an id that is not loaded
// is not an error; the response count tells the caller what remains.
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Rules engine not ready")
		return
	}
	id := r.PathValue("id")
	current := s.deps.Engine.Rules()
	kept := make([]rules.Rule, 0, len(current))
	for _, rl := range current {
		if rl.ID != id {
			kept = append(kept, rl)
		}
	}
	s.deps.Engine.SetRules(kept)
	s.logger.Info("rule deleted", "rule_id", id, "remaining", len(kept))
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "count": len(kept)})
}

// ----------------------------------------------------------------------------
// GET /history/events
// ----------------------------------------------------------------------------

// handleHistory returns archived bus events, newest first. Query parameters:
//   - limit: max rows, 1-1000 (default: 200)
//   - etype: filter by event type (optional)
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Store not ready")
		return
	}
	limit := 200
	if p := r.URL.Query().Get("limit"); p != "" {
		parsed, err := strconv.Atoi(p)
		if err != nil || parsed < 1 || parsed > 1000 {
			s.writeError(w, http.StatusBadRequest, "invalid limit: must be 1-1000")
			return
		}
		limit = parsed
	}
	rows, err := s.deps.Store.Recent(r.Context(), limit, r.URL.Query().Get("etype"))
	if err != nil {
		s.logger.Error("history query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": rows})
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

// roleOf reads the caller role from the X-Role header.
func roleOf(r *http.Request) string {
	if role := r.Header.Get("X-Role"); role != "" {
		return role
	}
	return defaultRole
}

// statusFor maps tool errors onto status codes: registry misses and bad
// arguments are the caller's fault, a missed state echo gets its own code so
// clients can retry, anything else is a server fault.
func statusFor(err error) int {
	switch {
	case errors.Is(err, device.ErrUnknownDevice),
		errors.Is(err, device.ErrWrongType),
		errors.Is(err, tools.ErrUnknownTool),
		errors.Is(err, tools.ErrBadArgs):
		return http.StatusBadRequest
	case errors.Is(err, broker.ErrTimeout):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, map[string]string{"detail": detail})
}
