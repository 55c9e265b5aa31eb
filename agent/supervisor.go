// Package agent executes ordered plans of tool invocations with safety
// gating: dry runs, confirmation holds for critical tools, and a sliding
// rate window on critical actions.
package agent

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dsguardian/guardian/events"
	"github.com/dsguardian/guardian/metrics"
)

// Plan step statuses.
const (
	StatusOK           = "ok"
	StatusErr          = "err"
	StatusDryRun       = "dry_run"
	StatusNeedsConfirm = "needs_confirm"
	StatusRateLimited  = "rate_limited"
)

// criticalTools may fire at most criticalLimit times per criticalWindow and
// are held back entirely when a plan requires confirmation.
var criticalTools = map[string]bool{
	"lock_door":    true,
	"arm_security": true,
}

const (
	criticalWindow = time.Minute
	criticalLimit  = 3
)

// Step is one planned tool invocation.
type Step struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// StepResult is the outcome of one step.
type StepResult struct {
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args"`
	Status string         `json:"status"`
	LatMS  float64        `json:"lat_ms,omitempty"`
	Result any            `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Invoker dispatches a tool call by name.
type Invoker interface {
	Invoke(ctx context.Context, tool string, args map[string]any) (any, error)
}

// Supervisor sequences plan steps. A failing step stops the plan; earlier
// results stand, there is no rollback.
type Supervisor struct {
	invoker Invoker
	bus     *events.Bus
	logger  *slog.Logger

	mu     sync.Mutex
	window []time.Time
}

// NewSupervisor creates a supervisor publishing agent_step events to bus.
func NewSupervisor(invoker Invoker, bus *events.Bus, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		invoker: invoker,
		bus:     bus,
		logger:  logger.With("component", "agent"),
	}
}

// ExecutePlan walks steps in order and returns one result per attempted
// step. Gated steps (dry run, confirmation, rate limit) are skipped but do
// not stop the plan; an invocation error does.
func (s *Supervisor) ExecutePlan(ctx context.Context, steps []Step, dryRun, requireConfirm bool) []StepResult {
	results := make([]StepResult, 0, len(steps))
	for _, step := range steps {
		res := StepResult{Tool: step.Tool, Args: step.Args}

		if dryRun {
			res.Status = StatusDryRun
			results = append(results, res)
			continue
		}
		if requireConfirm && criticalTools[step.Tool] {
			res.Status = StatusNeedsConfirm
			results = append(results, res)
			continue
		}
		if criticalTools[step.Tool] && !s.allowCritical(time.Now()) {
			res.Status = StatusRateLimited
			results = append(results, res)
			s.logger.Warn("critical action rate limited", "tool", step.Tool)
			continue
		}

		start := time.Now()
		out, err := s.invoker.Invoke(ctx, step.Tool, step.Args)
		if err != nil {
			res.Status = StatusErr
			res.Error = err.Error()
			results = append(results, res)
			s.logger.Warn("plan step failed, aborting plan", "tool", step.Tool, "error", err)
			break
		}

		latMS := float64(time.Since(start)) / float64(time.Millisecond)
		metrics.AgentStepLatency.WithLabelValues(step.Tool).Observe(latMS)
		if criticalTools[step.Tool] {
			s.recordCritical(time.Now())
			metrics.CriticalActions.WithLabelValues(step.Tool).Inc()
		}

		res.Status = StatusOK
		res.LatMS = math.Round(latMS*100) / 100
		res.Result = out
		results = append(results, res)
		s.publishStep(res)
	}
	return results
}

// PlanFromIntent derives a minimal plan from free text. Only the
// prepare-for-night intent is recognized; everything else yields an empty
// plan. The heuristic is a placeholder for a real planner.
func (s *Supervisor) PlanFromIntent(intent string) []Step {
	if strings.Contains(intent, "ноч") || strings.Contains(intent, "sleep") || strings.Contains(intent, "night") {
		return []Step{
			{Tool: "control_light", Args: map[string]any{"device_id": "light_living_main", "state": true, "brightness": 20}},
			{Tool: "arm_security", Args: map[string]any{"mode": "night"}},
		}
	}
	return nil
}

func (s *Supervisor) publishStep(res StepResult) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.New(events.TypeAgentStep, map[string]any{
		"tool":   res.Tool,
		"args":   res.Args,
		"status": res.Status,
		"lat_ms": res.LatMS,
		"result": res.Result,
	}))
}

// allowCritical prunes the sliding window and reports whether another
// critical action fits.
func (s *Supervisor) allowCritical(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.window[:0]
	for _, t := range s.window {
		if now.Sub(t) < criticalWindow {
			kept = append(kept, t)
		}
	}
	s.window = kept
	return len(s.window) < criticalLimit
}

func (s *Supervisor) recordCritical(now time.Time) {
	s.mu.Lock()
	s.window = append(s.window, now)
	s.mu.Unlock()
}
