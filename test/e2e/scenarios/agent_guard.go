package scenarios

import (
	"context"
	"fmt"
	"time"

	"github.com/dsguardian/guardian/test/e2e/client"
	"github.com/dsguardian/guardian/test/e2e/config"
)

// nightIntent triggers the supervisor's prepare-for-night plan: a light
// step followed by the critical arm_security step.
const nightIntent = "prepare for night"

// AgentGuardScenario exercises the agent command surface and its safety
// gating: dry runs, confirmation holds, and the sliding critical-action
// window. Requires the device simulator.
type AgentGuardScenario struct {
	name        string
	description string
	config      *config.Config
	http        *client.HTTPClient
}

// NewAgentGuardScenario creates a new agent guard scenario.
func NewAgentGuardScenario(cfg *config.Config) *AgentGuardScenario {
	return &AgentGuardScenario{
		name:        "agent-guard",
		description: "Tests agent dry-run, confirmation hold, and the critical-action rate window",
		config:      cfg,
	}
}

// Name returns the scenario name.
func (s *AgentGuardScenario) Name() string {
	return s.name
}

// Description returns the scenario description.
func (s *AgentGuardScenario) Description() string {
	return s.description
}

// Setup waits for the service to come up.
func (s *AgentGuardScenario) Setup(ctx context.Context) error {
	s.http = client.NewHTTPClient(s.config.CoreURL)
	setupCtx, cancel := context.WithTimeout(ctx, s.config.SetupTimeout)
	defer cancel()
	return s.http.WaitForHealthy(setupCtx)
}

// Execute runs the agent guard scenario.
func (s *AgentGuardScenario) Execute(ctx context.Context) (*Result, error) {
	result := NewResult(s.name)
	defer result.Complete()

	stages := []struct {
		name string
		fn   func(context.Context, *Result) error
	}{
		{"dry-run", s.stageDryRun},
		{"confirm-hold", s.stageConfirmHold},
		{"structured-step", s.stageStructuredStep},
		{"critical-window", s.stageCriticalWindow},
		{"unknown-intent", s.stageUnknownIntent},
	}

	for _, stage := range stages {
		stageStart := time.Now()
		stageCtx, cancel := context.WithTimeout(ctx, s.config.StageTimeout)

		err := stage.fn(stageCtx, result)
		cancel()

		stageDuration := time.Since(stageStart)
		result.SetMetric(fmt.Sprintf("%s_duration_ms", stage.name), stageDuration.Milliseconds())

		if err != nil {
			result.AddStage(stage.name, false, stageDuration, err.Error())
			result.AddError(fmt.Sprintf("%s: %v", stage.name, err))
			result.Error = fmt.Sprintf("%s failed: %v", stage.name, err)
			return result, nil
		}

		result.AddStage(stage.name, true, stageDuration, "")
	}

	result.Success = true
	return result, nil
}

// Teardown cleans up after the scenario.
func (s *AgentGuardScenario) Teardown(ctx context.Context) error {
	return nil
}

// stageDryRun plans the night intent without executing anything.
func (s *AgentGuardScenario) stageDryRun(ctx context.Context, result *Result) error {
	resp, err := s.http.AgentCommand(ctx, nightIntent, true, false)
	if err != nil {
		return fmt.Errorf("agent command: %w", err)
	}
	if len(resp.Steps) == 0 {
		return fmt.Errorf("dry run produced no steps")
	}
	for _, step := range resp.Steps {
		if got, _ := step["status"].(string); got != "dry_run" {
			return fmt.Errorf("step %v status = %q, want dry_run", step["tool"], got)
		}
	}
	result.SetDetail("plan_steps", len(resp.Steps))
	return nil
}

// stageConfirmHold asks for confirmation and expects the critical step to
// be held while the ordinary step runs.
func (s *AgentGuardScenario) stageConfirmHold(ctx context.Context, result *Result) error {
	resp, err := s.http.AgentCommand(ctx, nightIntent, false, true)
	if err != nil {
		return fmt.Errorf("agent command: %w", err)
	}
	held := false
	for _, step := range resp.Steps {
		tool, _ := step["tool"].(string)
		status, _ := step["status"].(string)
		switch tool {
		case "arm_security":
			if status != "needs_confirm" {
				return fmt.Errorf("arm_security status = %q, want needs_confirm", status)
			}
			held = true
		case "control_light":
			if status != "ok" {
				return fmt.Errorf("control_light status = %q: %v", status, step["error"])
			}
		}
	}
	if !held {
		return fmt.Errorf("no arm_security step in plan: %v", resp.Steps)
	}
	return nil
}

// stageStructuredStep sends a single {tool, args} object command.
func (s *AgentGuardScenario) stageStructuredStep(ctx context.Context, result *Result) error {
	resp, err := s.http.AgentCommand(ctx, map[string]any{
		"tool": "control_light",
		"args": map[string]any{"device_id": config.TestLight, "state": false},
	}, false, false)
	if err != nil {
		return fmt.Errorf("agent command: %w", err)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.TraceID == "" {
		return fmt.Errorf("missing trace_id")
	}
	result.SetDetail("trace_id", resp.TraceID)
	return nil
}

// stageCriticalWindow fires the night plan until the sliding window clamps
// arm_security. At most three critical actions fit per minute, so four
// consecutive plans must produce at least one rate_limited step.
func (s *AgentGuardScenario) stageCriticalWindow(ctx context.Context, result *Result) error {
	var statuses []string
	for i := 0; i < 4; i++ {
		resp, err := s.http.AgentCommand(ctx, nightIntent, false, false)
		if err != nil {
			return fmt.Errorf("agent command %d: %w", i+1, err)
		}
		for _, step := range resp.Steps {
			if tool, _ := step["tool"].(string); tool != "arm_security" {
				continue
			}
			status, _ := step["status"].(string)
			if status != "ok" && status != "rate_limited" {
				return fmt.Errorf("arm_security run %d status = %q: %v", i+1, status, step["error"])
			}
			statuses = append(statuses, status)
		}
	}
	result.SetDetail("arm_security_statuses", statuses)

	if len(statuses) != 4 {
		return fmt.Errorf("saw %d arm_security steps, want 4: %v", len(statuses), statuses)
	}
	limited := 0
	for _, st := range statuses {
		if st == "rate_limited" {
			limited++
		}
	}
	if limited == 0 {
		return fmt.Errorf("window never clamped: %v", statuses)
	}
	if limited == len(statuses) {
		return fmt.Errorf("every run was rate limited; window not recovering: %v", statuses)
	}
	return nil
}

// stageUnknownIntent verifies unrecognized text yields an empty plan.
func (s *AgentGuardScenario) stageUnknownIntent(ctx context.Context, result *Result) error {
	resp, err := s.http.AgentCommand(ctx, "make me a sandwich", false, false)
	if err != nil {
		return fmt.Errorf("agent command: %w", err)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("status = %q, want ok", resp.Status)
	}
	if len(resp.Steps) != 0 {
		return fmt.Errorf("unexpected steps for unknown intent: %v", resp.Steps)
	}
	return nil
}
