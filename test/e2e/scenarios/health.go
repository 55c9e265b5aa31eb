package scenarios

import (
	"context"
	"fmt"
	"time"

	"github.com/dsguardian/guardian/test/e2e/client"
	"github.com/dsguardian/guardian/test/e2e/config"
)

// HealthScenario verifies the control plane is up, counts its registry and
// rules, and reports a live broker link.
type HealthScenario struct {
	name        string
	description string
	config      *config.Config
	http        *client.HTTPClient
}

// NewHealthScenario creates a new health scenario.
func NewHealthScenario(cfg *config.Config) *HealthScenario {
	return &HealthScenario{
		name:        "health",
		description: "Tests /health liveness fields and the broker link in /state",
		config:      cfg,
	}
}

// Name returns the scenario name.
func (s *HealthScenario) Name() string {
	return s.name
}

// Description returns the scenario description.
func (s *HealthScenario) Description() string {
	return s.description
}

// Setup waits for the service to come up.
func (s *HealthScenario) Setup(ctx context.Context) error {
	s.http = client.NewHTTPClient(s.config.CoreURL)
	setupCtx, cancel := context.WithTimeout(ctx, s.config.SetupTimeout)
	defer cancel()
	return s.http.WaitForHealthy(setupCtx)
}

// Execute runs the health scenario.
func (s *HealthScenario) Execute(ctx context.Context) (*Result, error) {
	result := NewResult(s.name)
	defer result.Complete()

	stages := []struct {
		name string
		fn   func(context.Context, *Result) error
	}{
		{"health-fields", s.stageHealthFields},
		{"broker-link", s.stageBrokerLink},
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
func (s *HealthScenario) Teardown(ctx context.Context) error {
	return nil
}

// stageHealthFields checks the shape of GET /health.
func (s *HealthScenario) stageHealthFields(ctx context.Context, result *Result) error {
	health, err := s.http.Health(ctx)
	if err != nil {
		return fmt.Errorf("get health: %w", err)
	}

	if ok, _ := health["ok"].(bool); !ok {
		return fmt.Errorf("health.ok = %v, want true", health["ok"])
	}
	uptime, ok := health["uptime_s"].(float64)
	if !ok || uptime < 0 {
		return fmt.Errorf("health.uptime_s = %v", health["uptime_s"])
	}
	devices, ok := health["devices"].(float64)
	if !ok {
		return fmt.Errorf("health.devices missing: %v", health)
	}
	if devices < 1 {
		result.AddWarning("device registry is empty; later scenarios need configs/devices.json loaded")
	}

	result.SetDetail("uptime_s", uptime)
	result.SetDetail("devices", devices)
	result.SetDetail("rules", health["rules"])
	return nil
}

// stageBrokerLink checks health["mqtt"] in the world snapshot.
func (s *HealthScenario) stageBrokerLink(ctx context.Context, result *Result) error {
	state, err := s.http.State(ctx)
	if err != nil {
		return fmt.Errorf("get state: %w", err)
	}
	if got := state.Health["mqtt"]; got != "ok" {
		return fmt.Errorf("state.health[mqtt] = %q, want ok", got)
	}
	result.SetDetail("security_mode", state.SecurityMode)
	return nil
}
