package scenarios

import (
	"context"
	"fmt"
	"time"

	"github.com/dsguardian/guardian/test/e2e/client"
	"github.com/dsguardian/guardian/test/e2e/config"
)

// HistoryScenario verifies bus events reach the persistent archive and come
// back newest-first through the history endpoint.
type HistoryScenario struct {
	name        string
	description string
	config      *config.Config
	http        *client.HTTPClient
}

// NewHistoryScenario creates a new history scenario.
func NewHistoryScenario(cfg *config.Config) *HistoryScenario {
	return &HistoryScenario{
		name:        "history",
		description: "Tests event archiving, newest-first ordering, and type filtering",
		config:      cfg,
	}
}

// Name returns the scenario name.
func (s *HistoryScenario) Name() string {
	return s.name
}

// Description returns the scenario description.
func (s *HistoryScenario) Description() string {
	return s.description
}

// Setup waits for the service to come up.
func (s *HistoryScenario) Setup(ctx context.Context) error {
	s.http = client.NewHTTPClient(s.config.CoreURL)
	setupCtx, cancel := context.WithTimeout(ctx, s.config.SetupTimeout)
	defer cancel()
	return s.http.WaitForHealthy(setupCtx)
}

// Execute runs the history scenario.
func (s *HistoryScenario) Execute(ctx context.Context) (*Result, error) {
	result := NewResult(s.name)
	defer result.Complete()

	stages := []struct {
		name string
		fn   func(context.Context, *Result) error
	}{
		{"generate-traffic", s.stageGenerateTraffic},
		{"query-ordering", s.stageQueryOrdering},
		{"type-filter", s.stageTypeFilter},
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
func (s *HistoryScenario) Teardown(ctx context.Context) error {
	return nil
}

// stageGenerateTraffic injects a sensor reading so the archive has at least
// one fresh state_update row.
func (s *HistoryScenario) stageGenerateTraffic(ctx context.Context, result *Result) error {
	_, err := s.http.InvokeTool(ctx, "emit_sensor", map[string]any{
		"sensor_id": config.TestLuxSensor,
		"value":     42,
	})
	if err != nil {
		return fmt.Errorf("emit_sensor: %w", err)
	}
	return nil
}

// stageQueryOrdering polls until the fresh row is archived, then checks the
// newest-first contract.
func (s *HistoryScenario) stageQueryOrdering(ctx context.Context, result *Result) error {
	waitCtx, cancel := context.WithTimeout(ctx, config.DefaultWaitTimeout)
	defer cancel()
	ticker := time.NewTicker(config.DefaultPollInterval)
	defer ticker.Stop()

	var events []map[string]any
	for {
		var err error
		events, err = s.http.History(waitCtx, 50, "")
		if err == nil && len(events) > 0 {
			break
		}
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("archive stayed empty: %w", waitCtx.Err())
		case <-ticker.C:
		}
	}

	prev := -1.0
	for i, ev := range events {
		if _, ok := ev["type"].(string); !ok {
			return fmt.Errorf("event %d has no type: %v", i, ev)
		}
		ts, ok := ev["ts"].(float64)
		if !ok {
			return fmt.Errorf("event %d has no ts: %v", i, ev)
		}
		if prev >= 0 && ts > prev {
			return fmt.Errorf("event %d newer than its predecessor (%f > %f)", i, ts, prev)
		}
		prev = ts
	}
	result.SetMetric("archived_events", len(events))
	return nil
}

// stageTypeFilter queries with an etype filter and expects only that type.
func (s *HistoryScenario) stageTypeFilter(ctx context.Context, result *Result) error {
	events, err := s.http.History(ctx, 10, "state_update")
	if err != nil {
		return fmt.Errorf("filtered history: %w", err)
	}
	if len(events) == 0 {
		return fmt.Errorf("no state_update rows; ingest traffic should have produced some")
	}
	for i, ev := range events {
		if got, _ := ev["type"].(string); got != "state_update" {
			return fmt.Errorf("event %d type = %q, want state_update", i, got)
		}
	}
	return nil
}
