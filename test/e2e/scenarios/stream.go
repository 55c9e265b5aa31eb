package scenarios

import (
	"context"
	"fmt"
	"time"

	"github.com/dsguardian/guardian/test/e2e/client"
	"github.com/dsguardian/guardian/test/e2e/config"
)

// StreamScenario verifies the SSE feed: an immediate heartbeat frame on
// connect, then live bus events as the world changes.
type StreamScenario struct {
	name        string
	description string
	config      *config.Config
	http        *client.HTTPClient
	stream      *client.Stream
}

// NewStreamScenario creates a new stream scenario.
func NewStreamScenario(cfg *config.Config) *StreamScenario {
	return &StreamScenario{
		name:        "stream",
		description: "Tests SSE heartbeat-on-connect and state_update delivery",
		config:      cfg,
	}
}

// Name returns the scenario name.
func (s *StreamScenario) Name() string {
	return s.name
}

// Description returns the scenario description.
func (s *StreamScenario) Description() string {
	return s.description
}

// Setup waits for the service to come up.
func (s *StreamScenario) Setup(ctx context.Context) error {
	s.http = client.NewHTTPClient(s.config.CoreURL)
	setupCtx, cancel := context.WithTimeout(ctx, s.config.SetupTimeout)
	defer cancel()
	return s.http.WaitForHealthy(setupCtx)
}

// Execute runs the stream scenario.
func (s *StreamScenario) Execute(ctx context.Context) (*Result, error) {
	result := NewResult(s.name)
	defer result.Complete()

	stages := []struct {
		name string
		fn   func(context.Context, *Result) error
	}{
		{"heartbeat-on-connect", s.stageHeartbeat},
		{"event-delivery", s.stageEventDelivery},
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

// Teardown closes the stream.
func (s *StreamScenario) Teardown(ctx context.Context) error {
	if s.stream != nil {
		s.stream.Close()
	}
	return nil
}

// stageHeartbeat opens the stream and expects the first frame immediately.
func (s *StreamScenario) stageHeartbeat(ctx context.Context, result *Result) error {
	stream, err := s.http.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	s.stream = stream

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ev, err := stream.Next(waitCtx)
	if err != nil {
		return fmt.Errorf("first frame: %w", err)
	}
	if ev.Type != "heartbeat" {
		return fmt.Errorf("first frame type = %q, want heartbeat", ev.Type)
	}
	if ts, _ := ev.Data["ts"].(float64); ts <= 0 {
		return fmt.Errorf("heartbeat ts = %v", ev.Data["ts"])
	}
	return nil
}

// stageEventDelivery injects a sensor reading and waits for the resulting
// state_update frame. Other event types (insights, agent steps from earlier
// traffic) may interleave and are skipped.
func (s *StreamScenario) stageEventDelivery(ctx context.Context, result *Result) error {
	_, err := s.http.InvokeTool(ctx, "emit_sensor", map[string]any{
		"sensor_id": config.TestLuxSensor,
		"value":     7,
	})
	if err != nil {
		return fmt.Errorf("emit_sensor: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, config.DefaultWaitTimeout)
	defer cancel()
	skipped := 0
	for {
		ev, err := s.stream.Next(waitCtx)
		if err != nil {
			return fmt.Errorf("no state_update after %d other frames: %w", skipped, err)
		}
		if ev.Type == "state_update" {
			if _, ok := ev.Data["snapshot"]; !ok {
				return fmt.Errorf("state_update frame missing snapshot: %v", ev.Data)
			}
			result.SetMetric("frames_skipped", skipped)
			return nil
		}
		skipped++
	}
}
