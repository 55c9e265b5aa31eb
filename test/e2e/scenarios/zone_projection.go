package scenarios

import (
	"context"
	"fmt"
	"time"

	"github.com/dsguardian/guardian/test/e2e/client"
	"github.com/dsguardian/guardian/test/e2e/config"
)

// ZoneProjectionScenario publishes raw sensor reports on the broker and
// verifies the context manager folds them into per-room zones.
type ZoneProjectionScenario struct {
	name        string
	description string
	config      *config.Config
	http        *client.HTTPClient
	mqtt        *client.MQTTClient
}

// NewZoneProjectionScenario creates a new zone projection scenario.
func NewZoneProjectionScenario(cfg *config.Config) *ZoneProjectionScenario {
	return &ZoneProjectionScenario{
		name:        "zone-projection",
		description: "Tests broker-side sensor reports projecting into zone presence and illuminance",
		config:      cfg,
	}
}

// Name returns the scenario name.
func (s *ZoneProjectionScenario) Name() string {
	return s.name
}

// Description returns the scenario description.
func (s *ZoneProjectionScenario) Description() string {
	return s.description
}

// Setup waits for the service and dials the broker.
func (s *ZoneProjectionScenario) Setup(ctx context.Context) error {
	s.http = client.NewHTTPClient(s.config.CoreURL)
	setupCtx, cancel := context.WithTimeout(ctx, s.config.SetupTimeout)
	defer cancel()
	if err := s.http.WaitForHealthy(setupCtx); err != nil {
		return err
	}

	mqtt, err := client.NewMQTTClient(setupCtx, s.config.MQTTURL)
	if err != nil {
		return err
	}
	s.mqtt = mqtt
	return nil
}

// Execute runs the zone projection scenario.
func (s *ZoneProjectionScenario) Execute(ctx context.Context) (*Result, error) {
	result := NewResult(s.name)
	defer result.Complete()

	stages := []struct {
		name string
		fn   func(context.Context, *Result) error
	}{
		{"motion-presence", s.stageMotionPresence},
		{"illuminance", s.stageIlluminance},
		{"motion-clear", s.stageMotionClear},
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

// Teardown closes the broker session.
func (s *ZoneProjectionScenario) Teardown(ctx context.Context) error {
	if s.mqtt == nil {
		return nil
	}
	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.mqtt.Close(closeCtx)
}

// stageMotionPresence publishes motion=true and waits for zone presence.
func (s *ZoneProjectionScenario) stageMotionPresence(ctx context.Context, result *Result) error {
	err := s.mqtt.PublishJSON(ctx, config.MotionStateTopic, map[string]any{
		"type": "motion", "value": true,
	})
	if err != nil {
		return err
	}
	return s.waitForZone(ctx, config.TestMotionZone, func(z client.ZonePayload) bool {
		return z.Presence != nil && *z.Presence
	}, "presence true")
}

// stageIlluminance publishes a lux reading and waits for the zone value.
func (s *ZoneProjectionScenario) stageIlluminance(ctx context.Context, result *Result) error {
	err := s.mqtt.PublishJSON(ctx, config.LuxStateTopic, map[string]any{
		"type": "illuminance", "lux": 123.5,
	})
	if err != nil {
		return err
	}
	return s.waitForZone(ctx, config.TestLuxZone, func(z client.ZonePayload) bool {
		return z.Illuminance != nil && *z.Illuminance == 123.5
	}, "illuminance 123.5")
}

// stageMotionClear publishes motion=false; the zero value must clear
// presence rather than leave it sticky.
func (s *ZoneProjectionScenario) stageMotionClear(ctx context.Context, result *Result) error {
	err := s.mqtt.PublishJSON(ctx, config.MotionStateTopic, map[string]any{
		"type": "motion", "value": false,
	})
	if err != nil {
		return err
	}
	return s.waitForZone(ctx, config.TestMotionZone, func(z client.ZonePayload) bool {
		return z.Presence != nil && !*z.Presence
	}, "presence false")
}

func (s *ZoneProjectionScenario) waitForZone(ctx context.Context, zone string, pred func(client.ZonePayload) bool, want string) error {
	waitCtx, cancel := context.WithTimeout(ctx, config.DefaultWaitTimeout)
	defer cancel()
	ticker := time.NewTicker(config.DefaultPollInterval)
	defer ticker.Stop()

	for {
		state, err := s.http.State(waitCtx)
		if err == nil {
			if z, ok := state.Zones[zone]; ok && pred(z) {
				return nil
			}
		}
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("zone %q never reached %s: %w", zone, want, waitCtx.Err())
		case <-ticker.C:
		}
	}
}
