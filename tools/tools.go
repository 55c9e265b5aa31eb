// Package tools is the typed command surface over the broker: one operation
// per device capability, each publishing a command and confirming it against
// the device's echoed state.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/dsguardian/guardian/broker"
	"github.com/dsguardian/guardian/device"
)

// StatusWaitTimeout bounds bare state reads (no command published first).
const StatusWaitTimeout = time.Second

// Security aggregate topics. Security is not a registry device; any number
// of physical devices may sit behind the aggregate.
const (
	securitySetTopic   = "home/security/set"
	securityStateTopic = "home/security/state"
)

// ErrUnknownTool is returned by Invoke for a tool name outside the catalog.
var ErrUnknownTool = errors.New("unknown tool")

// ErrBadArgs is returned by Invoke when a required argument is missing or
// has the wrong shape.
var ErrBadArgs = errors.New("invalid tool arguments")

// Service executes device commands over a shared broker client.
type Service struct {
	broker   *broker.Client
	registry *device.Registry
	logger   *slog.Logger
}

// NewService creates the tool service.
func NewService(b *broker.Client, registry *device.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{broker: b, registry: registry, logger: logger.With("component", "tools")}
}

// GetDeviceStatus waits for the next state report from a device.
func (s *Service) GetDeviceStatus(ctx context.Context, deviceID string) (device.State, error) {
	desc, ok := s.registry.Get(deviceID)
	if !ok {
		return device.State{}, fmt.Errorf("%w: %s", device.ErrUnknownDevice, deviceID)
	}
	return s.broker.WaitForState(ctx, desc.Topics.State, nil, StatusWaitTimeout)
}

// GetSensorData waits for the next report on a sensor's conventional state
// topic. Sensors are not required to be registered.
func (s *Service) GetSensorData(ctx context.Context, sensorID string) (device.State, error) {
	topic := fmt.Sprintf("home/sensor/%s/state", sensorID)
	return s.broker.WaitForState(ctx, topic, nil, StatusWaitTimeout)
}

// EmitSensor publishes a synthetic sensor reading without waiting for an
// echo. Intended for exercising rules and simulations.
func (s *Service) EmitSensor(ctx context.Context, sensorID string, value any) error {
	topic := fmt.Sprintf("home/sensor/%s/state", sensorID)
	return s.broker.PublishNoWait(ctx, topic, map[string]any{"type": "generic", "value": value})
}

// ControlLight switches a light and optionally sets brightness. Brightness
// is clamped to 0..100; the confirmation tolerates a drift of up to 5 when
// the echo reports brightness at all.
func (s *Service) ControlLight(ctx context.Context, deviceID string, on bool, brightness *int) (device.State, error) {
	desc, err := s.registry.Require(deviceID, device.KindLight)
	if err != nil {
		return device.State{}, err
	}

	state := "OFF"
	if on {
		state = "ON"
	}
	payload := map[string]any{"type": "light", "state": state}
	var want int
	if brightness != nil {
		want = clampInt(*brightness, 0, 100)
		payload["brightness"] = want
	}

	pred := func(st device.State) bool {
		if st.Light == nil {
			return false
		}
		if brightness != nil {
			if _, has := st.Raw["brightness"]; has {
				got := -1.0
				if st.Light.Brightness != nil {
					got = *st.Light.Brightness
				}
				return st.Light.State == state && math.Abs(got-float64(want)) <= 5
			}
		}
		return st.Light.State == state
	}
	return s.broker.PublishAndWait(ctx, desc.Topics.Set, payload, desc.Topics.State, pred, 0)
}

// LockDoor drives a lock to LOCKED and confirms the echo.
func (s *Service) LockDoor(ctx context.Context, deviceID string) (device.State, error) {
	return s.setLock(ctx, deviceID, "LOCKED")
}

// UnlockDoor drives a lock to UNLOCKED and confirms the echo.
func (s *Service) UnlockDoor(ctx context.Context, deviceID string) (device.State, error) {
	return s.setLock(ctx, deviceID, "UNLOCKED")
}

func (s *Service) setLock(ctx context.Context, deviceID, state string) (device.State, error) {
	desc, err := s.registry.Require(deviceID, device.KindLock)
	if err != nil {
		return device.State{}, err
	}
	payload := map[string]any{"type": "lock", "state": state}
	pred := func(st device.State) bool {
		return st.Lock != nil && st.Lock.State == state
	}
	return s.broker.PublishAndWait(ctx, desc.Topics.Set, payload, desc.Topics.State, pred, 0)
}

// CoverSetPosition moves a cover to a position in 0..100. The confirmation
// tolerates a drift of up to 2; an echo without a position counts as -1.
func (s *Service) CoverSetPosition(ctx context.Context, deviceID string, position int) (device.State, error) {
	desc, err := s.registry.Require(deviceID, device.KindCover)
	if err != nil {
		return device.State{}, err
	}
	want := clampInt(position, 0, 100)
	payload := map[string]any{"type": "cover", "position": want}
	pred := func(st device.State) bool {
		if st.Cover == nil {
			return false
		}
		got := -1
		if st.Cover.Position != nil {
			got = int(*st.Cover.Position)
		}
		return absInt(got-want) <= 2
	}
	return s.broker.PublishAndWait(ctx, desc.Topics.Set, payload, desc.Topics.State, pred, 0)
}

// SwitchOn turns a switch on.
func (s *Service) SwitchOn(ctx context.Context, deviceID string) (device.State, error) {
	return s.setSimple(ctx, deviceID, device.KindSwitch, "switch", "ON")
}

// SwitchOff turns a switch off.
func (s *Service) SwitchOff(ctx context.Context, deviceID string) (device.State, error) {
	return s.setSimple(ctx, deviceID, device.KindSwitch, "switch", "OFF")
}

// SirenOn sounds a siren.
func (s *Service) SirenOn(ctx context.Context, deviceID string) (device.State, error) {
	return s.setSimple(ctx, deviceID, device.KindSiren, "siren", "ON")
}

// SirenOff silences a siren.
func (s *Service) SirenOff(ctx context.Context, deviceID string) (device.State, error) {
	return s.setSimple(ctx, deviceID, device.KindSiren, "siren", "OFF")
}

func (s *Service) setSimple(ctx context.Context, deviceID string, kind device.Kind, typ, state string) (device.State, error) {
	desc, err := s.registry.Require(deviceID, kind)
	if err != nil {
		return device.State{}, err
	}
	payload := map[string]any{"type": typ, "state": state}
	pred := func(st device.State) bool {
		switch typ {
		case "switch":
			return st.Switch != nil && st.Switch.State == state
		case "siren":
			return st.Siren != nil && st.Siren.State == state
		}
		return false
	}
	return s.broker.PublishAndWait(ctx, desc.Topics.Set, payload, desc.Topics.State, pred, 0)
}

// SetThermostat sets a target temperature; the confirmation tolerates a
// drift of up to 0.5 degrees.
func (s *Service) SetThermostat(ctx context.Context, deviceID string, temperature float64) (device.State, error) {
	desc, err := s.registry.Require(deviceID, device.KindThermostat)
	if err != nil {
		return device.State{}, err
	}
	payload := map[string]any{"type": "thermostat", "target": temperature}
	pred := func(st device.State) bool {
		if st.Thermostat == nil {
			return false
		}
		got := -9999.0
		if st.Thermostat.Target != nil {
			got = *st.Thermostat.Target
		}
		return math.Abs(got-temperature) <= 0.5
	}
	return s.broker.PublishAndWait(ctx, desc.Topics.Set, payload, desc.Topics.State, pred, 0)
}

// ArmSecurity arms the security aggregate in the given mode.
func (s *Service) ArmSecurity(ctx context.Context, mode string) (device.State, error) {
	return s.setSecurity(ctx, mode)
}

// DisarmSecurity disarms the security aggregate.
func (s *Service) DisarmSecurity(ctx context.Context) (device.State, error) {
	return s.setSecurity(ctx, "disarmed")
}

func (s *Service) setSecurity(ctx context.Context, mode string) (device.State, error) {
	payload := map[string]any{"type": "security", "mode": mode}
	pred := func(st device.State) bool {
		return st.Security != nil && st.Security.Mode == mode
	}
	return s.broker.PublishAndWait(ctx, securitySetTopic, payload, securityStateTopic, pred, 0)
}

// CameraSnapshotURL reports where the latest snapshot for a camera would be
// found. Frame capture is handled outside this service, so without an
// attached object store there is no URL to hand out.
func (s *Service) CameraSnapshotURL(deviceID string) map[string]any {
	return map[string]any{"url": nil}
}

// CameraSnapshot requests a fresh frame for a camera. Capture and upload are
// handled outside this service, so the response carries no image data.
func (s *Service) CameraSnapshot(deviceID string) map[string]any {
	return map[string]any{"device_id": deviceID, "snapshot": nil}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
