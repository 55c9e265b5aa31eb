package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/dsguardian/guardian/device"
	"github.com/dsguardian/guardian/metrics"
)

// Known reports whether tool is in the Invoke catalog.
func Known(tool string) bool {
	switch tool {
	case "control_light", "lock_door", "unlock_door", "cover_set_position",
		"arm_security", "disarm_security":
		return true
	}
	return false
}

// Invoke dispatches a plan step by tool name. The catalog is the set of
// tools plans may reference; requests outside it fail with ErrUnknownTool.
// Every call is counted and timed regardless of caller.
func (s *Service) Invoke(ctx context.Context, tool string, args map[string]any) (result any, err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "err"
		}
		metrics.ToolCalls.WithLabelValues(tool, outcome).Inc()
		metrics.ToolCallLatency.WithLabelValues(tool).Observe(float64(time.Since(start)) / float64(time.Millisecond))
	}()

	switch tool {
	case "control_light":
		id, err := requireString(args, "device_id")
		if err != nil {
			return nil, err
		}
		on := true
		if v, ok := args["state"]; ok {
			on = device.Truthy(v)
		}
		brightness, err := optionalInt(args, "brightness")
		if err != nil {
			return nil, err
		}
		return s.ControlLight(ctx, id, on, brightness)
	case "lock_door":
		id, err := requireString(args, "device_id")
		if err != nil {
			return nil, err
		}
		return s.LockDoor(ctx, id)
	case "unlock_door":
		id, err := requireString(args, "device_id")
		if err != nil {
			return nil, err
		}
		return s.UnlockDoor(ctx, id)
	case "cover_set_position":
		id, err := requireString(args, "device_id")
		if err != nil {
			return nil, err
		}
		pos, err := requireInt(args, "position")
		if err != nil {
			return nil, err
		}
		return s.CoverSetPosition(ctx, id, pos)
	case "arm_security":
		mode := "away"
		if v, ok := args["mode"].(string); ok && v != "" {
			mode = v
		}
		return s.ArmSecurity(ctx, mode)
	case "disarm_security":
		return s.DisarmSecurity(ctx)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTool, tool)
}

func requireString(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s must be a non-empty string", ErrBadArgs, key)
	}
	return v, nil
}

func requireInt(args map[string]any, key string) (int, error) {
	v, err := optionalInt(args, key)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, fmt.Errorf("%w: %s is required", ErrBadArgs, key)
	}
	return *v, nil
}

func optionalInt(args map[string]any, key string) (*int, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch n := raw.(type) {
	case float64:
		v := int(n)
		return &v, nil
	case int:
		v := n
		return &v, nil
	}
	return nil, fmt.Errorf("%w: %s must be a number", ErrBadArgs, key)
}
