package httpapi_test

import (
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dsguardian/guardian/agent"
	"github.com/dsguardian/guardian/metrics"
)

func TestAgentStructuredCommand(t *testing.T) {
	f := newFixture(t)
	startEcho(t, f.hub, "home/device/+/set", func(topic string, req map[string]any) (string, map[string]any) {
		return topic[:len(topic)-len("/set")] + "/state", req
	})
	before := testutil.ToFloat64(metrics.AgentCommands.WithLabelValues("structured", "ok"))

	rec := f.do(t, http.MethodPost, "/agent/command", map[string]any{
		"command": map[string]any{
			"tool": "control_light",
			"args": map[string]any{"device_id": "light_living_main", "state": true},
		},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
	if trace, _ := body["trace_id"].(string); len(trace) != 36 {
		t.Errorf("trace_id = %v", body["trace_id"])
	}
	result := body["result"].(map[string]any)
	if result["state"] != "ON" {
		t.Errorf("result = %v", result)
	}
	if got := testutil.ToFloat64(metrics.AgentCommands.WithLabelValues("structured", "ok")); got != before+1 {
		t.Errorf("agent_commands_total delta = %v, want 1", got-before)
	}
}

func TestAgentStructuredDryRun(t *testing.T) {
	f := newFixture(t)

	// No simulator is attached; a dry run must not touch the broker.
	rec := f.do(t, http.MethodPost, "/agent/command", map[string]any{
		"command": map[string]any{
			"tool": "lock_door",
			"args": map[string]any{"device_id": "lock_door"},
		},
		"dry_run": true,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "accepted" || body["dry_run"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestAgentStructuredForbidden(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/agent/command", map[string]any{
		"command": map[string]any{
			"tool": "unlock_door",
			"args": map[string]any{"device_id": "lock_door"},
		},
	}, map[string]string{"X-Role": "viewer"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAgentStructuredUnknownTool(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/agent/command", map[string]any{
		"command": map[string]any{"tool": "make_coffee"},
	}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["status"] != "not_implemented" {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestAgentIntentCommand(t *testing.T) {
	f := newFixture(t)
	startEcho(t, f.hub, "home/device/+/set", func(topic string, req map[string]any) (string, map[string]any) {
		return topic[:len(topic)-len("/set")] + "/state", req
	})
	startEcho(t, f.hub, "home/security/set", func(_ string, req map[string]any) (string, map[string]any) {
		return "home/security/state", req
	})

	rec := f.do(t, http.MethodPost, "/agent/command", map[string]any{"command": "prepare for sleep"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	steps := body["steps"].([]any)
	if len(steps) != 2 {
		t.Fatalf("steps = %v", steps)
	}
	first := steps[0].(map[string]any)
	second := steps[1].(map[string]any)
	if first["tool"] != "control_light" || first["status"] != agent.StatusOK {
		t.Errorf("first step = %v", first)
	}
	if second["tool"] != "arm_security" || second["status"] != agent.StatusOK {
		t.Errorf("second step = %v", second)
	}
}

func TestAgentIntentConfirmHoldsCritical(t *testing.T) {
	f := newFixture(t)
	startEcho(t, f.hub, "home/device/+/set", func(topic string, req map[string]any) (string, map[string]any) {
		return topic[:len(topic)-len("/set")] + "/state", req
	})

	rec := f.do(t, http.MethodPost, "/agent/command",
		map[string]any{"command": "prepare for sleep", "confirm": true}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	steps := decodeBody(t, rec)["steps"].([]any)
	if len(steps) != 2 {
		t.Fatalf("steps = %v", steps)
	}
	if got := steps[1].(map[string]any); got["status"] != agent.StatusNeedsConfirm {
		t.Errorf("critical step = %v", got)
	}
}

func TestAgentIntentWithoutPlan(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/agent/command", map[string]any{"command": "hello there"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
	if steps := body["steps"].([]any); len(steps) != 0 {
		t.Errorf("steps = %v", steps)
	}
}

func TestAgentCommandOtherShapes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/agent/command", map[string]any{"command": 42}, nil)
	if rec.Code != http.StatusAccepted || decodeBody(t, rec)["status"] != "not_implemented" {
		t.Errorf("numeric command = %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/agent/command", map[string]any{}, nil)
	if rec.Code != http.StatusAccepted {
		t.Errorf("missing command = %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/agent/command", `not json`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad body = %d %s", rec.Code, rec.Body.String())
	}
}
