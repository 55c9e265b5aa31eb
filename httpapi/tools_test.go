package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dsguardian/guardian/metrics"
)

func TestControlLightEndpoint(t *testing.T) {
	f := newFixture(t)
	startEcho(t, f.hub, "home/device/light_living_main/set", func(_ string, req map[string]any) (string, map[string]any) {
		req["brightness"] = req["brightness"].(float64) - 3
		return "home/device/light_living_main/state", req
	})
	before := testutil.ToFloat64(metrics.ToolCalls.WithLabelValues("control_light", "ok"))

	rec := f.do(t, http.MethodPost, "/tools/control_light",
		map[string]any{"device_id": "light_living_main", "state": true, "brightness": 50}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	result := decodeBody(t, rec)["result"].(map[string]any)
	if result["state"] != "ON" || result["brightness"] != float64(47) {
		t.Errorf("result = %v", result)
	}

	if got := testutil.ToFloat64(metrics.ToolCalls.WithLabelValues("control_light", "ok")); got != before+1 {
		t.Errorf("tool_calls_total delta = %v, want 1", got-before)
	}

	// The call leaves one audit line behind.
	raw, err := os.ReadFile(f.auditPath)
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("decode audit line: %v", err)
	}
	if entry["actor"] != "api" || entry["role"] != "admin" || entry["action"] != "control_light" || entry["result"] != "ok" {
		t.Errorf("audit entry = %v", entry)
	}
	if hash, _ := entry["args_hash"].(string); len(hash) != 16 {
		t.Errorf("args_hash = %v", entry["args_hash"])
	}
}

func TestToolValidationRejectsBadBodies(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		path string
		body any
	}{
		{"light missing device_id", "/tools/control_light", map[string]any{"state": true}},
		{"light missing state", "/tools/control_light", map[string]any{"device_id": "light_living_main"}},
		{"light brightness too high", "/tools/control_light", map[string]any{"device_id": "light_living_main", "state": true, "brightness": 150}},
		{"light not json", "/tools/control_light", `{{{`},
		{"thermostat missing temperature", "/tools/set_thermostat", map[string]any{"device_id": "thermostat_main"}},
		{"thermostat out of range", "/tools/set_thermostat", map[string]any{"device_id": "thermostat_main", "temperature": 40}},
		{"cover missing position", "/tools/cover_set_position", map[string]any{"device_id": "cover_kitchen"}},
		{"cover position negative", "/tools/cover_set_position", map[string]any{"device_id": "cover_kitchen", "position": -5}},
		{"security bad mode", "/tools/arm_security", map[string]any{"mode": "vacation"}},
		{"snapshot missing camera", "/tools/camera_snapshot", map[string]any{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, tc.path, tc.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestToolRoleChecks(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/tools/control_light",
		map[string]any{"device_id": "light_living_main", "state": true},
		map[string]string{"X-Role": "viewer"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("viewer status = %d: %s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["detail"] != "Forbidden" {
		t.Errorf("detail = %s", rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/tools/lock_door",
		map[string]any{"device_id": "lock_door"},
		map[string]string{"X-Role": "ghost"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unknown role status = %d", rec.Code)
	}

	// Viewer may read status; publish a report so the wait returns.
	pub := f.hub.Connect()
	defer pub.Close(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = pub.Publish(context.Background(), "home/device/light_living_main/state",
			[]byte(`{"type":"light","state":"ON"}`), 1, false)
	}()
	rec = f.do(t, http.MethodGet, "/tools/get_device_status?device_id=light_living_main", nil,
		map[string]string{"X-Role": "viewer"})
	if rec.Code != http.StatusOK {
		t.Fatalf("viewer read status = %d: %s", rec.Code, rec.Body.String())
	}
	result := decodeBody(t, rec)["result"].(map[string]any)
	if result["state"] != "ON" {
		t.Errorf("result = %v", result)
	}
}

func TestToolErrorsMapToStatusCodes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/tools/lock_door", map[string]any{"device_id": "no_such"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown device status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/tools/lock_door", map[string]any{"device_id": "light_living_main"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("wrong type status = %d: %s", rec.Code, rec.Body.String())
	}

	// No simulator answers, so the confirmation wait expires.
	rec = f.do(t, http.MethodPost, "/tools/lock_door", map[string]any{"device_id": "lock_door"}, nil)
	if rec.Code != http.StatusRequestTimeout {
		t.Errorf("timeout status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestArmAndDisarmSecurity(t *testing.T) {
	f := newFixture(t)
	startEcho(t, f.hub, "home/security/set", func(_ string, req map[string]any) (string, map[string]any) {
		return "home/security/state", req
	})

	// Mode defaults to away.
	rec := f.do(t, http.MethodPost, "/tools/arm_security", map[string]any{}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("arm status = %d: %s", rec.Code, rec.Body.String())
	}
	if result := decodeBody(t, rec)["result"].(map[string]any); result["mode"] != "away" {
		t.Errorf("result = %v", result)
	}

	rec = f.do(t, http.MethodPost, "/tools/arm_security", map[string]any{"mode": "night"}, nil)
	if result := decodeBody(t, rec)["result"].(map[string]any); result["mode"] != "night" {
		t.Errorf("result = %v", result)
	}

	// Disarm takes no body at all.
	rec = f.do(t, http.MethodPost, "/tools/disarm_security", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("disarm status = %d: %s", rec.Code, rec.Body.String())
	}
	if result := decodeBody(t, rec)["result"].(map[string]any); result["mode"] != "disarmed" {
		t.Errorf("result = %v", result)
	}
}

func TestEmitSensorEndpoint(t *testing.T) {
	f := newFixture(t)
	peer := f.hub.Connect()
	if err := peer.Subscribe(context.Background(), "home/sensor/+/state", 1); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer peer.Close(context.Background())

	rec := f.do(t, http.MethodPost, "/tools/emit_sensor", map[string]any{"sensor_id": "m9", "value": 42}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["result"] != nil {
		t.Errorf("result = %v, want null", body["result"])
	}

	select {
	case msg := <-peer.Messages():
		if msg.Topic != "home/sensor/m9/state" {
			t.Fatalf("topic = %s", msg.Topic)
		}
		var payload map[string]any
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if payload["type"] != "generic" || payload["value"] != float64(42) {
			t.Fatalf("payload = %v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no sensor message published")
	}
}

func TestSensorReadEndpoints(t *testing.T) {
	f := newFixture(t)
	pub := f.hub.Connect()
	defer pub.Close(context.Background())

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = pub.Publish(context.Background(), "home/sensor/m1/state",
			[]byte(`{"type":"motion","value":true}`), 1, false)
	}()
	rec := f.do(t, http.MethodGet, "/tools/get_sensor_data?sensor_id=m1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	result := decodeBody(t, rec)["result"].(map[string]any)
	if result["type"] != "motion" || result["value"] != true {
		t.Errorf("result = %v", result)
	}

	if rec := f.do(t, http.MethodGet, "/tools/get_sensor_data", nil, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("missing sensor_id status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/tools/get_device_status", nil, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("missing device_id status = %d", rec.Code)
	}
}

func TestCameraEndpoints(t *testing.T) {
	f := newFixture(t)

	// The URL endpoint answers with the bare placeholder, no result wrapper.
	rec := f.do(t, http.MethodGet, "/tools/camera_snapshot_url?camera_id=cam_door", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if _, wrapped := body["result"]; wrapped {
		t.Errorf("body = %v, want bare payload", body)
	}
	if url, present := body["url"]; !present || url != nil {
		t.Errorf("url = %v, want null", body["url"])
	}

	if rec := f.do(t, http.MethodGet, "/tools/camera_snapshot_url", nil, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("missing camera_id status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/tools/camera_snapshot", map[string]any{"camera_id": "cam_door"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot status = %d: %s", rec.Code, rec.Body.String())
	}
	result := decodeBody(t, rec)["result"].(map[string]any)
	if result["device_id"] != "cam_door" {
		t.Errorf("result = %v", result)
	}
	if snap, present := result["snapshot"]; !present || snap != nil {
		t.Errorf("snapshot = %v, want null", result["snapshot"])
	}
}
