package rules_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dsguardian/guardian/device"
	"github.com/dsguardian/guardian/rules"
	"github.com/dsguardian/guardian/state"
)

type staticSource struct {
	snap state.Snapshot
}

func (s staticSource) Snapshot() state.Snapshot { return s.snap }

type actionCall struct {
	tool string
	args map[string]any
}

type fakeActions struct {
	mu       sync.Mutex
	calls    []actionCall
	failures int
}

func (f *fakeActions) Invoke(_ context.Context, tool string, args map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, actionCall{tool: tool, args: args})
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("transport down")
	}
	return nil, nil
}

func (f *fakeActions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func mustDecode(t *testing.T, js string) []rules.Rule {
	t.Helper()
	rs, err := rules.Decode([]byte(js))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return rs
}

func snapWith(t *testing.T, entityID, payload string) state.Snapshot {
	t.Helper()
	st, err := device.DecodeState([]byte(payload))
	if err != nil {
		t.Fatalf("DecodeState: %v", err)
	}
	return state.Snapshot{Devices: map[string]device.State{entityID: st}}
}

func TestSensorRuleRateLimit(t *testing.T) {
	rs := mustDecode(t, `[{
		"id": "r1", "type": "sensor",
		"condition": {"sensor_id": "m1", "equals": {"type": "motion", "value": true}},
		"actions": [{"tool": "control_light", "args": {"device_id": "l1", "state": true}}],
		"safety": {"rate_limit_per_min": 6}
	}]`)
	acts := &fakeActions{}
	src := staticSource{snap: snapWith(t, "m1", `{"type":"motion","value":true}`)}
	e := rules.NewEngine(src, acts, rs, nil)

	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.Local)
	e.Tick(context.Background(), now)
	if acts.count() != 1 {
		t.Fatalf("calls after first tick = %d, want 1", acts.count())
	}

	e.Tick(context.Background(), now.Add(time.Second))
	e.Tick(context.Background(), now.Add(9*time.Second))
	if acts.count() != 1 {
		t.Fatalf("calls within rate window = %d, want 1", acts.count())
	}

	e.Tick(context.Background(), now.Add(10*time.Second))
	if acts.count() != 2 {
		t.Fatalf("calls after window = %d, want 2", acts.count())
	}
}

func TestSensorRuleEqualsMismatchDoesNotFire(t *testing.T) {
	rs := mustDecode(t, `[{
		"id": "r1", "type": "sensor",
		"condition": {"sensor_id": "m1", "equals": {"type": "motion", "value": true}},
		"actions": [{"tool": "control_light", "args": {"device_id": "l1"}}]
	}]`)
	acts := &fakeActions{}
	src := staticSource{snap: snapWith(t, "m1", `{"type":"motion","value":false}`)}
	e := rules.NewEngine(src, acts, rs, nil)

	e.Tick(context.Background(), time.Now())
	if acts.count() != 0 {
		t.Fatalf("calls = %d, want 0", acts.count())
	}
}

func TestSensorRuleMatchesNumericEquals(t *testing.T) {
	rs := mustDecode(t, `[{
		"id": "r1", "type": "sensor",
		"condition": {"sensor_id": "lux1", "equals": {"type": "illuminance", "lux": 12}},
		"actions": [{"tool": "control_light", "args": {"device_id": "l1", "brightness": 80}}]
	}]`)
	acts := &fakeActions{}
	src := staticSource{snap: snapWith(t, "lux1", `{"type":"illuminance","lux":12}`)}
	e := rules.NewEngine(src, acts, rs, nil)

	e.Tick(context.Background(), time.Now())
	if acts.count() != 1 {
		t.Fatalf("calls = %d, want 1", acts.count())
	}
	acts.mu.Lock()
	call := acts.calls[0]
	acts.mu.Unlock()
	if call.tool != "control_light" || call.args["device_id"] != "l1" || call.args["brightness"] != float64(80) {
		t.Fatalf("call = %+v", call)
	}
}

func TestTopicKeyedCondition(t *testing.T) {
	rs := mustDecode(t, `[{
		"id": "r1", "type": "sensor",
		"condition": {"topic": "vision/events/cam_front", "equals": {"type": "person"}},
		"actions": [{"tool": "control_light", "args": {"device_id": "l1"}}]
	}]`)
	acts := &fakeActions{}
	src := staticSource{snap: snapWith(t, "vision/events/cam_front", `{"type":"person","confidence":0.9}`)}
	e := rules.NewEngine(src, acts, rs, nil)

	e.Tick(context.Background(), time.Now())
	if acts.count() != 1 {
		t.Fatalf("calls = %d, want 1", acts.count())
	}
}

func TestTimeRuleAfterGate(t *testing.T) {
	rs := mustDecode(t, `[{
		"id": "night", "type": "time", "after": "22:00",
		"actions": [{"tool": "control_light", "args": {"device_id": "l1", "state": false}}]
	}]`)
	acts := &fakeActions{}
	e := rules.NewEngine(staticSource{}, acts, rs, nil)

	e.Tick(context.Background(), time.Date(2024, 3, 10, 21, 59, 0, 0, time.Local))
	if acts.count() != 0 {
		t.Fatalf("fired before the gate: calls = %d", acts.count())
	}

	e.Tick(context.Background(), time.Date(2024, 3, 10, 22, 0, 0, 0, time.Local))
	if acts.count() != 1 {
		t.Fatalf("calls = %d, want 1", acts.count())
	}
	acts.mu.Lock()
	st := acts.calls[0].args["state"]
	acts.mu.Unlock()
	if st != false {
		t.Fatal("state=false should switch the light off")
	}
}

func TestSensorRuleForGatesRefire(t *testing.T) {
	rs := mustDecode(t, `[{
		"id": "r1", "type": "sensor",
		"condition": {"sensor_id": "m1", "equals": {"value": true}, "for": "PT10S"},
		"actions": [{"tool": "control_light", "args": {"device_id": "l1"}}]
	}]`)
	acts := &fakeActions{}
	src := staticSource{snap: snapWith(t, "m1", `{"type":"motion","value":true}`)}
	e := rules.NewEngine(src, acts, rs, nil)

	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.Local)
	e.Tick(context.Background(), now)
	e.Tick(context.Background(), now.Add(5*time.Second))
	if acts.count() != 1 {
		t.Fatalf("calls = %d, want 1", acts.count())
	}
	e.Tick(context.Background(), now.Add(10*time.Second))
	if acts.count() != 2 {
		t.Fatalf("calls = %d, want 2", acts.count())
	}
}

func TestDebounceAndThrottleWindows(t *testing.T) {
	rs := mustDecode(t, `[{
		"id": "d1", "type": "sensor",
		"condition": {"sensor_id": "m1"},
		"actions": [{"tool": "control_light", "args": {"device_id": "l1"}}],
		"guards": {"debounce_ms": 10000}
	}, {
		"id": "t1", "type": "sensor",
		"condition": {"sensor_id": "m1"},
		"actions": [{"tool": "control_light", "args": {"device_id": "l2"}}],
		"guards": {"throttle_per_min": 2}
	}]`)
	acts := &fakeActions{}
	src := staticSource{snap: snapWith(t, "m1", `{"type":"motion","value":true}`)}
	e := rules.NewEngine(src, acts, rs, nil)

	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.Local)
	e.Tick(context.Background(), now)
	if acts.count() != 2 {
		t.Fatalf("calls = %d, want 2", acts.count())
	}

	// Inside both windows: debounce 10s, throttle 1/30s.
	e.Tick(context.Background(), now.Add(9*time.Second))
	if acts.count() != 2 {
		t.Fatalf("calls inside windows = %d, want 2", acts.count())
	}

	// Debounce expired, throttle still active.
	e.Tick(context.Background(), now.Add(10*time.Second))
	if acts.count() != 3 {
		t.Fatalf("calls = %d, want 3", acts.count())
	}

	// Throttle expired too (d1 refires: its second firing set a new window).
	e.Tick(context.Background(), now.Add(30*time.Second))
	if acts.count() != 5 {
		t.Fatalf("calls = %d, want 5", acts.count())
	}
}

func TestRetryBackoff(t *testing.T) {
	rs := mustDecode(t, `[{
		"id": "r1", "type": "sensor",
		"condition": {"sensor_id": "m1"},
		"actions": [{"tool": "control_light", "args": {"device_id": "l1"}}],
		"guards": {"retry": {"max": 3, "backoff_ms": 1}}
	}]`)
	acts := &fakeActions{failures: 2}
	src := staticSource{snap: snapWith(t, "m1", `{"type":"motion","value":true}`)}
	e := rules.NewEngine(src, acts, rs, nil)

	e.Tick(context.Background(), time.Now())
	if acts.count() != 3 {
		t.Fatalf("attempts = %d, want 3", acts.count())
	}
}

func TestRetryExhaustionStillAdvancesLastFire(t *testing.T) {
	rs := mustDecode(t, `[{
		"id": "r1", "type": "sensor",
		"condition": {"sensor_id": "m1"},
		"actions": [{"tool": "control_light", "args": {"device_id": "l1"}}],
		"safety": {"rate_limit_per_min": 6},
		"guards": {"retry": {"max": 2, "backoff_ms": 1}}
	}]`)
	acts := &fakeActions{failures: 100}
	src := staticSource{snap: snapWith(t, "m1", `{"type":"motion","value":true}`)}
	e := rules.NewEngine(src, acts, rs, nil)

	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.Local)
	e.Tick(context.Background(), now)
	if acts.count() != 2 {
		t.Fatalf("attempts = %d, want 2", acts.count())
	}

	// Failure counts as a firing: the rate window still applies.
	e.Tick(context.Background(), now.Add(time.Second))
	if acts.count() != 2 {
		t.Fatalf("attempts after gated tick = %d, want 2", acts.count())
	}
}

func TestSetRulesClearsLastFire(t *testing.T) {
	js := `[{
		"id": "r1", "type": "sensor",
		"condition": {"sensor_id": "m1"},
		"actions": [{"tool": "control_light", "args": {"device_id": "l1"}}],
		"safety": {"rate_limit_per_min": 1}
	}]`
	rs := mustDecode(t, js)
	acts := &fakeActions{}
	src := staticSource{snap: snapWith(t, "m1", `{"type":"motion","value":true}`)}
	e := rules.NewEngine(src, acts, rs, nil)

	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.Local)
	e.Tick(context.Background(), now)
	e.Tick(context.Background(), now.Add(time.Second))
	if acts.count() != 1 {
		t.Fatalf("calls = %d, want 1", acts.count())
	}

	e.SetRules(mustDecode(t, js))
	e.Tick(context.Background(), now.Add(2*time.Second))
	if acts.count() != 2 {
		t.Fatalf("calls after SetRules = %d, want 2", acts.count())
	}
}

func TestNotifyActionShortCircuits(t *testing.T) {
	rs := mustDecode(t, `[{
		"id": "r1", "type": "sensor",
		"condition": {"sensor_id": "m1"},
		"actions": [{"tool": "notify"}, {"tool": "lock_door", "args": {"device_id": "lock1"}}]
	}]`)
	acts := &fakeActions{}
	src := staticSource{snap: snapWith(t, "m1", `{"type":"motion","value":true}`)}
	e := rules.NewEngine(src, acts, rs, nil)

	e.Tick(context.Background(), time.Date(2024, 3, 10, 12, 0, 0, 0, time.Local))
	if acts.count() != 1 {
		t.Fatalf("calls = %d, want 1 (notify never reaches the catalog)", acts.count())
	}
	acts.mu.Lock()
	tool := acts.calls[0].tool
	acts.mu.Unlock()
	if tool != "lock_door" {
		t.Fatalf("tool = %q, want lock_door", tool)
	}
}

func TestSetRulesDropsRemovedRules(t *testing.T) {
	rs := mustDecode(t, `[{
		"id": "old", "type": "sensor",
		"condition": {"sensor_id": "m1"},
		"actions": [{"tool": "control_light", "args": {"device_id": "l1"}}]
	}]`)
	acts := &fakeActions{}
	src := staticSource{snap: snapWith(t, "m1", `{"type":"motion","value":true}`)}
	e := rules.NewEngine(src, acts, rs, nil)

	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.Local)
	e.Tick(context.Background(), now)
	if acts.count() != 1 {
		t.Fatalf("calls = %d, want 1", acts.count())
	}

	// The replacement never matches, so any further call could only come
	// from the removed rule.
	e.SetRules(mustDecode(t, `[{
		"id": "new", "type": "sensor",
		"condition": {"sensor_id": "m1", "equals": {"value": false}},
		"actions": [{"tool": "siren_on", "args": {"device_id": "s1"}}]
	}]`))
	for i := 1; i <= 5; i++ {
		e.Tick(context.Background(), now.Add(time.Duration(i)*time.Second))
	}
	if acts.count() != 1 {
		t.Fatalf("removed rule fired after swap: calls = %d", acts.count())
	}
}

func TestDecodeRejectsMalformedRules(t *testing.T) {
	tests := []struct {
		name string
		js   string
	}{
		{name: "missing id", js: `[{"type": "sensor", "actions": []}]`},
		{name: "bad type", js: `[{"id": "x", "type": "cron", "actions": []}]`},
		{name: "action without tool", js: `[{"id": "x", "type": "time", "actions": [{"args": {}}]}]`},
		{name: "negative rate limit", js: `[{"id": "x", "type": "time", "actions": [], "safety": {"rate_limit_per_min": -1}}]`},
		{name: "not an array", js: `{"id": "x"}`},
		{name: "not json", js: `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := rules.Decode([]byte(tt.js)); !errors.Is(err, rules.ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	js := `[{"id": "r1", "type": "time", "after": "08:00", "actions": [{"tool": "notify"}]}]`
	if err := os.WriteFile(path, []byte(js), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	rs, err := rules.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(rs) != 1 || rs[0].ID != "r1" || rs[0].After != "08:00" {
		t.Fatalf("rules = %+v", rs)
	}

	if _, err := rules.LoadFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	writeRules := func(js string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(js), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	writeRules(`[]`)

	e := rules.NewEngine(staticSource{}, &fakeActions{}, nil, nil)
	w, err := rules.NewWatcher(path, e, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	writeRules(`[{"id": "hot", "type": "time", "actions": [{"tool": "notify"}]}]`)

	deadline := time.Now().Add(5 * time.Second)
	for {
		rs := e.Rules()
		if len(rs) == 1 && rs[0].ID == "hot" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("rules never reloaded: %+v", rs)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// An invalid update is ignored; the engine keeps the last good rules.
	writeRules(`{"broken": true`)
	time.Sleep(2 * debounceWait)
	if rs := e.Rules(); len(rs) != 1 || rs[0].ID != "hot" {
		t.Fatalf("rules changed after invalid write: %+v", rs)
	}
}

const debounceWait = 600 * time.Millisecond
