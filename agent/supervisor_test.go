package agent_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dsguardian/guardian/agent"
	"github.com/dsguardian/guardian/events"
)

type call struct {
	tool string
	args map[string]any
}

type fakeInvoker struct {
	mu     sync.Mutex
	calls  []call
	failOn string
}

func (f *fakeInvoker) Invoke(_ context.Context, tool string, args map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{tool: tool, args: args})
	if tool == f.failOn {
		return nil, errors.New("device unreachable")
	}
	return map[string]any{"echo": tool}, nil
}

func (f *fakeInvoker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestExecutePlanPublishesSteps(t *testing.T) {
	inv := &fakeInvoker{}
	bus := events.NewBus(nil)
	sub := bus.Subscribe()
	defer sub.Close()
	sup := agent.NewSupervisor(inv, bus, nil)

	steps := []agent.Step{
		{Tool: "control_light", Args: map[string]any{"device_id": "l1", "state": true}},
		{Tool: "unlock_door", Args: map[string]any{"device_id": "d1"}},
	}
	results := sup.ExecutePlan(context.Background(), steps, false, false)

	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for i, res := range results {
		if res.Status != agent.StatusOK {
			t.Fatalf("step %d status = %q", i, res.Status)
		}
		if res.Result == nil {
			t.Fatalf("step %d missing result", i)
		}
	}
	if inv.count() != 2 {
		t.Fatalf("invocations = %d, want 2", inv.count())
	}

	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.C():
			if ev.Type != events.TypeAgentStep {
				t.Fatalf("event type = %q", ev.Type)
			}
			if ev.Data["status"] != agent.StatusOK {
				t.Fatalf("event data = %v", ev.Data)
			}
		case <-time.After(time.Second):
			t.Fatal("missing agent_step event")
		}
	}
}

func TestExecutePlanDryRun(t *testing.T) {
	inv := &fakeInvoker{}
	sup := agent.NewSupervisor(inv, nil, nil)

	results := sup.ExecutePlan(context.Background(), []agent.Step{
		{Tool: "lock_door", Args: map[string]any{"device_id": "d1"}},
		{Tool: "control_light", Args: map[string]any{"device_id": "l1"}},
	}, true, false)

	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for _, res := range results {
		if res.Status != agent.StatusDryRun {
			t.Fatalf("status = %q, want dry_run", res.Status)
		}
	}
	if inv.count() != 0 {
		t.Fatalf("dry run must not invoke tools, got %d calls", inv.count())
	}
}

func TestExecutePlanConfirmationHoldsCriticalOnly(t *testing.T) {
	inv := &fakeInvoker{}
	sup := agent.NewSupervisor(inv, nil, nil)

	results := sup.ExecutePlan(context.Background(), []agent.Step{
		{Tool: "arm_security", Args: map[string]any{"mode": "away"}},
		{Tool: "control_light", Args: map[string]any{"device_id": "l1"}},
	}, false, true)

	if results[0].Status != agent.StatusNeedsConfirm {
		t.Fatalf("critical step status = %q", results[0].Status)
	}
	if results[1].Status != agent.StatusOK {
		t.Fatalf("ordinary step status = %q", results[1].Status)
	}
	if inv.count() != 1 {
		t.Fatalf("invocations = %d, want 1", inv.count())
	}
}

func TestCriticalActionsRateLimited(t *testing.T) {
	inv := &fakeInvoker{}
	sup := agent.NewSupervisor(inv, nil, nil)
	plan := []agent.Step{{Tool: "arm_security", Args: map[string]any{"mode": "night"}}}

	var statuses []string
	for i := 0; i < 4; i++ {
		results := sup.ExecutePlan(context.Background(), plan, false, false)
		statuses = append(statuses, results[0].Status)
	}

	want := []string{agent.StatusOK, agent.StatusOK, agent.StatusOK, agent.StatusRateLimited}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", statuses, want)
		}
	}
	if inv.count() != 3 {
		t.Fatalf("invocations = %d, want 3", inv.count())
	}
}

func TestExecutePlanStopsOnError(t *testing.T) {
	inv := &fakeInvoker{failOn: "unlock_door"}
	sup := agent.NewSupervisor(inv, nil, nil)

	results := sup.ExecutePlan(context.Background(), []agent.Step{
		{Tool: "control_light", Args: map[string]any{"device_id": "l1"}},
		{Tool: "unlock_door", Args: map[string]any{"device_id": "d1"}},
		{Tool: "control_light", Args: map[string]any{"device_id": "l2"}},
	}, false, false)

	if len(results) != 2 {
		t.Fatalf("results = %d, want 2 (plan must stop at the failure)", len(results))
	}
	if results[0].Status != agent.StatusOK {
		t.Fatalf("first step status = %q", results[0].Status)
	}
	if results[1].Status != agent.StatusErr || results[1].Error == "" {
		t.Fatalf("failed step = %+v", results[1])
	}
	if inv.count() != 2 {
		t.Fatalf("invocations = %d, want 2", inv.count())
	}
}

func TestPlanFromIntent(t *testing.T) {
	sup := agent.NewSupervisor(&fakeInvoker{}, nil, nil)

	for _, intent := range []string{"prepare for night", "time to sleep", "готовь дом на ночь"} {
		plan := sup.PlanFromIntent(intent)
		if len(plan) != 2 {
			t.Fatalf("PlanFromIntent(%q) = %v", intent, plan)
		}
		if plan[0].Tool != "control_light" || plan[1].Tool != "arm_security" {
			t.Fatalf("plan tools = %s, %s", plan[0].Tool, plan[1].Tool)
		}
		if plan[1].Args["mode"] != "night" {
			t.Fatalf("arm args = %v", plan[1].Args)
		}
	}

	if plan := sup.PlanFromIntent("turn on the fan"); len(plan) != 0 {
		t.Fatalf("unrecognized intent produced a plan: %v", plan)
	}
}
