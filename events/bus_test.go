package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestFanOut(t *testing.T) {
	bus := NewBus(nil)
	const k = 3
	subs := make([]*Subscription, k)
	for i := range subs {
		subs[i] = bus.Subscribe()
		defer subs[i].Close()
	}

	bus.Publish(New(TypeInsight, map[string]any{"room": "living"}))

	for i, s := range subs {
		select {
		case ev := <-s.C():
			if ev.Type != TypeInsight {
				t.Errorf("sub %d: type = %q", i, ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub %d: no event", i)
		}
	}
}

func TestSlowConsumerDropsOnlyItsOwnEvents(t *testing.T) {
	bus := NewBus(nil)
	fast := bus.Subscribe()
	defer fast.Close()
	stalled := bus.Subscribe()
	defer stalled.Close()

	// Drain fast after every publish so only the stalled queue overflows.
	const total = 600
	for i := 0; i < total; i++ {
		bus.Publish(New(TypeHeartbeat, nil))
		select {
		case <-fast.C():
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber starved at event %d", i)
		}
	}

	if got := len(stalled.ch); got != QueueCapacity {
		t.Errorf("stalled queue = %d, want %d", got, QueueCapacity)
	}
	if d := bus.Dropped(); d != total-QueueCapacity {
		t.Errorf("dropped = %d, want %d", d, total-QueueCapacity)
	}
}

func TestCloseDetachesSubscriber(t *testing.T) {
	bus := NewBus(nil)
	s := bus.Subscribe()
	if bus.Subscribers() != 1 {
		t.Fatalf("subscribers = %d", bus.Subscribers())
	}
	s.Close()
	s.Close() // idempotent
	if bus.Subscribers() != 0 {
		t.Errorf("subscribers after close = %d", bus.Subscribers())
	}

	bus.Publish(New(TypeHeartbeat, nil))

	if _, open := <-s.C(); open {
		t.Error("stream still open after Close")
	}
}

func TestEventMarshalFlattens(t *testing.T) {
	ev := Event{
		Type: TypeAgentStep,
		TS:   time.Unix(1700000000, 500000000),
		Data: map[string]any{"tool": "control_light", "status": "ok", "type": "shadowed"},
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if m["type"] != TypeAgentStep {
		t.Errorf("type = %v", m["type"])
	}
	if m["tool"] != "control_light" || m["status"] != "ok" {
		t.Errorf("payload lost: %v", m)
	}
	if m["ts"] != 1700000000.5 {
		t.Errorf("ts = %v", m["ts"])
	}
}
