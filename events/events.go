// Package events implements the in-process event bus: topic-less fan-out
// with a bounded queue per subscriber. Publishers never block; a subscriber
// that stops draining loses events rather than applying backpressure to the
// rest of the system.
package events

import (
	"encoding/json"
	"time"
)

// Well-known event types.
const (
	TypeAgentStep   = "agent_step"
	TypeStateUpdate = "state_update"
	TypeInsight     = "insight"
	TypeHeartbeat   = "heartbeat"
)

// Event is one bus message. Data keys are flattened next to type and ts on
// the wire.
type Event struct {
	Type string
	TS   time.Time
	Data map[string]any
}

// New stamps an event with the current time.
func New(eventType string, data map[string]any) Event {
	return Event{Type: eventType, TS: time.Now(), Data: data}
}

// Epoch returns the timestamp as fractional Unix seconds, the wire and
// archive representation.
func (e Event) Epoch() float64 {
	return float64(e.TS.UnixNano()) / float64(time.Second)
}

// MarshalJSON emits {"type":…,"ts":…} with the payload keys at top level.
// Payload keys named type or ts are skipped rather than shadowing the
// envelope.
func (e Event) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(e.Data)+2)
	for k, v := range e.Data {
		if k == "type" || k == "ts" {
			continue
		}
		flat[k] = v
	}
	flat["type"] = e.Type
	flat["ts"] = e.Epoch()
	return json.Marshal(flat)
}
