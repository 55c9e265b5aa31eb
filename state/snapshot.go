// Package state maintains the live world model: a snapshot of global modes,
// per-device state, and per-room zone projections, fed by a dedicated broker
// subscription over the full home topic tree.
package state

import (
	"github.com/dsguardian/guardian/device"
)

// Zone is the derived per-room view. Pointer fields distinguish "never
// reported" from a reported zero value.
type Zone struct {
	Light       string   `json:"light,omitempty"`
	Brightness  *float64 `json:"brightness,omitempty"`
	Lock        string   `json:"lock,omitempty"`
	Presence    *bool    `json:"presence,omitempty"`
	Illuminance *float64 `json:"illuminance,omitempty"`
}

// Snapshot is a coherent view of the world at one instant. Device states
// are immutable once ingested and zones are value types, so the copied maps
// are safe to hand to any reader.
type Snapshot struct {
	SecurityMode string                  `json:"security_mode"`
	Occupancy    string                  `json:"occupancy"`
	EnergyMode   string                  `json:"energy_mode"`
	Comfort      map[string]any          `json:"comfort"`
	Health       map[string]string       `json:"health"`
	Devices      map[string]device.State `json:"devices"`
	Zones        map[string]Zone         `json:"zones"`
	TS           float64                 `json:"ts"`
}

// Device returns the latest state for an entity id.
func (s Snapshot) Device(entityID string) (device.State, bool) {
	st, ok := s.Devices[entityID]
	return st, ok
}
