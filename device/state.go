package device

import (
	"encoding/json"
	"fmt"
)

// Light is the state payload of a light device.
type Light struct {
	State      string   `json:"state"`
	Brightness *float64 `json:"brightness,omitempty"`
}

// Lock is the state payload of a lock device.
type Lock struct {
	State string `json:"state"`
}

// Cover is the state payload of a cover device. Position may be absent in
// malformed echoes; predicates treat that as out of tolerance.
type Cover struct {
	Position *float64 `json:"position,omitempty"`
}

// Switch is the state payload of a switch device.
type Switch struct {
	State string `json:"state"`
}

// Thermostat is the state payload of a thermostat device.
type Thermostat struct {
	Target *float64 `json:"target,omitempty"`
}

// Siren is the state payload of a siren device.
type Siren struct {
	State string `json:"state"`
}

// Security is the aggregate security state.
type Security struct {
	Mode string `json:"mode"`
}

// Motion is a motion sensor reading. Value keeps the wire shape; Present
// reports its truthiness.
type Motion struct {
	Value any `json:"value"`
}

// Present reports whether the reading indicates presence.
func (m *Motion) Present() bool {
	return Truthy(m.Value)
}

// Illuminance is a light-level sensor reading.
type Illuminance struct {
	Lux *float64 `json:"lux,omitempty"`
}

// State is one decoded broker payload, tagged by its "type" field. Exactly
// one variant pointer is set for known types; Raw always holds the full
// object so unknown shapes round-trip unchanged.
type State struct {
	Type string

	Light       *Light
	Lock        *Lock
	Cover       *Cover
	Switch      *Switch
	Thermostat  *Thermostat
	Siren       *Siren
	Security    *Security
	Motion      *Motion
	Illuminance *Illuminance

	Raw map[string]any
}

// DecodeState parses a JSON payload into a tagged State. Payloads that are
// not JSON objects are rejected; unknown "type" values decode to a raw-only
// state.
func DecodeState(data []byte) (State, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	s := State{Raw: raw}
	s.Type, _ = raw["type"].(string)

	var err error
	switch s.Type {
	case "light":
		v := &Light{}
		err = json.Unmarshal(data, v)
		s.Light = v
	case "lock":
		v := &Lock{}
		err = json.Unmarshal(data, v)
		s.Lock = v
	case "cover":
		v := &Cover{}
		err = json.Unmarshal(data, v)
		s.Cover = v
	case "switch":
		v := &Switch{}
		err = json.Unmarshal(data, v)
		s.Switch = v
	case "thermostat":
		v := &Thermostat{}
		err = json.Unmarshal(data, v)
		s.Thermostat = v
	case "siren":
		v := &Siren{}
		err = json.Unmarshal(data, v)
		s.Siren = v
	case "security":
		v := &Security{}
		err = json.Unmarshal(data, v)
		s.Security = v
	case "motion":
		v := &Motion{}
		err = json.Unmarshal(data, v)
		s.Motion = v
	case "illuminance":
		v := &Illuminance{}
		err = json.Unmarshal(data, v)
		s.Illuminance = v
	}
	if err != nil {
		return State{}, fmt.Errorf("decode %s state: %w", s.Type, err)
	}
	return s, nil
}

// StateFrom builds a State from an already-decoded JSON object, as received
// by HTTP injection endpoints.
func StateFrom(payload map[string]any) (State, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return State{}, fmt.Errorf("encode state: %w", err)
	}
	return DecodeState(data)
}

// MarshalJSON re-emits the raw wire object, so snapshots serialize devices
// exactly as they arrived.
func (s State) MarshalJSON() ([]byte, error) {
	if s.Raw == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.Raw)
}

// Truthy mirrors loose boolean coercion over decoded JSON values: nil,
// false, zero numbers, empty strings and empty containers are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
