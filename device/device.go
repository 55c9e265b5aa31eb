// Package device defines the static device registry and the typed device
// state payloads exchanged over the broker. The registry is built once from
// configuration and never mutated; all runtime state lives elsewhere.
package device

// Kind is the configured device class from the registry.
type Kind string

const (
	KindLight      Kind = "light"
	KindLock       Kind = "lock"
	KindCover      Kind = "cover"
	KindSwitch     Kind = "switch"
	KindThermostat Kind = "thermostat"
	KindSiren      Kind = "siren"
	KindSensor     Kind = "sensor"
	KindCamera     Kind = "camera"
)

// IsValid checks if a kind string is a known device class.
func (k Kind) IsValid() bool {
	switch k {
	case KindLight, KindLock, KindCover, KindSwitch, KindThermostat, KindSiren, KindSensor, KindCamera:
		return true
	}
	return false
}

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// Topics holds the broker topic pair a device listens and reports on.
type Topics struct {
	Set   string `json:"set"`
	State string `json:"state"`
}

// Descriptor is one device entry from the static configuration.
type Descriptor struct {
	ID     string `json:"id"`
	Type   Kind   `json:"type"`
	Room   string `json:"room,omitempty"`
	Topics Topics `json:"topics"`
}
