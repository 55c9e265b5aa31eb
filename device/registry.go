package device

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownDevice is returned when a device id is not in the registry.
var ErrUnknownDevice = errors.New("unknown device")

// ErrWrongType is returned when a device exists but has a different kind
// than the operation requires.
var ErrWrongType = errors.New("wrong device type")

// Registry is the immutable id to descriptor mapping produced at startup.
type Registry struct {
	byID map[string]Descriptor
}

// NewRegistry builds a registry from descriptors. Duplicate ids and invalid
// kinds are configuration errors.
func NewRegistry(descs []Descriptor) (*Registry, error) {
	byID := make(map[string]Descriptor, len(descs))
	for _, d := range descs {
		if d.ID == "" {
			return nil, fmt.Errorf("device with empty id")
		}
		if !d.Type.IsValid() {
			return nil, fmt.Errorf("device %q: unknown type %q", d.ID, d.Type)
		}
		if _, dup := byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate device id %q", d.ID)
		}
		byID[d.ID] = d
	}
	return &Registry{byID: byID}, nil
}

// Get looks up a descriptor by id.
func (r *Registry) Get(id string) (Descriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// Require returns the descriptor for id, failing with ErrUnknownDevice when
// the id is absent and ErrWrongType when the kind does not match.
func (r *Registry) Require(id string, kind Kind) (Descriptor, error) {
	d, ok := r.byID[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	if d.Type != kind {
		return Descriptor{}, fmt.Errorf("%w: %s is %s, want %s", ErrWrongType, id, d.Type, kind)
	}
	return d, nil
}

// Len reports the number of registered devices.
func (r *Registry) Len() int {
	return len(r.byID)
}

// All returns every descriptor ordered by id.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
