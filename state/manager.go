package state

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dsguardian/guardian/broker"
	"github.com/dsguardian/guardian/device"
	"github.com/dsguardian/guardian/events"
)

// announceInterval bounds how often snapshot updates are pushed to the bus.
const announceInterval = time.Second

// Manager ingests device and vision traffic on its own broker session and
// keeps the authoritative snapshot. All reads and writes go through a single
// mutex so a snapshot never observes a half-applied message.
type Manager struct {
	conn     broker.Conn
	registry *device.Registry
	bus      *events.Bus
	logger   *slog.Logger

	mu           sync.Mutex
	securityMode string
	occupancy    string
	energyMode   string
	comfort      map[string]any
	health       map[string]string
	devices      map[string]device.State
	zones        map[string]Zone
	ts           float64
	dirty        bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a context manager over a dedicated broker session.
// The bus is optional; when nil no snapshot announcements are published.
func NewManager(conn broker.Conn, registry *device.Registry, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		conn:         conn,
		registry:     registry,
		bus:          bus,
		logger:       logger.With("component", "state"),
		securityMode: "home",
		occupancy:    "home",
		energyMode:   "normal",
		comfort:      map[string]any{},
		health:       map[string]string{"mqtt": "ok"},
		devices:      map[string]device.State{},
		zones:        map[string]Zone{},
		ts:           nowEpoch(),
	}
}

// Start subscribes to the home and vision topic trees and begins ingesting.
func (m *Manager) Start(ctx context.Context) error {
	for _, filter := range []string{"home/#", "vision/events/#"} {
		if err := m.conn.Subscribe(ctx, filter, 1); err != nil {
			return fmt.Errorf("state: subscribe %s: %w", filter, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(2)
	go m.ingestLoop(runCtx)
	go m.announceLoop(runCtx)

	m.announce()
	m.logger.Info("state manager started")
	return nil
}

// Stop halts ingestion and closes the manager's broker session.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.conn.Close(ctx); err != nil {
		m.logger.Warn("broker session close failed", "error", err)
	}
	m.wg.Wait()
	m.logger.Info("state manager stopped")
}

func (m *Manager) ingestLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-m.conn.Messages():
			if !ok {
				return
			}
			m.Ingest(msg.Topic, msg.Payload)
		}
	}
}

func (m *Manager) announceLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			pending := m.dirty
			m.dirty = false
			m.mu.Unlock()
			if pending {
				m.announce()
			}
		}
	}
}

func (m *Manager) announce() {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.New(events.TypeStateUpdate, map[string]any{
		"snapshot": m.Snapshot(),
	}))
}

// Ingest applies one raw broker message to the snapshot. Payloads that do
// not decode to a JSON object are discarded. Only four-segment device state
// topics (home/<class>/<id>/state) and vision event topics are recognized;
// everything else on the subscribed trees is ignored.
func (m *Manager) Ingest(topic string, payload []byte) {
	st, err := device.DecodeState(payload)
	if err != nil {
		m.logger.Debug("discarding undecodable payload", "topic", topic, "error", err)
		return
	}

	parts := strings.Split(topic, "/")
	switch {
	case len(parts) >= 3 && parts[0] == "vision" && parts[1] == "events":
		entityID := strings.Join(parts[:3], "/")
		m.mu.Lock()
		m.devices[entityID] = st
		m.touchLocked()
		m.mu.Unlock()
	case len(parts) >= 4 && parts[0] == "home" && parts[3] == "state":
		entityID := parts[2]
		m.mu.Lock()
		m.devices[entityID] = st
		m.projectLocked(entityID, st)
		m.touchLocked()
		m.mu.Unlock()
	}
}

// UpsertDeviceState injects a device state out of band, applying the same
// zone projection a broker message would.
func (m *Manager) UpsertDeviceState(entityID string, payload map[string]any) error {
	st, err := device.StateFrom(payload)
	if err != nil {
		return fmt.Errorf("state: upsert %s: %w", entityID, err)
	}
	m.mu.Lock()
	m.devices[entityID] = st
	m.projectLocked(entityID, st)
	m.touchLocked()
	m.mu.Unlock()
	return nil
}

// SetHealth records the status of a named subsystem (e.g. the broker link)
// in the snapshot's health map.
func (m *Manager) SetHealth(key, value string) {
	m.mu.Lock()
	if m.health[key] != value {
		m.health[key] = value
		m.touchLocked()
	}
	m.mu.Unlock()
}

// projectLocked folds a device state into its room's zone. Rooms come from
// the registry; unregistered entities and entities without a room only
// update the devices map.
func (m *Manager) projectLocked(entityID string, st device.State) {
	desc, ok := m.registry.Get(entityID)
	if !ok || desc.Room == "" {
		return
	}
	zone := m.zones[desc.Room]
	switch desc.Type {
	case device.KindLight:
		zone.Light, _ = st.Raw["state"].(string)
		if raw, ok := st.Raw["brightness"]; ok {
			if b, ok := asFloat(raw); ok {
				zone.Brightness = &b
			}
		}
	case device.KindLock:
		zone.Lock, _ = st.Raw["state"].(string)
	case device.KindSensor:
		switch {
		case st.Motion != nil:
			present := st.Motion.Present()
			zone.Presence = &present
		case st.Illuminance != nil:
			zone.Illuminance = st.Illuminance.Lux
		}
	}
	m.zones[desc.Room] = zone
}

func (m *Manager) touchLocked() {
	m.ts = nowEpoch()
	m.dirty = true
}

// Snapshot returns a coherent copy of the current world state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices := make(map[string]device.State, len(m.devices))
	for id, st := range m.devices {
		devices[id] = st
	}
	zones := make(map[string]Zone, len(m.zones))
	for room, z := range m.zones {
		zones[room] = z
	}
	comfort := make(map[string]any, len(m.comfort))
	for k, v := range m.comfort {
		comfort[k] = v
	}
	health := make(map[string]string, len(m.health))
	for k, v := range m.health {
		health[k] = v
	}

	return Snapshot{
		SecurityMode: m.securityMode,
		Occupancy:    m.occupancy,
		EnergyMode:   m.energyMode,
		Comfort:      comfort,
		Health:       health,
		Devices:      devices,
		Zones:        zones,
		TS:           m.ts,
	}
}

func nowEpoch() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
