// Package sim implements the conformance peer: an echo core that answers
// device set commands with plausible state reports, plus a broker responder
// that adds the latency and loss behavior of real firmware.
package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/dsguardian/guardian/broker"
	"github.com/dsguardian/guardian/device"
)

// Set-command filters the responder answers on.
const (
	DeviceSetFilter   = "home/device/+/set"
	SecuritySetFilter = "home/security/set"
)

// Echo computes the state report a device would publish after a command.
// Reports drift the way cheap hardware does: brightness lands on the nearest
// multiple of 5 within ±3 of the request, covers settle within ±1 and
// thermostats within ±0.2.
type Echo struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewEcho creates an echo core. A nil rng gets a time-seeded one; tests pass
// a fixed seed for reproducible drift.
func NewEcho(rng *rand.Rand) *Echo {
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	return &Echo{rng: rng}
}

// Transform computes the echoed state for one set command. Unknown payload
// types are echoed back unchanged; every report carries a fresh ts.
func (e *Echo) Transform(payload map[string]any) map[string]any {
	typ, _ := payload["type"].(string)
	out := map[string]any{"type": typ}
	switch typ {
	case "light":
		out["state"] = str(payload, "state", "OFF")
		if _, ok := payload["brightness"]; ok {
			b := clamp(int(num(payload, "brightness", 0))+e.intBetween(-3, 3), 0, 100)
			out["brightness"] = int(math.Round(float64(b)/5) * 5)
		}
	case "lock":
		out["state"] = str(payload, "state", "UNLOCKED")
	case "cover":
		out["position"] = clamp(int(num(payload, "position", 0))+e.intBetween(-1, 1), 0, 100)
	case "switch":
		out["state"] = str(payload, "state", "OFF")
	case "thermostat":
		t := num(payload, "target", 20.0) + e.floatBetween(-0.2, 0.2)
		out["target"] = math.Round(t*10) / 10
	case "siren":
		out["state"] = str(payload, "state", "OFF")
	case "security":
		out["mode"] = str(payload, "mode", "disarmed")
	default:
		out = maps.Clone(payload)
		if out == nil {
			out = map[string]any{}
		}
	}
	out["ts"] = epoch()
	return out
}

// StateTopic maps a set-command topic to the state topic the echo answers
// on. Topics outside the device/security convention map to "".
func StateTopic(topic string) string {
	parts := strings.Split(topic, "/")
	switch {
	case len(parts) == 4 && parts[0] == "home" && parts[1] == "device" && parts[3] == "set":
		return "home/device/" + parts[2] + "/state"
	case len(parts) == 3 && parts[0] == "home" && parts[1] == "security" && parts[2] == "set":
		return "home/security/state"
	}
	return ""
}

// InitialState is the boot state for a device kind: everything off, closed,
// unlocked and at 20 degrees. Kinds without a state report return nil.
func InitialState(kind device.Kind) map[string]any {
	switch kind {
	case device.KindLight:
		return map[string]any{"type": "light", "state": "OFF"}
	case device.KindLock:
		return map[string]any{"type": "lock", "state": "UNLOCKED"}
	case device.KindCover:
		return map[string]any{"type": "cover", "position": 0}
	case device.KindSwitch:
		return map[string]any{"type": "switch", "state": "OFF"}
	case device.KindThermostat:
		return map[string]any{"type": "thermostat", "target": 20.0}
	case device.KindSiren:
		return map[string]any{"type": "siren", "state": "OFF"}
	}
	return nil
}

// PublishInitialStates publishes a retained boot state for every configured
// device, plus the disarmed security aggregate, so the control plane sees
// the whole home before the first command.
func PublishInitialStates(ctx context.Context, conn broker.Conn, descs []device.Descriptor) error {
	for _, d := range descs {
		state := InitialState(d.Type)
		if state == nil || d.Topics.State == "" {
			continue
		}
		state["ts"] = epoch()
		raw, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("encode boot state for %s: %w", d.ID, err)
		}
		if err := conn.Publish(ctx, d.Topics.State, raw, 1, true); err != nil {
			return fmt.Errorf("publish boot state for %s: %w", d.ID, err)
		}
	}
	raw, _ := json.Marshal(map[string]any{"type": "security", "mode": "disarmed", "ts": epoch()})
	if err := conn.Publish(ctx, "home/security/state", raw, 1, true); err != nil {
		return fmt.Errorf("publish security boot state: %w", err)
	}
	return nil
}

// Options tune how realistically the responder behaves. The zero value
// answers instantly and never drops, which round-trip tests rely on.
type Options struct {
	// DropRate is the probability in [0,1) that a command is silently
	// ignored.
	DropRate float64
	// Jitter bounds the pause before a command is handled.
	JitterMin, JitterMax time.Duration
	// ReplyDelay bounds the pause before the echo is published.
	ReplyDelayMin, ReplyDelayMax time.Duration
}

// Responder subscribes to the set-command filters and answers each command
// with its echoed state. Commands are handled one at a time, like a single
// radio transceiver would.
type Responder struct {
	conn   broker.Conn
	echo   *Echo
	opts   Options
	logger *slog.Logger
}

// NewResponder creates a responder over an established connection.
func NewResponder(conn broker.Conn, echo *Echo, opts Options, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{conn: conn, echo: echo, opts: opts, logger: logger.With("component", "sim")}
}

// Run subscribes and answers commands until ctx is cancelled or the
// connection closes.
func (r *Responder) Run(ctx context.Context) error {
	for _, filter := range []string{DeviceSetFilter, SecuritySetFilter} {
		if err := r.conn.Subscribe(ctx, filter, 1); err != nil {
			return err
		}
	}
	r.logger.Info("echo responder listening", "drop_rate", r.opts.DropRate)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-r.conn.Messages():
			if !ok {
				return nil
			}
			r.answer(ctx, msg)
		}
	}
}

func (r *Responder) answer(ctx context.Context, msg broker.Message) {
	var payload map[string]any
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		r.logger.Debug("ignoring non-json command", "topic", msg.Topic)
		return
	}
	stateTopic := StateTopic(msg.Topic)
	if stateTopic == "" {
		return
	}
	if !r.pause(ctx, r.opts.JitterMin, r.opts.JitterMax) {
		return
	}
	if r.opts.DropRate > 0 && r.echo.chance(r.opts.DropRate) {
		r.logger.Debug("command dropped", "topic", msg.Topic)
		return
	}
	state := r.echo.Transform(payload)
	if !r.pause(ctx, r.opts.ReplyDelayMin, r.opts.ReplyDelayMax) {
		return
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := r.conn.Publish(ctx, stateTopic, raw, 1, false); err != nil {
		r.logger.Warn("echo publish failed", "topic", stateTopic, "error", err)
	}
}

// Chatter periodically publishes motion and illuminance readings so rules
// and analysis have ambient traffic. Motion reports presence roughly one
// tick in five.
func (r *Responder) Chatter(ctx context.Context, interval time.Duration, motionIDs, luxIDs []string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range motionIDs {
				r.publishSensor(ctx, id, map[string]any{"type": "motion", "value": r.echo.chance(0.2)})
			}
			for _, id := range luxIDs {
				r.publishSensor(ctx, id, map[string]any{"type": "illuminance", "lux": math.Round(r.echo.floatBetween(0, 400))})
			}
		}
	}
}

func (r *Responder) publishSensor(ctx context.Context, id string, payload map[string]any) {
	payload["ts"] = epoch()
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	topic := fmt.Sprintf("home/sensor/%s/state", id)
	if err := r.conn.Publish(ctx, topic, raw, 1, false); err != nil {
		r.logger.Warn("sensor publish failed", "topic", topic, "error", err)
	}
}

// pause sleeps a uniform duration in [lo, hi]. False means ctx ended first.
func (r *Responder) pause(ctx context.Context, lo, hi time.Duration) bool {
	if hi <= 0 {
		return ctx.Err() == nil
	}
	d := lo
	if hi > lo {
		d += time.Duration(r.echo.floatBetween(0, float64(hi-lo)))
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// intBetween returns a uniform int in [lo, hi].
func (e *Echo) intBetween(lo, hi int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return lo + e.rng.IntN(hi-lo+1)
}

func (e *Echo) floatBetween(lo, hi float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return lo + e.rng.Float64()*(hi-lo)
}

func (e *Echo) chance(p float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Float64() < p
}

func num(payload map[string]any, key string, def float64) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func str(payload map[string]any, key, def string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return def
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func epoch() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
