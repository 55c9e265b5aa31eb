package rules

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dsguardian/guardian/metrics"
	"github.com/dsguardian/guardian/state"
)

// tickInterval is the evaluation cadence. Actions run inline, so a slow
// round trip stretches the effective tick rather than overlapping it.
const tickInterval = 250 * time.Millisecond

// SnapshotSource yields the current world snapshot.
type SnapshotSource interface {
	Snapshot() state.Snapshot
}

// Actions dispatches rule actions onto the tool catalog by name,
// the same surface plans go through.
type Actions interface {
	Invoke(ctx context.Context, tool string, args map[string]any) (any, error)
}

// Engine evaluates rules on a fixed tick. Rules themselves are immutable;
// all runtime state (last fire, guard windows) is keyed by rule id here.
type Engine struct {
	source  SnapshotSource
	actions Actions
	logger  *slog.Logger

	mu            sync.Mutex
	rules         []Rule
	lastFire      map[string]time.Time
	debounceUntil map[string]time.Time
	throttleUntil map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine with an initial rule list.
func NewEngine(source SnapshotSource, actions Actions, initial []Rule, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		source:        source,
		actions:       actions,
		logger:        logger.With("component", "rules"),
		rules:         slices.Clone(initial),
		lastFire:      map[string]time.Time{},
		debounceUntil: map[string]time.Time{},
		throttleUntil: map[string]time.Time{},
	}
}

// Start launches the tick loop.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(1)
	go e.run(runCtx)
	e.logger.Info("rule engine started", "rules", len(e.Rules()))
	return nil
}

// Stop halts the tick loop, waiting for an in-flight evaluation to finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("rule engine stopped")
}

// SetRules atomically replaces the rule list and forgets last-fire times.
// Debounce and throttle windows are left alone: they are rule-id-keyed and
// a removed rule's window is never consulted again.
func (e *Engine) SetRules(rules []Rule) {
	e.mu.Lock()
	e.rules = slices.Clone(rules)
	clear(e.lastFire)
	e.mu.Unlock()
	metrics.RulesVersion.Inc()
	e.logger.Info("rules replaced", "rules", len(rules))
}

// Rules returns a copy of the current rule list.
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.rules)
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx, time.Now())
		}
	}
}

// Tick runs one evaluation pass against the current snapshot. A rule that
// fails to evaluate is skipped for this pass only.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	snap := e.source.Snapshot()
	current := e.Rules()
	for _, r := range current {
		if err := e.maybeFire(ctx, now, r, snap); err != nil {
			e.logger.Debug("rule evaluation error", "rule_id", r.ID, "error", err)
		}
	}
}

func (e *Engine) maybeFire(ctx context.Context, now time.Time, r Rule, snap state.Snapshot) error {
	if e.withinGuardWindows(now, r) {
		return nil
	}
	ok, err := e.conditionMet(now, r, snap)
	if err != nil || !ok {
		return err
	}

	result := "ok"
	if !e.runActions(ctx, r) {
		result = "err"
	}
	e.recordFiring(now, r, result)
	return nil
}

// withinGuardWindows applies the pre-condition dampeners: rate limit,
// debounce, throttle.
func (e *Engine) withinGuardWindows(now time.Time, r Rule) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r.Safety != nil && r.Safety.RateLimitPerMin > 0 {
		minInterval := perMinInterval(r.Safety.RateLimitPerMin)
		if now.Sub(e.lastFire[r.ID]) < minInterval {
			return true
		}
	}
	if r.Guards != nil {
		if r.Guards.DebounceMS > 0 && now.Before(e.debounceUntil[r.ID]) {
			return true
		}
		if r.Guards.ThrottlePerMin > 0 && now.Before(e.throttleUntil[r.ID]) {
			return true
		}
	}
	return false
}

func (e *Engine) conditionMet(now time.Time, r Rule, snap state.Snapshot) (bool, error) {
	switch r.Type {
	case "time":
		if r.After == "" {
			return true, nil
		}
		return isAfterLocal(now, r.After)
	case "sensor":
		cond := r.Condition
		if cond == nil {
			return false, nil
		}
		ok := false
		switch {
		case cond.SensorID != "":
			ok = subsetMatch(cond.Equals, rawDeviceState(snap, cond.SensorID))
		case cond.Topic != "":
			ok = subsetMatch(cond.Equals, rawDeviceState(snap, cond.Topic))
		}
		if cond.After != "" {
			after, err := isAfterLocal(now, cond.After)
			if err != nil {
				return false, err
			}
			if !after {
				ok = false
			}
		}
		if cond.For != "" {
			d, err := parseISODuration(cond.For)
			if err != nil {
				return false, err
			}
			e.mu.Lock()
			last := e.lastFire[r.ID]
			e.mu.Unlock()
			if now.Sub(last) < d {
				ok = false
			}
		}
		return ok, nil
	}
	return false, nil
}

func rawDeviceState(snap state.Snapshot, entityID string) map[string]any {
	if st, ok := snap.Device(entityID); ok {
		return st.Raw
	}
	return nil
}

// runActions executes the rule's actions in order, each with its retry
// budget. A failed action does not stop later ones.
func (e *Engine) runActions(ctx context.Context, r Rule) bool {
	maxAttempts := 1
	backoff := 250 * time.Millisecond
	if r.Guards != nil && r.Guards.Retry != nil {
		if r.Guards.Retry.Max != nil {
			maxAttempts = *r.Guards.Retry.Max
		}
		if r.Guards.Retry.BackoffMS != nil {
			backoff = time.Duration(*r.Guards.Retry.BackoffMS) * time.Millisecond
		}
	}

	allOK := true
	for _, a := range r.Actions {
		for attempt := 0; ; attempt++ {
			err := e.runAction(ctx, a)
			if err == nil {
				break
			}
			if attempt+1 >= maxAttempts {
				allOK = false
				e.logger.Warn("rule action failed", "rule_id", r.ID, "tool", a.Tool, "error", err)
				break
			}
			select {
			case <-ctx.Done():
				return false
			case <-time.After(backoff):
			}
		}
	}
	return allOK
}

func (e *Engine) runAction(ctx context.Context, a Action) error {
	// notify has no transport yet; accept it so rule files can carry it.
	if a.Tool == "notify" {
		return nil
	}
	_, err := e.actions.Invoke(ctx, a.Tool, a.Args)
	return err
}

// recordFiring advances the per-rule bookkeeping. It runs whether or not
// the actions succeeded, so a failing rule does not retry every tick.
func (e *Engine) recordFiring(now time.Time, r Rule, result string) {
	e.mu.Lock()
	e.lastFire[r.ID] = now
	if r.Guards != nil {
		if r.Guards.DebounceMS > 0 {
			e.debounceUntil[r.ID] = now.Add(time.Duration(r.Guards.DebounceMS) * time.Millisecond)
		}
		if r.Guards.ThrottlePerMin > 0 {
			e.throttleUntil[r.ID] = now.Add(perMinInterval(r.Guards.ThrottlePerMin))
		}
	}
	e.mu.Unlock()
	metrics.TriggerFirings.WithLabelValues(r.ID, result).Inc()
}

// perMinInterval converts an events-per-minute cap to a minimum interval.
// Rates under one per minute are clamped to one.
func perMinInterval(perMin float64) time.Duration {
	if perMin < 1 {
		perMin = 1
	}
	return time.Duration(60 / perMin * float64(time.Second))
}
