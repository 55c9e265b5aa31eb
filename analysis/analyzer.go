// Package analysis runs periodic heuristics over the world snapshot and
// publishes insight events for anything worth surfacing.
package analysis

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dsguardian/guardian/events"
	"github.com/dsguardian/guardian/metrics"
	"github.com/dsguardian/guardian/state"
)

const tickInterval = 2 * time.Second

// SnapshotSource yields the current world snapshot.
type SnapshotSource interface {
	Snapshot() state.Snapshot
}

// Analyzer scans the snapshot on a fixed tick.
type Analyzer struct {
	source SnapshotSource
	bus    *events.Bus
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAnalyzer creates an analyzer publishing insights to bus.
func NewAnalyzer(source SnapshotSource, bus *events.Bus, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		source: source,
		bus:    bus,
		logger: logger.With("component", "analysis"),
	}
}

// Start launches the scan loop.
func (a *Analyzer) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go a.run(runCtx)
	a.logger.Info("analyzer started")
	return nil
}

// Stop halts the scan loop.
func (a *Analyzer) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.logger.Info("analyzer stopped")
}

func (a *Analyzer) run(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.AnalysisTicks.Inc()
			a.Scan(a.source.Snapshot())
		}
	}
}

// Scan runs one pass. A room with its light on and no reported presence is
// flagged as waste_light.
func (a *Analyzer) Scan(snap state.Snapshot) {
	for room, zone := range snap.Zones {
		if zone.Light != "ON" {
			continue
		}
		if zone.Presence != nil && *zone.Presence {
			continue
		}
		metrics.AnalysisInsights.WithLabelValues("waste_light").Inc()
		if a.bus != nil {
			a.bus.Publish(events.New(events.TypeInsight, map[string]any{
				"kind": "waste_light",
				"room": room,
			}))
		}
	}
}
