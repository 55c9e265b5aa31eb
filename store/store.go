// Package store archives bus events to SQLite so history survives
// subscriber churn. Heartbeats are noise and are not archived.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.

	"github.com/dsguardian/guardian/events"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ts REAL NOT NULL,
    type TEXT NOT NULL,
    payload TEXT NOT NULL
);`

// Store consumes the event bus and appends rows to the events table.
type Store struct {
	db     *sql.DB
	bus    *events.Bus
	logger *slog.Logger

	sub *events.Subscription
	wg  sync.WaitGroup
}

// Open creates or opens the database at path and ensures the schema.
func Open(path string, bus *events.Bus, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create events table: %w", err)
	}
	return &Store{db: db, bus: bus, logger: logger.With("component", "store")}, nil
}

// Start subscribes to the bus and begins archiving.
func (s *Store) Start(ctx context.Context) error {
	s.sub = s.bus.Subscribe()
	s.wg.Add(1)
	go s.consume(ctx)
	s.logger.Info("event store started")
	return nil
}

// Stop detaches from the bus, drains the consumer, and closes the database.
func (s *Store) Stop() {
	if s.sub != nil {
		s.sub.Close()
	}
	s.wg.Wait()
	if err := s.db.Close(); err != nil {
		s.logger.Warn("event store close failed", "error", err)
	}
	s.logger.Info("event store stopped")
}

// consume archives events until the subscription closes. Insert failures
// are logged and skipped so one bad row cannot stall the bus drain.
func (s *Store) consume(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.sub.C():
			if !ok {
				return
			}
			if ev.Type == events.TypeHeartbeat {
				continue
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := s.db.Exec(
				"INSERT INTO events (ts, type, payload) VALUES (?, ?, ?)",
				ev.Epoch(), ev.Type, string(payload),
			); err != nil {
				s.logger.Debug("event insert failed", "type", ev.Type, "error", err)
			}
		}
	}
}

// Recent returns up to limit archived events, newest first, optionally
// filtered by type. Each row is the decoded payload; rows whose payload no
// longer parses degrade to their type and timestamp.
func (s *Store) Recent(ctx context.Context, limit int, etype string) ([]map[string]any, error) {
	q := "SELECT ts, type, payload FROM events"
	args := []any{}
	if etype != "" {
		q += " WHERE type = ?"
		args = append(args, etype)
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := []map[string]any{}
	for rows.Next() {
		var ts float64
		var typ, payload string
		if err := rows.Scan(&ts, &typ, &payload); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(payload), &data); err != nil {
			data = map[string]any{"type": typ, "ts": ts}
		}
		out = append(out, data)
	}
	return out, rows.Err()
}
