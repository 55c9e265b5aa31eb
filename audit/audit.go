// Package audit appends one JSON line per privileged operation: who did
// what, a digest of the arguments, the outcome, and a trace id.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one audit record. Arguments are stored as a digest, not
// verbatim, so secrets in tool args never reach the log.
type Entry struct {
	Timestamp float64 `json:"timestamp"`
	Actor     string  `json:"actor"`
	Role      string  `json:"role"`
	Action    string  `json:"action"`
	ArgsHash  string  `json:"args_hash"`
	Result    string  `json:"result"`
	LatencyMS float64 `json:"latency_ms"`
	TraceID   string  `json:"trace_id"`
}

// Logger appends entries to a single JSON-lines file.
type Logger struct {
	logger *slog.Logger

	mu   sync.Mutex
	file *os.File
}

// New opens (or creates) the audit file for appending.
func New(path string, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	return &Logger{logger: logger.With("component", "audit"), file: f}, nil
}

// Log appends one entry. An empty traceID gets a generated one. Write
// failures are reported to the process log but never fail the caller.
func (l *Logger) Log(actor, role, action string, args any, result string, latency time.Duration, traceID string) {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	latMS := float64(latency) / float64(time.Millisecond)
	entry := Entry{
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		Actor:     actor,
		Role:      role,
		Action:    action,
		ArgsHash:  HashArgs(args),
		Result:    result,
		LatencyMS: math.Round(latMS*100) / 100,
		TraceID:   traceID,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Warn("audit entry not serializable", "action", action, "error", err)
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	_, err = l.file.Write(data)
	l.mu.Unlock()
	if err != nil {
		l.logger.Warn("audit write failed", "action", action, "error", err)
	}
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// HashArgs digests arguments to the first 16 hex characters of the SHA-256
// of their canonical JSON form. Map keys serialize sorted, so logically
// equal argument sets hash identically.
func HashArgs(args any) string {
	blob, err := json.Marshal(args)
	if err != nil {
		blob = []byte(fmt.Sprintf("%v", args))
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])[:16]
}
