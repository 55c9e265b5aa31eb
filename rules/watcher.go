package rules

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay is how long to wait for further writes before reloading.
// Editors and config management tools often write a file several times.
const debounceDelay = 500 * time.Millisecond

// Watcher hot-reloads a rules file into the engine. A file that fails to
// read or validate is logged and skipped; the engine keeps its current
// rules.
type Watcher struct {
	path    string
	engine  *Engine
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending bool
	hash    [sha256.Size]byte

	wg sync.WaitGroup
}

// NewWatcher creates a watcher for the given rules file.
func NewWatcher(path string, engine *Engine, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:    filepath.Clean(path),
		engine:  engine,
		logger:  logger.With("component", "rules-watcher"),
		watcher: fsw,
	}, nil
}

// Start watches the file's directory. Watching the directory rather than
// the file itself survives the rename-over-replace pattern editors use.
func (w *Watcher) Start(ctx context.Context) error {
	if data, err := os.ReadFile(w.path); err == nil {
		w.hash = sha256.Sum256(data)
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.wg.Add(1)
	go w.processEvents(ctx)
	w.logger.Info("watching rules file", "path", w.path)
	return nil
}

// Stop closes the underlying watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	if err := w.watcher.Close(); err != nil {
		w.logger.Warn("watcher close failed", "error", err)
	}
	w.wg.Wait()
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(debounceDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.mu.Lock()
				w.pending = true
				w.mu.Unlock()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		case <-ticker.C:
			w.mu.Lock()
			pending := w.pending
			w.pending = false
			w.mu.Unlock()
			if pending {
				w.reload()
			}
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("rules file unreadable, keeping current rules", "error", err)
		return
	}
	hash := sha256.Sum256(data)
	if hash == w.hash {
		return
	}
	rules, err := Decode(data)
	if err != nil {
		w.logger.Warn("rules file invalid, keeping current rules", "error", err)
		return
	}
	w.hash = hash
	w.engine.SetRules(rules)
	w.logger.Info("rules reloaded", "path", w.path, "rules", len(rules))
}
