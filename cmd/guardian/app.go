package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dsguardian/guardian/agent"
	"github.com/dsguardian/guardian/analysis"
	"github.com/dsguardian/guardian/audit"
	"github.com/dsguardian/guardian/broker"
	"github.com/dsguardian/guardian/config"
	"github.com/dsguardian/guardian/device"
	"github.com/dsguardian/guardian/events"
	"github.com/dsguardian/guardian/httpapi"
	"github.com/dsguardian/guardian/rbac"
	"github.com/dsguardian/guardian/rules"
	"github.com/dsguardian/guardian/state"
	"github.com/dsguardian/guardian/store"
	"github.com/dsguardian/guardian/tools"
)

// App is the main application that wires together all components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// MQTT sessions. The context session carries the broad state
	// subscriptions; the command session carries publish-and-wait
	// traffic. Sharing one session would split its inbound channel
	// between two consumers.
	contextConn *broker.PahoConn
	commandConn *broker.PahoConn
	client      *broker.Client

	// Core subsystems
	bus      *events.Bus
	registry *device.Registry
	manager  *state.Manager
	tools    *tools.Service
	engine   *rules.Engine
	watcher  *rules.Watcher
	agent    *agent.Supervisor
	analyzer *analysis.Analyzer
	archive  *store.Store
	auditLog *audit.Logger

	health healthRelay

	httpServer *http.Server
}

// healthRelay forwards broker connectivity flips into the snapshot's health
// map. The context manager is built after the MQTT session it rides on, so
// flips arriving before attach are dropped; the manager starts at "ok".
type healthRelay struct {
	mu sync.Mutex
	m  *state.Manager
}

func (r *healthRelay) attach(m *state.Manager) {
	r.mu.Lock()
	r.m = m
	r.mu.Unlock()
}

func (r *healthRelay) flip(connected bool) {
	r.mu.Lock()
	m := r.m
	r.mu.Unlock()
	if m == nil {
		return
	}
	status := "ok"
	if !connected {
		status = "down"
	}
	m.SetHealth("mqtt", status)
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Start initializes and starts all components in dependency order. On
// error the caller should still call Stop to release whatever came up.
func (a *App) Start(ctx context.Context) error {
	descs, err := config.LoadDevices(a.cfg.Files.Devices)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	registry, err := device.NewRegistry(descs)
	if err != nil {
		return fmt.Errorf("build device registry: %w", err)
	}
	a.registry = registry
	slog.Info("Device registry loaded", "devices", len(descs), "path", a.cfg.Files.Devices)

	a.bus = events.NewBus(a.logger)

	if err := a.connectMQTT(ctx); err != nil {
		return err
	}

	// Archive first so events published during startup are kept.
	archive, err := store.Open(a.cfg.Store.Path, a.bus, a.logger)
	if err != nil {
		return fmt.Errorf("open event archive: %w", err)
	}
	a.archive = archive
	if err := a.archive.Start(ctx); err != nil {
		return fmt.Errorf("start event archive: %w", err)
	}

	a.manager = state.NewManager(a.contextConn, a.registry, a.bus, a.logger)
	if err := a.manager.Start(ctx); err != nil {
		return fmt.Errorf("start context manager: %w", err)
	}
	a.health.attach(a.manager)

	a.client = broker.NewClient(a.commandConn, a.logger)
	if err := a.client.Start(ctx); err != nil {
		return fmt.Errorf("start broker client: %w", err)
	}
	a.tools = tools.NewService(a.client, a.registry, a.logger)

	auditLog, err := audit.New(a.cfg.Audit.Path, a.logger)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	a.auditLog = auditLog

	initial, err := a.loadInitialRules()
	if err != nil {
		return err
	}
	a.engine = rules.NewEngine(a.manager, a.tools, initial, a.logger)
	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("start rules engine: %w", err)
	}

	if a.cfg.Files.WatchRules {
		watcher, err := rules.NewWatcher(a.cfg.Files.Rules, a.engine, a.logger)
		if err != nil {
			return fmt.Errorf("create rules watcher: %w", err)
		}
		a.watcher = watcher
		if err := a.watcher.Start(ctx); err != nil {
			return fmt.Errorf("start rules watcher: %w", err)
		}
	}

	a.agent = agent.NewSupervisor(a.tools, a.bus, a.logger)

	a.analyzer = analysis.NewAnalyzer(a.manager, a.bus, a.logger)
	if err := a.analyzer.Start(ctx); err != nil {
		return fmt.Errorf("start analyzer: %w", err)
	}

	if err := a.startHTTP(); err != nil {
		return err
	}

	slog.Info("All components started")
	return nil
}

func (a *App) connectMQTT(ctx context.Context) error {
	slog.Info("Connecting to MQTT", "url", a.cfg.MQTT.URL)

	// The context session drives health["mqtt"]: it carries the state
	// subscriptions, so its link is the one the snapshot depends on.
	contextConn, err := broker.DialPaho(ctx, broker.PahoConfig{
		URL:                a.cfg.MQTT.URL,
		ClientID:           a.cfg.MQTT.ClientIDPrefix + "-context",
		Username:           a.cfg.MQTT.Username,
		Password:           a.cfg.MQTT.Password,
		ConnectTimeout:     a.cfg.MQTT.ConnectTimeout.Duration(),
		OnConnectionChange: a.health.flip,
		Logger:             a.logger,
	})
	if err != nil {
		return wrapMQTTError(err, a.cfg.MQTT.URL)
	}
	a.contextConn = contextConn

	commandConn, err := broker.DialPaho(ctx, broker.PahoConfig{
		URL:            a.cfg.MQTT.URL,
		ClientID:       a.cfg.MQTT.ClientIDPrefix + "-command",
		Username:       a.cfg.MQTT.Username,
		Password:       a.cfg.MQTT.Password,
		ConnectTimeout: a.cfg.MQTT.ConnectTimeout.Duration(),
		Logger:         a.logger,
	})
	if err != nil {
		return wrapMQTTError(err, a.cfg.MQTT.URL)
	}
	a.commandConn = commandConn

	slog.Info("Connected to MQTT", "url", a.cfg.MQTT.URL)
	return nil
}

// loadInitialRules reads the configured rules file. A missing file starts
// the engine empty; an invalid one is a config error and fails startup.
func (a *App) loadInitialRules() ([]rules.Rule, error) {
	if _, err := os.Stat(a.cfg.Files.Rules); os.IsNotExist(err) {
		slog.Warn("Rules file missing, starting with no rules", "path", a.cfg.Files.Rules)
		return nil, nil
	}
	initial, err := rules.LoadFile(a.cfg.Files.Rules)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	slog.Info("Rules loaded", "rules", len(initial), "path", a.cfg.Files.Rules)
	return initial, nil
}

func (a *App) startHTTP() error {
	server := httpapi.NewServer(httpapi.Deps{
		Snapshots:  a.manager,
		Registry:   a.registry,
		Tools:      a.tools,
		Engine:     a.engine,
		Supervisor: a.agent,
		Access:     rbac.New(a.cfg.RBAC.Policy),
		Audit:      a.auditLog,
		Store:      a.archive,
		Bus:        a.bus,
	}, a.cfg.HTTP.CORSOrigins, a.logger)

	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("http listen on %s: %w", a.cfg.HTTP.Addr, err)
	}

	// No WriteTimeout: the SSE stream holds its response open.
	a.httpServer = &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
		}
	}()

	slog.Info("HTTP API listening", "addr", a.cfg.HTTP.Addr)
	return nil
}

// Stop gracefully stops all components in reverse start order.
func (a *App) Stop(timeout time.Duration) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP shutdown incomplete", "error", err)
		}
	}
	if a.analyzer != nil {
		a.analyzer.Stop()
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.client != nil {
		a.client.Stop()
	}

	// The manager owns its broker session and closes it on Stop. Close it
	// here only when startup failed before the manager existed.
	if a.manager != nil {
		a.manager.Stop()
	} else if a.contextConn != nil {
		if err := a.contextConn.Close(shutdownCtx); err != nil {
			slog.Warn("MQTT context session close failed", "error", err)
		}
	}

	// Archive last among bus consumers so final events are kept.
	if a.archive != nil {
		a.archive.Stop()
	}
	if a.auditLog != nil {
		if err := a.auditLog.Close(); err != nil {
			slog.Warn("Audit log close failed", "error", err)
		}
	}

	if a.commandConn != nil {
		if err := a.commandConn.Close(shutdownCtx); err != nil {
			slog.Warn("MQTT command session close failed", "error", err)
		}
	}
}

// wrapMQTTError provides helpful guidance when the broker is unreachable.
func wrapMQTTError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no route to host") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`MQTT connection failed: %w

No broker is reachable at %s.

To start one:
  docker compose up -d mosquitto

Or set MQTT_URL to point at your broker.`, err, url)
	}

	return fmt.Errorf("MQTT connection failed: %w", err)
}
