// Package main provides the guardian binary entry point.
// Guardian is a smart-home control plane that mirrors MQTT device state
// into a queryable home context and exposes typed device commands,
// automation rules and a supervised agent surface over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dsguardian/guardian/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "guardian"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "guardian",
		Short: "Smart-home control plane",
		Long: `Guardian is a smart-home control plane over MQTT.

It provides:
- Typed device commands confirmed against state echoes
- A live home context with per-zone projection
- Automation rules with rate limits, debounce and hot reload
- A supervised agent command surface with RBAC and audit
- An SQLite event archive and SSE feed for UIs

All device traffic flows over MQTT; the HTTP surface is for humans,
UIs and agents.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, logLevel string) error {
	// Print banner
	printBanner()

	// Configure logging
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	app := NewApp(cfg, logger)

	// Setup signal handling
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := app.Start(signalCtx); err != nil {
		app.Stop(10 * time.Second)
		return err
	}

	slog.Info("Guardian ready",
		"version", Version,
		"http", cfg.HTTP.Addr,
		"mqtt", cfg.MQTT.URL)

	// Block until shutdown signal
	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	app.Stop(30 * time.Second)

	slog.Info("Guardian shutdown complete")
	return nil
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║             Guardian v" + Version + "                    ║")
	fmt.Println("║      Smart-Home Control Plane                 ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}

func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}

	// No explicit file: layered lookup (defaults, user config, project config)
	return config.NewLoader(logger).Load()
}

// applyEnvOverrides applies deployment environment settings on top of file
// config. Environment variables take precedence so one image can run in
// compose, CI and production without a config file per host.
func applyEnvOverrides(cfg *config.Config) {
	if env := os.Getenv("MQTT_URL"); env != "" {
		cfg.MQTT.URL = env
	} else if env := os.Getenv("GUARDIAN_MQTT_URL"); env != "" {
		cfg.MQTT.URL = env
	}
	if env := os.Getenv("HTTP_ADDR"); env != "" {
		cfg.HTTP.Addr = env
	}
	if env := os.Getenv("UI_ORIGINS"); env != "" {
		parts := strings.Split(env, ",")
		origins := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		cfg.HTTP.CORSOrigins = origins
	}
}
