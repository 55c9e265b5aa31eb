package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.MQTT.URL != "mqtt://localhost:1883" {
		t.Errorf("expected default broker url, got %s", cfg.MQTT.URL)
	}
	if cfg.HTTP.Addr != ":8000" {
		t.Errorf("expected default addr :8000, got %s", cfg.HTTP.Addr)
	}
	if !cfg.Files.WatchRules {
		t.Error("expected rules watching enabled by default")
	}
	if got := cfg.RBAC.Policy["admin"]; len(got) != 1 || got[0] != "*" {
		t.Errorf("expected admin -> [*], got %v", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"bad scheme", func(c *Config) { c.MQTT.URL = "ftp://host:21" }, true},
		{"empty addr", func(c *Config) { c.HTTP.Addr = "" }, true},
		{"empty devices file", func(c *Config) { c.Files.Devices = "" }, true},
		{"empty rules file", func(c *Config) { c.Files.Rules = "" }, true},
		{"role allows nothing", func(c *Config) { c.RBAC.Policy = map[string][]string{"guest": {}} }, true},
		{"tcp scheme ok", func(c *Config) { c.MQTT.URL = "tcp://broker:1883" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guardian.yaml")
	content := `
mqtt:
  url: mqtt://broker.lan:1883
  client_id_prefix: house
  connect_timeout: 5s
http:
  addr: ":9000"
files:
  watch_rules: false
rbac:
  policy:
    admin: ["*"]
    viewer: ["get_device_status", "get_sensor_data"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.MQTT.URL != "mqtt://broker.lan:1883" {
		t.Errorf("url = %s", cfg.MQTT.URL)
	}
	if cfg.MQTT.ConnectTimeout.Duration() != 5*time.Second {
		t.Errorf("connect_timeout = %s", cfg.MQTT.ConnectTimeout.Duration())
	}
	if cfg.HTTP.Addr != ":9000" {
		t.Errorf("addr = %s", cfg.HTTP.Addr)
	}
	if cfg.Files.WatchRules {
		t.Error("watch_rules should be false")
	}
	// Defaults fill the rest.
	if cfg.Files.Devices != "configs/devices.json" {
		t.Errorf("devices = %s", cfg.Files.Devices)
	}
	if len(cfg.RBAC.Policy["viewer"]) != 2 {
		t.Errorf("viewer policy = %v", cfg.RBAC.Policy["viewer"])
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestMerge(t *testing.T) {
	base := DefaultConfig()
	over := DefaultConfig()
	over.MQTT.URL = "mqtt://other:1883"
	over.HTTP.CORSOrigins = []string{"http://ui:8080"}
	over.Files.WatchRules = false

	base.Merge(over)

	if base.MQTT.URL != "mqtt://other:1883" {
		t.Errorf("url = %s", base.MQTT.URL)
	}
	if len(base.HTTP.CORSOrigins) != 1 || base.HTTP.CORSOrigins[0] != "http://ui:8080" {
		t.Errorf("cors = %v", base.HTTP.CORSOrigins)
	}
	if base.Files.WatchRules {
		t.Error("watch_rules should follow the merged config")
	}
	// Untouched fields keep their values.
	if base.HTTP.Addr != ":8000" {
		t.Errorf("addr = %s", base.HTTP.Addr)
	}
}
