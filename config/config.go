// Package config provides configuration loading for the guardian daemon:
// the YAML application config plus the JSON device registry, validated
// against an embedded schema.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete guardian configuration.
type Config struct {
	MQTT  MQTTConfig  `yaml:"mqtt"`
	HTTP  HTTPConfig  `yaml:"http"`
	Files FilesConfig `yaml:"files"`
	Store StoreConfig `yaml:"store"`
	Audit AuditConfig `yaml:"audit"`
	RBAC  RBACConfig  `yaml:"rbac"`
}

// MQTTConfig configures the broker sessions.
type MQTTConfig struct {
	// URL is the broker address (default: mqtt://localhost:1883)
	URL string `yaml:"url"`
	// Username and Password are optional broker credentials
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// ClientIDPrefix namespaces the per-session client ids (default: guardian)
	ClientIDPrefix string `yaml:"client_id_prefix"`
	// ConnectTimeout bounds the initial connection wait (default: 10s)
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// HTTPConfig configures the REST/SSE server.
type HTTPConfig struct {
	// Addr is the listen address (default: :8000)
	Addr string `yaml:"addr"`
	// CORSOrigins lists allowed UI origins (default: http://localhost:8080)
	CORSOrigins []string `yaml:"cors_origins"`
}

// FilesConfig locates the static configuration files.
type FilesConfig struct {
	// Devices is the device registry file (default: configs/devices.json)
	Devices string `yaml:"devices"`
	// Rules is the automation rules file (default: configs/rules.json)
	Rules string `yaml:"rules"`
	// WatchRules reloads the rules file when it changes (default: true)
	WatchRules bool `yaml:"watch_rules"`
}

// StoreConfig configures the event archive.
type StoreConfig struct {
	// Path is the sqlite database file (default: data/guardian.db)
	Path string `yaml:"path"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	// Path is the JSON-lines audit log (default: data/audit.jsonl)
	Path string `yaml:"path"`
}

// RBACConfig maps caller roles to the tools they may invoke.
type RBACConfig struct {
	// Policy maps role to allowed tool names; "*" allows every tool
	// (default: admin -> ["*"])
	Policy map[string][]string `yaml:"policy"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			URL:            "mqtt://localhost:1883",
			ClientIDPrefix: "guardian",
			ConnectTimeout: Duration(10 * time.Second),
		},
		HTTP: HTTPConfig{
			Addr:        ":8000",
			CORSOrigins: []string{"http://localhost:8080"},
		},
		Files: FilesConfig{
			Devices:    "configs/devices.json",
			Rules:      "configs/rules.json",
			WatchRules: true,
		},
		Store: StoreConfig{
			Path: "data/guardian.db",
		},
		Audit: AuditConfig{
			Path: "data/audit.jsonl",
		},
		RBAC: RBACConfig{
			Policy: map[string][]string{"admin": {"*"}},
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	u, err := url.Parse(c.MQTT.URL)
	if err != nil {
		return fmt.Errorf("mqtt.url: %w", err)
	}
	switch u.Scheme {
	case "mqtt", "tcp", "mqtts", "ssl", "ws", "wss":
	default:
		return fmt.Errorf("mqtt.url: unsupported scheme %q", u.Scheme)
	}
	if c.MQTT.ClientIDPrefix == "" {
		return fmt.Errorf("mqtt.client_id_prefix is required")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.Files.Devices == "" {
		return fmt.Errorf("files.devices is required")
	}
	if c.Files.Rules == "" {
		return fmt.Errorf("files.rules is required")
	}
	for role, allowed := range c.RBAC.Policy {
		if role == "" {
			return fmt.Errorf("rbac.policy: empty role name")
		}
		if len(allowed) == 0 {
			return fmt.Errorf("rbac.policy: role %q allows nothing", role)
		}
	}
	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// MQTT
	if other.MQTT.URL != "" {
		c.MQTT.URL = other.MQTT.URL
	}
	if other.MQTT.Username != "" {
		c.MQTT.Username = other.MQTT.Username
	}
	if other.MQTT.Password != "" {
		c.MQTT.Password = other.MQTT.Password
	}
	if other.MQTT.ClientIDPrefix != "" {
		c.MQTT.ClientIDPrefix = other.MQTT.ClientIDPrefix
	}
	if other.MQTT.ConnectTimeout != 0 {
		c.MQTT.ConnectTimeout = other.MQTT.ConnectTimeout
	}

	// HTTP
	if other.HTTP.Addr != "" {
		c.HTTP.Addr = other.HTTP.Addr
	}
	if len(other.HTTP.CORSOrigins) > 0 {
		c.HTTP.CORSOrigins = other.HTTP.CORSOrigins
	}

	// Files
	if other.Files.Devices != "" {
		c.Files.Devices = other.Files.Devices
	}
	if other.Files.Rules != "" {
		c.Files.Rules = other.Files.Rules
	}
	c.Files.WatchRules = other.Files.WatchRules

	// Store and audit
	if other.Store.Path != "" {
		c.Store.Path = other.Store.Path
	}
	if other.Audit.Path != "" {
		c.Audit.Path = other.Audit.Path
	}

	// RBAC
	if len(other.RBAC.Policy) > 0 {
		c.RBAC.Policy = other.RBAC.Policy
	}
}

// LoadFromFile loads configuration from a YAML file, applying defaults for
// anything the file omits.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}
