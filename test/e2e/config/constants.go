// Package config provides configuration constants for e2e tests.
package config

import "time"

// Default endpoints. The conformance suite expects a running control plane,
// an MQTT broker, and the device simulator echoing set commands.
const (
	DefaultCoreURL = "http://localhost:8000"
	DefaultMQTTURL = "mqtt://localhost:1883"
)

// Default timeouts.
const (
	DefaultSetupTimeout = 60 * time.Second
	DefaultStageTimeout = 30 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
	DefaultWaitTimeout  = 10 * time.Second
)

// Devices the scenarios drive. They must exist in the control plane's
// device registry (configs/devices.json ships all of them).
const (
	TestLight        = "light_living_main"
	TestMotionSensor = "motion_hall"
	TestMotionZone   = "hall"
	TestLuxSensor    = "lux_living"
	TestLuxZone      = "living"
)

// Broker topics the scenarios publish on.
const (
	MotionStateTopic = "home/sensor/motion_hall/state"
	LuxStateTopic    = "home/sensor/lux_living/state"
)

// Config holds the e2e test configuration.
type Config struct {
	CoreURL      string        `json:"core_url"`
	MQTTURL      string        `json:"mqtt_url"`
	SetupTimeout time.Duration `json:"setup_timeout"`
	StageTimeout time.Duration `json:"stage_timeout"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		CoreURL:      DefaultCoreURL,
		MQTTURL:      DefaultMQTTURL,
		SetupTimeout: DefaultSetupTimeout,
		StageTimeout: DefaultStageTimeout,
	}
}
