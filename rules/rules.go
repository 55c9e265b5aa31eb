// Package rules evaluates automation rules against the world snapshot on a
// fixed tick, with per-rule safety guards and hot reload from disk.
package rules

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrInvalid marks a rules document that failed schema validation.
var ErrInvalid = errors.New("invalid rules")

//go:embed schema/rules.schema.json
var rulesSchemaBytes []byte

// Retry controls per-action retry within a firing. Nil fields take the
// defaults (one attempt, 250ms backoff).
type Retry struct {
	Max       *int `json:"max,omitempty"`
	BackoffMS *int `json:"backoff_ms,omitempty"`
}

// Guards are optional firing dampeners evaluated before the condition.
type Guards struct {
	DebounceMS     int     `json:"debounce_ms,omitempty"`
	ThrottlePerMin float64 `json:"throttle_per_min,omitempty"`
	Retry          *Retry  `json:"retry,omitempty"`
}

// Safety caps how often a rule may fire.
type Safety struct {
	RateLimitPerMin float64 `json:"rate_limit_per_min,omitempty"`
}

// Condition is what a sensor rule matches against. Equals is compared as a
// subset against the sensor's latest state. For gates re-firing by an
// ISO-8601 duration (PTxxMxxS) since the rule last fired.
type Condition struct {
	SensorID string         `json:"sensor_id,omitempty"`
	Topic    string         `json:"topic,omitempty"`
	Equals   map[string]any `json:"equals,omitempty"`
	After    string         `json:"after,omitempty"`
	For      string         `json:"for,omitempty"`
}

// Action is one tool invocation performed when a rule fires.
type Action struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// Rule is a single automation rule. Time rules fire once past After (local
// time of day); sensor rules fire when the condition matches. All runtime
// state (last fire, guard windows) lives in the engine.
type Rule struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	After     string     `json:"after,omitempty"`
	Condition *Condition `json:"condition,omitempty"`
	Actions   []Action   `json:"actions"`
	Safety    *Safety    `json:"safety,omitempty"`
	Guards    *Guards    `json:"guards,omitempty"`
}

// LoadFile reads and validates a rules file.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return Decode(data)
}

// Decode validates raw JSON against the rules schema and decodes it.
func Decode(data []byte) ([]Rule, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := rulesSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var out []Rule
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return out, nil
}

var rulesSchema = mustCompileSchema("rules.schema.json", rulesSchemaBytes)

func mustCompileSchema(name string, raw []byte) *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		panic(fmt.Sprintf("parse embedded schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("add schema resource %s: %v", name, err))
	}
	schema, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return schema
}
