package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/dsguardian/guardian/device"
)

// ErrInvalid marks configuration that failed schema or semantic validation.
// Fatal at startup.
var ErrInvalid = errors.New("invalid configuration")

//go:embed schema/devices.schema.json
var devicesSchemaBytes []byte

// LoadDevices reads and validates the device registry file.
func LoadDevices(path string) ([]device.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read devices file: %w", err)
	}
	return DecodeDevices(data)
}

// DecodeDevices validates raw JSON against the device schema and decodes it.
func DecodeDevices(data []byte) ([]device.Descriptor, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: devices: %v", ErrInvalid, err)
	}
	if err := devicesSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: devices: %v", ErrInvalid, err)
	}
	var descs []device.Descriptor
	if err := json.Unmarshal(data, &descs); err != nil {
		return nil, fmt.Errorf("%w: devices: %v", ErrInvalid, err)
	}
	return descs, nil
}

var devicesSchema = mustCompileSchema("devices.schema.json", devicesSchemaBytes)

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
