package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dsguardian/guardian/device"
)

const validDevices = `[
  {"id": "light_living_main", "type": "light", "room": "living",
   "topics": {"set": "home/device/light_living_main/set", "state": "home/device/light_living_main/state"}},
  {"id": "motion_living", "type": "sensor", "room": "living",
   "topics": {"set": "home/sensor/motion_living/set", "state": "home/sensor/motion_living/state"}}
]`

func TestLoadDevices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	if err := os.WriteFile(path, []byte(validDevices), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	descs, err := LoadDevices(path)
	if err != nil {
		t.Fatalf("LoadDevices: %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("got %d descriptors", len(descs))
	}
	if descs[0].Type != device.KindLight || descs[0].Room != "living" {
		t.Errorf("first descriptor = %+v", descs[0])
	}
	if descs[1].Topics.State != "home/sensor/motion_living/state" {
		t.Errorf("state topic = %s", descs[1].Topics.State)
	}
}

func TestDecodeDevicesRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not an array", `{"id": "x"}`},
		{"missing topics", `[{"id": "x", "type": "light"}]`},
		{"unknown type", `[{"id": "x", "type": "toaster", "topics": {"set": "a", "state": "b"}}]`},
		{"empty id", `[{"id": "", "type": "light", "topics": {"set": "a", "state": "b"}}]`},
		{"missing state topic", `[{"id": "x", "type": "light", "topics": {"set": "a"}}]`},
		{"not json", `devices!`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeDevices([]byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLoadDevicesMissingFile(t *testing.T) {
	if _, err := LoadDevices(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("expected error for missing file")
	}
}
