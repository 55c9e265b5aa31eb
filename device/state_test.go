package device

import (
	"encoding/json"
	"testing"
)

func TestDecodeStateVariants(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		check   func(t *testing.T, s State)
	}{
		{
			name:    "light with brightness",
			payload: `{"type":"light","state":"ON","brightness":30}`,
			check: func(t *testing.T, s State) {
				if s.Light == nil {
					t.Fatal("Light variant not set")
				}
				if s.Light.State != "ON" {
					t.Errorf("State = %q", s.Light.State)
				}
				if s.Light.Brightness == nil || *s.Light.Brightness != 30 {
					t.Errorf("Brightness = %v", s.Light.Brightness)
				}
			},
		},
		{
			name:    "light without brightness",
			payload: `{"type":"light","state":"OFF"}`,
			check: func(t *testing.T, s State) {
				if s.Light == nil || s.Light.Brightness != nil {
					t.Errorf("want brightness absent, got %+v", s.Light)
				}
			},
		},
		{
			name:    "lock",
			payload: `{"type":"lock","state":"LOCKED"}`,
			check: func(t *testing.T, s State) {
				if s.Lock == nil || s.Lock.State != "LOCKED" {
					t.Errorf("Lock = %+v", s.Lock)
				}
			},
		},
		{
			name:    "cover",
			payload: `{"type":"cover","position":99}`,
			check: func(t *testing.T, s State) {
				if s.Cover == nil || s.Cover.Position == nil || *s.Cover.Position != 99 {
					t.Errorf("Cover = %+v", s.Cover)
				}
			},
		},
		{
			name:    "thermostat",
			payload: `{"type":"thermostat","target":21.5}`,
			check: func(t *testing.T, s State) {
				if s.Thermostat == nil || s.Thermostat.Target == nil || *s.Thermostat.Target != 21.5 {
					t.Errorf("Thermostat = %+v", s.Thermostat)
				}
			},
		},
		{
			name:    "security",
			payload: `{"type":"security","mode":"night"}`,
			check: func(t *testing.T, s State) {
				if s.Security == nil || s.Security.Mode != "night" {
					t.Errorf("Security = %+v", s.Security)
				}
			},
		},
		{
			name:    "motion",
			payload: `{"type":"motion","value":true}`,
			check: func(t *testing.T, s State) {
				if s.Motion == nil || !s.Motion.Present() {
					t.Errorf("Motion = %+v", s.Motion)
				}
			},
		},
		{
			name:    "illuminance",
			payload: `{"type":"illuminance","lux":120.5}`,
			check: func(t *testing.T, s State) {
				if s.Illuminance == nil || s.Illuminance.Lux == nil || *s.Illuminance.Lux != 120.5 {
					t.Errorf("Illuminance = %+v", s.Illuminance)
				}
			},
		},
		{
			name:    "unknown type keeps raw",
			payload: `{"type":"vision","label":"person"}`,
			check: func(t *testing.T, s State) {
				if s.Type != "vision" {
					t.Errorf("Type = %q", s.Type)
				}
				if s.Raw["label"] != "person" {
					t.Errorf("Raw = %v", s.Raw)
				}
			},
		},
		{
			name:    "missing type",
			payload: `{"value":1}`,
			check: func(t *testing.T, s State) {
				if s.Type != "" {
					t.Errorf("Type = %q, want empty", s.Type)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := DecodeState([]byte(tt.payload))
			if err != nil {
				t.Fatalf("DecodeState: %v", err)
			}
			tt.check(t, s)
		})
	}
}

func TestDecodeStateRejectsNonObject(t *testing.T) {
	for _, payload := range []string{`"hi"`, `42`, `[1,2]`, `not json`} {
		if _, err := DecodeState([]byte(payload)); err == nil {
			t.Errorf("DecodeState(%s) = nil error", payload)
		}
	}
}

func TestStateMarshalRoundTrip(t *testing.T) {
	in := `{"type":"light","state":"ON","brightness":30,"ts":1700000000.5}`
	s, err := DecodeState([]byte(in))
	if err != nil {
		t.Fatalf("DecodeState: %v", err)
	}
	out, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["brightness"] != 30.0 || got["ts"] != 1700000000.5 {
		t.Errorf("round trip lost fields: %v", got)
	}
}

func TestMotionPresent(t *testing.T) {
	tests := []struct {
		value any
		want  bool
	}{
		{true, true},
		{false, false},
		{nil, false},
		{1.0, true},
		{0.0, false},
		{"on", true},
		{"", false},
	}
	for _, tt := range tests {
		m := Motion{Value: tt.value}
		if got := m.Present(); got != tt.want {
			t.Errorf("Present(%v) = %v, want %v", tt.value, got, tt.want)
		}
	}
}
