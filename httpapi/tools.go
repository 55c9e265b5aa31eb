package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dsguardian/guardian/metrics"
)

// ControlLightRequest is the body for POST /tools/control_light.
type ControlLightRequest struct {
	DeviceID   string `json:"device_id" validate:"required"`
	State      *bool  `json:"state" validate:"required"`
	Brightness *int   `json:"brightness,omitempty" validate:"omitempty,min=0,max=100"`
}

// SetThermostatRequest is the body for POST /tools/set_thermostat.
type SetThermostatRequest struct {
	DeviceID    string   `json:"device_id" validate:"required"`
	Temperature *float64 `json:"temperature" validate:"required,min=5,max=35"`
}

// DeviceIDRequest is the body for tool calls that only name a device.
type DeviceIDRequest struct {
	DeviceID string `json:"device_id" validate:"required"`
}

// CoverSetPositionRequest is the body for POST /tools/cover_set_position.
type CoverSetPositionRequest struct {
	DeviceID string `json:"device_id" validate:"required"`
	Position *int   `json:"position" validate:"required,min=0,max=100"`
}

// ArmSecurityRequest is the body for POST /tools/arm_security. Mode defaults
// to "away".
type ArmSecurityRequest struct {
	Mode string `json:"mode,omitempty" validate:"omitempty,oneof=away night home"`
}

// CameraSnapshotRequest is the body for POST /tools/camera_snapshot.
type CameraSnapshotRequest struct {
	CameraID string `json:"camera_id" validate:"required"`
}

// EmitSensorRequest is the body for POST /tools/emit_sensor. Value is passed
// through to the wire unchecked; sensors publish whatever they measure.
type EmitSensorRequest struct {
	SensorID string `json:"sensor_id" validate:"required"`
	Value    any    `json:"value"`
}

// beginTool runs the shared front half of a tool endpoint: body decode and
// validation, subsystem readiness, then the role check against policy. A
// false return means the response has already been written. dst may be nil
// for endpoints without a body.
func (s *Server) beginTool(w http.ResponseWriter, r *http.Request, tool string, dst any) (string, bool) {
	if dst != nil {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return "", false
		}
		if err := s.validate.Struct(dst); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return "", false
		}
	}
	if s.deps.Tools == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Tools not initialized")
		return "", false
	}
	role := roleOf(r)
	if !s.deps.Access.Allow(role, tool) {
		s.writeError(w, http.StatusForbidden, "Forbidden")
		return "", false
	}
	return role, true
}

// finishTool records the audit line and the call metrics, then writes either
// the wrapped result or the mapped error.
func (s *Server) finishTool(w http.ResponseWriter, role, tool string, args, res any, err error, started time.Time) {
	elapsed := time.Since(started)
	outcome := "ok"
	if err != nil {
		outcome = "err"
	}
	if s.deps.Audit != nil {
		s.deps.Audit.Log("api", role, tool, args, outcome, elapsed, "")
	}
	metrics.ToolCalls.WithLabelValues(tool, outcome).Inc()
	metrics.ToolCallLatency.WithLabelValues(tool).Observe(float64(elapsed) / float64(time.Millisecond))
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

func (s *Server) handleControlLight(w http.ResponseWriter, r *http.Request) {
	var req ControlLightRequest
	role, ok := s.beginTool(w, r, "control_light", &req)
	if !ok {
		return
	}
	started := time.Now()
	res, err := s.deps.Tools.ControlLight(r.Context(), req.DeviceID, *req.State, req.Brightness)
	s.finishTool(w, role, "control_light", req, res, err, started)
}

func (s *Server) handleSetThermostat(w http.ResponseWriter, r *http.Request) {
	var req SetThermostatRequest
	role, ok := s.beginTool(w, r, "set_thermostat", &req)
	if !ok {
		return
	}
	started := time.Now()
	res, err := s.deps.Tools.SetThermostat(r.Context(), req.DeviceID, *req.Temperature)
	s.finishTool(w, role, "set_thermostat", req, res, err, started)
}

func (s *Server) handleLockDoor(w http.ResponseWriter, r *http.Request) {
	var req DeviceIDRequest
	role, ok := s.beginTool(w, r, "lock_door", &req)
	if !ok {
		return
	}
	started := time.Now()
	res, err := s.deps.Tools.LockDoor(r.Context(), req.DeviceID)
	s.finishTool(w, role, "lock_door", req, res, err, started)
}

func (s *Server) handleUnlockDoor(w http.ResponseWriter, r *http.Request) {
	var req DeviceIDRequest
	role, ok := s.beginTool(w, r, "unlock_door", &req)
	if !ok {
		return
	}
	started := time.Now()
	res, err := s.deps.Tools.UnlockDoor(r.Context(), req.DeviceID)
	s.finishTool(w, role, "unlock_door", req, res, err, started)
}

func (s *Server) handleCoverSetPosition(w http.ResponseWriter, r *http.Request) {
	var req CoverSetPositionRequest
	role, ok := s.beginTool(w, r, "cover_set_position", &req)
	if !ok {
		return
	}
	started := time.Now()
	res, err := s.deps.Tools.CoverSetPosition(r.Context(), req.DeviceID, *req.Position)
	s.finishTool(w, role, "cover_set_position", req, res, err, started)
}

func (s *Server) handleSwitchOn(w http.ResponseWriter, r *http.Request) {
	var req DeviceIDRequest
	role, ok := s.beginTool(w, r, "switch_on", &req)
	if !ok {
		return
	}
	started := time.Now()
	res, err := s.deps.Tools.SwitchOn(r.Context(), req.DeviceID)
	s.finishTool(w, role, "switch_on", req, res, err, started)
}

func (s *Server) handleSwitchOff(w http.ResponseWriter, r *http.Request) {
	var req DeviceIDRequest
	role, ok := s.beginTool(w, r, "switch_off", &req)
	if !ok {
		return
	}
	started := time.Now()
	res, err := s.deps.Tools.SwitchOff(r.Context(), req.DeviceID)
	s.finishTool(w, role, "switch_off", req, res, err, started)
}

func (s *Server) handleSirenOn(w http.ResponseWriter, r *http.Request) {
	var req DeviceIDRequest
	role, ok := s.beginTool(w, r, "siren_on", &req)
	if !ok {
		return
	}
	started := time.Now()
	res, err := s.deps.Tools.SirenOn(r.Context(), req.DeviceID)
	s.finishTool(w, role, "siren_on", req, res, err, started)
}

func (s *Server) handleSirenOff(w http.ResponseWriter, r *http.Request) {
	var req DeviceIDRequest
	role, ok := s.beginTool(w, r, "siren_off", &req)
	if !ok {
		return
	}
	started := time.Now()
	res, err := s.deps.Tools.SirenOff(r.Context(), req.DeviceID)
	s.finishTool(w, role, "siren_off", req, res, err, started)
}

func (s *Server) handleArmSecurity(w http.ResponseWriter, r *http.Request) {
	var req ArmSecurityRequest
	role, ok := s.beginTool(w, r, "arm_security", &req)
	if !ok {
		return
	}
	if req.Mode == "" {
		req.Mode = "away"
	}
	started := time.Now()
	res, err := s.deps.Tools.ArmSecurity(r.Context(), req.Mode)
	s.finishTool(w, role, "arm_security", req, res, err, started)
}

func (s *Server) handleDisarmSecurity(w http.ResponseWriter, r *http.Request) {
	role, ok := s.beginTool(w, r, "disarm_security", nil)
	if !ok {
		return
	}
	started := time.Now()
	res, err := s.deps.Tools.DisarmSecurity(r.Context())
	s.finishTool(w, role, "disarm_security", map[string]any{}, res, err, started)
}

func (s *Server) handleCameraSnapshot(w http.ResponseWriter, r *http.Request) {
	var req CameraSnapshotRequest
	role, ok := s.beginTool(w, r, "camera_snapshot", &req)
	if !ok {
		return
	}
	started := time.Now()
	res := s.deps.Tools.CameraSnapshot(req.CameraID)
	s.finishTool(w, role, "camera_snapshot", req, res, nil, started)
}

func (s *Server) handleEmitSensor(w http.ResponseWriter, r *http.Request) {
	var req EmitSensorRequest
	role, ok := s.beginTool(w, r, "emit_sensor", &req)
	if !ok {
		return
	}
	started := time.Now()
	err := s.deps.Tools.EmitSensor(r.Context(), req.SensorID, req.Value)
	s.finishTool(w, role, "emit_sensor", req, nil, err, started)
}

// handleGetDeviceStatus answers GET /tools/get_device_status?device_id=. The
// read waits briefly for the device's next state report; a silent device
// times out.
func (s *Server) handleGetDeviceStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		s.writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	role, ok := s.beginTool(w, r, "get_device_status", nil)
	if !ok {
		return
	}
	args := map[string]any{"device_id": deviceID}
	started := time.Now()
	res, err := s.deps.Tools.GetDeviceStatus(r.Context(), deviceID)
	outcome := "ok"
	if err != nil {
		outcome = "err"
	}
	if s.deps.Audit != nil {
		s.deps.Audit.Log("api", role, "get_device_status", args, outcome, time.Since(started), "")
	}
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

// handleGetSensorData answers GET /tools/get_sensor_data?sensor_id=.
func (s *Server) handleGetSensorData(w http.ResponseWriter, r *http.Request) {
	sensorID := r.URL.Query().Get("sensor_id")
	if sensorID == "" {
		s.writeError(w, http.StatusBadRequest, "sensor_id is required")
		return
	}
	role, ok := s.beginTool(w, r, "get_sensor_data", nil)
	if !ok {
		return
	}
	args := map[string]any{"sensor_id": sensorID}
	started := time.Now()
	res, err := s.deps.Tools.GetSensorData(r.Context(), sensorID)
	outcome := "ok"
	if err != nil {
		outcome = "err"
	}
	if s.deps.Audit != nil {
		s.deps.Audit.Log("api", role, "get_sensor_data", args, outcome, time.Since(started), "")
	}
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

// handleCameraSnapshotURL answers GET /tools/camera_snapshot_url?camera_id=.
// The payload is returned bare, not wrapped in a result envelope.
func (s *Server) handleCameraSnapshotURL(w http.ResponseWriter, r *http.Request) {
	cameraID := r.URL.Query().Get("camera_id")
	if cameraID == "" {
		s.writeError(w, http.StatusBadRequest, "camera_id is required")
		return
	}
	if _, ok := s.beginTool(w, r, "camera_snapshot_url", nil); !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Tools.CameraSnapshotURL(cameraID))
}
