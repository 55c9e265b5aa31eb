// Package client provides test clients for e2e scenarios.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dsguardian/guardian/test/e2e/config"
)

// HTTPClient talks to the control plane's REST surface.
type HTTPClient struct {
	baseURL    string
	role       string
	httpClient *http.Client

	// streamClient has no overall timeout: an SSE response stays open for
	// the life of the scenario and is bounded by its context instead.
	streamClient *http.Client
}

// NewHTTPClient creates a new HTTP client for e2e testing. All requests
// carry the admin role.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		role:    "admin",
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		streamClient: &http.Client{},
	}
}

// WaitForHealthy polls /health until the service reports ok or ctx expires.
func (c *HTTPClient) WaitForHealthy(ctx context.Context) error {
	ticker := time.NewTicker(config.DefaultPollInterval)
	defer ticker.Stop()
	for {
		health, err := c.Health(ctx)
		if err == nil {
			if ok, _ := health["ok"].(bool); ok {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("service not healthy: %w (last error: %v)", ctx.Err(), err)
			}
			return fmt.Errorf("service not healthy: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Health fetches GET /health.
func (c *HTTPClient) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.getJSON(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ZonePayload mirrors one zone of the world snapshot.
type ZonePayload struct {
	Light       string   `json:"light,omitempty"`
	Brightness  *float64 `json:"brightness,omitempty"`
	Lock        string   `json:"lock,omitempty"`
	Presence    *bool    `json:"presence,omitempty"`
	Illuminance *float64 `json:"illuminance,omitempty"`
}

// StatePayload mirrors the world snapshot returned by GET /state. Device
// states arrive as flat JSON objects keyed by entity id.
type StatePayload struct {
	SecurityMode string                    `json:"security_mode"`
	Occupancy    string                    `json:"occupancy"`
	EnergyMode   string                    `json:"energy_mode"`
	Health       map[string]string         `json:"health"`
	Devices      map[string]map[string]any `json:"devices"`
	Zones        map[string]ZonePayload    `json:"zones"`
	TS           float64                   `json:"ts"`
}

// State fetches GET /state.
func (c *HTTPClient) State(ctx context.Context) (*StatePayload, error) {
	var out StatePayload
	if err := c.getJSON(ctx, "/state", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InvokeTool posts a tool request and returns the unwrapped result. Tool
// endpoints answer {"result": ...}; the result may be null for tools that
// confirm nothing.
func (c *HTTPClient) InvokeTool(ctx context.Context, tool string, body map[string]any) (map[string]any, error) {
	var out struct {
		Result map[string]any `json:"result"`
	}
	if err := c.postJSON(ctx, "/tools/"+tool, body, &out); err != nil {
		return nil, err
	}
	return out.Result, nil
}

// AgentResponse is the body of a POST /agent/command answer.
type AgentResponse struct {
	TraceID string           `json:"trace_id"`
	Status  string           `json:"status"`
	Steps   []map[string]any `json:"steps,omitempty"`
	Result  any              `json:"result,omitempty"`
}

// AgentCommand posts one agent command. command may be an intent string or
// a structured {tool, args} object.
func (c *HTTPClient) AgentCommand(ctx context.Context, command any, dryRun, confirm bool) (*AgentResponse, error) {
	body := map[string]any{
		"command": command,
		"dry_run": dryRun,
		"confirm": confirm,
	}
	var out AgentResponse
	if err := c.postJSON(ctx, "/agent/command", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History fetches GET /history/events, newest first. etype filters by event
// type when non-empty.
func (c *HTTPClient) History(ctx context.Context, limit int, etype string) ([]map[string]any, error) {
	path := "/history/events?limit=" + strconv.Itoa(limit)
	if etype != "" {
		path += "&etype=" + url.QueryEscape(etype)
	}
	var out struct {
		Events []map[string]any `json:"events"`
	}
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// SSEEvent is one decoded server-sent-events frame.
type SSEEvent struct {
	Type string
	Data map[string]any
}

// Stream is an open /ui/stream connection. Frames are decoded on a
// background goroutine; Next hands them out in arrival order.
type Stream struct {
	cancel context.CancelFunc
	body   io.ReadCloser
	frames chan SSEEvent
}

// OpenStream connects to GET /ui/stream. The caller must Close the stream.
func (c *HTTPClient) OpenStream(ctx context.Context) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ui/stream", nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Role", c.role)

	resp, err := c.streamClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected content type %q", ct)
	}

	s := &Stream{
		cancel: cancel,
		body:   resp.Body,
		frames: make(chan SSEEvent, 16),
	}
	go s.readLoop(ctx)
	return s, nil
}

// Next returns the next frame or the context error.
func (s *Stream) Next(ctx context.Context) (SSEEvent, error) {
	select {
	case ev, ok := <-s.frames:
		if !ok {
			return SSEEvent{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return SSEEvent{}, ctx.Err()
	}
}

// Close tears down the stream connection.
func (s *Stream) Close() {
	s.cancel()
	s.body.Close()
}

func (s *Stream) readLoop(ctx context.Context) {
	defer close(s.frames)
	sc := bufio.NewScanner(s.body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var etype string
	var data []byte
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			etype = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = []byte(strings.TrimPrefix(line, "data: "))
		case line == "":
			if etype == "" && data == nil {
				continue
			}
			ev := SSEEvent{Type: etype}
			if len(data) > 0 {
				// Non-object payloads leave Data nil; the type still counts.
				_ = json.Unmarshal(data, &ev.Data)
			}
			select {
			case s.frames <- ev:
			case <-ctx.Done():
				return
			}
			etype, data = "", nil
		}
	}
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Role", c.role)
	return c.do(req, out)
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Role", c.role)
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unmarshal response: %w (body: %s)", err, string(body))
	}
	return nil
}
