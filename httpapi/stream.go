package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// handleStream answers GET /ui/stream with a server-sent-events feed: one
// heartbeat immediately, then every bus event as it arrives. The bus
// subscription is dropped as soon as the client goes away, so a dead client
// never backs up the bus.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Bus not ready")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	sub := s.deps.Bus.Subscribe()
	defer sub.Close()

	if err := writeSSE(w, "heartbeat", map[string]any{"ts": epochNow()}); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.C():
			if !open {
				return
			}
			etype := ev.Type
			if etype == "" {
				etype = "event"
			}
			if err := writeSSE(w, etype, ev); err != nil {
				s.logger.Debug("sse client gone", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE writes one "event: <type> / data: <json>" frame.
func writeSSE(w io.Writer, event string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body)
	return err
}

func epochNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
