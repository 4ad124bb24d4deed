package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/drblury/boardflow/internal/jsoncodec"
	"github.com/drblury/boardflow/internal/logging"
)

// handleActivityStream serves the pull feed: every processed activity event
// across all boards as server-sent events, with periodic heartbeat frames so
// idle streams keep intermediaries from timing the connection out.
func (s *Server) handleActivityStream(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "unauthorized"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "streaming unsupported"})
		return
	}

	listener, err := s.registry.RegisterListener()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "shutting down"})
		return
	}
	defer s.registry.UnregisterListener(listener)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.conf.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-listener.Done():
			return
		case event := <-listener.Events():
			payload, err := jsoncodec.Marshal(event)
			if err != nil {
				s.log.Error("Skipping unencodable activity event", err, logging.LogFields{
					"event_id": event.ID,
				})
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Kind, payload); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
