// Package server exposes the realtime ingress: the board websocket endpoint,
// the activity SSE feed, and the health and metrics surfaces.
package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/boardflow/internal/config"
	"github.com/drblury/boardflow/internal/envelope"
	"github.com/drblury/boardflow/internal/health"
	"github.com/drblury/boardflow/internal/jsoncodec"
	"github.com/drblury/boardflow/internal/logging"
	"github.com/drblury/boardflow/internal/metrics"
	"github.com/drblury/boardflow/internal/registry"
)

// EnvelopePublisher submits validated envelopes to the durable queue.
type EnvelopePublisher interface {
	Publish(ctx context.Context, env envelope.Envelope) error
}

// Server holds the handlers of the realtime ingress. Build it with New and
// mount Router on an http.Server.
type Server struct {
	conf      *config.Config
	log       logging.ServiceLogger
	publisher EnvelopePublisher
	registry  *registry.Registry
	gate      *health.Gate
	metrics   *metrics.Pipeline
}

// New wires the ingress handlers.
func New(conf *config.Config, log logging.ServiceLogger, publisher EnvelopePublisher, reg *registry.Registry, gate *health.Gate, m *metrics.Pipeline) *Server {
	return &Server{
		conf:      conf,
		log:       log,
		publisher: publisher,
		registry:  reg,
		gate:      gate,
		metrics:   m,
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.conf.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Get("/ws/boards/{board}", s.handleBoardSocket)
	r.Get("/sse/activity", s.handleActivityStream)

	return r
}

// handleHealthz reports process liveness only.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports whether the instance can accept traffic: the queue
// publisher is connected and the activity subscription is live.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if s.gate == nil || !s.gate.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":               "starting",
			"event_pipeline_ready": false,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "ready",
		"event_pipeline_ready": true,
	})
}

// authorized checks the realtime credential, accepted either as a "token"
// query parameter or an Authorization bearer header.
func (s *Server) authorized(r *http.Request) bool {
	if s.conf.RealtimeToken == "" {
		return true
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token == s.conf.RealtimeToken
	}
	authz := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(authz, "Bearer "); ok {
		return token == s.conf.RealtimeToken
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	payload, err := jsoncodec.Marshal(body)
	if err != nil {
		return
	}
	_, _ = w.Write(payload)
}
