// Package metrics exposes the pipeline's operator-visible counters. Together
// with the dead letter queue these are the only durable record of failure:
// the core keeps no other failure log.
package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline tracks publish, retry, dead-letter, duplicate, and delivery
// statistics. A nil *Pipeline is a valid no-op collector so call sites never
// need to guard.
type Pipeline struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	publishedTotal       prometheus.Counter
	publishFailuresTotal prometheus.Counter
	duplicatesTotal      prometheus.Counter
	retriesTotal         prometheus.Counter
	deadLettersTotal     *prometheus.CounterVec
	broadcastsTotal      prometheus.Counter
	listenerDropsTotal   prometheus.Counter
	pushDropsTotal       prometheus.Counter
	activeConnections    *prometheus.GaugeVec
}

// Dead letter reasons used as the metric label.
const (
	ReasonExhausted      = "retries_exhausted"
	ReasonInvalidPayload = "invalid_payload"
)

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boardflow",
		Subsystem: "pipeline",
		Name:      name,
		Help:      help,
	})
}

// New creates the pipeline metrics collector. Pass nil to use the default
// Prometheus registerer.
func New(registerer prometheus.Registerer) *Pipeline {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Pipeline{
		registerer:           registerer,
		publishedTotal:       newCounter("events_published_total", "Envelopes accepted by the durable queue"),
		publishFailuresTotal: newCounter("publish_failures_total", "Envelope publishes rejected or unconfirmed by the queue"),
		duplicatesTotal:      newCounter("duplicates_suppressed_total", "Redeliveries suppressed by the idempotency ledger"),
		retriesTotal:         newCounter("retries_scheduled_total", "Deliveries requeued for a later attempt"),
		deadLettersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardflow",
			Subsystem: "pipeline",
			Name:      "dead_letters_total",
			Help:      "Envelopes routed to the dead letter queue",
		}, []string{"reason"}),
		broadcastsTotal:    newCounter("broadcasts_total", "Activity events published to the fan-out bus"),
		listenerDropsTotal: newCounter("listener_drops_total", "Events dropped from full pull listener queues"),
		pushDropsTotal:     newCounter("push_drops_total", "Events dropped for slow push connections"),
		activeConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "boardflow",
			Subsystem: "realtime",
			Name:      "active_connections",
			Help:      "Live push connections per board",
		}, []string{"board"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Pipeline) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.publishedTotal,
		m.publishFailuresTotal,
		m.duplicatesTotal,
		m.retriesTotal,
		m.deadLettersTotal,
		m.broadcastsTotal,
		m.listenerDropsTotal,
		m.pushDropsTotal,
		m.activeConnections,
	}
	for _, collector := range collectors {
		if err := m.registerer.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *Pipeline) Published() {
	if m != nil {
		m.publishedTotal.Inc()
	}
}

func (m *Pipeline) PublishFailed() {
	if m != nil {
		m.publishFailuresTotal.Inc()
	}
}

func (m *Pipeline) DuplicateSuppressed() {
	if m != nil {
		m.duplicatesTotal.Inc()
	}
}

func (m *Pipeline) RetryScheduled() {
	if m != nil {
		m.retriesTotal.Inc()
	}
}

func (m *Pipeline) DeadLettered(reason string) {
	if m != nil {
		m.deadLettersTotal.WithLabelValues(reason).Inc()
	}
}

func (m *Pipeline) Broadcast() {
	if m != nil {
		m.broadcastsTotal.Inc()
	}
}

func (m *Pipeline) ListenerDropped() {
	if m != nil {
		m.listenerDropsTotal.Inc()
	}
}

func (m *Pipeline) PushDropped() {
	if m != nil {
		m.pushDropsTotal.Inc()
	}
}

func (m *Pipeline) SetActiveConnections(board string, count int) {
	if m != nil {
		m.activeConnections.WithLabelValues(board).Set(float64(count))
	}
}
