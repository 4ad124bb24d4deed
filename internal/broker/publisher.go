package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/boardflow/internal/config"
	"github.com/drblury/boardflow/internal/envelope"
	"github.com/drblury/boardflow/internal/health"
	"github.com/drblury/boardflow/internal/logging"
	"github.com/drblury/boardflow/internal/metrics"
)

// Publisher hands envelopes to the durable queue. It returns only after the
// transport confirms acceptance; on failure the error surfaces to the caller
// and nothing is buffered in process memory. Ordering is preserved only as
// far as the broker preserves it for a single queue; across boards and under
// multiple consumers it is best-effort.
type Publisher struct {
	conf    *config.Config
	inner   message.Publisher
	gate    *health.Gate
	log     logging.ServiceLogger
	metrics *metrics.Pipeline
}

// NewPublisher wraps the transport publisher. The gate, when set, mirrors the
// observed connection state for readiness probes.
func NewPublisher(conf *config.Config, inner message.Publisher, gate *health.Gate, log logging.ServiceLogger, m *metrics.Pipeline) *Publisher {
	p := &Publisher{
		conf:    conf,
		inner:   inner,
		gate:    gate,
		log:     log,
		metrics: m,
	}
	if gate != nil {
		// Transport construction already confirmed the connection.
		gate.SetPublisherConnected(true)
	}
	return p
}

// Publish serialises the envelope and submits it to the primary topic.
func (p *Publisher) Publish(ctx context.Context, env envelope.Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return fmt.Errorf("broker: encode envelope %s: %w", env.ID, err)
	}

	msg := message.NewMessage(env.ID, payload)
	msg.Metadata.Set(MetadataKeyBoard, env.Board)
	msg.Metadata.Set(MetadataKeyIdempotencyKey, env.ID)
	msg.Metadata.Set(MetadataKeyPublishedAt, time.Now().UTC().Format(time.RFC3339Nano))
	msg.SetContext(ctx)

	if err := p.inner.Publish(p.conf.EventTopic, msg); err != nil {
		p.metrics.PublishFailed()
		if p.gate != nil {
			p.gate.SetPublisherConnected(false)
		}
		p.log.Error("Envelope rejected by queue", err, logging.LogFields{
			"envelope_id": env.ID,
			"board":       env.Board,
			"topic":       p.conf.EventTopic,
		})
		return fmt.Errorf("broker: publish envelope %s: %w", env.ID, err)
	}

	if p.gate != nil {
		p.gate.SetPublisherConnected(true)
	}
	p.metrics.Published()
	return nil
}

// Close releases the underlying transport publisher.
func (p *Publisher) Close() error {
	if p.gate != nil {
		p.gate.SetPublisherConnected(false)
	}
	return p.inner.Close()
}
