// Package worker consumes queued envelopes, claims idempotency, and fans the
// resulting activity out onto the bus. Any number of workers may consume the
// same queue concurrently; the broker dispatches each message to one consumer
// at a time and the claim ledger resolves residual redelivery races.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/drblury/boardflow/internal/broker"
	"github.com/drblury/boardflow/internal/bus"
	"github.com/drblury/boardflow/internal/config"
	"github.com/drblury/boardflow/internal/envelope"
	"github.com/drblury/boardflow/internal/idempotency"
	"github.com/drblury/boardflow/internal/ids"
	"github.com/drblury/boardflow/internal/logging"
	"github.com/drblury/boardflow/internal/metrics"
)

// Dependencies holds the worker's collaborators.
type Dependencies struct {
	Store   idempotency.Store
	Bus     bus.Bus
	Metrics *metrics.Pipeline
}

// Worker hosts the consuming router and the retry state machine:
// Received -> Processing -> {Acknowledged, Requeued, DeadLettered}.
type Worker struct {
	conf *config.Config
	log  logging.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber
	store      idempotency.Store
	bus        bus.Bus
	metrics    *metrics.Pipeline

	router *message.Router
	now    func() time.Time
}

// New builds a worker on the given transport and registers its handlers on
// the primary and retry topics.
func New(conf *config.Config, log logging.ServiceLogger, transport broker.Transport, deps Dependencies) (*Worker, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("worker: idempotency store is required")
	}
	if deps.Bus == nil {
		return nil, fmt.Errorf("worker: fan-out bus is required")
	}

	wmLogger := logging.NewWatermillAdapter(log)
	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("worker: router: %w", err)
	}
	router.AddMiddleware(middleware.Recoverer)

	w := &Worker{
		conf:       conf,
		log:        log,
		publisher:  transport.Publisher,
		subscriber: transport.Subscriber,
		store:      deps.Store,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		router:     router,
		now:        time.Now,
	}

	router.AddNoPublisherHandler(
		"board_events",
		conf.EventTopic,
		transport.Subscriber,
		w.handleEvent,
	)
	router.AddNoPublisherHandler(
		"board_events_retry",
		conf.RetryTopic,
		transport.Subscriber,
		w.handleRetry,
	)

	return w, nil
}

// Run blocks consuming deliveries until the context is cancelled, then lets
// in-flight handlers reach a terminal state before returning.
func (w *Worker) Run(ctx context.Context) error {
	return w.router.Run(ctx)
}

// Running is closed once the router consumes from its topics.
func (w *Worker) Running() chan struct{} {
	return w.router.Running()
}

// Close stops the router without waiting for the run context.
func (w *Worker) Close() error {
	return w.router.Close()
}

// handleEvent processes one delivery from the primary topic. Returning nil
// acknowledges the message; returning an error hands it back to the broker
// for redelivery.
func (w *Worker) handleEvent(msg *message.Message) error {
	env, err := envelope.Decode(msg.Payload)
	if err != nil {
		// The bytes can never become a valid envelope; retrying is pointless.
		return w.deadLetter(msg, metrics.ReasonInvalidPayload, attemptOf(msg), err)
	}

	attempt := attemptOf(msg)
	key := msg.Metadata.Get(broker.MetadataKeyIdempotencyKey)
	if key == "" {
		key = env.ID
	}

	claimed, err := w.store.Claim(msg.Context(), key)
	if err != nil {
		// Fail closed: without the ledger we cannot prove this delivery is
		// fresh, so the whole delivery is retried rather than deduplication
		// skipped.
		return w.requeue(msg, env, attempt, fmt.Errorf("claim %s: %w", key, err))
	}
	if !claimed {
		w.metrics.DuplicateSuppressed()
		w.log.Debug("Suppressed duplicate delivery", logging.LogFields{
			"envelope_id": env.ID,
			"board":       env.Board,
			"attempt":     attempt,
		})
		return nil
	}

	event := env.Event(w.now())
	if err := w.bus.Publish(msg.Context(), event); err != nil {
		// Withdraw the claim so the retried delivery can broadcast. If the
		// release fails too, the retry is suppressed as a duplicate: a lost
		// best-effort event is preferred over a double broadcast.
		if releaseErr := w.store.Release(msg.Context(), key); releaseErr != nil {
			w.log.Error("Failed to release claim after broadcast failure", releaseErr, logging.LogFields{
				"envelope_id": env.ID,
			})
		}
		return w.requeue(msg, env, attempt, err)
	}

	w.metrics.Broadcast()
	return nil
}

// requeue schedules the delivery for another attempt, or routes it to the
// dead letter queue once the attempt that just failed exceeded the retry
// budget. Redelivery is an explicit message on the retry topic carrying its
// eligibility timestamp, not an in-process timer.
func (w *Worker) requeue(msg *message.Message, env envelope.Envelope, attempt int, cause error) error {
	if attempt > w.conf.MaxRetries {
		return w.deadLetter(msg, metrics.ReasonExhausted, attempt, cause)
	}

	delay := backoffDelay(attempt, w.conf.RetryInitialInterval, w.conf.RetryMaxInterval)

	retry := message.NewMessage(ids.CreateULID(), msg.Payload)
	retry.Metadata = copyMetadata(msg.Metadata)
	setAttempt(retry, attempt+1)
	retry.Metadata.Set(broker.MetadataKeyNextAttemptAt, w.now().Add(delay).UTC().Format(time.RFC3339Nano))
	retry.Metadata.Set(broker.MetadataKeyLastError, cause.Error())
	retry.SetContext(msg.Context())

	if err := w.publisher.Publish(w.conf.RetryTopic, retry); err != nil {
		// Could not hand the delivery to the retry path; leave it to the
		// broker's own redelivery instead of dropping it.
		return fmt.Errorf("worker: schedule retry for %s: %w", env.ID, err)
	}

	w.metrics.RetryScheduled()
	w.log.Info("Delivery failed; retry scheduled", logging.LogFields{
		"envelope_id": env.ID,
		"board":       env.Board,
		"attempt":     attempt,
		"delay":       delay.String(),
		"error":       cause.Error(),
	})
	return nil
}

// handleRetry waits out the scheduled delay, then returns the envelope to the
// primary topic for its next attempt.
func (w *Worker) handleRetry(msg *message.Message) error {
	eligibleAt, err := time.Parse(time.RFC3339Nano, msg.Metadata.Get(broker.MetadataKeyNextAttemptAt))
	if err == nil {
		if wait := eligibleAt.Sub(w.now()); wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-msg.Context().Done():
				return msg.Context().Err()
			case <-timer.C:
			}
		}
	}

	forward := message.NewMessage(ids.CreateULID(), msg.Payload)
	forward.Metadata = copyMetadata(msg.Metadata)
	delete(forward.Metadata, broker.MetadataKeyNextAttemptAt)
	forward.SetContext(msg.Context())

	if err := w.publisher.Publish(w.conf.EventTopic, forward); err != nil {
		return fmt.Errorf("worker: redeliver: %w", err)
	}
	return nil
}

// deadLetter routes the delivery to the DLQ with the original payload intact
// and the attempt history in metadata, then acknowledges it at the primary
// queue so it can never be redelivered from there.
func (w *Worker) deadLetter(msg *message.Message, reason string, attempt int, cause error) error {
	dead := message.NewMessage(ids.CreateULID(), msg.Payload)
	dead.Metadata = copyMetadata(msg.Metadata)
	setAttempt(dead, attempt)
	dead.Metadata.Set(broker.MetadataKeyDeadLetter, "true")
	dead.Metadata.Set(broker.MetadataKeyOriginalTopic, w.conf.EventTopic)
	dead.Metadata.Set(broker.MetadataKeyFailureReason, reason)
	dead.Metadata.Set(broker.MetadataKeyLastError, cause.Error())
	dead.SetContext(msg.Context())

	if err := w.publisher.Publish(w.conf.DLQTopic, dead); err != nil {
		return fmt.Errorf("worker: dead letter: %w", err)
	}

	w.metrics.DeadLettered(reason)
	w.log.Error("Delivery routed to dead letter queue", cause, logging.LogFields{
		"message_uuid": msg.UUID,
		"reason":       reason,
		"attempt":      attempt,
	})
	return nil
}
