package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/drblury/boardflow/internal/envelope"
	"github.com/drblury/boardflow/internal/jsoncodec"
	"github.com/drblury/boardflow/internal/logging"
)

// RedisBusConfig tunes the cross-instance bus.
type RedisBusConfig struct {
	// Channel is the pub/sub channel carrying activity events.
	Channel string

	// InitialBackoff and MaxBackoff pace resubscription after a listener
	// error. Zero values fall back to 1.5s / 10s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// OnSubscriptionState, when set, is invoked with the live state of the
	// subscription. The readiness gate hangs off this.
	OnSubscriptionState func(active bool)
}

func (cfg RedisBusConfig) withDefaults() RedisBusConfig {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 1500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	return cfg
}

// RedisBus fans processed activity out to every instance over one Redis
// pub/sub channel.
type RedisBus struct {
	client *redis.Client
	conf   RedisBusConfig
	log    logging.ServiceLogger

	mu         sync.Mutex
	subscribed bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewRedisBus creates the bus. Subscribe may be called at most once; the
// publisher side needs no subscription.
func NewRedisBus(client *redis.Client, conf RedisBusConfig, log logging.ServiceLogger) *RedisBus {
	return &RedisBus{
		client: client,
		conf:   conf.withDefaults(),
		log:    log,
	}
}

func (b *RedisBus) Publish(ctx context.Context, event envelope.ActivityEvent) error {
	payload, err := jsoncodec.Marshal(event)
	if err != nil {
		return fmt.Errorf("bus: encode event %s: %w", event.ID, err)
	}
	if err := b.client.Publish(ctx, b.conf.Channel, payload).Err(); err != nil {
		return fmt.Errorf("bus: publish to %s: %w", b.conf.Channel, err)
	}
	return nil
}

// Subscribe establishes the long-lived subscription and starts the listener
// loop. It returns an error only when the initial subscription cannot be
// confirmed; later drops are retried with exponential backoff in the
// background and reported through OnSubscriptionState.
func (b *RedisBus) Subscribe(ctx context.Context, handler Handler) error {
	b.mu.Lock()
	if b.subscribed {
		b.mu.Unlock()
		return errors.New("bus: already subscribed")
	}
	b.subscribed = true
	listenCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.mu.Unlock()

	pubsub := b.client.Subscribe(listenCtx, b.conf.Channel)
	if _, err := pubsub.Receive(listenCtx); err != nil {
		cancel()
		close(b.done)
		_ = pubsub.Close()
		return fmt.Errorf("bus: subscribe to %s: %w", b.conf.Channel, err)
	}
	b.setState(true)

	go b.listen(listenCtx, pubsub, handler)
	return nil
}

func (b *RedisBus) listen(ctx context.Context, pubsub *redis.PubSub, handler Handler) {
	defer close(b.done)
	defer b.setState(false)

	backoff := b.conf.InitialBackoff
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = pubsub.Close()
				return
			}

			b.setState(false)
			b.log.Error("Activity subscription lost; resubscribing", err, logging.LogFields{
				"channel": b.conf.Channel,
				"backoff": backoff.String(),
			})
			_ = pubsub.Close()

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, b.conf.MaxBackoff)

			pubsub = b.client.Subscribe(ctx, b.conf.Channel)
			if _, err := pubsub.Receive(ctx); err != nil {
				continue
			}
			b.setState(true)
			continue
		}

		backoff = b.conf.InitialBackoff
		var event envelope.ActivityEvent
		if err := jsoncodec.Unmarshal([]byte(msg.Payload), &event); err != nil {
			b.log.Error("Discarding malformed activity event", err, logging.LogFields{
				"channel": b.conf.Channel,
			})
			continue
		}
		handler(event)
	}
}

func (b *RedisBus) setState(active bool) {
	if b.conf.OnSubscriptionState != nil {
		b.conf.OnSubscriptionState(active)
	}
}

// Close stops the listener loop and waits for it to exit.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	cancel := b.cancel
	done := b.done
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return nil
}
