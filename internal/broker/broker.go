// Package broker selects and wires the durable queue transport and exposes
// the envelope publisher. Two transports are supported: RabbitMQ for
// production and in-process Go channels for offline operation and tests.
package broker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/boardflow/internal/config"
)

// Message metadata keys used across the pipeline. Retry bookkeeping lives
// here, not in the envelope body, so the original payload bytes survive all
// the way to the dead letter queue.
const (
	MetadataKeyBoard          = "board"
	MetadataKeyIdempotencyKey = "idempotency_key"
	MetadataKeyPublishedAt    = "published_at"

	MetadataKeyAttempt       = "bf_attempt"
	MetadataKeyNextAttemptAt = "bf_next_attempt_at"
	MetadataKeyLastError     = "bf_last_error"
	MetadataKeyDeadLetter    = "bf_dead_letter"
	MetadataKeyOriginalTopic = "bf_original_topic"
	MetadataKeyFailureReason = "bf_failure_reason"
)

// Transport bundles the publisher/subscriber pair of the selected queue
// backend.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Build creates the transport named by the configuration. For the channel
// transport publisher and subscriber are the same in-process pub/sub, so the
// server and worker must share one Transport value.
func Build(conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	switch strings.ToLower(conf.Transport) {
	case config.TransportRabbitMQ:
		return buildRabbitMQ(conf, logger)
	case config.TransportChannel, "":
		return buildChannel(logger), nil
	default:
		return Transport{}, fmt.Errorf("broker: unsupported transport %q", conf.Transport)
	}
}

func buildRabbitMQ(conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf.RabbitMQURL == "" {
		return Transport{}, errors.New("broker: rabbitmq URL is required")
	}

	amqpConfig := amqp.NewDurablePubSubConfig(
		conf.RabbitMQURL,
		amqp.GenerateQueueNameTopicName,
	)
	// Publish blocks until the broker confirms durable acceptance. Without
	// this the caller cannot distinguish accepted from dropped on failure.
	amqpConfig.Publish.ConfirmDelivery = true

	conn, err := amqp.NewConnection(amqp.ConnectionConfig{
		AmqpURI:   conf.RabbitMQURL,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("broker: connect: %w", err)
	}

	publisher, err := amqp.NewPublisherWithConnection(amqpConfig, logger, conn)
	if err != nil {
		return Transport{}, fmt.Errorf("broker: publisher: %w", err)
	}

	subscriber, err := amqp.NewSubscriberWithConnection(amqpConfig, logger, conn)
	if err != nil {
		return Transport{}, fmt.Errorf("broker: subscriber: %w", err)
	}

	return Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

func buildChannel(logger watermill.LoggerAdapter) Transport {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, logger)
	return Transport{
		Publisher:  pubSub,
		Subscriber: pubSub,
	}
}
