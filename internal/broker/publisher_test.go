package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/boardflow/internal/config"
	"github.com/drblury/boardflow/internal/envelope"
	"github.com/drblury/boardflow/internal/health"
	"github.com/drblury/boardflow/internal/logging"
)

type rejectingPublisher struct{}

func (rejectingPublisher) Publish(string, ...*message.Message) error {
	return errors.New("broker unavailable")
}

func (rejectingPublisher) Close() error { return nil }

func TestPublisherDeliversEnvelope(t *testing.T) {
	conf := config.Default()
	log := logging.NewWatermillServiceLogger(watermill.NopLogger{})

	transport, err := Build(conf, watermill.NopLogger{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages, err := transport.Subscriber.Subscribe(ctx, conf.EventTopic)
	require.NoError(t, err)

	gate := health.NewGate()
	publisher := NewPublisher(conf, transport.Publisher, gate, log, nil)

	env, err := envelope.Build("demo", []byte(`{"action":"move","user":"ada"}`))
	require.NoError(t, err)
	require.NoError(t, publisher.Publish(ctx, env))

	select {
	case msg := <-messages:
		msg.Ack()
		assert.Equal(t, env.ID, msg.UUID)
		assert.Equal(t, "demo", msg.Metadata.Get(MetadataKeyBoard))
		assert.Equal(t, env.ID, msg.Metadata.Get(MetadataKeyIdempotencyKey))
		assert.NotEmpty(t, msg.Metadata.Get(MetadataKeyPublishedAt))

		decoded, err := envelope.Decode(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, env.ID, decoded.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message on the event topic")
	}
}

func TestPublisherMarksGate(t *testing.T) {
	conf := config.Default()
	log := logging.NewWatermillServiceLogger(watermill.NopLogger{})
	gate := health.NewGate()
	gate.SetBusSubscribed(true)

	publisher := NewPublisher(conf, rejectingPublisher{}, gate, log, nil)
	assert.True(t, gate.Ready(), "construction marks the publisher connected")

	env, err := envelope.Build("demo", []byte(`{"action":"move"}`))
	require.NoError(t, err)

	err = publisher.Publish(context.Background(), env)
	assert.Error(t, err)
	assert.False(t, gate.Ready(), "a failed publish drops readiness")
}
