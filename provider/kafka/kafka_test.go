package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/abe/provider"
)

func TestRegistered(t *testing.T) {
	assert.True(t, provider.DefaultRegistry().Has(ProviderName))
	assert.Equal(t, provider.KafkaCapabilities, Capabilities())
	assert.True(t, Capabilities().SupportsGroups)
}

func TestBuild_RequiresBrokers(t *testing.T) {
	_, err := Build(context.Background(), provider.Environment{}, watermill.NopLogger{})
	assert.Error(t, err)

	_, err = provider.Load(context.Background(), provider.LoadOptions{
		Env: provider.Environment{provider.BackendEnvVar: ProviderName},
	})
	var construction *provider.ProviderConstructionError
	assert.ErrorAs(t, err, &construction)
}

func TestSubscriberConfig(t *testing.T) {
	cfg := Config{
		Brokers:       []string{"localhost:9092"},
		ConsumerGroup: "default-group",
		FromBeginning: true,
		NackResend:    time.Second,
		ClientID:      "abe-test",
	}

	sub := subscriberConfig(cfg, "")
	assert.Equal(t, "default-group", sub.ConsumerGroup)
	assert.Equal(t, []string{"localhost:9092"}, sub.Brokers)
	assert.Equal(t, time.Second, sub.NackResendSleep)
	assert.Equal(t, sarama.OffsetOldest, sub.OverwriteSaramaConfig.Consumer.Offsets.Initial)
	assert.Equal(t, "abe-test", sub.OverwriteSaramaConfig.ClientID)

	assert.Equal(t, "explicit", subscriberConfig(cfg, "explicit").ConsumerGroup)
}

func TestOpenUsesFactories(t *testing.T) {
	originalPub, originalSub := PublisherFactory, SubscriberFactory
	defer func() {
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	}()

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	var groups []string
	PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Brokers)
		return pubSub, nil
	}
	SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		groups = append(groups, cfg.ConsumerGroup)
		return pubSub, nil
	}

	p, err := Build(context.Background(), provider.Environment{
		"KAFKA_BROKERS":        "a:9092,b:9092",
		"KAFKA_CONSUMER_GROUP": "workers",
	}, watermill.NopLogger{})
	require.NoError(t, err)
	require.NoError(t, p.Open(context.Background()))
	defer p.Close()

	stream, err := p.Consume(context.Background(), provider.ConsumeOptions{Key: "orders", Group: "billing"})
	require.NoError(t, err)
	require.NoError(t, p.Publish(context.Background(), "orders", provider.Payload{"order_id": 42}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), msg.Payload["order_id"])
	require.NoError(t, p.Ack(context.Background(), msg.ID))

	assert.Equal(t, []string{"billing"}, groups)
}

func TestOpenFailsWhenPublisherFails(t *testing.T) {
	originalPub := PublisherFactory
	defer func() { PublisherFactory = originalPub }()

	boom := errors.New("no brokers reachable")
	PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return nil, boom
	}

	p, err := Build(context.Background(), provider.Environment{"KAFKA_BROKERS": "localhost:9092"}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Open(context.Background()), boom)
}
