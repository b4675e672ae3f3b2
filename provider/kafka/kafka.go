// Package kafka provides the "kafka" provider on top of watermill-kafka.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/abe/provider"
	"github.com/drblury/abe/provider/bridge"
)

// ProviderName is the name used to register this provider.
const ProviderName = "kafka"

// Config holds the environment keys understood by the kafka provider.
type Config struct {
	Brokers       []string      `env:"KAFKA_BROKERS,required" envSeparator:","`
	ConsumerGroup string        `env:"KAFKA_CONSUMER_GROUP"`
	FromBeginning bool          `env:"KAFKA_FROM_BEGINNING"`
	NackResend    time.Duration `env:"KAFKA_NACK_RESEND_SLEEP" envDefault:"100ms"`
	ClientID      string        `env:"KAFKA_CLIENT_ID" envDefault:"abe"`
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	provider.MustRegister(Descriptor())
}

// Descriptor describes the kafka provider for a registry.
func Descriptor() provider.Descriptor {
	return provider.Descriptor{
		Name:         ProviderName,
		Factory:      Build,
		Capabilities: provider.KafkaCapabilities,
	}
}

// Register adds the kafka provider to r.
func Register(r *provider.Registry) error {
	return r.Register(Descriptor())
}

// Build creates a kafka provider from the environment. Connections are made
// on Open.
func Build(ctx context.Context, env provider.Environment, logger watermill.LoggerAdapter) (provider.Provider, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS must list at least one broker")
	}

	return bridge.New(bridge.Config{
		Name:         ProviderName,
		Capabilities: provider.KafkaCapabilities,
		Connect:      connect(cfg, logger),
	}, logger)
}

func connect(cfg Config, logger watermill.LoggerAdapter) bridge.ConnectFunc {
	return func(ctx context.Context) (*bridge.Connection, error) {
		publisherSarama := kafka.DefaultSaramaSyncPublisherConfig()
		publisherSarama.ClientID = cfg.ClientID

		publisher, err := PublisherFactory(kafka.PublisherConfig{
			Brokers:               cfg.Brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: publisherSarama,
		}, logger)
		if err != nil {
			return nil, err
		}

		return &bridge.Connection{
			Publisher: publisher,
			Subscriber: func(ctx context.Context, group string) (message.Subscriber, error) {
				return SubscriberFactory(subscriberConfig(cfg, group), logger)
			},
		}, nil
	}
}

func subscriberConfig(cfg Config, group string) kafka.SubscriberConfig {
	if group == "" {
		group = cfg.ConsumerGroup
	}

	saramaCfg := kafka.DefaultSaramaSubscriberConfig()
	saramaCfg.ClientID = cfg.ClientID
	if cfg.FromBeginning {
		saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	}

	return kafka.SubscriberConfig{
		Brokers:               cfg.Brokers,
		Unmarshaler:           kafka.DefaultMarshaler{},
		ConsumerGroup:         group,
		NackResendSleep:       cfg.NackResend,
		OverwriteSaramaConfig: saramaCfg,
	}
}

// Capabilities returns the capabilities of this provider.
func Capabilities() provider.Capabilities {
	return provider.KafkaCapabilities
}
