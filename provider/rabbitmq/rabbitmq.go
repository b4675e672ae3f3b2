// Package rabbitmq provides the "rabbitmq" provider on top of watermill-amqp.
//
// In the default queue mode every key is a durable queue and competing
// consumers share its messages. In pubsub mode every key is a fanout exchange
// and each consumer group gets its own durable queue bound to it.
package rabbitmq

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/abe/provider"
	"github.com/drblury/abe/provider/bridge"
)

// ProviderName is the name used to register this provider.
const ProviderName = "rabbitmq"

// Modes accepted by RABBITMQ_MODE.
const (
	ModeQueue  = "queue"
	ModePubSub = "pubsub"
)

// Config holds the environment keys understood by the rabbitmq provider.
type Config struct {
	URL          string `env:"RABBITMQ_URL,required"`
	Mode         string `env:"RABBITMQ_MODE" envDefault:"queue"`
	DefaultGroup string `env:"RABBITMQ_DEFAULT_GROUP" envDefault:"abe"`
}

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	provider.MustRegister(Descriptor())
}

// Descriptor describes the rabbitmq provider for a registry.
func Descriptor() provider.Descriptor {
	return provider.Descriptor{
		Name:         ProviderName,
		Factory:      Build,
		Capabilities: provider.RabbitMQCapabilities,
	}
}

// Register adds the rabbitmq provider to r.
func Register(r *provider.Registry) error {
	return r.Register(Descriptor())
}

// Build creates a rabbitmq provider from the environment.
func Build(ctx context.Context, env provider.Environment, logger watermill.LoggerAdapter) (provider.Provider, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	if cfg.Mode != ModeQueue && cfg.Mode != ModePubSub {
		return nil, fmt.Errorf("RABBITMQ_MODE must be %q or %q, got %q", ModeQueue, ModePubSub, cfg.Mode)
	}

	caps := provider.RabbitMQCapabilities
	caps.SupportsGroups = cfg.Mode == ModePubSub

	return bridge.New(bridge.Config{
		Name:         ProviderName,
		Capabilities: caps,
		Connect:      connect(cfg, logger),
	}, logger)
}

func connect(cfg Config, logger watermill.LoggerAdapter) bridge.ConnectFunc {
	return func(ctx context.Context) (*bridge.Connection, error) {
		conn, err := ConnectionFactory(amqp.ConnectionConfig{
			AmqpURI:   cfg.URL,
			Reconnect: amqp.DefaultReconnectConfig(),
		}, logger)
		if err != nil {
			return nil, err
		}

		publisher, err := PublisherFactory(amqpConfig(cfg, ""), logger, conn)
		if err != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return nil, err
		}

		return &bridge.Connection{
			Publisher: publisher,
			Subscriber: func(ctx context.Context, group string) (message.Subscriber, error) {
				return SubscriberFactory(amqpConfig(cfg, group), logger, conn)
			},
			Close: func() error {
				if conn == nil {
					return nil
				}
				return conn.Close()
			},
		}, nil
	}
}

func amqpConfig(cfg Config, group string) amqp.Config {
	if cfg.Mode == ModeQueue {
		return amqp.NewDurableQueueConfig(cfg.URL)
	}
	if group == "" {
		group = cfg.DefaultGroup
	}
	return amqp.NewDurablePubSubConfig(cfg.URL, amqp.GenerateQueueNameTopicNameWithSuffix(group))
}

// Capabilities returns the capabilities of this provider.
func Capabilities() provider.Capabilities {
	return provider.RabbitMQCapabilities
}
