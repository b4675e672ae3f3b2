// Package nats provides the "nats" provider on top of watermill-nats. With
// JetStream enabled (the default) deliveries are persistent and a rejected
// message is redelivered; core NATS is fire-and-forget.
package nats

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/abe/provider"
	"github.com/drblury/abe/provider/bridge"
)

// ProviderName is the name used to register this provider.
const ProviderName = "nats"

// Config holds the environment keys understood by the nats provider.
type Config struct {
	URL              string        `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	JetStream        bool          `env:"NATS_JETSTREAM" envDefault:"true"`
	ClientName       string        `env:"NATS_CLIENT_NAME" envDefault:"abe"`
	SubscribersCount int           `env:"NATS_SUBSCRIBERS_COUNT" envDefault:"1"`
	AckWait          time.Duration `env:"NATS_ACK_WAIT" envDefault:"30s"`
	ReconnectWait    time.Duration `env:"NATS_RECONNECT_WAIT" envDefault:"2s"`
}

// JetStreamCapabilities are reported when NATS_JETSTREAM is enabled.
var JetStreamCapabilities = provider.Capabilities{
	Name:                 ProviderName,
	SupportsAck:          true,
	SupportsRequeue:      true,
	SupportsGroups:       true,
	SupportsAttemptCount: true,
	Persistent:           true,
	MaxMessageSize:       1048576,
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	provider.MustRegister(Descriptor())
}

// Descriptor describes the nats provider for a registry.
func Descriptor() provider.Descriptor {
	return provider.Descriptor{
		Name:         ProviderName,
		Factory:      Build,
		Capabilities: JetStreamCapabilities,
	}
}

// Register adds the nats provider to r.
func Register(r *provider.Registry) error {
	return r.Register(Descriptor())
}

// Build creates a nats provider from the environment.
func Build(ctx context.Context, env provider.Environment, logger watermill.LoggerAdapter) (provider.Provider, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}

	caps := provider.NATSCapabilities
	if cfg.JetStream {
		caps = JetStreamCapabilities
	}

	return bridge.New(bridge.Config{
		Name:         ProviderName,
		Capabilities: caps,
		Connect:      connect(cfg, logger),
	}, logger)
}

func connect(cfg Config, logger watermill.LoggerAdapter) bridge.ConnectFunc {
	return func(ctx context.Context) (*bridge.Connection, error) {
		publisher, err := PublisherFactory(publisherConfig(cfg), logger)
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

func natsOptions(cfg Config) []nc.Option {
	return []nc.Option{
		nc.Name(cfg.ClientName),
		nc.RetryOnFailedConnect(true),
		nc.ReconnectWait(cfg.ReconnectWait),
		nc.MaxReconnects(-1),
	}
}

func jetStreamConfig(cfg Config, group string) nats.JetStreamConfig {
	js := nats.JetStreamConfig{
		Disabled:      !cfg.JetStream,
		AutoProvision: cfg.JetStream,
		TrackMsgId:    cfg.JetStream,
		DurablePrefix: group,
	}
	if cfg.JetStream {
		js.SubscribeOptions = []nc.SubOpt{
			nc.DeliverAll(),
			nc.AckExplicit(),
		}
	}
	return js
}

func publisherConfig(cfg Config) nats.PublisherConfig {
	return nats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOptions(cfg),
		Marshaler:   &nats.NATSMarshaler{},
		JetStream:   jetStreamConfig(cfg, ""),
	}
}

func subscriberConfig(cfg Config, group string) nats.SubscriberConfig {
	return nats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: group,
		SubscribersCount: cfg.SubscribersCount,
		AckWaitTimeout:   cfg.AckWait,
		NatsOptions:      natsOptions(cfg),
		Unmarshaler:      &nats.NATSMarshaler{},
		JetStream:        jetStreamConfig(cfg, group),
	}
}

// Capabilities returns the capabilities of this provider with JetStream enabled.
func Capabilities() provider.Capabilities {
	return JetStreamCapabilities
}
