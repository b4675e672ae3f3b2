// Package channel provides the "channel" provider, an in-process backend on
// top of watermill's Go channel pub/sub. Messages published before anyone
// subscribes to a key are dropped, so it suits fan-out within one process.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/abe/provider"
	"github.com/drblury/abe/provider/bridge"
)

// ProviderName is the name used to register this provider.
const ProviderName = "channel"

// Config holds the environment keys understood by the channel provider.
type Config struct {
	OutputChannelBuffer            int64 `env:"CHANNEL_OUTPUT_BUFFER" envDefault:"0"`
	BlockPublishUntilSubscriberAck bool  `env:"CHANNEL_BLOCK_PUBLISH_UNTIL_SUBSCRIBER_ACK"`
}

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	provider.MustRegister(Descriptor())
}

// Descriptor describes the channel provider for a registry.
func Descriptor() provider.Descriptor {
	return provider.Descriptor{
		Name:         ProviderName,
		Factory:      Build,
		Capabilities: provider.ChannelCapabilities,
	}
}

// Register adds the channel provider to r.
func Register(r *provider.Registry) error {
	return r.Register(Descriptor())
}

// Build creates a channel provider. Each Open gets a fresh Go channel pub/sub.
func Build(ctx context.Context, env provider.Environment, logger watermill.LoggerAdapter) (provider.Provider, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}

	goCfg := gochannel.Config{
		OutputChannelBuffer:            cfg.OutputChannelBuffer,
		BlockPublishUntilSubscriberAck: cfg.BlockPublishUntilSubscriberAck,
	}
	return bridge.New(bridge.Config{
		Name:         ProviderName,
		Capabilities: provider.ChannelCapabilities,
		Connect: func(ctx context.Context) (*bridge.Connection, error) {
			pub, sub := Factory(goCfg, logger)
			return &bridge.Connection{
				Publisher: pub,
				Subscriber: func(context.Context, string) (message.Subscriber, error) {
					return sub, nil
				},
			}, nil
		},
	}, logger)
}

// Capabilities returns the capabilities of this provider.
func Capabilities() provider.Capabilities {
	return provider.ChannelCapabilities
}
