// Package http provides the "http" provider on top of watermill-http.
// Consumers expose a POST endpoint per key on HTTP_SERVER_ADDRESS; publishers
// POST to HTTP_PUBLISHER_URL joined with the key. A publish returns once the
// remote consumer has settled the message.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/abe/provider"
	"github.com/drblury/abe/provider/bridge"
)

// ProviderName is the name used to register this provider.
const ProviderName = "http"

// Config holds the environment keys understood by the http provider.
type Config struct {
	ServerAddress string        `env:"HTTP_SERVER_ADDRESS" envDefault:":8080"`
	PublisherURL  string        `env:"HTTP_PUBLISHER_URL" envDefault:"http://localhost:8080/"`
	ClientTimeout time.Duration `env:"HTTP_CLIENT_TIMEOUT" envDefault:"30s"`
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	provider.MustRegister(Descriptor())
}

// Descriptor describes the http provider for a registry.
func Descriptor() provider.Descriptor {
	return provider.Descriptor{
		Name:         ProviderName,
		Factory:      Build,
		Capabilities: provider.HTTPCapabilities,
	}
}

// Register adds the http provider to r.
func Register(r *provider.Registry) error {
	return r.Register(Descriptor())
}

// Build creates an http provider from the environment.
func Build(ctx context.Context, env provider.Environment, logger watermill.LoggerAdapter) (provider.Provider, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	return bridge.New(bridge.Config{
		Name:         ProviderName,
		Capabilities: provider.HTTPCapabilities,
		Connect:      connect(cfg, logger),
	}, logger)
}

func connect(cfg Config, logger watermill.LoggerAdapter) bridge.ConnectFunc {
	return func(ctx context.Context) (*bridge.Connection, error) {
		publisher, err := PublisherFactory(http.PublisherConfig{
			MarshalMessageFunc: marshalFunc(cfg.PublisherURL),
			Client:             &nethttp.Client{Timeout: cfg.ClientTimeout},
		}, logger)
		if err != nil {
			return nil, err
		}

		subscriber, err := SubscriberFactory(cfg.ServerAddress, http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		}, logger)
		if err != nil {
			_ = publisher.Close()
			return nil, err
		}

		if s, ok := subscriber.(*http.Subscriber); ok {
			go func() {
				if err := s.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
					logger.Error("HTTP subscriber server stopped", err, watermill.LogFields{"addr": cfg.ServerAddress})
				}
			}()
		}

		routed := routedSubscriber{Subscriber: subscriber}
		return &bridge.Connection{
			Publisher: publisher,
			Subscriber: func(context.Context, string) (message.Subscriber, error) {
				return routed, nil
			},
		}, nil
	}
}

func marshalFunc(baseURL string) http.MarshalMessageFunc {
	return func(topic string, msg *message.Message) (*nethttp.Request, error) {
		return http.DefaultMarshalMessageFunc(joinURL(baseURL, topic), msg)
	}
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}

// routedSubscriber maps keys onto endpoint paths.
type routedSubscriber struct {
	message.Subscriber
}

func (r routedSubscriber) Subscribe(ctx context.Context, key string) (<-chan *message.Message, error) {
	return r.Subscriber.Subscribe(ctx, "/"+strings.TrimLeft(key, "/"))
}

// Capabilities returns the capabilities of this provider.
func Capabilities() provider.Capabilities {
	return provider.HTTPCapabilities
}
