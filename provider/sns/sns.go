// Package sns provides the "sns" provider: publishing goes to an SNS topic
// named after the key and every consumer group reads from its own SQS queue
// subscribed to that topic, all through watermill-aws.
package sns

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/abe/provider"
	"github.com/drblury/abe/provider/bridge"
	"github.com/drblury/abe/provider/internal/awsconf"
)

// ProviderName is the name used to register this provider.
const ProviderName = "sns"

// Config holds the environment keys understood by the sns provider.
type Config struct {
	awsconf.Config
	// QueuePrefix is prepended to the generated SQS queue names.
	QueuePrefix string `env:"SNS_QUEUE_PREFIX"`
}

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

func init() {
	provider.MustRegister(Descriptor())
}

// Descriptor describes the sns provider for a registry.
func Descriptor() provider.Descriptor {
	return provider.Descriptor{
		Name:         ProviderName,
		Factory:      Build,
		Capabilities: provider.SNSCapabilities,
	}
}

// Register adds the sns provider to r.
func Register(r *provider.Registry) error {
	return r.Register(Descriptor())
}

// Build creates an sns provider from the environment.
func Build(ctx context.Context, env provider.Environment, logger watermill.LoggerAdapter) (provider.Provider, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if _, err := cfg.EndpointURL(); err != nil {
		return nil, err
	}

	return bridge.New(bridge.Config{
		Name:         ProviderName,
		Capabilities: provider.SNSCapabilities,
		Connect:      connect(cfg, logger),
	}, logger)
}

// Capabilities returns the capabilities of this provider.
func Capabilities() provider.Capabilities {
	return provider.SNSCapabilities
}

func connect(cfg Config, logger watermill.LoggerAdapter) bridge.ConnectFunc {
	return func(ctx context.Context) (*bridge.Connection, error) {
		awsCfg, err := awsconf.Load(ctx, cfg.Config, logger)
		if err != nil {
			return nil, err
		}

		accountID := cfg.ResolveAccountID(logger)
		topicResolver, err := TopicResolverFactory(accountID, awsCfg.Region)
		if err != nil {
			logger.Error("Failed to create SNS topic resolver", err, watermill.LogFields{
				"accountID": accountID,
				"region":    awsCfg.Region,
			})
			return nil, err
		}

		snsOpts, sqsOpts, err := endpointOptions(cfg)
		if err != nil {
			return nil, err
		}

		publisher, err := PublisherFactory(sns.PublisherConfig{
			TopicResolver: topicResolver,
			AWSConfig:     awsCfg,
			OptFns:        snsOpts,
			Marshaler:     sns.DefaultMarshalerUnmarshaler{},
		}, logger)
		if err != nil {
			return nil, err
		}

		return &bridge.Connection{
			Publisher: publisher,
			Subscriber: func(ctx context.Context, group string) (message.Subscriber, error) {
				return SubscriberFactory(
					sns.SubscriberConfig{
						AWSConfig:            awsCfg,
						OptFns:               snsOpts,
						TopicResolver:        topicResolver,
						GenerateSqsQueueName: queueNameGenerator(cfg.QueuePrefix, group),
					},
					sqs.SubscriberConfig{
						AWSConfig: awsCfg,
						OptFns:    sqsOpts,
					},
					logger,
				)
			},
		}, nil
	}
}

// queueNameGenerator names the SQS queue of a consumer group after the topic.
func queueNameGenerator(prefix, group string) func(context.Context, sns.TopicArn) (string, error) {
	return func(ctx context.Context, snsTopic sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(snsTopic)
		if err != nil {
			return "", err
		}
		name := prefix + string(topic)
		if group != "" {
			name = fmt.Sprintf("%s-%s", name, group)
		}
		return name, nil
	}
}

func endpointOptions(cfg Config) ([]func(*amazonsns.Options), []func(*amazonsqs.Options), error) {
	endpoint, err := cfg.EndpointURL()
	if err != nil || endpoint == nil {
		return nil, nil, err
	}

	snsOpts := []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *endpoint},
		}),
		func(o *amazonsns.Options) {
			o.BaseEndpoint = aws.String(endpoint.String())
		},
	}
	sqsOpts := []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *endpoint},
		}),
	}
	return snsOpts, sqsOpts, nil
}
