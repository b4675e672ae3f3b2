// Package sqs provides the "sqs" provider directly on the AWS SDK. Each key
// names a queue (or is a full queue URL). Ack deletes the message, a requeue
// resets its visibility, and a reject without requeue forwards it to
// SQS_DEAD_LETTER_QUEUE_URL when one is configured.
package sqs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/aws/aws-sdk-go-v2/aws"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/drblury/abe/internal/runtime/jsoncodec"
	"github.com/drblury/abe/provider"
	"github.com/drblury/abe/provider/internal/awsconf"
)

// ProviderName is the name used to register this provider.
const ProviderName = "sqs"

// MetadataKey is the message attribute carrying the publish key.
const MetadataKey = "abe_key"

const settleTimeout = 5 * time.Second

// Config holds the environment keys understood by the sqs provider.
type Config struct {
	awsconf.Config
	WaitTimeSeconds    int32  `env:"SQS_WAIT_TIME_SECONDS" envDefault:"20"`
	VisibilityTimeout  int32  `env:"SQS_VISIBILITY_TIMEOUT" envDefault:"30"`
	MaxMessages        int32  `env:"SQS_MAX_MESSAGES" envDefault:"10"`
	DeadLetterQueueURL string `env:"SQS_DEAD_LETTER_QUEUE_URL"`
	CreateQueues       bool   `env:"SQS_CREATE_QUEUES"`
}

func (c Config) validate() error {
	if c.WaitTimeSeconds < 0 || c.WaitTimeSeconds > 20 {
		return fmt.Errorf("SQS_WAIT_TIME_SECONDS must be between 0 and 20")
	}
	if c.MaxMessages < 1 || c.MaxMessages > 10 {
		return fmt.Errorf("SQS_MAX_MESSAGES must be between 1 and 10")
	}
	if c.VisibilityTimeout < 0 {
		return fmt.Errorf("SQS_VISIBILITY_TIMEOUT must be non-negative")
	}
	_, err := c.EndpointURL()
	return err
}

type sqsAPI interface {
	GetQueueUrl(ctx context.Context, params *amazonsqs.GetQueueUrlInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueUrlOutput, error)
	CreateQueue(ctx context.Context, params *amazonsqs.CreateQueueInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.CreateQueueOutput, error)
	SendMessage(ctx context.Context, params *amazonsqs.SendMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *amazonsqs.ReceiveMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *amazonsqs.DeleteMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *amazonsqs.ChangeMessageVisibilityInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ChangeMessageVisibilityOutput, error)
}

// ClientFactory allows overriding the SQS client creation for testing.
var ClientFactory = func(cfg aws.Config) sqsAPI {
	return amazonsqs.NewFromConfig(cfg)
}

func init() {
	provider.MustRegister(Descriptor())
}

// Descriptor describes the sqs provider for a registry.
func Descriptor() provider.Descriptor {
	return provider.Descriptor{
		Name:         ProviderName,
		Factory:      Build,
		Capabilities: provider.SQSCapabilities,
	}
}

// Register adds the sqs provider to r.
func Register(r *provider.Registry) error {
	return r.Register(Descriptor())
}

// Build creates an sqs provider from the environment.
func Build(ctx context.Context, env provider.Environment, logger watermill.LoggerAdapter) (provider.Provider, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return New(cfg, logger), nil
}

// Capabilities returns the capabilities of this provider.
func Capabilities() provider.Capabilities {
	return provider.SQSCapabilities
}

type receipt struct {
	queueURL      string
	receiptHandle string
	messageID     string
	body          string
	key           string
}

// Provider is an SQS-backed provider.Provider.
type Provider struct {
	cfg    Config
	logger watermill.LoggerAdapter

	mu         sync.RWMutex
	open       bool
	closedChan chan struct{}
	client     sqsAPI
	deliveries *provider.Deliveries[receipt]

	urlsMu sync.Mutex
	urls   map[string]string
}

// New creates an sqs provider. The AWS client is created on Open.
func New(cfg Config, logger watermill.LoggerAdapter) *Provider {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Provider{cfg: cfg, logger: logger}
}

// Capabilities returns the capabilities of this provider.
func (p *Provider) Capabilities() provider.Capabilities {
	return provider.SQSCapabilities
}

func (p *Provider) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		return nil
	}

	awsCfg, err := awsconf.Load(ctx, p.cfg.Config, p.logger)
	if err != nil {
		return err
	}

	p.client = ClientFactory(awsCfg)
	p.deliveries = provider.NewDeliveries[receipt](0)
	p.closedChan = make(chan struct{})
	p.urlsMu.Lock()
	p.urls = make(map[string]string)
	p.urlsMu.Unlock()
	p.open = true
	return nil
}

func (p *Provider) Close() error {
	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		return nil
	}
	p.open = false
	close(p.closedChan)
	client := p.client
	unsettled := p.deliveries.Drain()
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	for _, r := range unsettled {
		if err := resetVisibility(ctx, client, r); err != nil {
			p.logger.Error("Failed to return unsettled message", err, watermill.LogFields{"message_id": r.messageID})
		}
	}
	return nil
}

func (p *Provider) state() (sqsAPI, *provider.Deliveries[receipt], chan struct{}, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client, p.deliveries, p.closedChan, p.open
}

// queueURL resolves a key to a queue URL, creating the queue when allowed.
func (p *Provider) queueURL(ctx context.Context, client sqsAPI, key string) (string, error) {
	if strings.HasPrefix(key, "https://") || strings.HasPrefix(key, "http://") {
		return key, nil
	}

	p.urlsMu.Lock()
	cached, ok := p.urls[key]
	p.urlsMu.Unlock()
	if ok {
		return cached, nil
	}

	out, err := client.GetQueueUrl(ctx, &amazonsqs.GetQueueUrlInput{QueueName: aws.String(key)})
	var url string
	switch {
	case err == nil:
		url = aws.ToString(out.QueueUrl)
	case p.cfg.CreateQueues:
		created, createErr := client.CreateQueue(ctx, &amazonsqs.CreateQueueInput{QueueName: aws.String(key)})
		if createErr != nil {
			return "", createErr
		}
		url = aws.ToString(created.QueueUrl)
		p.logger.Info("Created SQS queue", watermill.LogFields{"queue": key, "url": url})
	default:
		return "", err
	}

	p.urlsMu.Lock()
	p.urls[key] = url
	p.urlsMu.Unlock()
	return url, nil
}

func (p *Provider) Publish(ctx context.Context, key string, payload provider.Payload) error {
	client, _, _, open := p.state()
	if !open {
		return &provider.PublishError{Key: key, Err: provider.ErrClosed}
	}
	if payload == nil {
		payload = provider.Payload{}
	}

	body, err := jsoncodec.Marshal(payload)
	if err != nil {
		return &provider.PublishError{Key: key, Err: err}
	}
	url, err := p.queueURL(ctx, client, key)
	if err != nil {
		return &provider.PublishError{Key: key, Err: err}
	}

	_, err = client.SendMessage(ctx, &amazonsqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			MetadataKey: {DataType: aws.String("String"), StringValue: aws.String(key)},
		},
	})
	if err != nil {
		return &provider.PublishError{Key: key, Err: err}
	}
	return nil
}

func (p *Provider) Consume(ctx context.Context, opts provider.ConsumeOptions) (provider.Stream, error) {
	client, deliveries, closedChan, open := p.state()
	if !open {
		return nil, provider.NewTerminalError(opts.Key, provider.ErrClosed)
	}
	url, err := p.queueURL(ctx, client, opts.Key)
	if err != nil {
		return nil, provider.NewTransientError(opts.Key, err)
	}

	return &stream{
		provider:   p,
		client:     client,
		deliveries: deliveries,
		closedChan: closedChan,
		key:        opts.Key,
		queueURL:   url,
		done:       make(chan struct{}),
	}, nil
}

func (p *Provider) settle(id string) (sqsAPI, *provider.Deliveries[receipt], receipt, error) {
	client, deliveries, _, open := p.state()
	if !open {
		return nil, nil, receipt{}, &provider.AcknowledgeError{ID: id, Err: provider.ErrClosed}
	}
	r, err := deliveries.Settle(id)
	return client, deliveries, r, err
}

func (p *Provider) Ack(ctx context.Context, id string) error {
	client, deliveries, r, err := p.settle(id)
	if err != nil {
		return err
	}
	if err := deleteMessage(ctx, client, r); err != nil {
		deliveries.Restore(id, r)
		return &provider.AcknowledgeError{ID: id, Err: err}
	}
	return nil
}

func (p *Provider) Reject(ctx context.Context, id string, requeue bool) error {
	client, deliveries, r, err := p.settle(id)
	if err != nil {
		return err
	}

	if requeue {
		err = resetVisibility(ctx, client, r)
	} else {
		err = p.deadLetter(ctx, client, r)
	}
	if err != nil {
		deliveries.Restore(id, r)
		return &provider.AcknowledgeError{ID: id, Err: err}
	}
	return nil
}

func (p *Provider) deadLetter(ctx context.Context, client sqsAPI, r receipt) error {
	if p.cfg.DeadLetterQueueURL != "" {
		_, err := client.SendMessage(ctx, &amazonsqs.SendMessageInput{
			QueueUrl:    aws.String(p.cfg.DeadLetterQueueURL),
			MessageBody: aws.String(r.body),
			MessageAttributes: map[string]sqstypes.MessageAttributeValue{
				MetadataKey:         {DataType: aws.String("String"), StringValue: aws.String(r.key)},
				"abe_source_queue":  {DataType: aws.String("String"), StringValue: aws.String(r.queueURL)},
				"abe_source_msg_id": {DataType: aws.String("String"), StringValue: aws.String(r.messageID)},
			},
		})
		if err != nil {
			return fmt.Errorf("forward to dead-letter queue: %w", err)
		}
	}
	return deleteMessage(ctx, client, r)
}

func deleteMessage(ctx context.Context, client sqsAPI, r receipt) error {
	_, err := client.DeleteMessage(ctx, &amazonsqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.queueURL),
		ReceiptHandle: aws.String(r.receiptHandle),
	})
	return err
}

func resetVisibility(ctx context.Context, client sqsAPI, r receipt) error {
	_, err := client.ChangeMessageVisibility(ctx, &amazonsqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(r.queueURL),
		ReceiptHandle:     aws.String(r.receiptHandle),
		VisibilityTimeout: 0,
	})
	return err
}
