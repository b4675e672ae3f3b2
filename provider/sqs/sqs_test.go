package sqs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/abe/provider"
	"github.com/drblury/abe/provider/internal/awsconf"
	"github.com/drblury/abe/provider/providertest"
)

func useFake(t *testing.T) *fakeSQS {
	t.Helper()
	fake := newFakeSQS()

	originalClient, originalLoader := ClientFactory, awsconf.DefaultConfigLoader
	ClientFactory = func(aws.Config) sqsAPI { return fake }
	awsconf.DefaultConfigLoader = func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{Region: "us-east-1"}, nil
	}
	t.Cleanup(func() {
		ClientFactory, awsconf.DefaultConfigLoader = originalClient, originalLoader
	})
	return fake
}

func testEnv(extra map[string]string) provider.Environment {
	env := provider.Environment{"SQS_WAIT_TIME_SECONDS": "1"}
	for k, v := range extra {
		env = env.With(k, v)
	}
	return env
}

func build(t *testing.T, extra map[string]string) *Provider {
	t.Helper()
	p, err := Build(context.Background(), testEnv(extra), watermill.NopLogger{})
	require.NoError(t, err)
	return p.(*Provider)
}

func next(t *testing.T, s provider.Stream) provider.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	msg, err := s.Next(ctx)
	require.NoError(t, err)
	return msg
}

func TestContract(t *testing.T) {
	useFake(t)
	providertest.Run(t, func(t *testing.T) provider.Provider {
		return build(t, nil)
	})
}

func TestRegistered(t *testing.T) {
	assert.True(t, provider.DefaultRegistry().Has(ProviderName))
	assert.Equal(t, provider.SQSCapabilities, Capabilities())
}

func TestBuild_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  provider.Environment
	}{
		{name: "wait too long", env: provider.Environment{"SQS_WAIT_TIME_SECONDS": "21"}},
		{name: "too many messages", env: provider.Environment{"SQS_MAX_MESSAGES": "11"}},
		{name: "negative visibility", env: provider.Environment{"SQS_VISIBILITY_TIMEOUT": "-1"}},
		{name: "bad endpoint", env: provider.Environment{"AWS_ENDPOINT": "nope"}},
		{name: "not a number", env: provider.Environment{"SQS_MAX_MESSAGES": "ten"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(context.Background(), tt.env, nil)
			assert.Error(t, err)
		})
	}
}

func TestAttemptAndTimestampFromAttributes(t *testing.T) {
	useFake(t)
	p := build(t, nil)
	require.NoError(t, p.Open(context.Background()))
	defer p.Close()

	stream, err := p.Consume(context.Background(), provider.ConsumeOptions{Key: "orders"})
	require.NoError(t, err)
	before := time.Now().Add(-time.Second)
	require.NoError(t, p.Publish(context.Background(), "orders", provider.Payload{"order_id": 42}))

	first := next(t, stream)
	assert.Equal(t, 1, first.Attempt)
	assert.True(t, first.EnqueuedAt.After(before))
	assert.Equal(t, "orders", first.Metadata[MetadataKey])
	require.NoError(t, p.Reject(context.Background(), first.ID, true))

	second := next(t, stream)
	assert.Equal(t, 2, second.Attempt)
	assert.Equal(t, first.Metadata["message_id"], second.Metadata["message_id"])
	require.NoError(t, p.Ack(context.Background(), second.ID))
}

func TestRejectForwardsToDeadLetterQueue(t *testing.T) {
	fake := useFake(t)
	dlq := fake.url("orders-dlq")
	p := build(t, map[string]string{"SQS_DEAD_LETTER_QUEUE_URL": dlq})
	require.NoError(t, p.Open(context.Background()))
	defer p.Close()

	stream, err := p.Consume(context.Background(), provider.ConsumeOptions{Key: "orders"})
	require.NoError(t, err)
	require.NoError(t, p.Publish(context.Background(), "orders", provider.Payload{"poison": true}))

	msg := next(t, stream)
	require.NoError(t, p.Reject(context.Background(), msg.ID, false))

	assert.Equal(t, []string{`{"poison":true}`}, fake.bodies(dlq))
	assert.Empty(t, fake.bodies(fake.url("orders")))
}

func TestUndecodableMessageIsDropped(t *testing.T) {
	fake := useFake(t)
	p := build(t, nil)
	require.NoError(t, p.Open(context.Background()))
	defer p.Close()

	url := fake.url("raw")
	_, err := fake.SendMessage(context.Background(), &amazonsqs.SendMessageInput{QueueUrl: aws.String(url), MessageBody: aws.String("not json")})
	require.NoError(t, err)

	stream, err := p.Consume(context.Background(), provider.ConsumeOptions{Key: "raw"})
	require.NoError(t, err)
	require.NoError(t, p.Publish(context.Background(), "raw", provider.Payload{"ok": true}))

	msg := next(t, stream)
	assert.Equal(t, true, msg.Payload["ok"])
	assert.Equal(t, []string{`{"ok":true}`}, fake.bodies(url))
}

func TestQueueURLResolution(t *testing.T) {
	fake := useFake(t)
	p := build(t, nil)
	require.NoError(t, p.Open(context.Background()))
	defer p.Close()

	direct := "https://sqs.us-east-1.amazonaws.com/123456789012/direct"
	got, err := p.queueURL(context.Background(), fake, direct)
	require.NoError(t, err)
	assert.Equal(t, direct, got)

	for i := 0; i < 3; i++ {
		got, err = p.queueURL(context.Background(), fake, "cached")
		require.NoError(t, err)
		assert.Equal(t, fake.url("cached"), got)
	}
	assert.Equal(t, 1, fake.count("GetQueueUrl"))

	_, err = p.queueURL(context.Background(), fake, "missing-queue")
	assert.Error(t, err)
}

func TestCreateQueuesWhenMissing(t *testing.T) {
	fake := useFake(t)
	p := build(t, map[string]string{"SQS_CREATE_QUEUES": "true"})
	require.NoError(t, p.Open(context.Background()))
	defer p.Close()

	require.NoError(t, p.Publish(context.Background(), "missing-orders", provider.Payload{"n": 1}))
	assert.Equal(t, 1, fake.count("CreateQueue"))
}

func TestTransientReceiveError(t *testing.T) {
	fake := useFake(t)
	p := build(t, nil)
	require.NoError(t, p.Open(context.Background()))
	defer p.Close()

	stream, err := p.Consume(context.Background(), provider.ConsumeOptions{Key: "orders"})
	require.NoError(t, err)

	fake.mu.Lock()
	fake.failRecv = errors.New("throttled")
	fake.mu.Unlock()

	_, err = stream.Next(context.Background())
	assert.True(t, provider.IsTransient(err), "got %v", err)
}

func TestCloseReleasesUnsettledMessages(t *testing.T) {
	fake := useFake(t)
	p := build(t, nil)
	require.NoError(t, p.Open(context.Background()))

	stream, err := p.Consume(context.Background(), provider.ConsumeOptions{Key: "orders"})
	require.NoError(t, err)
	require.NoError(t, p.Publish(context.Background(), "orders", provider.Payload{"n": 1}))
	next(t, stream)
	assert.Zero(t, fake.visible(fake.url("orders")))

	require.NoError(t, p.Close())
	assert.Equal(t, 1, fake.visible(fake.url("orders")))
}

func TestAckFailureKeepsDeliveryPending(t *testing.T) {
	fake := useFake(t)
	p := build(t, nil)
	require.NoError(t, p.Open(context.Background()))
	defer p.Close()

	stream, err := p.Consume(context.Background(), provider.ConsumeOptions{Key: "orders"})
	require.NoError(t, err)
	require.NoError(t, p.Publish(context.Background(), "orders", provider.Payload{"n": 1}))
	msg := next(t, stream)

	// Simulate an expired receipt handle.
	fake.mu.Lock()
	for _, m := range fake.queues[fake.url("orders")] {
		m.receiptHandle = "stale"
	}
	fake.mu.Unlock()

	err = p.Ack(context.Background(), msg.ID)
	var ackErr *provider.AcknowledgeError
	require.ErrorAs(t, err, &ackErr)
	assert.NotErrorIs(t, err, provider.ErrAlreadySettled)

	_, err = p.deliveries.Settle(msg.ID)
	assert.NoError(t, err, "failed ack leaves the delivery settleable")
}
