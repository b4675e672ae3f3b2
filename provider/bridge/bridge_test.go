package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/abe/provider"
	"github.com/drblury/abe/provider/providertest"
)

func goChannelConnect(ctx context.Context) (*Connection, error) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	return &Connection{
		Publisher: pubSub,
		Subscriber: func(context.Context, string) (message.Subscriber, error) {
			return pubSub, nil
		},
	}, nil
}

func newGoChannelProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := New(Config{
		Name:         "test",
		Connect:      goChannelConnect,
		Capabilities: provider.ChannelCapabilities,
	}, nil)
	require.NoError(t, err)
	return p
}

func next(t *testing.T, s provider.Stream) provider.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := s.Next(ctx)
	require.NoError(t, err)
	return msg
}

func TestContract(t *testing.T) {
	providertest.Run(t, func(t *testing.T) provider.Provider {
		return newGoChannelProvider(t)
	})
}

func TestNew_RequiresConnect(t *testing.T) {
	_, err := New(Config{Name: "x"}, nil)
	assert.Error(t, err)
}

func TestOpen_PropagatesConnectError(t *testing.T) {
	boom := errors.New("dial failed")
	p, err := New(Config{
		Name:    "broken",
		Connect: func(context.Context) (*Connection, error) { return nil, boom },
	}, nil)
	require.NoError(t, err)

	err = p.Open(context.Background())
	assert.ErrorIs(t, err, boom)

	err = p.Publish(context.Background(), "k", provider.Payload{})
	assert.ErrorIs(t, err, provider.ErrClosed)
}

type recordingCloser struct {
	message.Publisher
	closes int
}

func (r *recordingCloser) Close() error {
	r.closes++
	return nil
}

func TestOpen_IncompleteConnectionReleased(t *testing.T) {
	pub := &recordingCloser{}
	p, err := New(Config{
		Name: "half",
		Connect: func(context.Context) (*Connection, error) {
			return &Connection{Publisher: pub}, nil
		},
	}, nil)
	require.NoError(t, err)

	assert.Error(t, p.Open(context.Background()))
	assert.Equal(t, 1, pub.closes)
}

func TestAttemptCountsRedeliveries(t *testing.T) {
	p := newGoChannelProvider(t)
	require.NoError(t, p.Open(context.Background()))
	defer p.Close()

	stream, err := p.Consume(context.Background(), provider.ConsumeOptions{Key: "orders"})
	require.NoError(t, err)
	require.NoError(t, p.Publish(context.Background(), "orders", provider.Payload{"order_id": 42}))

	for attempt := 1; attempt <= 3; attempt++ {
		msg := next(t, stream)
		assert.Equal(t, attempt, msg.Attempt)
		assert.Equal(t, int64(42), msg.Payload["order_id"])
		assert.Equal(t, "orders", msg.Metadata[MetadataKey])
		require.NoError(t, p.Reject(context.Background(), msg.ID, true))
	}

	msg := next(t, stream)
	assert.Equal(t, 4, msg.Attempt)
	require.NoError(t, p.Ack(context.Background(), msg.ID))
}

func TestRejectWithoutRequeueMovesOn(t *testing.T) {
	p := newGoChannelProvider(t)
	require.NoError(t, p.Open(context.Background()))
	defer p.Close()

	stream, err := p.Consume(context.Background(), provider.ConsumeOptions{Key: "q"})
	require.NoError(t, err)
	require.NoError(t, p.Publish(context.Background(), "q", provider.Payload{"n": 1}))
	require.NoError(t, p.Publish(context.Background(), "q", provider.Payload{"n": 2}))

	first := next(t, stream)
	require.NoError(t, p.Reject(context.Background(), first.ID, false))

	second := next(t, stream)
	assert.NotEqual(t, first.Payload["n"], second.Payload["n"])
	assert.Equal(t, 1, second.Attempt)
}

func TestUndecodableMessagesAreDropped(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	p, err := New(Config{
		Name: "raw",
		Connect: func(context.Context) (*Connection, error) {
			return &Connection{
				Publisher: pubSub,
				Subscriber: func(context.Context, string) (message.Subscriber, error) {
					return pubSub, nil
				},
			}, nil
		},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, p.Open(context.Background()))
	defer p.Close()

	stream, err := p.Consume(context.Background(), provider.ConsumeOptions{Key: "raw"})
	require.NoError(t, err)

	require.NoError(t, pubSub.Publish("raw", message.NewMessage(watermill.NewUUID(), []byte("not json"))))
	require.NoError(t, p.Publish(context.Background(), "raw", provider.Payload{"ok": true}))

	msg := next(t, stream)
	assert.Equal(t, true, msg.Payload["ok"])
}

type closedSubscriber struct{}

func (closedSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (closedSubscriber) Close() error { return nil }

type nopPublisher struct{}

func (nopPublisher) Publish(string, ...*message.Message) error { return nil }
func (nopPublisher) Close() error                              { return nil }

func TestEndedSubscriptionIsTransient(t *testing.T) {
	p, err := New(Config{
		Name: "flaky",
		Connect: func(context.Context) (*Connection, error) {
			return &Connection{
				Publisher: nopPublisher{},
				Subscriber: func(context.Context, string) (message.Subscriber, error) {
					return closedSubscriber{}, nil
				},
			}, nil
		},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, p.Open(context.Background()))
	defer p.Close()

	stream, err := p.Consume(context.Background(), provider.ConsumeOptions{Key: "k"})
	require.NoError(t, err)

	_, err = stream.Next(context.Background())
	assert.True(t, provider.IsTransient(err), "got %v", err)
}

func TestSubscribersCachedPerGroup(t *testing.T) {
	groups := map[string]int{}
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	p, err := New(Config{
		Name: "groups",
		Connect: func(context.Context) (*Connection, error) {
			return &Connection{
				Publisher: pubSub,
				Subscriber: func(_ context.Context, group string) (message.Subscriber, error) {
					groups[group]++
					return pubSub, nil
				},
			}, nil
		},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, p.Open(context.Background()))
	defer p.Close()

	for _, group := range []string{"a", "a", "b"} {
		s, err := p.Consume(context.Background(), provider.ConsumeOptions{Key: "k", Group: group})
		require.NoError(t, err)
		require.NoError(t, s.Close())
	}

	assert.Equal(t, map[string]int{"a": 1, "b": 1}, groups)
}

func TestCapabilitiesDefaultName(t *testing.T) {
	p, err := New(Config{Name: "custom", Connect: goChannelConnect}, nil)
	require.NoError(t, err)
	assert.Equal(t, "custom", p.Capabilities().Name)
}
