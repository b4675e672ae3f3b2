// Package providertest holds the behavioural contract every provider.Provider
// implementation is expected to pass. Provider packages call Run from their own
// tests with a constructor for a fresh, unopened instance.
package providertest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/abe/internal/runtime/ids"
	"github.com/drblury/abe/internal/runtime/jsoncodec"
	"github.com/drblury/abe/provider"
)

// Factory returns a fresh provider that has not been opened yet.
type Factory func(t *testing.T) provider.Provider

// Timeout bounds every blocking call the suite makes.
var Timeout = 5 * time.Second

// Run executes the contract suite against providers built by newProvider.
func Run(t *testing.T, newProvider Factory) {
	t.Helper()

	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newProvider(t)) })
	t.Run("NumbersRoundTripExactly", func(t *testing.T) { testNumbers(t, newProvider(t)) })
	t.Run("DoubleAck", func(t *testing.T) { testDoubleAck(t, newProvider(t)) })
	t.Run("UnknownDelivery", func(t *testing.T) { testUnknownDelivery(t, newProvider(t)) })
	t.Run("RequeueRedelivers", func(t *testing.T) { testRequeue(t, newProvider(t)) })
	t.Run("NextHonoursContext", func(t *testing.T) { testNextContext(t, newProvider(t)) })
	t.Run("CloseIdempotent", func(t *testing.T) { testCloseIdempotent(t, newProvider(t)) })
	t.Run("UseAfterClose", func(t *testing.T) { testUseAfterClose(t, newProvider(t)) })
	t.Run("StreamEndsOnClose", func(t *testing.T) { testStreamEndsOnClose(t, newProvider(t)) })
	t.Run("Reopen", func(t *testing.T) { testReopen(t, newProvider(t)) })
}

// UniqueKey returns a routing key no other test run shares.
func UniqueKey(prefix string) string {
	return prefix + "-" + strings.ToLower(ids.New())
}

func open(t *testing.T, p provider.Provider) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()
	require.NoError(t, p.Open(ctx))
	t.Cleanup(func() { _ = p.Close() })
}

func consume(t *testing.T, p provider.Provider, key string) provider.Stream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()
	stream, err := p.Consume(ctx, provider.ConsumeOptions{Key: key})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stream.Close() })
	return stream
}

func publish(t *testing.T, p provider.Provider, key string, payload provider.Payload) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()
	require.NoError(t, p.Publish(ctx, key, payload))
}

func next(t *testing.T, stream provider.Stream) provider.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()
	msg, err := stream.Next(ctx)
	require.NoError(t, err)
	return msg
}

func assertPayload(t *testing.T, want, got provider.Payload) {
	t.Helper()
	wantJSON, err := jsoncodec.Marshal(want)
	require.NoError(t, err)
	gotJSON, err := jsoncodec.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, string(wantJSON), string(gotJSON))
}

func testRoundTrip(t *testing.T, p provider.Provider) {
	open(t, p)
	key := UniqueKey("roundtrip")
	stream := consume(t, p, key)

	payload := provider.Payload{"order_id": 42, "items": []any{"a", "b"}}
	publish(t, p, key, payload)

	msg := next(t, stream)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, key, msg.Key)
	assertPayload(t, payload, msg.Payload)
	assert.LessOrEqual(t, msg.Attempt, 1)
	require.NoError(t, p.Ack(context.Background(), msg.ID))
}

func testNumbers(t *testing.T, p provider.Provider) {
	open(t, p)
	key := UniqueKey("numbers")
	stream := consume(t, p, key)

	// 2^53 + 1 is the first integer a float64 cannot hold.
	publish(t, p, key, provider.Payload{"order_id": int64(9007199254740993), "price": 12.5})

	msg := next(t, stream)
	id, err := jsoncodec.Marshal(msg.Payload["order_id"])
	require.NoError(t, err)
	assert.Equal(t, "9007199254740993", string(id))
	price, err := jsoncodec.Marshal(msg.Payload["price"])
	require.NoError(t, err)
	assert.Equal(t, "12.5", string(price))
	require.NoError(t, p.Ack(context.Background(), msg.ID))
}

func testDoubleAck(t *testing.T, p provider.Provider) {
	open(t, p)
	key := UniqueKey("doubleack")
	stream := consume(t, p, key)
	publish(t, p, key, provider.Payload{"n": 1})

	msg := next(t, stream)
	require.NoError(t, p.Ack(context.Background(), msg.ID))

	err := p.Ack(context.Background(), msg.ID)
	var ackErr *provider.AcknowledgeError
	require.ErrorAs(t, err, &ackErr)
	assert.Equal(t, msg.ID, ackErr.ID)
	assert.ErrorIs(t, err, provider.ErrAlreadySettled)

	err = p.Reject(context.Background(), msg.ID, false)
	assert.ErrorIs(t, err, provider.ErrAlreadySettled)
}

func testUnknownDelivery(t *testing.T, p provider.Provider) {
	open(t, p)

	err := p.Ack(context.Background(), "never-issued")
	var ackErr *provider.AcknowledgeError
	require.ErrorAs(t, err, &ackErr)
	assert.ErrorIs(t, err, provider.ErrUnknownDelivery)

	err = p.Reject(context.Background(), "never-issued", true)
	assert.ErrorIs(t, err, provider.ErrUnknownDelivery)
}

func testRequeue(t *testing.T, p provider.Provider) {
	open(t, p)
	key := UniqueKey("requeue")
	stream := consume(t, p, key)
	payload := provider.Payload{"order_id": 7}
	publish(t, p, key, payload)

	first := next(t, stream)
	require.NoError(t, p.Reject(context.Background(), first.ID, true))

	second := next(t, stream)
	assert.NotEqual(t, first.ID, second.ID, "redelivery carries a new delivery id")
	assertPayload(t, payload, second.Payload)
	if first.Attempt > 0 {
		assert.Equal(t, first.Attempt+1, second.Attempt)
	}
	require.NoError(t, p.Ack(context.Background(), second.ID))
}

func testNextContext(t *testing.T, p provider.Provider) {
	open(t, p)
	stream := consume(t, p, UniqueKey("idle"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err := stream.Next(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Less(t, time.Since(started), Timeout)
}

func testCloseIdempotent(t *testing.T, p provider.Provider) {
	open(t, p)
	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())
}

func testUseAfterClose(t *testing.T, p provider.Provider) {
	open(t, p)
	require.NoError(t, p.Close())

	err := p.Publish(context.Background(), UniqueKey("closed"), provider.Payload{"n": 1})
	var pubErr *provider.PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.ErrorIs(t, err, provider.ErrClosed)

	_, err = p.Consume(context.Background(), provider.ConsumeOptions{Key: UniqueKey("closed")})
	assert.ErrorIs(t, err, provider.ErrClosed)
}

func testStreamEndsOnClose(t *testing.T, p provider.Provider) {
	open(t, p)
	stream := consume(t, p, UniqueKey("ending"))

	errs := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), Timeout)
		defer cancel()
		_, err := stream.Next(ctx)
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, provider.ErrStreamClosed)
	case <-time.After(Timeout):
		t.Fatal("Next did not return after Close")
	}
}

func testReopen(t *testing.T, p provider.Provider) {
	open(t, p)
	require.NoError(t, p.Close())

	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()
	require.NoError(t, p.Open(ctx))

	key := UniqueKey("reopen")
	stream := consume(t, p, key)
	publish(t, p, key, provider.Payload{"again": true})

	msg := next(t, stream)
	assertPayload(t, provider.Payload{"again": true}, msg.Payload)
	require.NoError(t, p.Ack(context.Background(), msg.ID))
}
