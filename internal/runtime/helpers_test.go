package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drblury/abe/provider"
)

const waitTimeout = 3 * time.Second

// scriptedProvider hands out streams built by the consume function and
// records every call made by the session.
type scriptedProvider struct {
	consume func(n int) (provider.Stream, error)

	mu       sync.Mutex
	opens    int
	closes   int
	consumes int
	acked    []string
	rejected []string
	requeued []string
}

func (p *scriptedProvider) Open(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens++
	return nil
}

func (p *scriptedProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

func (p *scriptedProvider) Publish(context.Context, string, provider.Payload) error { return nil }

func (p *scriptedProvider) Consume(context.Context, provider.ConsumeOptions) (provider.Stream, error) {
	p.mu.Lock()
	p.consumes++
	n := p.consumes
	p.mu.Unlock()
	return p.consume(n)
}

func (p *scriptedProvider) Ack(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acked = append(p.acked, id)
	return nil
}

func (p *scriptedProvider) Reject(_ context.Context, id string, requeue bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if requeue {
		p.requeued = append(p.requeued, id)
	} else {
		p.rejected = append(p.rejected, id)
	}
	return nil
}

func (p *scriptedProvider) counts() (opens, closes, consumes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens, p.closes, p.consumes
}

// scriptedStream yields msgs, then err, then blocks until ctx is done.
type scriptedStream struct {
	mu   sync.Mutex
	msgs []provider.Message
	err  error
}

func (s *scriptedStream) Next(ctx context.Context) (provider.Message, error) {
	s.mu.Lock()
	if len(s.msgs) > 0 {
		msg := s.msgs[0]
		s.msgs = s.msgs[1:]
		s.mu.Unlock()
		return msg, nil
	}
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return provider.Message{}, err
	}
	<-ctx.Done()
	return provider.Message{}, ctx.Err()
}

func (s *scriptedStream) Close() error { return nil }

// startSession runs s in the background and returns the channel receiving
// the Run result.
func startSession(t *testing.T, ctx context.Context, s *Session, handler Handler) <-chan error {
	t.Helper()
	result := make(chan error, 1)
	go func() { result <- s.Run(ctx, handler) }()
	return result
}

func waitRunning(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == StateRunning }, waitTimeout, time.Millisecond)
}

func waitResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("session did not return in time")
		return nil
	}
}

func stopSession(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
