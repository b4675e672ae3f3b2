package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/abe/internal/runtime/ids"
	"github.com/drblury/abe/internal/runtime/jsoncodec"
	"github.com/drblury/abe/provider"
)

var errSubscriptionEnded = errors.New("subscription channel closed")

type stream struct {
	provider   *Provider
	key        string
	messages   <-chan *message.Message
	closedChan chan struct{}
	deliveries *provider.Deliveries[*message.Message]

	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func (s *stream) Next(ctx context.Context) (provider.Message, error) {
	for {
		select {
		case <-s.closedChan:
			return provider.Message{}, provider.ErrStreamClosed
		case <-s.done:
			return provider.Message{}, provider.ErrStreamClosed
		default:
		}

		select {
		case <-ctx.Done():
			return provider.Message{}, ctx.Err()
		case <-s.closedChan:
			return provider.Message{}, provider.ErrStreamClosed
		case <-s.done:
			return provider.Message{}, provider.ErrStreamClosed
		case msg, ok := <-s.messages:
			if !ok {
				select {
				case <-s.closedChan:
					return provider.Message{}, provider.ErrStreamClosed
				case <-s.done:
					return provider.Message{}, provider.ErrStreamClosed
				default:
					return provider.Message{}, provider.NewTransientError(s.key, errSubscriptionEnded)
				}
			}
			delivered, ok := s.deliver(msg)
			if !ok {
				continue
			}
			select {
			case <-s.closedChan:
				// Close drained before Track ran.
				if late, err := s.deliveries.Settle(delivered.ID); err == nil {
					late.Nack()
				}
				return provider.Message{}, provider.ErrStreamClosed
			default:
			}
			return delivered, nil
		}
	}
}

func (s *stream) deliver(msg *message.Message) (provider.Message, bool) {
	payload, err := jsoncodec.UnmarshalObject(msg.Payload)
	if err != nil {
		s.provider.logger.Error("Dropping undecodable message", err, watermill.LogFields{
			"key":          s.key,
			"message_uuid": msg.UUID,
		})
		msg.Ack()
		return provider.Message{}, false
	}

	metadata := make(map[string]string, len(msg.Metadata)+1)
	for k, v := range msg.Metadata {
		metadata[k] = v
	}
	metadata["message_uuid"] = msg.UUID

	enqueuedAt := time.Now().UTC()
	if raw := msg.Metadata.Get(MetadataEnqueuedAt); raw != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			enqueuedAt = parsed
		}
	}

	delivered := provider.Message{
		ID:         ids.New(),
		Key:        s.key,
		Payload:    provider.Payload(payload),
		EnqueuedAt: enqueuedAt,
		Attempt:    s.provider.attempt(msg.UUID),
		Metadata:   metadata,
	}
	s.deliveries.Track(delivered.ID, msg)
	return delivered, true
}

func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
	})
	return nil
}
