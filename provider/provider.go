// Package provider defines the contract every message-queue backend must
// satisfy, the registry that maps configuration names to provider factories,
// and the loader that turns an environment snapshot into a constructed
// provider. Each backend lives in its own sub-package and registers itself
// with the default registry from init().
package provider

import (
	"context"
	"time"
)

// Payload is the opaque, JSON-serializable body exchanged across the
// provider boundary.
type Payload map[string]any

// Clone returns a deep copy of maps and slices nested in the payload. Scalar
// values are copied as-is.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case Payload:
		return typed.Clone()
	case map[string]any:
		return map[string]any(Payload(typed).Clone())
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	default:
		return v
	}
}

// Message is one delivery handed out by a Stream.
type Message struct {
	// ID identifies this delivery. It is the unit of acknowledgement and is
	// unique per delivery, so a redelivered message carries a new ID.
	ID string
	// Key is the routing key, topic, or queue the message was consumed from.
	Key string
	// Payload is the message body.
	Payload Payload
	// EnqueuedAt is when the provider accepted the message.
	EnqueuedAt time.Time
	// Attempt counts deliveries of the underlying message, starting at 1.
	// Zero means the provider cannot count redeliveries.
	Attempt int
	// Metadata carries provider-specific headers.
	Metadata map[string]string
}

// ConsumeOptions select what a Stream reads.
type ConsumeOptions struct {
	// Key is the queue, topic, or routing key to read from.
	Key string
	// Group is an optional consumer group. Providers without group support
	// ignore it.
	Group string
}

// Provider is the capability set every backend exposes. The consumption
// engine only ever talks to this interface.
//
// Open must be called before first use; calling it on an open provider is a
// no-op. Close is idempotent and releases everything Open acquired, returning
// unsettled deliveries to the broker. A closed provider may be opened again,
// which starts a new lifecycle.
type Provider interface {
	Open(ctx context.Context) error
	Close() error

	// Publish sends one payload under key. It never retries; failures are
	// reported as *PublishError.
	Publish(ctx context.Context, key string, payload Payload) error

	// Consume returns a lazy, potentially infinite stream of deliveries.
	Consume(ctx context.Context, opts ConsumeOptions) (Stream, error)

	// Ack marks a delivery as processed. Unknown or already settled IDs fail
	// with *AcknowledgeError.
	Ack(ctx context.Context, id string) error

	// Reject marks a delivery as failed, optionally returning it to the queue.
	// Unknown or already settled IDs fail with *AcknowledgeError.
	Reject(ctx context.Context, id string, requeue bool) error
}

// Stream yields deliveries one at a time.
//
// Next blocks until a message is available, ctx is done (returning ctx.Err()),
// or the provider is closed (returning ErrStreamClosed). Transport failures
// are reported as *ConsumeError.
type Stream interface {
	Next(ctx context.Context) (Message, error)
	Close() error
}

// CapabilitiesProvider is implemented by providers that can report their
// capabilities at runtime.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
