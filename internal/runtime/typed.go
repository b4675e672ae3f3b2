package runtime

import (
	"context"
	"fmt"

	jsoncodec "github.com/drblury/abe/internal/runtime/jsoncodec"
	"github.com/drblury/abe/provider"
)

// TypedHandler processes a payload decoded into T.
type TypedHandler[T any] func(ctx context.Context, msg T) error

// JSONHandler adapts a typed handler to Handler. The payload is decoded into
// a fresh T through its JSON form; decoding failures are handler failures.
func JSONHandler[T any](handler TypedHandler[T]) Handler {
	if handler == nil {
		return nil
	}
	return func(ctx context.Context, payload provider.Payload) error {
		msg, err := DecodePayload[T](payload)
		if err != nil {
			return err
		}
		return handler(ctx, msg)
	}
}

// DecodePayload converts payload into T using the payload codec.
func DecodePayload[T any](payload provider.Payload) (T, error) {
	var out T
	data, err := jsoncodec.Marshal(payload)
	if err != nil {
		return out, fmt.Errorf("encode payload: %w", err)
	}
	if err := jsoncodec.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode payload into %T: %w", out, err)
	}
	return out, nil
}

// EncodePayload converts v into a Payload. v must encode as a JSON object.
func EncodePayload(v any) (provider.Payload, error) {
	data, err := jsoncodec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	obj, err := jsoncodec.UnmarshalObject(data)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return obj, nil
}
