package provider

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrClosed is reported when a provider is used before Open or after Close.
	ErrClosed = errors.New("abe: provider is closed")
	// ErrStreamClosed ends a Stream whose provider or subscription was closed.
	ErrStreamClosed = errors.New("abe: stream closed")
	// ErrDuplicateProvider is returned when a name is registered twice.
	ErrDuplicateProvider = errors.New("abe: provider already registered")
	// ErrUnknownDelivery is the AcknowledgeError reason for IDs that were
	// never handed out by the provider.
	ErrUnknownDelivery = errors.New("unknown delivery")
	// ErrAlreadySettled is the AcknowledgeError reason for IDs that were
	// already acknowledged or rejected.
	ErrAlreadySettled = errors.New("delivery already settled")
)

// ProviderNotFoundError reports a provider name that is not registered.
type ProviderNotFoundError struct {
	Name      string
	Available []string
}

func (e *ProviderNotFoundError) Error() string {
	available := "none"
	if len(e.Available) > 0 {
		available = strings.Join(e.Available, ", ")
	}
	return fmt.Sprintf("abe: provider %q not found (available: %s)", e.Name, available)
}

// ProviderConstructionError wraps a failure raised by a provider factory.
type ProviderConstructionError struct {
	Name string
	Err  error
}

func (e *ProviderConstructionError) Error() string {
	return fmt.Sprintf("abe: constructing provider %q: %v", e.Name, e.Err)
}

func (e *ProviderConstructionError) Unwrap() error {
	return e.Err
}

// PublishError wraps a failed Publish.
type PublishError struct {
	Key string
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("abe: publish to %q: %v", e.Key, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumeError wraps a failure while reading from a provider. Transient
// errors may succeed when retried; the rest are terminal.
type ConsumeError struct {
	Key       string
	Transient bool
	Err       error
}

func (e *ConsumeError) Error() string {
	kind := "terminal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("abe: consume from %q (%s): %v", e.Key, kind, e.Err)
}

func (e *ConsumeError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as a retryable ConsumeError.
func NewTransientError(key string, err error) *ConsumeError {
	return &ConsumeError{Key: key, Transient: true, Err: err}
}

// NewTerminalError wraps err as a non-retryable ConsumeError.
func NewTerminalError(key string, err error) *ConsumeError {
	return &ConsumeError{Key: key, Err: err}
}

// IsTransient reports whether err is, or wraps, a transient ConsumeError.
func IsTransient(err error) bool {
	var ce *ConsumeError
	return errors.As(err, &ce) && ce.Transient
}

// AcknowledgeError reports an Ack or Reject on an identifier that cannot be
// settled. Err is ErrUnknownDelivery, ErrAlreadySettled, or a broker error.
type AcknowledgeError struct {
	ID  string
	Err error
}

func (e *AcknowledgeError) Error() string {
	return fmt.Sprintf("abe: acknowledge %q: %v", e.ID, e.Err)
}

func (e *AcknowledgeError) Unwrap() error {
	return e.Err
}
