package runtime

import "fmt"

// HandlerExhaustedError is reported through Hooks.OnExhausted when a message
// reached the retry ceiling and was rejected without requeue.
type HandlerExhaustedError struct {
	Session   string
	Key       string
	MessageID string
	Attempts  int
	Err       error
}

func (e *HandlerExhaustedError) Error() string {
	return fmt.Sprintf("abe: handler exhausted after %d attempt(s) for message %q on %q: %v",
		e.Attempts, e.MessageID, e.Key, e.Err)
}

func (e *HandlerExhaustedError) Unwrap() error {
	return e.Err
}

// SessionError is returned by Session.Run when the session failed.
type SessionError struct {
	Session string
	// LastMessageID is the last delivery the session received, empty if none.
	LastMessageID string
	Err           error
}

func (e *SessionError) Error() string {
	last := e.LastMessageID
	if last == "" {
		last = "none"
	}
	return fmt.Sprintf("abe: session %q failed (last message: %s): %v", e.Session, last, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// PanicError carries a recovered handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("abe: handler panicked: %v", e.Value)
}
