package runtime

import (
	"time"

	loggingpkg "github.com/drblury/abe/internal/runtime/logging"
)

// MessageInfo describes one handler invocation to hooks.
type MessageInfo struct {
	// Session is the name of the session processing the message.
	Session string
	// Key is the queue or topic the message was consumed from.
	Key string
	// MessageID is the delivery identifier.
	MessageID string
	// Attempt is the delivery attempt, starting at 1.
	Attempt int
	// Metadata contains the provider headers of the message.
	Metadata map[string]string
	// EnqueuedAt is when the provider accepted the message, if known.
	EnqueuedAt time.Time
	// StartedAt is when the handler was invoked.
	StartedAt time.Time
	// Duration is how long the handler took (zero in OnMessageStart).
	Duration time.Duration
}

// Hooks are callbacks for session and message lifecycle events.
// All hooks are optional; nil hooks are not called. Hooks run on the session
// goroutine and should return quickly.
type Hooks struct {
	// OnMessageStart is called before the handler is invoked.
	OnMessageStart func(info MessageInfo)

	// OnMessageDone is called after the handler succeeded.
	OnMessageDone func(info MessageInfo)

	// OnMessageError is called when the handler failed, and when acknowledging
	// or rejecting the message failed. Settlement failures wrap
	// *provider.AcknowledgeError.
	OnMessageError func(info MessageInfo, err error)

	// OnExhausted is called exactly once for every message rejected without
	// requeue because it reached the retry ceiling.
	OnExhausted func(info MessageInfo, err *HandlerExhaustedError)

	// OnStreamError is called for every error reading from the provider.
	OnStreamError func(session string, err error)

	// OnStateChange is called after every state transition.
	OnStateChange func(session string, from, to State)
}

// Merge combines two Hooks. The hooks from other run after the hooks from h.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnMessageStart: chain1(h.OnMessageStart, other.OnMessageStart),
		OnMessageDone:  chain1(h.OnMessageDone, other.OnMessageDone),
		OnMessageError: chain2(h.OnMessageError, other.OnMessageError),
		OnExhausted:    chain2(h.OnExhausted, other.OnExhausted),
		OnStreamError:  chain2(h.OnStreamError, other.OnStreamError),
		OnStateChange:  chain3(h.OnStateChange, other.OnStateChange),
	}
}

func chain1[A any](a, b func(A)) func(A) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(x A) {
		a(x)
		b(x)
	}
}

func chain2[A, B any](a, b func(A, B)) func(A, B) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(x A, y B) {
		a(x, y)
		b(x, y)
	}
}

func chain3[A, B, C any](a, b func(A, B, C)) func(A, B, C) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(x A, y B, z C) {
		a(x, y, z)
		b(x, y, z)
	}
}

// LoggingHooks returns hooks that log message lifecycle events at debug
// level. Failures are already logged by the session itself.
func LoggingHooks(logger loggingpkg.ServiceLogger) Hooks {
	return Hooks{
		OnMessageStart: func(info MessageInfo) {
			logger.Debug("Message received", loggingpkg.LogFields{
				"session":    info.Session,
				"key":        info.Key,
				"message_id": info.MessageID,
				"attempt":    info.Attempt,
			})
		},
		OnMessageDone: func(info MessageInfo) {
			logger.Debug("Message processed", loggingpkg.LogFields{
				"session":     info.Session,
				"key":         info.Key,
				"message_id":  info.MessageID,
				"duration_ms": info.Duration.Milliseconds(),
			})
		},
		OnStateChange: func(session string, from, to State) {
			logger.Debug("Session state changed", loggingpkg.LogFields{
				"session": session,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	}
}

// AlertingHooks returns hooks that call alert for every exhausted message.
func AlertingHooks(alert func(info MessageInfo, err *HandlerExhaustedError)) Hooks {
	return Hooks{OnExhausted: alert}
}
