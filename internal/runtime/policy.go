package runtime

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Default policy values applied to zero fields.
const (
	DefaultMaxAttempts     = 3
	DefaultRetryMaxDelay   = 30 * time.Second
	DefaultConsumeRetries  = 5
	DefaultInitialInterval = 100 * time.Millisecond
	DefaultMaxInterval     = 5 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// RetryPolicy decides what happens to a message whose handler failed.
//
// A message is requeued while its attempt counter is below MaxAttempts and
// rejected without requeue once it reaches it. Before each requeue the
// session waits Delay, doubled per attempt and capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryMaxDelay
	}
	return p
}

// delay returns how long to wait before requeueing a message that failed on
// the given attempt.
func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval: p.Delay,
		Multiplier:      2,
		MaxInterval:     p.MaxDelay,
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// BackoffPolicy bounds how the session recovers from transient stream
// errors. After more than MaxRetries consecutive transient failures the
// session fails.
type BackoffPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p BackoffPolicy) withDefaults() BackoffPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultConsumeRetries
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultMaxInterval
	}
	return p
}

func (p BackoffPolicy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Reset()
	return b
}
