/*
Package runtime provides the consumption engine of abe.

# Architecture Overview

A Session binds one provider.Provider to one Handler. Run opens the provider,
subscribes to a key and invokes the handler for every delivery, one message
at a time and in delivery order. The session owns its provider for the
duration of Run and closes it before returning.

# Package Structure

## Session (session.go)

The Session struct drives the lifecycle:

	CREATED -> RUNNING -> STOPPING -> STOPPED
	               \
	                -> FAILED

A STOPPED or FAILED session may be run again. Stop interrupts the stream, lets
the in-flight handler finish and waits for Run to return. Cancelling the Run
context behaves like Stop, except that the in-flight handler is cancelled
after SessionOptions.ShutdownTimeout.

## Policies (policy.go)

RetryPolicy decides between requeue and dead-lettering for failed handlers.
BackoffPolicy bounds how often a session resubscribes after transient stream
errors before it gives up. Both use github.com/cenkalti/backoff/v5.

## Hooks (hooks.go)

Hooks observe message and state events. LoggingHooks logs at debug level,
AlertingHooks reports exhausted messages, Metrics.Hooks feeds Prometheus.
Merge combines several sets.

## Metrics (metrics.go)

Prometheus collectors under the abe_consumer_ prefix.

## Tracing

Every handler invocation runs inside an OpenTelemetry consumer span named
"abe.handle"; the span is available from the handler context.

# Sub-packages

  - config: process configuration from the environment
  - errors: sentinel errors
  - ids: ULID identifiers
  - jsoncodec: payload serialization
  - logging: the ServiceLogger abstraction
*/
package runtime
