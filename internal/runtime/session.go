package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/abe/internal/runtime/errors"
	loggingpkg "github.com/drblury/abe/internal/runtime/logging"
	"github.com/drblury/abe/provider"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Handler processes one message payload. Returning an error (or panicking)
// rejects the message according to the session's RetryPolicy.
type Handler func(ctx context.Context, payload provider.Payload) error

const (
	tracerName    = "github.com/drblury/abe"
	spanName      = "abe.handle"
	settleTimeout = 5 * time.Second

	// stopDrainTimeout bounds how long Stop waits for cleanup once it has
	// cancelled the in-flight handler.
	stopDrainTimeout = settleTimeout + time.Second
)

// SessionOptions configure a Session.
type SessionOptions struct {
	// Name identifies the session in logs, metrics, and errors. Defaults to Key.
	Name string
	// Key is the queue or topic to consume. Required.
	Key string
	// Group is the optional consumer group.
	Group string

	Retry   RetryPolicy
	Backoff BackoffPolicy

	// HandlerTimeout bounds each handler invocation. Zero means no timeout.
	HandlerTimeout time.Duration
	// ShutdownTimeout is how long an in-flight handler may keep running after
	// the Run context is cancelled.
	ShutdownTimeout time.Duration

	Hooks  Hooks
	Logger loggingpkg.ServiceLogger
	Tracer trace.Tracer
}

// Session drives one handler against one provider. It processes messages
// sequentially in delivery order, acknowledging successes and rejecting
// failures. A stopped or failed session can be run again.
type Session struct {
	provider provider.Provider
	opts     SessionOptions
	logger   loggingpkg.ServiceLogger
	tracer   trace.Tracer

	mu             sync.Mutex
	hookMu         sync.Mutex
	state          State
	lastID         string
	changes        []stateChange
	stopCh         chan struct{}
	done           chan struct{}
	cancelHandlers context.CancelFunc
}

// NewSession creates a session in the CREATED state. Zero option fields get
// their defaults.
func NewSession(p provider.Provider, opts SessionOptions) *Session {
	opts.Retry = opts.Retry.withDefaults()
	opts.Backoff = opts.Backoff.withDefaults()
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Name == "" {
		opts.Name = opts.Key
	}

	logger := opts.Logger
	if logger == nil {
		logger = loggingpkg.NopLogger()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	return &Session{
		provider: p,
		opts:     opts,
		logger:   logger.With(loggingpkg.LogFields{"session": opts.Name, "key": opts.Key}),
		tracer:   tracer,
		state:    StateCreated,
	}
}

// Name returns the session name.
func (s *Session) Name() string {
	return s.opts.Name
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastMessageID returns the identifier of the last delivery received, or ""
// when none arrived yet.
func (s *Session) LastMessageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

type stateChange struct {
	from, to State
}

// transitionLocked sets the state and queues the change for OnStateChange.
// It must be called with s.mu held and releases it.
func (s *Session) transitionLocked(to State) {
	from := s.state
	s.state = to
	if from != to && s.opts.Hooks.OnStateChange != nil {
		s.changes = append(s.changes, stateChange{from: from, to: to})
	}
	s.mu.Unlock()
	s.flushStateChanges()
}

// flushStateChanges delivers queued state changes in order. Whoever holds
// hookMu drains the queue, so hooks may call back into the session.
func (s *Session) flushStateChanges() {
	for {
		if !s.hookMu.TryLock() {
			return
		}
		for {
			s.mu.Lock()
			if len(s.changes) == 0 {
				s.mu.Unlock()
				break
			}
			change := s.changes[0]
			s.changes = s.changes[1:]
			s.mu.Unlock()
			s.opts.Hooks.OnStateChange(s.opts.Name, change.from, change.to)
		}
		s.hookMu.Unlock()

		s.mu.Lock()
		pending := len(s.changes) > 0
		s.mu.Unlock()
		if !pending {
			return
		}
	}
}

// Run opens the provider and processes messages until Stop is called, ctx is
// cancelled, or the stream ends. It returns nil when the session stopped and a
// *SessionError when it failed. The provider is closed before Run returns.
func (s *Session) Run(ctx context.Context, handler Handler) error {
	if s.provider == nil {
		return errspkg.ErrProviderRequired
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if s.opts.Key == "" {
		return errspkg.ErrConsumeKeyRequired
	}

	s.mu.Lock()
	if s.state == StateRunning || s.state == StateStopping {
		s.mu.Unlock()
		return errspkg.ErrSessionRunning
	}
	stopCh := make(chan struct{})
	done := make(chan struct{})
	handlerCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	s.stopCh, s.done, s.cancelHandlers = stopCh, done, cancelHandlers
	s.transitionLocked(StateRunning)

	defer close(done)
	defer cancelHandlers()

	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	go s.watch(ctx, stopCh, done, cancelLoop, cancelHandlers)

	s.logger.Info("Session started", loggingpkg.LogFields{"group": s.opts.Group})
	return s.finish(s.loop(loopCtx, handlerCtx, handler))
}

// watch turns a Stop or a cancelled Run context into loop cancellation. On
// context cancellation the in-flight handler gets ShutdownTimeout to finish.
func (s *Session) watch(ctx context.Context, stopCh, done chan struct{}, cancelLoop, cancelHandlers context.CancelFunc) {
	select {
	case <-stopCh:
		cancelLoop()
	case <-done:
	case <-ctx.Done():
		cancelLoop()
		s.requestStop()

		timer := time.NewTimer(s.opts.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.logger.Info("Shutdown timeout exceeded, cancelling in-flight handler", loggingpkg.LogFields{
				"timeout": s.opts.ShutdownTimeout.String(),
			})
			cancelHandlers()
		case <-done:
		}
	}
}

func (s *Session) loop(loopCtx, handlerCtx context.Context, handler Handler) error {
	if err := s.provider.Open(loopCtx); err != nil {
		if loopCtx.Err() != nil {
			return nil
		}
		return fmt.Errorf("open provider: %w", err)
	}

	bo := s.opts.Backoff.newBackOff()
	failures := 0
	onDelivery := func() {
		if failures > 0 {
			failures = 0
			bo.Reset()
		}
	}

	for {
		err := s.consume(loopCtx, handlerCtx, handler, onDelivery)
		if err == nil || errors.Is(err, provider.ErrStreamClosed) || loopCtx.Err() != nil {
			return nil
		}

		if hook := s.opts.Hooks.OnStreamError; hook != nil {
			hook(s.opts.Name, err)
		}
		if !provider.IsTransient(err) {
			return err
		}

		failures++
		if failures > s.opts.Backoff.MaxRetries {
			return fmt.Errorf("gave up after %d consecutive transient errors: %w", failures, err)
		}

		wait := bo.NextBackOff()
		s.logger.Error("Transient consume error, resubscribing", err, loggingpkg.LogFields{
			"failures": failures,
			"wait":     wait.String(),
		})
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-loopCtx.Done():
			timer.Stop()
			return nil
		}
	}
}

// consume reads one stream until it fails or the loop is cancelled.
func (s *Session) consume(loopCtx, handlerCtx context.Context, handler Handler, onDelivery func()) error {
	stream, err := s.provider.Consume(loopCtx, provider.ConsumeOptions{Key: s.opts.Key, Group: s.opts.Group})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := stream.Close(); closeErr != nil {
			s.logger.Error("Failed to close stream", closeErr, nil)
		}
	}()

	for {
		msg, err := stream.Next(loopCtx)
		if err != nil {
			return err
		}
		onDelivery()
		s.process(loopCtx, handlerCtx, msg, handler)
		if loopCtx.Err() != nil {
			return nil
		}
	}
}

func (s *Session) process(loopCtx, handlerCtx context.Context, msg provider.Message, handler Handler) {
	s.mu.Lock()
	s.lastID = msg.ID
	s.mu.Unlock()

	attempt := msg.Attempt
	if attempt < 1 {
		attempt = 1
	}
	key := msg.Key
	if key == "" {
		key = s.opts.Key
	}
	info := MessageInfo{
		Session:    s.opts.Name,
		Key:        key,
		MessageID:  msg.ID,
		Attempt:    attempt,
		Metadata:   msg.Metadata,
		EnqueuedAt: msg.EnqueuedAt,
		StartedAt:  time.Now(),
	}
	hooks := s.opts.Hooks
	if hooks.OnMessageStart != nil {
		hooks.OnMessageStart(info)
	}

	err := s.invoke(handlerCtx, msg, info, handler)
	info.Duration = time.Since(info.StartedAt)

	if err == nil {
		if hooks.OnMessageDone != nil {
			hooks.OnMessageDone(info)
		}
		s.settle(handlerCtx, info, "ack", func(ctx context.Context) error {
			return s.provider.Ack(ctx, msg.ID)
		})
		return
	}

	fields := loggingpkg.LogFields{"message_id": msg.ID, "attempt": attempt}
	if handlerCtx.Err() != nil {
		// Shutdown abandoned the handler; the attempt does not count.
		s.logger.Info("Handler cancelled by shutdown, requeueing message", fields)
		s.settle(handlerCtx, info, "requeue", func(ctx context.Context) error {
			return s.provider.Reject(ctx, msg.ID, true)
		})
		return
	}
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		fields["stack"] = string(panicErr.Stack)
	}
	s.logger.Error("Error processing message", err, fields)
	if hooks.OnMessageError != nil {
		hooks.OnMessageError(info, err)
	}

	if attempt < s.opts.Retry.MaxAttempts {
		if d := s.opts.Retry.delay(attempt); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-loopCtx.Done():
				timer.Stop()
			}
		}
		s.settle(handlerCtx, info, "requeue", func(ctx context.Context) error {
			return s.provider.Reject(ctx, msg.ID, true)
		})
		return
	}

	s.settle(handlerCtx, info, "reject", func(ctx context.Context) error {
		return s.provider.Reject(ctx, msg.ID, false)
	})
	exhausted := &HandlerExhaustedError{
		Session:   s.opts.Name,
		Key:       key,
		MessageID: msg.ID,
		Attempts:  attempt,
		Err:       err,
	}
	s.logger.Error("Message exhausted its retries", exhausted, fields)
	if hooks.OnExhausted != nil {
		hooks.OnExhausted(info, exhausted)
	}
}

// invoke runs the handler inside a consumer span, converting panics into
// *PanicError.
func (s *Session) invoke(ctx context.Context, msg provider.Message, info MessageInfo, handler Handler) (err error) {
	if s.opts.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.HandlerTimeout)
		defer cancel()
	}

	ctx, span := s.tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", info.MessageID),
			attribute.String("messaging.destination.name", info.Key),
			attribute.String("abe.session", info.Session),
			attribute.Int("abe.attempt", info.Attempt),
		),
	)
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	return handler(ctx, msg.Payload)
}

// settle acknowledges or rejects a delivery. Failures are logged and
// reported, never propagated.
func (s *Session) settle(ctx context.Context, info MessageInfo, op string, fn func(context.Context) error) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	err := fn(settleCtx)
	if err == nil {
		return
	}
	s.logger.Error("Failed to settle message", err, loggingpkg.LogFields{
		"message_id": info.MessageID,
		"operation":  op,
	})
	if hook := s.opts.Hooks.OnMessageError; hook != nil {
		hook(info, err)
	}
}

// finish closes the provider and moves the session to its terminal state.
func (s *Session) finish(loopErr error) error {
	closeErr := s.provider.Close()

	err := loopErr
	if closeErr != nil {
		if err == nil {
			err = fmt.Errorf("close provider: %w", closeErr)
		} else {
			s.logger.Error("Failed to close provider", closeErr, nil)
		}
	}

	s.mu.Lock()
	var result error
	to := StateStopped
	if err != nil {
		to = StateFailed
		result = &SessionError{Session: s.opts.Name, LastMessageID: s.lastID, Err: err}
	}
	s.transitionLocked(to)

	if result != nil {
		s.logger.Error("Session failed", result, nil)
		return result
	}
	s.logger.Info("Session shutdown complete", nil)
	return nil
}

// Stop asks a running session to stop and waits until it did. The in-flight
// handler may finish; when ctx expires first its context is cancelled, Stop
// waits up to stopDrainTimeout for the message to be requeued and the
// provider closed, and ctx.Err() is returned. Stop is a no-op on a session
// that is not running.
func (s *Session) Stop(ctx context.Context) error {
	done, cancelHandlers, ok := s.requestStop()
	if !ok {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Stop deadline exceeded, cancelling in-flight handler", nil)
	cancelHandlers()
	timer := time.NewTimer(stopDrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Error("Session did not finish after handler cancellation", ctx.Err(), nil)
	}
	return ctx.Err()
}

func (s *Session) requestStop() (chan struct{}, context.CancelFunc, bool) {
	s.mu.Lock()
	switch s.state {
	case StateRunning:
		close(s.stopCh)
		done, cancel := s.done, s.cancelHandlers
		s.transitionLocked(StateStopping)
		s.logger.Info("Shutting down session", nil)
		return done, cancel, true
	case StateStopping:
		done, cancel := s.done, s.cancelHandlers
		s.mu.Unlock()
		return done, cancel, true
	default:
		s.mu.Unlock()
		return nil, nil, false
	}
}
