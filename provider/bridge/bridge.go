// Package bridge adapts watermill publishers and subscribers into
// provider.Provider implementations. Broker packages such as kafka, rabbitmq,
// and nats only describe how to connect; delivery tracking, attempt counting,
// and payload encoding live here.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/abe/internal/runtime/ids"
	"github.com/drblury/abe/internal/runtime/jsoncodec"
	"github.com/drblury/abe/provider"
)

// Metadata keys written by Publish.
const (
	MetadataEnqueuedAt = "abe_enqueued_at"
	MetadataKey        = "abe_key"
)

// Connection is one lifecycle's worth of watermill resources. A new
// Connection is requested on every Open.
type Connection struct {
	Publisher message.Publisher
	// Subscriber returns a subscriber reading as group. It is called at most
	// once per group per Connection.
	Subscriber func(ctx context.Context, group string) (message.Subscriber, error)
	// Close releases anything not owned by Publisher or the subscribers.
	Close func() error
}

// ConnectFunc opens a Connection.
type ConnectFunc func(ctx context.Context) (*Connection, error)

// Config describes a bridged provider.
type Config struct {
	Name          string
	Connect       ConnectFunc
	Capabilities  provider.Capabilities
	SettledMemory int
}

// Provider is a provider.Provider backed by watermill.
type Provider struct {
	name    string
	connect ConnectFunc
	caps    provider.Capabilities
	memory  int
	logger  watermill.LoggerAdapter

	mu          sync.RWMutex
	open        bool
	closedChan  chan struct{}
	conn        *Connection
	subscribers map[string]message.Subscriber
	deliveries  *provider.Deliveries[*message.Message]

	attemptsMu sync.Mutex
	attempts   map[string]int
}

// New creates a bridged provider. Nothing is connected until Open.
func New(cfg Config, logger watermill.LoggerAdapter) (*Provider, error) {
	if cfg.Connect == nil {
		return nil, fmt.Errorf("bridge %q: connect function is required", cfg.Name)
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	caps := cfg.Capabilities
	if caps.Name == "" {
		caps.Name = cfg.Name
	}
	return &Provider{
		name:    cfg.Name,
		connect: cfg.Connect,
		caps:    caps,
		memory:  cfg.SettledMemory,
		logger:  logger,
	}, nil
}

// Capabilities returns the capabilities of the bridged broker.
func (p *Provider) Capabilities() provider.Capabilities {
	return p.caps
}

func (p *Provider) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		return nil
	}

	conn, err := p.connect(ctx)
	if err != nil {
		return fmt.Errorf("open %s: %w", p.name, err)
	}
	if conn == nil || conn.Publisher == nil || conn.Subscriber == nil {
		if conn != nil {
			closeConnection(conn, nil)
		}
		return fmt.Errorf("open %s: incomplete connection", p.name)
	}

	p.conn = conn
	p.subscribers = make(map[string]message.Subscriber)
	p.deliveries = provider.NewDeliveries[*message.Message](p.memory)
	p.closedChan = make(chan struct{})
	p.attemptsMu.Lock()
	p.attempts = make(map[string]int)
	p.attemptsMu.Unlock()
	p.open = true
	p.logger.Debug("Provider opened", nil)
	return nil
}

func (p *Provider) Close() error {
	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		return nil
	}
	p.open = false
	close(p.closedChan)
	conn := p.conn
	subscribers := p.subscribers
	unsettled := p.deliveries.Drain()
	p.conn = nil
	p.subscribers = nil
	p.mu.Unlock()

	for _, msg := range unsettled {
		msg.Nack()
	}

	var subs []message.Subscriber
	for _, sub := range subscribers {
		subs = append(subs, sub)
	}
	err := closeConnection(conn, subs)
	p.logger.Debug("Provider closed", watermill.LogFields{"returned": len(unsettled)})
	return err
}

func closeConnection(conn *Connection, subs []message.Subscriber) error {
	var errs []error
	closed := make(map[any]bool)
	closeOnce := func(c interface{ Close() error }) {
		if c == nil || closed[c] {
			return
		}
		closed[c] = true
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	for _, sub := range subs {
		closeOnce(sub)
	}
	if conn.Publisher != nil {
		closeOnce(conn.Publisher)
	}
	if conn.Close != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Provider) Publish(ctx context.Context, key string, payload provider.Payload) error {
	p.mu.RLock()
	open, conn := p.open, p.conn
	p.mu.RUnlock()
	if !open {
		return &provider.PublishError{Key: key, Err: provider.ErrClosed}
	}
	if payload == nil {
		payload = provider.Payload{}
	}

	body, err := jsoncodec.Marshal(payload)
	if err != nil {
		return &provider.PublishError{Key: key, Err: err}
	}
	msg := message.NewMessage(ids.New(), body)
	msg.Metadata.Set(MetadataEnqueuedAt, time.Now().UTC().Format(time.RFC3339Nano))
	msg.Metadata.Set(MetadataKey, key)
	msg.SetContext(ctx)

	if err := conn.Publisher.Publish(key, msg); err != nil {
		return &provider.PublishError{Key: key, Err: err}
	}
	return nil
}

func (p *Provider) Consume(ctx context.Context, opts provider.ConsumeOptions) (provider.Stream, error) {
	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		return nil, provider.NewTerminalError(opts.Key, provider.ErrClosed)
	}
	sub, ok := p.subscribers[opts.Group]
	if !ok {
		var err error
		sub, err = p.conn.Subscriber(ctx, opts.Group)
		if err != nil {
			p.mu.Unlock()
			return nil, provider.NewTransientError(opts.Key, err)
		}
		p.subscribers[opts.Group] = sub
	}
	closedChan, deliveries := p.closedChan, p.deliveries
	p.mu.Unlock()

	subCtx, cancel := context.WithCancel(context.Background())
	messages, err := sub.Subscribe(subCtx, opts.Key)
	if err != nil {
		cancel()
		return nil, provider.NewTransientError(opts.Key, err)
	}

	p.logger.Debug("Subscribed", watermill.LogFields{"key": opts.Key, "group": opts.Group})
	return &stream{
		provider:   p,
		key:        opts.Key,
		messages:   messages,
		closedChan: closedChan,
		deliveries: deliveries,
		cancel:     cancel,
		done:       make(chan struct{}),
	}, nil
}

func (p *Provider) settle(id string) (*message.Message, error) {
	p.mu.RLock()
	open, deliveries := p.open, p.deliveries
	p.mu.RUnlock()
	if !open {
		return nil, &provider.AcknowledgeError{ID: id, Err: provider.ErrClosed}
	}
	return deliveries.Settle(id)
}

func (p *Provider) Ack(ctx context.Context, id string) error {
	msg, err := p.settle(id)
	if err != nil {
		return err
	}
	p.forget(msg.UUID)
	msg.Ack()
	return nil
}

func (p *Provider) Reject(ctx context.Context, id string, requeue bool) error {
	msg, err := p.settle(id)
	if err != nil {
		return err
	}
	if requeue {
		msg.Nack()
		return nil
	}
	p.forget(msg.UUID)
	msg.Ack()
	p.logger.Info("Message rejected without requeue, dropped", watermill.LogFields{
		"message_uuid": msg.UUID,
		"delivery_id":  id,
	})
	return nil
}

// attempt records one more delivery of the message with the given UUID.
func (p *Provider) attempt(uuid string) int {
	p.attemptsMu.Lock()
	defer p.attemptsMu.Unlock()
	p.attempts[uuid]++
	return p.attempts[uuid]
}

func (p *Provider) forget(uuid string) {
	p.attemptsMu.Lock()
	defer p.attemptsMu.Unlock()
	delete(p.attempts, uuid)
}
