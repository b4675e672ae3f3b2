// Package memory provides the in-process provider registered as "memory".
// It is the default backend and needs no external infrastructure, which makes
// it the natural choice for tests and local development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/abe/internal/runtime/ids"
	"github.com/drblury/abe/internal/runtime/jsoncodec"
	"github.com/drblury/abe/provider"
)

// ProviderName is the name used to register this provider.
const ProviderName = "memory"

// Config holds the environment keys understood by the memory provider.
type Config struct {
	// Isolated gives the provider a private broker instead of the shared one.
	Isolated bool `env:"MEMORY_ISOLATED"`
	// SettledMemory bounds how many settled delivery IDs are remembered.
	SettledMemory int `env:"MEMORY_SETTLED_MEMORY" envDefault:"4096"`
}

func init() {
	provider.MustRegister(Descriptor())
}

// Descriptor describes the memory provider for a registry.
func Descriptor() provider.Descriptor {
	return provider.Descriptor{
		Name:         ProviderName,
		Factory:      Build,
		Capabilities: provider.MemoryCapabilities,
	}
}

// Register adds the memory provider to r.
func Register(r *provider.Registry) error {
	return r.Register(Descriptor())
}

// Build creates a memory provider from the environment.
func Build(ctx context.Context, env provider.Environment, logger watermill.LoggerAdapter) (provider.Provider, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}

	broker := SharedBroker()
	if cfg.Isolated {
		broker = NewBroker()
	}
	return New(broker, cfg.SettledMemory, logger), nil
}

type inflight struct {
	env envelope
	msg provider.Message
}

// Provider is a memory-backed provider.Provider.
type Provider struct {
	broker        *Broker
	settledMemory int
	logger        watermill.LoggerAdapter

	mu         sync.RWMutex
	open       bool
	closedChan chan struct{}
	deliveries *provider.Deliveries[inflight]
}

// New creates a provider over broker. A nil broker gets a private one.
func New(broker *Broker, settledMemory int, logger watermill.LoggerAdapter) *Provider {
	if broker == nil {
		broker = NewBroker()
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Provider{
		broker:        broker,
		settledMemory: settledMemory,
		logger:        logger,
	}
}

// Broker returns the broker the provider reads from and writes to.
func (p *Provider) Broker() *Broker {
	return p.broker
}

// Capabilities returns the capabilities of this provider.
func (p *Provider) Capabilities() provider.Capabilities {
	return provider.MemoryCapabilities
}

func (p *Provider) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		return nil
	}
	p.open = true
	p.closedChan = make(chan struct{})
	p.deliveries = provider.NewDeliveries[inflight](p.settledMemory)
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
	unsettled := p.deliveries.Drain()
	p.mu.Unlock()

	for _, d := range unsettled {
		p.broker.requeue(d.env)
	}
	if len(unsettled) > 0 {
		p.logger.Debug("Returned unsettled deliveries", watermill.LogFields{"count": len(unsettled)})
	}
	return nil
}

// state returns the lifecycle handles of the current open period.
func (p *Provider) state() (chan struct{}, *provider.Deliveries[inflight], bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closedChan, p.deliveries, p.open
}

func (p *Provider) Publish(ctx context.Context, key string, payload provider.Payload) error {
	if _, _, open := p.state(); !open {
		return &provider.PublishError{Key: key, Err: provider.ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return &provider.PublishError{Key: key, Err: err}
	}
	if _, err := jsoncodec.Marshal(payload); err != nil {
		return &provider.PublishError{Key: key, Err: err}
	}
	if payload == nil {
		payload = provider.Payload{}
	}

	p.broker.push(envelope{
		messageID:  ids.New(),
		key:        key,
		payload:    payload.Clone(),
		enqueuedAt: time.Now().UTC(),
	})
	return nil
}

func (p *Provider) Consume(ctx context.Context, opts provider.ConsumeOptions) (provider.Stream, error) {
	closedChan, deliveries, open := p.state()
	if !open {
		return nil, provider.NewTerminalError(opts.Key, provider.ErrClosed)
	}
	return &stream{
		broker:     p.broker,
		key:        opts.Key,
		closedChan: closedChan,
		deliveries: deliveries,
		done:       make(chan struct{}),
	}, nil
}

func (p *Provider) Ack(ctx context.Context, id string) error {
	_, deliveries, open := p.state()
	if !open {
		return &provider.AcknowledgeError{ID: id, Err: provider.ErrClosed}
	}
	_, err := deliveries.Settle(id)
	return err
}

func (p *Provider) Reject(ctx context.Context, id string, requeue bool) error {
	_, deliveries, open := p.state()
	if !open {
		return &provider.AcknowledgeError{ID: id, Err: provider.ErrClosed}
	}
	d, err := deliveries.Settle(id)
	if err != nil {
		return err
	}
	if requeue {
		p.broker.requeue(d.env)
		return nil
	}
	p.broker.bury(d.msg)
	return nil
}

// DeadLetters returns the messages rejected without requeue under key.
func (p *Provider) DeadLetters(key string) []provider.Message {
	return p.broker.DeadLetters(key)
}

type stream struct {
	broker     *Broker
	key        string
	closedChan chan struct{}
	deliveries *provider.Deliveries[inflight]

	once sync.Once
	done chan struct{}
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
		if err := ctx.Err(); err != nil {
			return provider.Message{}, err
		}

		env, wait, ok := s.broker.pop(s.key)
		if ok {
			return s.deliver(env)
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return provider.Message{}, ctx.Err()
		case <-s.closedChan:
			return provider.Message{}, provider.ErrStreamClosed
		case <-s.done:
			return provider.Message{}, provider.ErrStreamClosed
		}
	}
}

func (s *stream) deliver(env envelope) (provider.Message, error) {
	env.deliveries++
	msg := provider.Message{
		ID:         ids.New(),
		Key:        env.key,
		Payload:    env.payload.Clone(),
		EnqueuedAt: env.enqueuedAt,
		Attempt:    env.deliveries,
		Metadata:   map[string]string{"message_id": env.messageID},
	}
	s.deliveries.Track(msg.ID, inflight{env: env, msg: msg})

	// Close may have drained before Track ran.
	select {
	case <-s.closedChan:
		if d, err := s.deliveries.Settle(msg.ID); err == nil {
			d.env.deliveries--
			s.broker.requeue(d.env)
		}
		return provider.Message{}, provider.ErrStreamClosed
	default:
	}

	msg.Payload = msg.Payload.Clone()
	msg.Metadata = map[string]string{"message_id": env.messageID}
	return msg, nil
}

func (s *stream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
