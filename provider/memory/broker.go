package memory

import (
	"sync"
	"time"

	"github.com/drblury/abe/provider"
)

// envelope is a message at rest inside the broker.
type envelope struct {
	messageID  string
	key        string
	payload    provider.Payload
	enqueuedAt time.Time
	deliveries int
}

type queue struct {
	items  []envelope
	signal chan struct{}
}

// Broker holds queued messages for any number of providers. Providers sharing
// a Broker see each other's messages, which is how separate components of one
// process talk over the "memory" backend.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*queue
	dead   map[string][]provider.Message
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		queues: make(map[string]*queue),
		dead:   make(map[string][]provider.Message),
	}
}

var shared = NewBroker()

// SharedBroker returns the process-wide broker used by the registered factory.
func SharedBroker() *Broker {
	return shared
}

func (b *Broker) queue(key string) *queue {
	q, ok := b.queues[key]
	if !ok {
		q = &queue{signal: make(chan struct{})}
		b.queues[key] = q
	}
	return q
}

func (b *Broker) push(env envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(env.key)
	q.items = append(q.items, env)
	q.wake()
}

// requeue puts env back at the head of its queue so redelivery keeps order.
func (b *Broker) requeue(env envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(env.key)
	q.items = append([]envelope{env}, q.items...)
	q.wake()
}

// pop removes the head of the queue. When the queue is empty it returns a
// channel that is closed on the next push.
func (b *Broker) pop(key string) (envelope, <-chan struct{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(key)
	if len(q.items) == 0 {
		return envelope{}, q.signal, false
	}
	env := q.items[0]
	q.items[0] = envelope{}
	q.items = q.items[1:]
	return env, nil, true
}

func (b *Broker) bury(msg provider.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dead[msg.Key] = append(b.dead[msg.Key], msg)
}

func (q *queue) wake() {
	close(q.signal)
	q.signal = make(chan struct{})
}

// Len returns the number of messages waiting under key.
func (b *Broker) Len(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[key]; ok {
		return len(q.items)
	}
	return 0
}

// DeadLetters returns copies of the messages rejected without requeue under key.
func (b *Broker) DeadLetters(key string) []provider.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]provider.Message, len(b.dead[key]))
	for i, msg := range b.dead[key] {
		msg.Payload = msg.Payload.Clone()
		out[i] = msg
	}
	return out
}

// Purge drops all queued and dead-lettered messages.
func (b *Broker) Purge() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.queues {
		q.items = nil
	}
	b.dead = make(map[string][]provider.Message)
}
