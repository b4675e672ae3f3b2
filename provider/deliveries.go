package provider

import "sync"

// DefaultSettledMemory is the number of settled delivery IDs a Deliveries
// tracker remembers in order to tell ErrAlreadySettled from ErrUnknownDelivery.
const DefaultSettledMemory = 4096

// Deliveries tracks outstanding deliveries of a provider and enforces that
// each ID is settled exactly once. T is whatever the provider needs to act on
// the broker when the delivery is settled (a message handle, a receipt).
//
// Settled IDs are remembered in a bounded ring; once an ID falls out of it a
// second settlement reports ErrUnknownDelivery instead of ErrAlreadySettled.
type Deliveries[T any] struct {
	mu      sync.Mutex
	pending map[string]T
	order   []string
	settled map[string]struct{}
	ring    []string
	next    int
}

// NewDeliveries creates a tracker remembering up to memory settled IDs.
// A non-positive memory uses DefaultSettledMemory.
func NewDeliveries[T any](memory int) *Deliveries[T] {
	if memory <= 0 {
		memory = DefaultSettledMemory
	}
	return &Deliveries[T]{
		pending: make(map[string]T),
		settled: make(map[string]struct{}, memory),
		ring:    make([]string, memory),
	}
}

// Track registers an outstanding delivery.
func (d *Deliveries[T]) Track(id string, v T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.pending[id]; !exists {
		d.order = append(d.order, id)
	}
	d.pending[id] = v
}

// Settle removes the delivery and returns its value. Unknown and already
// settled IDs fail with *AcknowledgeError.
func (d *Deliveries[T]) Settle(id string) (T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, ok := d.pending[id]
	if !ok {
		var zero T
		if _, done := d.settled[id]; done {
			return zero, &AcknowledgeError{ID: id, Err: ErrAlreadySettled}
		}
		return zero, &AcknowledgeError{ID: id, Err: ErrUnknownDelivery}
	}
	delete(d.pending, id)
	d.removeOrder(id)
	d.remember(id)
	return v, nil
}

// Restore puts a delivery back into the pending set after a failed broker
// call, so the caller can retry the settlement.
func (d *Deliveries[T]) Restore(id string, v T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, done := d.settled[id]; done {
		delete(d.settled, id)
		d.clearSlot(id)
	}
	if _, exists := d.pending[id]; !exists {
		d.order = append(d.order, id)
	}
	d.pending[id] = v
}

// Drain settles every outstanding delivery and returns their values in the
// order they were tracked. Providers call it from Close to return unsettled
// work to the broker.
func (d *Deliveries[T]) Drain() []T {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]T, 0, len(d.order))
	for _, id := range d.order {
		v, ok := d.pending[id]
		if !ok {
			continue
		}
		out = append(out, v)
		d.remember(id)
	}
	d.pending = make(map[string]T)
	d.order = nil
	return out
}

// Pending returns the number of outstanding deliveries.
func (d *Deliveries[T]) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Deliveries[T]) removeOrder(id string) {
	for i, candidate := range d.order {
		if candidate == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			return
		}
	}
}

func (d *Deliveries[T]) remember(id string) {
	if evicted := d.ring[d.next]; evicted != "" {
		delete(d.settled, evicted)
	}
	d.ring[d.next] = id
	d.settled[id] = struct{}{}
	d.next = (d.next + 1) % len(d.ring)
}

func (d *Deliveries[T]) clearSlot(id string) {
	for i, candidate := range d.ring {
		if candidate == id {
			d.ring[i] = ""
			return
		}
	}
}
