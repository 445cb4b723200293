package events

import (
	"sync"
)

// Bus is the in-process pub/sub surface.
type Bus interface {
	// Publish fans the event out to every matching subscriber.
	// Non-blocking: subscribers with full buffers miss the event.
	Publish(event Event)
	// Subscribe registers a filtered subscription and returns its channel.
	Subscribe(filter Filter) *Subscription
	// Unsubscribe removes a subscription and closes its channel.
	Unsubscribe(sub *Subscription)
	// Close shuts down the bus and every subscription.
	Close()
}

// Subscription is one live subscriber channel with its filter.
type Subscription struct {
	C      <-chan Event
	filter Filter
	ch     chan Event
}

// MemoryBus is the in-memory Bus implementation.
type MemoryBus struct {
	mu         sync.RWMutex
	subs       map[*Subscription]struct{}
	bufferSize int
	closed     bool
}

// BusOption configures a MemoryBus.
type BusOption func(*MemoryBus)

// WithBufferSize sets the channel buffer size for subscribers.
func WithBufferSize(size int) BusOption {
	return func(b *MemoryBus) {
		b.bufferSize = size
	}
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus(opts ...BusOption) *MemoryBus {
	b := &MemoryBus{
		subs:       make(map[*Subscription]struct{}),
		bufferSize: 100,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish fans the event out to every subscriber whose filter matches.
// Delivery is at-most-once: a subscriber with a full buffer is skipped,
// and slow consumers recover state from the audit log.
func (b *MemoryBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for sub := range b.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// Subscribe registers a filtered subscription.
func (b *MemoryBus) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	sub := &Subscription{C: ch, filter: filter, ch: ch}
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Close shuts down the bus and closes all subscriber channels.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[*Subscription]struct{})
}
