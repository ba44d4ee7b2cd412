package event

import "sync"

// Bus is a single ordered event stream with fan-out. Producers (the session
// decoder, the scan driver, tests) publish; each subscriber receives every
// event in publish order on its own channel.
type Bus struct {
	mu     sync.Mutex
	subs   []chan Event
	closed bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new subscriber. The returned channel is closed when
// the bus closes. The buffer absorbs bursts of mutation records; a consumer
// that stalls past the buffer blocks publishers rather than dropping events,
// preserving ordering guarantees.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 256)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers ev to all subscribers in order.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	subs := b.subs
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	for _, ch := range subs {
		ch <- ev
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
