package bus

import (
	"errors"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the number of events a subscriber may fall behind by
// before further events are dropped for it.
const DefaultQueueSize = 256

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("event bus closed")

// Bus fans domain events out to in-process subscribers such as the metrics
// collector. Each subscriber has its own bounded queue drained by one
// goroutine, so a slow subscriber never blocks a write; it misses events
// instead, and the miss is counted.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	closed bool

	dropped atomic.Uint64
	wg      sync.WaitGroup
}

var _ Sink = (*Bus)(nil)

type subscriber struct {
	accept map[EventType]bool // nil accepts every type
	handle func(Event)
	queue  chan Event
}

func (s *subscriber) wants(t EventType) bool {
	return s.accept == nil || s.accept[t]
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe calls handle, in publish order, for every event of the given
// types, or for every event when no type is given. The returned function
// detaches the subscriber after it has drained what was already queued.
func (b *Bus) Subscribe(handle func(Event), only ...EventType) (cancel func()) {
	s := &subscriber{handle: handle, queue: make(chan Event, DefaultQueueSize)}
	if len(only) > 0 {
		s.accept = make(map[EventType]bool, len(only))
		for _, t := range only {
			s.accept[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	b.subs = append(b.subs, s)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range s.queue {
			s.handle(ev)
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { b.detach(s) }) }
}

func (b *Bus) detach(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.subs {
		if cur == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(s.queue)
			return
		}
	}
}

// Publish queues event for every interested subscriber without blocking.
func (b *Bus) Publish(event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, s := range b.subs {
		if !s.wants(event.Type()) {
			continue
		}
		select {
		case s.queue <- event:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Dropped returns how many deliveries were skipped because a subscriber's
// queue was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close detaches every subscriber and waits for their queues to drain.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.queue)
	}
	b.subs = nil
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
