// Package bustest provides a recording event sink for tests.
package bustest

import (
	"sync"

	"github.com/normanking/cortexmem/internal/bus"
)

// Recorder is a bus.Sink that keeps every event it receives, synchronously.
type Recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

var _ bus.Sink = (*Recorder)(nil)

// Publish records event.
func (r *Recorder) Publish(event bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Of returns recorded events of one type, oldest first.
func (r *Recorder) Of(t bus.EventType) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Event
	for _, e := range r.events {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
