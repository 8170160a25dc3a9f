package engine

import (
	"context"
	"sync"

	"github.com/vk/dagrun/internal/event"
)

// emitFn hands one event to the consumer. A false return means the
// consumer closed the iterator; the generator must stop forwarding but
// must not treat it as an error.
type emitFn func(event.Event) bool

// Iterator is the pull-based event stream of one run. The generator only
// advances when Next is called, which makes every Next boundary a
// cancellation checkpoint.
type Iterator struct {
	events chan event.Event
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newIterator(ctx context.Context, generate func(ctx context.Context, emit emitFn)) *Iterator {
	it := &Iterator{
		events: make(chan event.Event),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(it.done)
		defer close(it.events)
		generate(ctx, func(ev event.Event) bool {
			select {
			case <-it.stop:
				return false
			default:
			}
			select {
			case it.events <- ev:
				return true
			case <-it.stop:
				return false
			}
		})
	}()
	return it
}

// Next returns the next event; ok is false once the run is over.
func (it *Iterator) Next() (ev event.Event, ok bool) {
	ev, ok = <-it.events
	return ev, ok
}

// Close abandons the stream before exhaustion. The generator records the
// interruption, finishes its bookkeeping against the event log, and never
// propagates anything back through the closed iterator. Close blocks
// until that teardown is done and is safe to call more than once.
func (it *Iterator) Close() {
	it.once.Do(func() { close(it.stop) })
	for range it.events {
		// Drain whatever was in flight.
	}
	<-it.done
}

// Drain consumes the remaining events and returns them.
func (it *Iterator) Drain() []event.Event {
	var out []event.Event
	for {
		ev, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}
