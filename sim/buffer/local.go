// Package buffer holds the worker-side event buffering: one Local priority
// queue per job, and the Manager that classifies events as local or remote.
package buffer

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/netlist-sim/distsim/sim"
)

// ErrClosed is returned by Take once the buffer has been closed.
var ErrClosed = errors.New("buffer closed")

// Local is the per-(job, worker) priority queue of pending events, ordered by
// logical time with ties broken by insertion order.
//
// Thread-safety: Push, PeekTime, Len, IsEmpty and Close are safe for
// concurrent use. Take assumes a single consumer (the job's engine).
type Local struct {
	mu     sync.Mutex
	heap   eventHeap
	wake   chan struct{} // capacity 1; signalled on every insert
	closed chan struct{}
	once   sync.Once
}

// NewLocal returns an empty, open buffer.
func NewLocal() *Local {
	return &Local{
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Push inserts events and wakes a waiting consumer. It reports false, and
// keeps nothing, once the buffer is closed.
func (b *Local) Push(events ...sim.Event) bool {
	b.mu.Lock()
	select {
	case <-b.closed:
		b.mu.Unlock()
		return false
	default:
	}
	if len(events) == 0 {
		b.mu.Unlock()
		return true
	}
	for _, ev := range events {
		b.heap.schedule(ev)
	}
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return true
}

// Take removes and returns the minimum-time event, blocking until one is
// available. It returns ctx.Err() when ctx is done and ErrClosed once the
// buffer is closed.
func (b *Local) Take(ctx context.Context) (sim.Event, error) {
	for {
		b.mu.Lock()
		select {
		case <-b.closed:
			b.mu.Unlock()
			return sim.Event{}, ErrClosed
		default:
		}
		ev, ok := b.heap.popNext()
		b.mu.Unlock()
		if ok {
			return ev, nil
		}

		select {
		case <-b.wake:
		case <-b.closed:
		case <-ctx.Done():
			return sim.Event{}, ctx.Err()
		}
	}
}

// PeekTime returns the logical time of the earliest pending event, or
// math.MaxInt64 when the buffer is empty. It reports the worker's local
// time floor.
func (b *Local) PeekTime() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.heap.peek()
	if !ok {
		return math.MaxInt64
	}
	return ev.Time
}

// Len returns the number of pending events.
func (b *Local) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.heap.Len()
}

// IsEmpty reports whether no event is pending.
func (b *Local) IsEmpty() bool {
	return b.Len() == 0
}

// Close shuts the buffer down, releasing any blocked Take. Pending events are
// dropped and their number returned; later calls return 0.
func (b *Local) Close() int {
	dropped := 0
	b.once.Do(func() {
		b.mu.Lock()
		close(b.closed)
		dropped = b.heap.Len()
		b.heap.items = nil
		b.mu.Unlock()
	})
	return dropped
}
