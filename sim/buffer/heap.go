package buffer

import (
	"container/heap"

	"github.com/netlist-sim/distsim/sim"
)

type queued struct {
	ev  sim.Event
	seq uint64
}

// eventHeap implements a priority queue with deterministic ordering.
// Ordering: logical time → insertion sequence.
type eventHeap struct {
	items []queued
	next  uint64
}

// Len implements heap.Interface
func (h *eventHeap) Len() int {
	return len(h.items)
}

// Less implements heap.Interface with deterministic ordering
func (h *eventHeap) Less(i, j int) bool {
	ei, ej := h.items[i], h.items[j]
	if ei.ev.Time != ej.ev.Time {
		return ei.ev.Time < ej.ev.Time
	}
	return ei.seq < ej.seq
}

// Swap implements heap.Interface
func (h *eventHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

// Push implements heap.Interface
func (h *eventHeap) Push(x interface{}) {
	h.items = append(h.items, x.(queued))
}

// Pop implements heap.Interface
func (h *eventHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[0 : n-1]
	return item
}

// schedule adds an event, stamping it with the next insertion sequence.
func (h *eventHeap) schedule(ev sim.Event) {
	h.next++
	heap.Push(h, queued{ev: ev, seq: h.next})
}

// popNext removes and returns the earliest event.
func (h *eventHeap) popNext() (sim.Event, bool) {
	if h.Len() == 0 {
		return sim.Event{}, false
	}
	return heap.Pop(h).(queued).ev, true
}

// peek returns the earliest event without removing it.
func (h *eventHeap) peek() (sim.Event, bool) {
	if h.Len() == 0 {
		return sim.Event{}, false
	}
	return h.items[0].ev, true
}
