// Package partition splits a netlist across workers with a greedy
// least-loaded assignment and computes each worker's connection closure.
package partition

import (
	"container/heap"
	"errors"
	"fmt"

	"github.com/netlist-sim/distsim/sim"
	"github.com/netlist-sim/distsim/sim/trace"
)

// ErrNoCapacity is returned when the worker pool is empty.
var ErrNoCapacity = errors.New("no capacity: no workers available")

// WorkerLoad is a worker together with the load already assigned to it.
type WorkerLoad struct {
	Worker sim.WorkerID
	Load   float64
}

// CostFunc estimates the simulation load of one component.
type CostFunc func(decl sim.Declaration) float64

// DefaultCost uses the declared cost when positive and 1 otherwise, so that
// netlists without cost estimates are balanced by component count.
func DefaultCost(decl sim.Declaration) float64 {
	if decl.Cost > 0 {
		return decl.Cost
	}
	return 1
}

// Plan is the outcome of partitioning one job.
type Plan struct {
	// Partitions holds one partition per worker that received at least one
	// component. Workers with nothing assigned are absent.
	Partitions map[sim.WorkerID]*sim.Partition
	// Workers lists the keys of Partitions in pool order.
	Workers []sim.WorkerID
	// Loads is the final load of every worker in the pool.
	Loads map[sim.WorkerID]float64
	// Contribution is the load this job added to each worker in Partitions.
	Contribution map[sim.WorkerID]float64
	Trace        *trace.AssignmentTrace
}

// Assign distributes the components of n over pool. Components are visited in
// ascending id order; each goes to the currently least-loaded worker, ties
// broken by position in pool. The result is deterministic for a given input.
//
// Every connection whose source is assigned to a worker is copied into that
// worker's partition, wherever its destination lives.
func Assign(jobID sim.JobID, n *sim.Netlist, pool []WorkerLoad, cost CostFunc) (*Plan, error) {
	if len(pool) == 0 {
		return nil, ErrNoCapacity
	}
	if err := n.Validate(); err != nil {
		return nil, fmt.Errorf("invalid netlist: %w", err)
	}
	if cost == nil {
		cost = DefaultCost
	}

	h := make(loadHeap, 0, len(pool))
	seen := make(map[sim.WorkerID]bool, len(pool))
	for rank, w := range pool {
		if seen[w.Worker] {
			return nil, fmt.Errorf("worker %s listed twice in pool", w.Worker)
		}
		seen[w.Worker] = true
		h = append(h, &loadEntry{worker: w.Worker, load: w.Load, rank: rank})
	}
	heap.Init(&h)

	plan := &Plan{
		Partitions:   make(map[sim.WorkerID]*sim.Partition),
		Loads:        make(map[sim.WorkerID]float64, len(pool)),
		Contribution: make(map[sim.WorkerID]float64),
		Trace:        trace.NewAssignmentTrace(string(jobID)),
	}
	owner := make(map[sim.ComponentID]sim.WorkerID, n.Len())

	for _, id := range n.IDs() {
		decl := n.Components[id]
		c := max(cost(decl), 0)
		least := heap.Pop(&h).(*loadEntry)
		p, ok := plan.Partitions[least.worker]
		if !ok {
			p = sim.NewPartition()
			plan.Partitions[least.worker] = p
		}
		p.AddComponent(decl)
		owner[id] = least.worker
		plan.Trace.Record(trace.AssignmentRecord{
			ComponentID: int64(id),
			WorkerID:    string(least.worker),
			Cost:        c,
			LoadBefore:  least.load,
			LoadAfter:   least.load + c,
		})
		plan.Contribution[least.worker] += c
		least.load += c
		heap.Push(&h, least)
	}

	for _, e := range h {
		plan.Loads[e.worker] = e.load
	}
	for _, w := range pool {
		if _, ok := plan.Partitions[w.Worker]; ok {
			plan.Workers = append(plan.Workers, w.Worker)
		}
	}

	// Connection closure: the source owner must know about every outgoing wire.
	for _, conn := range n.Connections {
		plan.Partitions[owner[conn.Src]].AddConnection(conn)
	}
	return plan, nil
}

type loadEntry struct {
	worker sim.WorkerID
	load   float64
	rank   int
}

// loadHeap is a min-heap of workers ordered by load, then pool position.
type loadHeap []*loadEntry

func (h loadHeap) Len() int { return len(h) }

func (h loadHeap) Less(i, j int) bool {
	if h[i].load != h[j].load {
		return h[i].load < h[j].load
	}
	return h[i].rank < h[j].rank
}

func (h loadHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *loadHeap) Push(x any) { *h = append(*h, x.(*loadEntry)) }

func (h *loadHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
