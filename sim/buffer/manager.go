package buffer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/netlist-sim/distsim/sim"
)

var (
	// ErrUnknownJob is returned for operations naming an unregistered job.
	ErrUnknownJob = errors.New("unknown job")
	// ErrDuplicateJob is returned when a job id is registered twice.
	ErrDuplicateJob = errors.New("job already registered")
)

// Forwarder sends a batch of externally-destined events to the network.
type Forwarder func(list sim.EventList) error

// Outbox is the event sink of one job: the engine hands every produced
// (already addressed) event to it.
type Outbox func(events []sim.Event)

// Stats counts events handled by a Manager.
type Stats struct {
	Local     uint64 // enqueued into a local buffer
	Forwarded uint64 // handed to the Forwarder
	Dropped   uint64 // logged and discarded
}

type job struct {
	partition *sim.Partition
	buffer    *Local
}

// Manager owns every Local buffer of one worker process. It routes produced
// events either into the job's buffer or to the network, and filters
// network-delivered batches down to the events this worker owns.
//
// Thread-safety: all methods are safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	jobs    map[sim.JobID]*job
	forward Forwarder
	log     logrus.FieldLogger

	local, forwarded, dropped atomic.Uint64
}

// NewManager creates a Manager sending remote traffic through forward.
// Panics if forward is nil.
func NewManager(forward Forwarder, log logrus.FieldLogger) *Manager {
	if forward == nil {
		panic("NewManager: forward must not be nil")
	}
	return &Manager{
		jobs:    make(map[sim.JobID]*job),
		forward: forward,
		log:     log.WithField("tag", "buffer-manager"),
	}
}

// NewJob registers the partition of a job and creates its buffer. The
// returned Outbox drops events whose source is not owned by the partition,
// enqueues events whose destination is owned, and forwards the rest as a
// single EventList tagged with jobID.
func (m *Manager) NewJob(jobID sim.JobID, partition *sim.Partition) (*Local, Outbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.jobs[jobID]; dup {
		return nil, nil, fmt.Errorf("job %s: %w", jobID, ErrDuplicateJob)
	}
	j := &job{partition: partition, buffer: NewLocal()}
	m.jobs[jobID] = j
	m.log.Debugf("registered job %s with %d components", jobID, partition.Len())
	return j.buffer, func(events []sim.Event) { m.send(jobID, j, events) }, nil
}

func (m *Manager) send(jobID sim.JobID, j *job, events []sim.Event) {
	m.mu.RLock()
	live := m.jobs[jobID] == j
	m.mu.RUnlock()
	if !live {
		m.dropped.Add(uint64(len(events)))
		m.log.Debugf("job %s: dropping %d produced events after removal", jobID, len(events))
		return
	}

	var local, remote []sim.Event
	for _, ev := range events {
		switch {
		case !j.partition.Owns(ev.Src):
			m.dropped.Add(1)
			m.log.Errorf("job %s: dropping event %v, source is not in this partition", jobID, ev)
		case j.partition.Owns(ev.Dst):
			local = append(local, ev)
		default:
			remote = append(remote, ev)
		}
	}
	if len(local) > 0 {
		m.enqueue(jobID, j, local)
	}
	if len(remote) == 0 {
		return
	}
	if err := m.forward(sim.EventList{JobID: jobID, Events: remote}); err != nil {
		m.dropped.Add(uint64(len(remote)))
		m.log.Errorf("job %s: failed to forward %d events: %v", jobID, len(remote), err)
		return
	}
	m.forwarded.Add(uint64(len(remote)))
}

// GiveEvents delivers a network batch. Events owned by the job's partition
// are enqueued; the rest (e.g. the router echoing a batch back to its sender)
// are logged and discarded, never re-forwarded. An unknown job discards the
// whole batch and returns ErrUnknownJob.
func (m *Manager) GiveEvents(jobID sim.JobID, events []sim.Event) error {
	m.mu.RLock()
	j, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok {
		m.dropped.Add(uint64(len(events)))
		m.log.Errorf("received %d events for unknown job %s, discarding", len(events), jobID)
		return fmt.Errorf("job %s: %w", jobID, ErrUnknownJob)
	}

	owned := make([]sim.Event, 0, len(events))
	for _, ev := range events {
		if j.partition.Owns(ev.Dst) {
			owned = append(owned, ev)
		}
	}
	if skipped := len(events) - len(owned); skipped > 0 {
		m.dropped.Add(uint64(skipped))
		m.log.Debugf("job %s: discarded %d events not owned by this partition", jobID, skipped)
	}
	m.enqueue(jobID, j, owned)
	return nil
}

// enqueue pushes events into the job's buffer. A buffer closed by a
// concurrent RemoveJob counts the events as dropped.
func (m *Manager) enqueue(jobID sim.JobID, j *job, events []sim.Event) {
	if len(events) == 0 {
		return
	}
	if !j.buffer.Push(events...) {
		m.dropped.Add(uint64(len(events)))
		m.log.Debugf("job %s: dropping %d events, buffer closed", jobID, len(events))
		return
	}
	m.local.Add(uint64(len(events)))
}

// RemoveJob unregisters a job and closes its buffer; in-flight events for the
// job are dropped.
func (m *Manager) RemoveJob(jobID sim.JobID) error {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	delete(m.jobs, jobID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrUnknownJob)
	}
	if n := j.buffer.Close(); n > 0 {
		m.dropped.Add(uint64(n))
		m.log.Debugf("job %s: dropping %d pending events on removal", jobID, n)
	}
	m.log.Debugf("removed job %s", jobID)
	return nil
}

// NextTime returns the time of the job's earliest pending event, the local
// time floor of its partition; math.MaxInt64 when nothing is pending.
func (m *Manager) NextTime(jobID sim.JobID) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return 0, false
	}
	return j.buffer.PeekTime(), true
}

// Jobs returns the registered job ids.
func (m *Manager) Jobs() []sim.JobID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]sim.JobID, 0, len(m.jobs))
	for id := range m.jobs {
		out = append(out, id)
	}
	return out
}

// Stats returns a snapshot of the event counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Local:     m.local.Load(),
		Forwarded: m.forwarded.Load(),
		Dropped:   m.dropped.Load(),
	}
}
