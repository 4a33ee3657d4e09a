// Package router implements the coordinator-side fan-out of event batches.
//
// The Router keeps two mutually inverse maps, worker → jobs and
// job → workers, and broadcasts every EVENT_LIST it receives to each worker
// participating in the batch's job, the sender included. Workers filter the
// batch down to the events they own, so the Router never inspects individual
// events.
package router

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/netlist-sim/distsim/sim"
	"github.com/netlist-sim/distsim/sim/protocol"
)

var (
	// ErrUnknownJob is returned for batches or removals naming an unregistered job.
	ErrUnknownJob = errors.New("unknown job")
	// ErrUnknownWorker is returned when a job names a worker without a sink.
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrDuplicateJob is returned when a job id is registered twice.
	ErrDuplicateJob = errors.New("job already registered")
)

// Sink delivers a message to one worker connection.
type Sink func(protocol.Message) error

type heldBatch struct {
	list sim.EventList
	from sim.WorkerID
}

type jobEntry struct {
	workers []sim.WorkerID
	active  bool        // false while reserved
	held    []heldBatch // batches received while reserved, in arrival order
}

type manager struct {
	mu   sync.Mutex // serializes writes to sink
	sink Sink
	jobs map[sim.JobID]struct{}
}

// Router maps jobs to the worker connections taking part in them.
//
// Thread-safety: all methods are safe for concurrent use. No lock is held
// while a sink is written, except the per-sink write lock.
type Router struct {
	mu       sync.RWMutex
	managers map[sim.WorkerID]*manager
	jobs     map[sim.JobID]*jobEntry
	log      logrus.FieldLogger
}

// New creates an empty Router.
func New(log logrus.FieldLogger) *Router {
	return &Router{
		managers: make(map[sim.WorkerID]*manager),
		jobs:     make(map[sim.JobID]*jobEntry),
		log:      log.WithField("tag", "router"),
	}
}

// AddManager registers the sink of a worker. Registering an id twice keeps
// the first sink. Panics if sink is nil.
func (r *Router) AddManager(id sim.WorkerID, sink Sink) {
	if sink == nil {
		panic("AddManager: sink must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.managers[id]; ok {
		return
	}
	r.managers[id] = &manager{sink: sink, jobs: make(map[sim.JobID]struct{})}
	r.log.Debugf("added worker %s", id)
}

// RemoveManager forgets a worker and its memberships, returning the jobs it
// took part in. Jobs stay registered for their other workers.
func (r *Router) RemoveManager(id sim.WorkerID) []sim.JobID {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[id]
	if !ok {
		return nil
	}
	delete(r.managers, id)
	jobs := make([]sim.JobID, 0, len(m.jobs))
	for j := range m.jobs {
		jobs = append(jobs, j)
		if e, ok := r.jobs[j]; ok {
			e.workers = slices.DeleteFunc(e.workers, func(w sim.WorkerID) bool { return w == id })
		}
	}
	slices.Sort(jobs)
	r.log.Debugf("removed worker %s (%d jobs)", id, len(jobs))
	return jobs
}

// AddJob records that workers take part in job. Either every worker is
// registered or nothing changes.
func (r *Router) AddJob(job sim.JobID, workers []sim.WorkerID) error {
	return r.addJob(job, workers, true)
}

// ReserveJob registers job like AddJob but queues its batches until
// ActivateJob is called. The coordinator reserves a job while it is still
// sending NEW_JOB, so that no worker receives traffic for a job it has not
// been told about. Queuing never blocks the caller of HandleEventBatch.
func (r *Router) ReserveJob(job sim.JobID, workers []sim.WorkerID) error {
	return r.addJob(job, workers, false)
}

// ActivateJob opens a reserved job to traffic and delivers the batches
// queued while it was reserved, in arrival order. Batches arriving during the
// flush are queued behind them. Activating an active job is a no-op.
func (r *Router) ActivateJob(job sim.JobID) error {
	var errs []error
	for {
		r.mu.Lock()
		e, ok := r.jobs[job]
		if !ok {
			r.mu.Unlock()
			errs = append(errs, fmt.Errorf("job %s: %w", job, ErrUnknownJob))
			return errors.Join(errs...)
		}
		if e.active {
			r.mu.Unlock()
			return errors.Join(errs...)
		}
		held := e.held
		e.held = nil
		if len(held) == 0 {
			e.active = true
			r.mu.Unlock()
			return errors.Join(errs...)
		}
		targets := r.targetsLocked(e)
		r.mu.Unlock()

		r.log.Debugf("job %s: releasing %d held batches", job, len(held))
		for _, b := range held {
			if err := r.deliver(b.list, b.from, targets); err != nil {
				errs = append(errs, err)
			}
		}
	}
}

func (r *Router) addJob(job sim.JobID, workers []sim.WorkerID, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.jobs[job]; dup {
		return fmt.Errorf("job %s: %w", job, ErrDuplicateJob)
	}
	for _, w := range workers {
		if _, ok := r.managers[w]; !ok {
			return fmt.Errorf("job %s: worker %s: %w", job, w, ErrUnknownWorker)
		}
	}
	e := &jobEntry{workers: make([]sim.WorkerID, 0, len(workers)), active: active}
	for _, w := range workers {
		if slices.Contains(e.workers, w) {
			continue
		}
		e.workers = append(e.workers, w)
		r.managers[w].jobs[job] = struct{}{}
	}
	r.jobs[job] = e
	r.log.Debugf("added job %s on %d workers", job, len(e.workers))
	return nil
}

// RemoveJob forgets a job on every worker. Batches still queued for a
// reserved job are dropped.
func (r *Router) RemoveJob(job sim.JobID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[job]
	if !ok {
		r.log.Errorf("cannot remove unknown job %s", job)
		return fmt.Errorf("job %s: %w", job, ErrUnknownJob)
	}
	if n := len(e.held); n > 0 {
		r.log.Warnf("job %s: dropping %d held batches on removal", job, n)
	}
	for _, w := range e.workers {
		if m, ok := r.managers[w]; ok {
			delete(m.jobs, job)
		}
	}
	delete(r.jobs, job)
	r.log.Debugf("removed job %s", job)
	return nil
}

type target struct {
	id sim.WorkerID
	m  *manager
}

// HandleEventBatch forwards list to every worker of its job, the sender
// included. Batches of a reserved job are queued until it is activated or
// removed. Each sink is written under its own lock and distinct sinks are
// written concurrently. Failed sinks are logged and their errors joined;
// they never stop delivery to the others.
func (r *Router) HandleEventBatch(list sim.EventList, from sim.WorkerID) error {
	r.mu.Lock()
	e, ok := r.jobs[list.JobID]
	if !ok {
		r.mu.Unlock()
		r.log.Errorf("dropping %d events from worker %s for unknown job %s", list.Len(), from, list.JobID)
		return fmt.Errorf("job %s: %w", list.JobID, ErrUnknownJob)
	}
	if !e.active {
		e.held = append(e.held, heldBatch{list: list, from: from})
		r.mu.Unlock()
		r.log.Debugf("job %s: holding %d events from worker %s until dispatch completes", list.JobID, list.Len(), from)
		return nil
	}
	targets := r.targetsLocked(e)
	r.mu.Unlock()
	return r.deliver(list, from, targets)
}

// targetsLocked resolves the sinks of a job. r.mu must be held.
func (r *Router) targetsLocked(e *jobEntry) []target {
	targets := make([]target, 0, len(e.workers))
	for _, w := range e.workers {
		if m, ok := r.managers[w]; ok {
			targets = append(targets, target{id: w, m: m})
		}
	}
	return targets
}

func (r *Router) deliver(list sim.EventList, from sim.WorkerID, targets []target) error {
	msg := protocol.EventListMessage(list)
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.m.mu.Lock()
			err := t.m.sink(msg)
			t.m.mu.Unlock()
			if err != nil {
				r.log.Errorf("job %s: failed to forward %d events from worker %s to worker %s: %v", list.JobID, list.Len(), from, t.id, err)
				errs[i] = fmt.Errorf("worker %s: %w", t.id, err)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Workers returns the workers of a job in registration order.
func (r *Router) Workers(job sim.JobID) []sim.WorkerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[job]
	if !ok {
		return nil
	}
	return slices.Clone(e.workers)
}

// Jobs returns the sorted jobs a worker takes part in.
func (r *Router) Jobs(id sim.WorkerID) []sim.JobID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[id]
	if !ok {
		return nil
	}
	out := make([]sim.JobID, 0, len(m.jobs))
	for j := range m.jobs {
		out = append(out, j)
	}
	slices.Sort(out)
	return out
}

// HasManager reports whether a worker sink is registered.
func (r *Router) HasManager(id sim.WorkerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.managers[id]
	return ok
}
