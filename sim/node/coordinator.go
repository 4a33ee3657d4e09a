package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/netlist-sim/distsim/sim"
	"github.com/netlist-sim/distsim/sim/partition"
	"github.com/netlist-sim/distsim/sim/protocol"
	"github.com/netlist-sim/distsim/sim/router"
	"github.com/netlist-sim/distsim/sim/trace"
)

var (
	// ErrNoCapacity is returned by SubmitJob when no worker is signed on.
	ErrNoCapacity = partition.ErrNoCapacity
	// ErrUnknownJob is returned for operations naming a job the coordinator
	// does not know.
	ErrUnknownJob = errors.New("unknown job")
	// ErrJobKilled is the outcome of a job that was killed before completing.
	ErrJobKilled = errors.New("job killed")
	// ErrWorkerLost is the outcome of a job one of whose workers disconnected.
	ErrWorkerLost = errors.New("worker lost")
)

// CoordinatorConfig holds the coordinator's network settings.
type CoordinatorConfig struct {
	// Addr is the TCP listen address used by ListenAndServe.
	Addr string
	// HeartbeatInterval is the ping period of every worker connection; a worker
	// that misses one interval is disconnected. 0 disables the heartbeat.
	HeartbeatInterval time.Duration
	// WriteTimeout bounds every message write. 0 disables it.
	WriteTimeout time.Duration
	// Retries and RetryDelay bound the attempts to bind Addr.
	Retries    uint64
	RetryDelay time.Duration
	// Cost estimates component load for partitioning. Nil selects
	// partition.DefaultCost.
	Cost partition.CostFunc
}

type workerRecord struct {
	id      sim.WorkerID
	addr    string
	session *Session
	load    float64
	// jobs maps every job on the worker to the load it contributes.
	jobs map[sim.JobID]float64
}

type jobRecord struct {
	id       sim.JobID
	workers  []sim.WorkerID
	finished map[sim.WorkerID]bool
	done     chan struct{}
	err      error
}

// WorkerInfo describes a signed-on worker.
type WorkerInfo struct {
	ID   sim.WorkerID
	Addr string
	Load float64
	Jobs []sim.JobID
}

// Coordinator accepts worker connections, partitions submitted netlists over
// them and routes event batches between the workers of each job.
//
// Thread-safety: all methods are safe for concurrent use. Messages are never
// sent while c.mu is held.
type Coordinator struct {
	cfg    CoordinatorConfig
	log    logrus.FieldLogger
	router *router.Router

	mu      sync.Mutex
	workers map[sim.WorkerID]*workerRecord
	order   []sim.WorkerID // sign-on order
	jobs    map[sim.JobID]*jobRecord
	results map[sim.JobID]error
	joined  chan struct{} // closed and replaced on every sign-on
}

// NewCoordinator creates a coordinator that is not yet listening.
func NewCoordinator(cfg CoordinatorConfig, log logrus.FieldLogger) *Coordinator {
	if cfg.Cost == nil {
		cfg.Cost = partition.DefaultCost
	}
	return &Coordinator{
		cfg:     cfg,
		log:     log.WithField("tag", "coordinator"),
		router:  router.New(log),
		workers: make(map[sim.WorkerID]*workerRecord),
		jobs:    make(map[sim.JobID]*jobRecord),
		results: make(map[sim.JobID]error),
		joined:  make(chan struct{}),
	}
}

// ListenAndServe binds cfg.Addr, retrying with a fixed delay, and serves
// until ctx is cancelled.
func (c *Coordinator) ListenAndServe(ctx context.Context) error {
	var ln net.Listener
	var lc net.ListenConfig
	op := func() error {
		l, err := lc.Listen(ctx, "tcp", c.cfg.Addr)
		if err != nil {
			c.log.Warnf("failed to listen on %s: %v", c.cfg.Addr, err)
			return err
		}
		ln = l
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryDelay), c.cfg.Retries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("listen on %s: %w", c.cfg.Addr, err)
	}
	return c.Serve(ctx, ln)
}

// Serve accepts worker connections on ln until ctx is cancelled, then closes
// ln and waits for every connection to end.
func (c *Coordinator) Serve(ctx context.Context, ln net.Listener) error {
	c.log.Infof("listening on %s", ln.Addr())
	var wg sync.WaitGroup
	defer wg.Wait()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			c.log.Errorf("accept failed: %v", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.serveConn(ctx, raw)
		}()
	}
}

func (c *Coordinator) serveConn(ctx context.Context, raw net.Conn) {
	id := sim.NewWorkerID()
	addr := raw.RemoteAddr().String()
	log := c.log.WithFields(logrus.Fields{"worker": id, "addr": addr})
	log.Debugf("accepted connection")

	var sess *Session
	sess = newSession(protocol.NewConn(raw, c.cfg.WriteTimeout), sessionConfig{
		role:      roleCoordinator,
		peer:      id,
		heartbeat: c.cfg.HeartbeatInterval,
		onSignOn: func(protocol.Message) error {
			c.register(id, addr, sess)
			return nil
		},
		onMessage: func(m protocol.Message) { c.dispatch(id, m, log) },
		onClose:   func(reason error) { c.disconnected(id, reason) },
	}, log)
	_ = sess.Run(ctx)
}

func (c *Coordinator) register(id sim.WorkerID, addr string, sess *Session) {
	c.router.AddManager(id, sess.Send)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workers[id] = &workerRecord{id: id, addr: addr, session: sess, jobs: make(map[sim.JobID]float64)}
	c.order = append(c.order, id)
	close(c.joined)
	c.joined = make(chan struct{})
	c.log.Infof("worker %s signed on from %s (%d connected)", id, addr, len(c.order))
}

func (c *Coordinator) dispatch(id sim.WorkerID, m protocol.Message, log logrus.FieldLogger) {
	switch m.Type {
	case protocol.TypeEventList:
		// failures are logged by the router
		_ = c.router.HandleEventBatch(*m.EventList, id)
	case protocol.TypeJobDone:
		c.jobDone(id, m.JobID)
	default:
		log.Errorf("protocol violation: unexpected %s from worker", m)
	}
}

// WaitForWorkers blocks until at least n workers are signed on.
func (c *Coordinator) WaitForWorkers(ctx context.Context, n int) error {
	for {
		c.mu.Lock()
		count, joined := len(c.order), c.joined
		c.mu.Unlock()
		if count >= n {
			return nil
		}
		c.log.Infof("waiting for workers: %d/%d connected", count, n)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-joined:
		}
	}
}

type outgoing struct {
	worker sim.WorkerID
	sess   *Session
	msg    protocol.Message
}

func (c *Coordinator) sendAll(out []outgoing) error {
	var errs []error
	for _, o := range out {
		if err := o.sess.Send(o.msg); err != nil {
			c.log.Errorf("failed to send %s to worker %s: %v", o.msg, o.worker, err)
			errs = append(errs, fmt.Errorf("worker %s: %w", o.worker, err))
		}
	}
	return errors.Join(errs...)
}

// SubmitJob partitions n over the signed-on workers and sends every worker
// its partition. Event batches of the job are held back by the router until
// every worker has been sent its partition. If any send fails the job is
// killed on every worker and an error returned. A nil endTime runs the job
// until its workers go idle.
func (c *Coordinator) SubmitJob(n *sim.Netlist, endTime *int64) (sim.JobID, error) {
	jobID := sim.NewJobID()

	c.mu.Lock()
	pool := make([]partition.WorkerLoad, 0, len(c.order))
	for _, id := range c.order {
		pool = append(pool, partition.WorkerLoad{Worker: id, Load: c.workers[id].load})
	}
	plan, err := partition.Assign(jobID, n, pool, c.cfg.Cost)
	if err != nil {
		c.mu.Unlock()
		return "", fmt.Errorf("submit job: %w", err)
	}
	if len(plan.Workers) == 0 {
		c.mu.Unlock()
		return "", fmt.Errorf("submit job: netlist has no components")
	}
	if err := c.router.ReserveJob(jobID, plan.Workers); err != nil {
		c.mu.Unlock()
		return "", fmt.Errorf("submit job: %w", err)
	}
	job := &jobRecord{
		id:       jobID,
		workers:  plan.Workers,
		finished: make(map[sim.WorkerID]bool),
		done:     make(chan struct{}),
	}
	c.jobs[jobID] = job
	out := make([]outgoing, 0, len(plan.Workers))
	for _, w := range plan.Workers {
		rec := c.workers[w]
		contribution := plan.Contribution[w]
		rec.jobs[jobID] = contribution
		rec.load += contribution
		out = append(out, outgoing{worker: w, sess: rec.session, msg: protocol.NewJobMessage(jobID, plan.Partitions[w], endTime)})
	}
	c.mu.Unlock()

	c.logPlan(jobID, plan)
	if err := c.sendAll(out); err != nil {
		if kerr := c.KillJob(jobID); kerr != nil && !errors.Is(kerr, ErrUnknownJob) {
			c.log.Errorf("rollback of job %s failed: %v", jobID, kerr)
		}
		return "", fmt.Errorf("dispatch job %s: %w", jobID, err)
	}
	// failed deliveries of held batches are logged by the router
	if err := c.router.ActivateJob(jobID); errors.Is(err, router.ErrUnknownJob) {
		// a worker of the job disconnected while it was being dispatched
		return "", fmt.Errorf("dispatch job %s: %w", jobID, err)
	}
	return jobID, nil
}

func (c *Coordinator) logPlan(jobID sim.JobID, plan *partition.Plan) {
	s := trace.Summarize(plan.Trace)
	c.log.WithFields(logrus.Fields{
		"job":        jobID,
		"components": s.TotalAssignments,
		"workers":    s.UniqueWorkers,
		"cost":       s.TotalCost,
		"spread":     s.Spread,
	}).Info("job partitioned")
	for _, w := range plan.Workers {
		c.log.Debugf("job %s: worker %s gets %d components (load %.2f)", jobID, w, s.ComponentsByWorker[string(w)], plan.Loads[w])
	}
}

// KillJob interrupts a job on all its workers and forgets it.
func (c *Coordinator) KillJob(jobID sim.JobID) error {
	c.mu.Lock()
	job, ok := c.jobs[jobID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("job %s: %w", jobID, ErrUnknownJob)
	}
	var out []outgoing
	for _, w := range job.workers {
		if rec, ok := c.workers[w]; ok {
			out = append(out, outgoing{worker: w, sess: rec.session, msg: protocol.KillJob(jobID)})
		}
	}
	c.removeJobLocked(job, ErrJobKilled)
	c.mu.Unlock()

	c.log.Infof("killed job %s", jobID)
	return c.sendAll(out)
}

func (c *Coordinator) jobDone(from sim.WorkerID, jobID sim.JobID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[jobID]
	if !ok {
		c.log.Warnf("worker %s finished unknown job %s", from, jobID)
		return
	}
	if !slices.Contains(job.workers, from) {
		c.log.Errorf("worker %s reported job %s it does not take part in", from, jobID)
		return
	}
	job.finished[from] = true
	c.log.Debugf("job %s: worker %s done (%d/%d)", jobID, from, len(job.finished), len(job.workers))
	if len(job.finished) == len(job.workers) {
		c.removeJobLocked(job, nil)
		c.log.Infof("job %s completed", jobID)
	}
}

// removeJobLocked forgets job everywhere and releases its load. c.mu must be
// held.
func (c *Coordinator) removeJobLocked(job *jobRecord, outcome error) {
	delete(c.jobs, job.id)
	for _, w := range job.workers {
		if rec, ok := c.workers[w]; ok {
			rec.load -= rec.jobs[job.id]
			delete(rec.jobs, job.id)
		}
	}
	_ = c.router.RemoveJob(job.id)
	job.err = outcome
	c.results[job.id] = outcome
	close(job.done)
}

// disconnected removes a worker and every job it took part in. Each other
// worker of those jobs receives exactly one KILL_JOB per job.
func (c *Coordinator) disconnected(id sim.WorkerID, reason error) {
	c.mu.Lock()
	rec, ok := c.workers[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	var out []outgoing
	jobIDs := make([]sim.JobID, 0, len(rec.jobs))
	for j := range rec.jobs {
		jobIDs = append(jobIDs, j)
	}
	slices.Sort(jobIDs)
	for _, j := range jobIDs {
		job := c.jobs[j]
		for _, w := range job.workers {
			if other, ok := c.workers[w]; ok && w != id {
				out = append(out, outgoing{worker: w, sess: other.session, msg: protocol.KillJob(j)})
			}
		}
		c.removeJobLocked(job, fmt.Errorf("%w: %s: %v", ErrWorkerLost, id, reason))
	}
	delete(c.workers, id)
	c.order = slices.DeleteFunc(c.order, func(w sim.WorkerID) bool { return w == id })
	c.router.RemoveManager(id)
	c.mu.Unlock()

	c.log.Warnf("worker %s disconnected (%v), killed %d jobs", id, reason, len(jobIDs))
	_ = c.sendAll(out)
}

// WaitJob blocks until the job completes or is killed and returns its
// outcome: nil on completion, ErrJobKilled or ErrWorkerLost otherwise.
func (c *Coordinator) WaitJob(ctx context.Context, jobID sim.JobID) error {
	c.mu.Lock()
	job, ok := c.jobs[jobID]
	if !ok {
		result, finished := c.results[jobID]
		c.mu.Unlock()
		if finished {
			return result
		}
		return fmt.Errorf("job %s: %w", jobID, ErrUnknownJob)
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-job.done:
		return job.err
	}
}

// Workers returns the signed-on workers in sign-on order.
func (c *Coordinator) Workers() []WorkerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WorkerInfo, 0, len(c.order))
	for _, id := range c.order {
		rec := c.workers[id]
		info := WorkerInfo{ID: id, Addr: rec.addr, Load: rec.load}
		for j := range rec.jobs {
			info.Jobs = append(info.Jobs, j)
		}
		slices.Sort(info.Jobs)
		out = append(out, info)
	}
	return out
}

// Jobs returns the running jobs, sorted.
func (c *Coordinator) Jobs() []sim.JobID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sim.JobID, 0, len(c.jobs))
	for id := range c.jobs {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// JobWorkers returns the workers a running job was partitioned over.
func (c *Coordinator) JobWorkers(jobID sim.JobID) []sim.WorkerID {
	return c.router.Workers(jobID)
}
