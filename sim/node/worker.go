package node

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/netlist-sim/distsim/sim"
	"github.com/netlist-sim/distsim/sim/buffer"
	"github.com/netlist-sim/distsim/sim/engine"
	"github.com/netlist-sim/distsim/sim/protocol"
	"github.com/netlist-sim/distsim/sim/store"
)

var (
	// ErrConnectFailed is returned by Run when the coordinator cannot be
	// reached within the configured attempts.
	ErrConnectFailed = errors.New("failed to connect to coordinator")
	// ErrNotConnected is returned when forwarding events without a session.
	ErrNotConnected = errors.New("not connected")
)

// WorkerConfig holds the worker's network and engine settings.
type WorkerConfig struct {
	// CoordinatorAddr is the TCP address of the coordinator.
	CoordinatorAddr string
	// Retries and RetryDelay bound the connection attempts.
	Retries    uint64
	RetryDelay time.Duration
	// HeartbeatInterval makes the worker ping the coordinator too. 0 leaves
	// liveness checks to the coordinator.
	HeartbeatInterval time.Duration
	// WriteTimeout bounds every message write. 0 disables it.
	WriteTimeout time.Duration
	// IdleTimeout ends a job partition whose buffer stays empty that long.
	IdleTimeout time.Duration
}

type runningJob struct {
	cancel context.CancelFunc
}

// Worker connects to a coordinator and simulates the job partitions it is
// given.
type Worker struct {
	cfg     WorkerConfig
	log     logrus.FieldLogger
	store   store.Store
	manager *buffer.Manager

	state atomic.Int32 // used until a session exists

	mu      sync.Mutex
	session *Session
	id      sim.WorkerID
	jobs    map[sim.JobID]*runningJob
	wg      sync.WaitGroup
}

// NewWorker creates a worker saving finished partitions to st.
func NewWorker(cfg WorkerConfig, st store.Store, log logrus.FieldLogger) *Worker {
	w := &Worker{
		cfg:   cfg,
		log:   log.WithField("tag", "worker"),
		store: st,
		jobs:  make(map[sim.JobID]*runningJob),
	}
	w.manager = buffer.NewManager(w.forward, log)
	w.state.Store(int32(StateConnecting))
	return w
}

// State returns the lifecycle stage of the coordinator connection.
func (w *Worker) State() State {
	w.mu.Lock()
	sess := w.session
	w.mu.Unlock()
	if sess == nil {
		return State(w.state.Load())
	}
	return sess.State()
}

// ID returns the id the coordinator assigned at sign-on.
func (w *Worker) ID() sim.WorkerID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.id
}

// Jobs returns the running job partitions, sorted.
func (w *Worker) Jobs() []sim.JobID {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]sim.JobID, 0, len(w.jobs))
	for id := range w.jobs {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Stats returns the event counters of the worker's buffer manager.
func (w *Worker) Stats() buffer.Stats {
	return w.manager.Stats()
}

// NextTimes returns, per running job, the time of the earliest event still
// pending in its buffer (math.MaxInt64 when none is).
func (w *Worker) NextTimes() map[sim.JobID]int64 {
	out := make(map[sim.JobID]int64)
	for _, id := range w.Jobs() {
		if next, ok := w.manager.NextTime(id); ok {
			out[id] = next
		}
	}
	return out
}

// Run connects to the coordinator, signs on and serves until the connection
// ends or ctx is cancelled. Every running job is cancelled before Run
// returns. Cancellation returns nil.
func (w *Worker) Run(ctx context.Context) error {
	raw, err := w.connect(ctx)
	if err != nil {
		w.state.Store(int32(StateClosed))
		return fmt.Errorf("%w %s: %v", ErrConnectFailed, w.cfg.CoordinatorAddr, err)
	}
	log := w.log.WithField("coordinator", w.cfg.CoordinatorAddr)
	sess := newSession(protocol.NewConn(raw, w.cfg.WriteTimeout), sessionConfig{
		role:      roleWorker,
		heartbeat: w.cfg.HeartbeatInterval,
		onSignOn: func(m protocol.Message) error {
			w.mu.Lock()
			w.id = m.WorkerID
			w.mu.Unlock()
			return nil
		},
		onMessage: func(m protocol.Message) { w.dispatch(ctx, m) },
		onClose:   func(reason error) { w.disconnected(reason) },
	}, log)

	w.mu.Lock()
	w.session = sess
	w.mu.Unlock()

	if err := sess.Send(protocol.SignOnRequest()); err != nil {
		sess.fail(err)
	}
	err = sess.Run(ctx)
	w.wg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// connect dials the coordinator with a fixed delay between attempts.
func (w *Worker) connect(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	var conn net.Conn
	attempt := 0
	op := func() error {
		attempt++
		c, err := d.DialContext(ctx, "tcp", w.cfg.CoordinatorAddr)
		if err != nil {
			w.log.Warnf("connect attempt %d to %s failed: %v", attempt, w.cfg.CoordinatorAddr, err)
			return err
		}
		conn = c
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(w.cfg.RetryDelay), w.cfg.Retries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	w.log.Infof("connected to %s", w.cfg.CoordinatorAddr)
	return conn, nil
}

func (w *Worker) forward(list sim.EventList) error {
	w.mu.Lock()
	sess := w.session
	w.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}
	return sess.Send(protocol.EventListMessage(list))
}

func (w *Worker) dispatch(ctx context.Context, m protocol.Message) {
	switch m.Type {
	case protocol.TypeNewJob:
		w.startJob(ctx, m.NewJob)
	case protocol.TypeEventList:
		// unknown jobs are logged by the manager
		_ = w.manager.GiveEvents(m.EventList.JobID, m.EventList.Events)
	case protocol.TypeKillJob:
		w.killJob(m.JobID)
	default:
		w.log.Errorf("protocol violation: unexpected %s from coordinator", m)
	}
}

func (w *Worker) startJob(ctx context.Context, nj *protocol.NewJob) {
	log := w.log.WithField("job", nj.JobID)
	comps, err := sim.Instantiate(&nj.Partition.Netlist)
	if err != nil {
		log.Errorf("cannot install partition: %v", err)
		return
	}
	buf, outbox, err := w.manager.NewJob(nj.JobID, nj.Partition)
	if err != nil {
		log.Errorf("cannot install partition: %v", err)
		return
	}
	eng := engine.New(engine.Config{
		JobID:       nj.JobID,
		Partition:   nj.Partition,
		Components:  comps,
		Buffer:      buf,
		Outbox:      outbox,
		EndTime:     nj.EndTime,
		IdleTimeout: w.cfg.IdleTimeout,
	}, w.log)

	jobCtx, cancel := context.WithCancel(ctx)
	rj := &runningJob{cancel: cancel}
	w.mu.Lock()
	w.jobs[nj.JobID] = rj
	w.mu.Unlock()
	log.Infof("started partition with %d components", nj.Partition.Len())

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer cancel()
		res, err := eng.Run(jobCtx)
		if err != nil {
			log.Infof("partition stopped: %v", err)
			return
		}
		w.finishJob(nj.JobID, rj, res, log)
	}()
}

func (w *Worker) finishJob(jobID sim.JobID, rj *runningJob, res engine.Result, log logrus.FieldLogger) {
	w.mu.Lock()
	live := w.jobs[jobID] == rj
	if live {
		delete(w.jobs, jobID)
	}
	sess, id := w.session, w.id
	w.mu.Unlock()
	if !live {
		return
	}
	_ = w.manager.RemoveJob(jobID)
	log.Infof("partition completed (%s) at clock %d after %d events", res.Reason, res.Clock, res.Processed)

	snap := store.Snapshot{
		JobID:     jobID,
		WorkerID:  id,
		Clock:     res.Clock,
		Processed: res.Processed,
		Reason:    string(res.Reason),
		States:    res.States,
		SavedAt:   time.Now().UTC(),
	}
	if err := w.store.Save(context.Background(), snap); err != nil {
		log.Errorf("failed to save snapshot: %v", err)
	}
	if err := sess.Send(protocol.JobDone(jobID)); err != nil {
		log.Errorf("failed to report completion: %v", err)
	}
}

func (w *Worker) killJob(jobID sim.JobID) {
	w.mu.Lock()
	rj, ok := w.jobs[jobID]
	delete(w.jobs, jobID)
	w.mu.Unlock()
	if !ok {
		w.log.Warnf("kill for unknown job %s ignored", jobID)
		return
	}
	rj.cancel()
	log := w.log.WithField("job", jobID)
	if next, ok := w.manager.NextTime(jobID); ok && next != math.MaxInt64 {
		log = log.WithField("next_event", next)
	}
	_ = w.manager.RemoveJob(jobID)
	log.Infof("killed job %s", jobID)
}

func (w *Worker) disconnected(reason error) {
	w.mu.Lock()
	jobs := w.jobs
	w.jobs = make(map[sim.JobID]*runningJob)
	w.mu.Unlock()
	for id, rj := range jobs {
		rj.cancel()
		_ = w.manager.RemoveJob(id)
	}
	if len(jobs) > 0 {
		w.log.Warnf("lost coordinator (%v), cancelled %d jobs", reason, len(jobs))
	}
}
