package node

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netlist-sim/distsim/sim"
	"github.com/netlist-sim/distsim/sim/components"
	"github.com/netlist-sim/distsim/sim/internal/testutil"
	"github.com/netlist-sim/distsim/sim/protocol"
	"github.com/netlist-sim/distsim/sim/store"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func startCoordinator(t *testing.T, cfg CoordinatorConfig) (*Coordinator, string, *logtest.Hook) {
	t.Helper()
	log, hook := testutil.NewLogger()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	c := NewCoordinator(cfg, log)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = c.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-served:
		case <-time.After(waitFor):
			t.Error("coordinator did not stop")
		}
	})
	return c, ln.Addr().String(), hook
}

func startWorker(t *testing.T, addr string, st store.Store, idle time.Duration) (*Worker, context.CancelFunc, <-chan error) {
	t.Helper()
	log, _ := testutil.NewLogger()
	w := NewWorker(WorkerConfig{
		CoordinatorAddr: addr,
		Retries:         3,
		RetryDelay:      10 * time.Millisecond,
		WriteTimeout:    time.Second,
		IdleTimeout:     idle,
	}, st, log)
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		result <- w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(waitFor):
			t.Error("worker did not stop")
		}
	})
	return w, cancel, result
}

// fakeWorker speaks the protocol by hand and records what it receives.
type fakeWorker struct {
	raw         net.Conn
	conn        *protocol.Conn
	answerPings bool
	closed      chan struct{}

	mu   sync.Mutex
	msgs []protocol.Message
}

func dialFake(t *testing.T, addr string, answerPings bool) *fakeWorker {
	t.Helper()
	raw, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	f := &fakeWorker{raw: raw, conn: protocol.NewConn(raw, time.Second), answerPings: answerPings, closed: make(chan struct{})}
	go f.read()
	t.Cleanup(func() { f.conn.Close() })
	return f
}

// signOn dials a fake worker and waits until c has registered it.
func signOn(t *testing.T, c *Coordinator, addr string) *fakeWorker {
	t.Helper()
	before := len(c.Workers())
	f := dialFake(t, addr, true)
	require.NoError(t, f.conn.Send(protocol.SignOnRequest()))
	require.Eventually(t, func() bool {
		return len(f.received(protocol.TypeSignOnResponse)) == 1 && len(c.Workers()) == before+1
	}, waitFor, tick)
	return f
}

func (f *fakeWorker) read() {
	defer close(f.closed)
	for {
		m, err := f.conn.Receive()
		if err != nil {
			return
		}
		if m.Type == protocol.TypePingRequest && f.answerPings {
			_ = f.conn.Send(protocol.PingResponse())
			continue
		}
		f.mu.Lock()
		f.msgs = append(f.msgs, m)
		f.mu.Unlock()
	}
}

func (f *fakeWorker) received(typ protocol.MessageType) []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Message
	for _, m := range f.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeWorker) killed() []sim.JobID {
	var out []sim.JobID
	for _, m := range f.received(protocol.TypeKillJob) {
		out = append(out, m.JobID)
	}
	return out
}

func logged(hook *logtest.Hook, level logrus.Level, substr string) bool {
	for _, m := range testutil.Messages(hook, level) {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

func probes(n int) *sim.Netlist {
	nl := sim.NewNetlist()
	for i := 1; i <= n; i++ {
		nl.AddComponent(sim.Declaration{ID: sim.ComponentID(i), Kind: components.KindProbe})
	}
	return nl
}

func TestHandshake_WorkerSignsOn(t *testing.T) {
	// GIVEN a coordinator
	c, addr, _ := startCoordinator(t, CoordinatorConfig{})

	// WHEN a worker connects
	w, _, _ := startWorker(t, addr, store.NewMemoryStore(), 0)

	// THEN both sides agree on the worker id once signed on
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.WaitForWorkers(ctx, 1))
	require.Eventually(t, func() bool { return w.State() == StateSignedOn }, waitFor, tick)
	workers := c.Workers()
	require.Len(t, workers, 1)
	assert.Equal(t, workers[0].ID, w.ID())
}

func TestHandshake_DuplicateSignOnIgnored(t *testing.T) {
	c, addr, hook := startCoordinator(t, CoordinatorConfig{})
	f := dialFake(t, addr, true)

	require.NoError(t, f.conn.Send(protocol.SignOnRequest()))
	require.NoError(t, f.conn.Send(protocol.SignOnRequest()))

	require.Eventually(t, func() bool { return logged(hook, logrus.ErrorLevel, "duplicate") }, waitFor, tick)
	require.Eventually(t, func() bool { return len(f.received(protocol.TypeSignOnResponse)) > 0 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	responses := f.received(protocol.TypeSignOnResponse)
	require.Len(t, responses, 1)
	assert.NotEmpty(t, responses[0].WorkerID)
	assert.Len(t, c.Workers(), 1)
}

func TestHandshake_MessageBeforeSignOnIgnored(t *testing.T) {
	c, addr, hook := startCoordinator(t, CoordinatorConfig{})
	f := dialFake(t, addr, true)

	require.NoError(t, f.conn.Send(protocol.JobDone("j")))
	require.Eventually(t, func() bool { return logged(hook, logrus.ErrorLevel, "before sign on") }, waitFor, tick)
	assert.Empty(t, c.Workers())

	// the connection stays usable
	require.NoError(t, f.conn.Send(protocol.SignOnRequest()))
	require.Eventually(t, func() bool { return len(c.Workers()) == 1 }, waitFor, tick)
}

func TestSession_MistypedMessageKeepsWorker(t *testing.T) {
	// GIVEN a signed-on worker
	c, addr, hook := startCoordinator(t, CoordinatorConfig{})
	f := signOn(t, c, addr)

	// WHEN it sends an event list whose job id is a number
	_, err := f.raw.Write([]byte(`{"type":5,"event_list":{"job_id":123,"events":[]}}` + "\n"))
	require.NoError(t, err)

	// THEN the message is logged and skipped but the worker stays connected
	require.Eventually(t, func() bool { return logged(hook, logrus.ErrorLevel, "ignoring invalid message") }, waitFor, tick)
	assert.Len(t, c.Workers(), 1)
	require.NoError(t, f.conn.Send(protocol.PingRequest()))
	require.Eventually(t, func() bool { return len(f.received(protocol.TypePingResponse)) == 1 }, waitFor, tick)
	assert.Len(t, c.Workers(), 1)
}

func TestSubmitJob_NoWorkers(t *testing.T) {
	c, _, _ := startCoordinator(t, CoordinatorConfig{})
	_, err := c.SubmitJob(probes(2), nil)
	assert.True(t, errors.Is(err, ErrNoCapacity))
}

func TestSubmitJob_PartitionsAcrossWorkers(t *testing.T) {
	// GIVEN two signed-on workers
	c, addr, _ := startCoordinator(t, CoordinatorConfig{})
	a := signOn(t, c, addr)
	b := signOn(t, c, addr)

	// WHEN a 4-component job is submitted
	job, err := c.SubmitJob(probes(4), nil)
	require.NoError(t, err)

	// THEN each worker gets one NEW_JOB with half the components
	for _, f := range []*fakeWorker{a, b} {
		require.Eventually(t, func() bool { return len(f.received(protocol.TypeNewJob)) == 1 }, waitFor, tick)
		nj := f.received(protocol.TypeNewJob)[0].NewJob
		assert.Equal(t, job, nj.JobID)
		assert.Equal(t, 2, nj.Partition.Len())
	}
	assert.Equal(t, []sim.JobID{job}, c.Jobs())
	for _, info := range c.Workers() {
		assert.Equal(t, 2.0, info.Load)
	}

	// WHEN both report completion THEN the job ends and its load is released
	require.NoError(t, a.conn.Send(protocol.JobDone(job)))
	require.NoError(t, b.conn.Send(protocol.JobDone(job)))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	assert.NoError(t, c.WaitJob(ctx, job))
	assert.Empty(t, c.Jobs())
	for _, info := range c.Workers() {
		assert.Zero(t, info.Load)
	}
}

func TestDisconnect_KillsSharedJobsOncePerWorker(t *testing.T) {
	// GIVEN workers A, B, C and jobs J1 on all three, J2 on A and B, J3 on C
	c, addr, _ := startCoordinator(t, CoordinatorConfig{})
	a := signOn(t, c, addr)
	b := signOn(t, c, addr)
	cc := signOn(t, c, addr)

	j1, err := c.SubmitJob(probes(6), nil)
	require.NoError(t, err)
	j2, err := c.SubmitJob(probes(2), nil)
	require.NoError(t, err)
	j3, err := c.SubmitJob(probes(1), nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []sim.WorkerID{c.Workers()[0].ID, c.Workers()[1].ID}, c.JobWorkers(j2))
	require.Equal(t, []sim.WorkerID{c.Workers()[2].ID}, c.JobWorkers(j3))
	require.Eventually(t, func() bool { return len(cc.received(protocol.TypeNewJob)) == 2 }, waitFor, tick)

	// WHEN A disconnects
	a.conn.Close()

	// THEN B is told to kill J1 and J2, C only J1, each exactly once
	require.Eventually(t, func() bool { return len(c.Workers()) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(b.killed()) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(cc.killed()) == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.ElementsMatch(t, []sim.JobID{j1, j2}, b.killed())
	assert.Equal(t, []sim.JobID{j1}, cc.killed())
	assert.Equal(t, []sim.JobID{j3}, c.Jobs())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	assert.ErrorIs(t, c.WaitJob(ctx, j1), ErrWorkerLost)
	assert.ErrorIs(t, c.WaitJob(ctx, j2), ErrWorkerLost)
	for _, info := range c.Workers() {
		assert.NotContains(t, info.Jobs, j1)
		assert.NotContains(t, info.Jobs, j2)
	}
}

func TestHeartbeat_SilentWorkerIsDropped(t *testing.T) {
	// GIVEN a coordinator pinging every 30ms, one worker that answers and one that does not
	c, addr, hook := startCoordinator(t, CoordinatorConfig{HeartbeatInterval: 30 * time.Millisecond})
	alive := signOn(t, c, addr)
	silent := dialFake(t, addr, false)
	require.NoError(t, silent.conn.Send(protocol.SignOnRequest()))
	require.Eventually(t, func() bool { return len(c.Workers()) == 2 }, waitFor, tick)

	// THEN the silent one is disconnected after a missed interval
	select {
	case <-silent.closed:
	case <-time.After(waitFor):
		t.Fatal("silent worker was not disconnected")
	}
	require.Eventually(t, func() bool { return len(c.Workers()) == 1 }, waitFor, tick)
	assert.True(t, logged(hook, logrus.WarnLevel, "no ping response"))

	// and the answering one stays
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, c.Workers(), 1)
	select {
	case <-alive.closed:
		t.Fatal("answering worker was disconnected")
	default:
	}
}

func TestHeartbeat_StalledWorkerDoesNotStallOthers(t *testing.T) {
	// GIVEN a coordinator without write timeouts, a worker that answers pings
	// and one that signs on and then never reads again
	const interval = 500 * time.Millisecond
	c, addr, hook := startCoordinator(t, CoordinatorConfig{HeartbeatInterval: interval})
	alive := signOn(t, c, addr)
	raw, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	require.NoError(t, protocol.NewConn(raw, 0).Send(protocol.SignOnRequest()))
	require.Eventually(t, func() bool { return len(c.Workers()) == 2 }, waitFor, tick)
	aliveID := c.Workers()[0].ID

	// WHEN a job too large for the socket buffers is submitted
	submitted := make(chan error, 1)
	go func() {
		_, err := c.SubmitJob(probes(1_000_000), nil)
		submitted <- err
	}()

	// THEN the blocked write does not hold up the heartbeat: the stalled
	// worker is dropped and the submission fails instead of hanging
	select {
	case err := <-submitted:
		assert.Error(t, err)
	case <-time.After(20 * interval):
		t.Fatal("submission stayed blocked on the stalled worker")
	}
	require.Eventually(t, func() bool { return len(c.Workers()) == 1 }, waitFor, tick)
	assert.True(t, logged(hook, logrus.WarnLevel, "no ping response"))
	assert.Empty(t, c.Jobs())
	require.Eventually(t, func() bool { return len(alive.killed()) == 1 }, waitFor, tick)

	// AND the answering worker keeps its session
	time.Sleep(3 * interval)
	workers := c.Workers()
	require.Len(t, workers, 1)
	assert.Equal(t, aliveID, workers[0].ID)
	select {
	case <-alive.closed:
		t.Fatal("answering worker was disconnected")
	default:
	}
}

func TestWorker_ConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	log, _ := testutil.NewLogger()
	w := NewWorker(WorkerConfig{CoordinatorAddr: addr, Retries: 2, RetryDelay: 5 * time.Millisecond}, store.NewMemoryStore(), log)
	err = w.Run(context.Background())

	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.Equal(t, StateClosed, w.State())
}

func TestWorker_EndsWhenCoordinatorGoes(t *testing.T) {
	// GIVEN a worker connected to a fake coordinator
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	_, _, done := startWorker(t, ln.Addr().String(), store.NewMemoryStore(), 0)

	var raw net.Conn
	select {
	case raw = <-accepted:
	case <-time.After(waitFor):
		t.Fatal("worker did not connect")
	}
	conn := protocol.NewConn(raw, time.Second)
	m, err := conn.Receive()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeSignOnRequest, m.Type)

	// WHEN the coordinator closes the connection
	require.NoError(t, conn.Close())

	// THEN Run reports the lost peer
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrPeerDisconnected)
	case <-time.After(waitFor):
		t.Fatal("worker did not notice the disconnect")
	}
}

// crossNetlist is clock(1) → not(2) → probe(3), with probe(4) also fed by
// not(2). Over two equally loaded workers, 1 and 3 land on the first and
// 2 and 4 on the second, so every signal crosses the network.
func crossNetlist(clockArgs ...string) *sim.Netlist {
	nl := sim.NewNetlist()
	nl.AddComponent(sim.Declaration{ID: 1, Kind: components.KindClock, Args: clockArgs})
	nl.AddComponent(sim.Declaration{ID: 2, Kind: components.KindNot})
	nl.AddComponent(sim.Declaration{ID: 3, Kind: components.KindProbe})
	nl.AddComponent(sim.Declaration{ID: 4, Kind: components.KindProbe})
	nl.AddConnection(testutil.Wire(1, 2))
	nl.AddConnection(testutil.Wire(2, 3))
	nl.AddConnection(testutil.Wire(2, 4))
	return nl
}

func TestEndToEnd_EventsRouteAcrossWorkers(t *testing.T) {
	// GIVEN a coordinator and two real workers sharing a snapshot store
	c, addr, _ := startCoordinator(t, CoordinatorConfig{HeartbeatInterval: time.Second})
	st := store.NewMemoryStore()
	ctx, cancel := context.WithTimeout(context.Background(), 2*waitFor)
	defer cancel()
	first, _, _ := startWorker(t, addr, st, 300*time.Millisecond)
	require.NoError(t, c.WaitForWorkers(ctx, 1))
	second, _, _ := startWorker(t, addr, st, 300*time.Millisecond)
	require.NoError(t, c.WaitForWorkers(ctx, 2))
	require.Eventually(t, func() bool { return first.ID() != "" && second.ID() != "" }, waitFor, tick)

	// WHEN the cross-wired netlist runs to completion
	job, err := c.SubmitJob(crossNetlist("1", "4"), nil)
	require.NoError(t, err)
	require.NoError(t, c.WaitJob(ctx, job))

	// THEN each probe saw the inverter's initial output and one event per clock toggle
	snapFirst, err := st.Load(ctx, job, first.ID())
	require.NoError(t, err)
	snapSecond, err := st.Load(ctx, job, second.ID())
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "4"}, snapFirst.States[1])
	assert.Equal(t, []string{"5", "1", "4"}, snapFirst.States[3])
	assert.Equal(t, []string{"5", "1", "4"}, snapSecond.States[4])
	assert.NotContains(t, snapFirst.States, sim.ComponentID(2))

	// and traffic crossed the network without echo loops
	assert.Positive(t, first.Stats().Forwarded)
	assert.Positive(t, second.Stats().Forwarded)
	assert.Empty(t, first.Jobs())
	assert.Empty(t, second.Jobs())
}

func TestKillJob_StopsRunningWorker(t *testing.T) {
	// GIVEN a worker running an unbounded clock
	c, addr, _ := startCoordinator(t, CoordinatorConfig{})
	w, _, _ := startWorker(t, addr, store.NewMemoryStore(), 0)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.WaitForWorkers(ctx, 1))
	nl := sim.NewNetlist()
	nl.AddComponent(sim.Declaration{ID: 1, Kind: components.KindClock})
	nl.AddComponent(sim.Declaration{ID: 2, Kind: components.KindProbe})
	nl.AddConnection(testutil.Wire(1, 2))
	job, err := c.SubmitJob(nl, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(w.Jobs()) == 1 }, waitFor, tick)
	assert.Contains(t, w.NextTimes(), job)

	// WHEN it is killed
	require.NoError(t, c.KillJob(job))

	// THEN the worker tears it down and the job reports the kill
	require.Eventually(t, func() bool { return len(w.Jobs()) == 0 }, waitFor, tick)
	assert.ErrorIs(t, c.WaitJob(ctx, job), ErrJobKilled)
	assert.ErrorIs(t, c.KillJob(job), ErrUnknownJob)
}

func TestSubmitJob_EndTimeCompletesJob(t *testing.T) {
	c, addr, _ := startCoordinator(t, CoordinatorConfig{})
	st := store.NewMemoryStore()
	w, _, _ := startWorker(t, addr, st, 0)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.WaitForWorkers(ctx, 1))
	require.Eventually(t, func() bool { return w.ID() != "" }, waitFor, tick)

	// GIVEN an unbounded clock with period 1 and end time 10
	end := int64(10)
	job, err := c.SubmitJob(crossNetlist("1"), &end)
	require.NoError(t, err)
	require.NoError(t, c.WaitJob(ctx, job))

	// THEN toggles at 0..10 ran and inverter outputs up to time 10 reached the probe
	snap, err := st.Load(ctx, job, w.ID())
	require.NoError(t, err)
	assert.Equal(t, "end-time", snap.Reason)
	assert.Equal(t, int64(10), snap.Clock)
	assert.Equal(t, []string{"1", "11"}, snap.States[1])
	assert.Equal(t, []string{"11", "1", "10"}, snap.States[3])
}

func TestWaitJob_UnknownJob(t *testing.T) {
	c, _, _ := startCoordinator(t, CoordinatorConfig{})
	assert.ErrorIs(t, c.WaitJob(context.Background(), "nope"), ErrUnknownJob)
}
