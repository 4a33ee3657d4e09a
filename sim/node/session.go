package node

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netlist-sim/distsim/sim"
	"github.com/netlist-sim/distsim/sim/protocol"
)

// State is the lifecycle stage of a node connection.
type State int32

const (
	StateConnecting State = iota
	StateAwaitingSignOn
	StateSignedOn
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingSignOn:
		return "awaiting-sign-on"
	case StateSignedOn:
		return "signed-on"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	// ErrHeartbeatTimeout closes a session whose peer missed a heartbeat.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	// ErrSessionClosed closes a session shut down locally.
	ErrSessionClosed = errors.New("session closed")
	// ErrPeerDisconnected closes a session whose peer closed the stream.
	ErrPeerDisconnected = errors.New("peer disconnected")
)

type role int

const (
	roleCoordinator role = iota
	roleWorker
)

type sessionConfig struct {
	role role
	// peer is the id the coordinator assigned to the worker, echoed in
	// SIGN_ON_RESPONSE.
	peer sim.WorkerID
	// heartbeat is the ping interval; 0 disables sending pings.
	heartbeat time.Duration
	// onSignOn runs when the handshake completes. A non-nil error leaves the
	// session awaiting sign-on.
	onSignOn func(m protocol.Message) error
	// onMessage receives every signed-on message that is not part of the
	// handshake or heartbeat. It runs on the session's dispatch goroutine,
	// never on the reader, so a slow handler cannot delay heartbeats.
	onMessage func(m protocol.Message)
	// onClose runs once when the session ends.
	onClose func(reason error)
}

// Session runs the node protocol over one connection: the sign-on
// handshake, the heartbeat and the dispatch of signed-on messages. One
// goroutine reads and answers the handshake and heartbeat; another hands
// the remaining messages to onMessage in arrival order. Any goroutine may
// Send.
type Session struct {
	cfg   sessionConfig
	conn  *protocol.Conn
	log   logrus.FieldLogger
	inbox *inbox

	state        atomic.Int32
	awaitingPong atomic.Bool
	signedOn     chan struct{}

	reasonOnce sync.Once
	reason     error
}

func newSession(conn *protocol.Conn, cfg sessionConfig, log logrus.FieldLogger) *Session {
	s := &Session{
		cfg:      cfg,
		conn:     conn,
		log:      log,
		signedOn: make(chan struct{}),
		inbox:    newInbox(),
	}
	s.state.Store(int32(StateAwaitingSignOn))
	return s
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Send writes a message to the peer. A failed write leaves the stream in an
// unknown state, so it ends the session.
func (s *Session) Send(m protocol.Message) error {
	err := s.conn.Send(m)
	if err != nil && !errors.Is(err, protocol.ErrInvalidMessage) && !errors.Is(err, protocol.ErrConnClosed) {
		s.fail(err)
	}
	return err
}

// SignedOn is closed when the handshake completes.
func (s *Session) SignedOn() <-chan struct{} {
	return s.signedOn
}

// Close ends the session; Run returns ErrSessionClosed.
func (s *Session) Close() {
	s.fail(ErrSessionClosed)
}

func (s *Session) fail(reason error) {
	s.reasonOnce.Do(func() { s.reason = reason })
	s.conn.Close()
}

// Run reads and dispatches messages until the connection fails, the peer
// misses a heartbeat, Close is called or ctx is cancelled. It returns the
// reason the session ended.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			s.fail(ctx.Err())
		case <-stopped:
		}
	}()
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		s.dispatch()
	}()

	for {
		m, err := s.conn.Receive()
		if err == nil {
			s.handle(ctx, m)
			continue
		}
		if errors.Is(err, protocol.ErrInvalidMessage) {
			s.log.Errorf("ignoring invalid message: %v", err)
			continue
		}
		if errors.Is(err, io.EOF) {
			err = ErrPeerDisconnected
		}
		s.fail(err)
		break
	}

	s.state.Store(int32(StateClosed))
	s.inbox.close()
	<-dispatched
	s.log.Infof("connection closed: %v", s.reason)
	if s.cfg.onClose != nil {
		s.cfg.onClose(s.reason)
	}
	return s.reason
}

func (s *Session) handle(ctx context.Context, m protocol.Message) {
	switch m.Type {
	case protocol.TypeSignOnRequest:
		if s.cfg.role != roleCoordinator {
			s.log.Errorf("protocol violation: unexpected %s", m.Type)
			return
		}
		if s.State() == StateSignedOn {
			s.log.Errorf("duplicate %s ignored", m.Type)
			return
		}
		// The response goes out before the worker is registered so that no
		// NEW_JOB can overtake it.
		if err := s.Send(protocol.SignOnResponse(s.cfg.peer)); err != nil {
			s.log.Errorf("failed to answer sign on: %v", err)
			return
		}
		if err := s.signOn(m); err != nil {
			s.log.Errorf("sign on refused: %v", err)
			return
		}
		s.startHeartbeat(ctx)
	case protocol.TypeSignOnResponse:
		if s.cfg.role != roleWorker {
			s.log.Errorf("protocol violation: unexpected %s", m.Type)
			return
		}
		if s.State() == StateSignedOn {
			s.log.Errorf("duplicate %s ignored", m.Type)
			return
		}
		if err := s.signOn(m); err != nil {
			s.log.Errorf("sign on refused: %v", err)
			return
		}
		s.startHeartbeat(ctx)
	default:
		if s.State() != StateSignedOn {
			s.log.Errorf("received %s before sign on, ignoring", m.Type)
			return
		}
		switch m.Type {
		case protocol.TypePingRequest:
			if err := s.Send(protocol.PingResponse()); err != nil {
				s.log.Errorf("failed to answer ping: %v", err)
			}
		case protocol.TypePingResponse:
			if !s.awaitingPong.CompareAndSwap(true, false) {
				s.log.Debugf("unsolicited %s", m.Type)
			}
		default:
			s.inbox.put(m)
		}
	}
}

// dispatch feeds queued messages to onMessage until the inbox is closed and
// drained, so everything read before the stream ended is delivered before
// onClose.
func (s *Session) dispatch() {
	for {
		m, ok := s.inbox.take()
		if !ok {
			return
		}
		s.cfg.onMessage(m)
	}
}

func (s *Session) signOn(m protocol.Message) error {
	if s.cfg.onSignOn != nil {
		if err := s.cfg.onSignOn(m); err != nil {
			return err
		}
	}
	s.state.Store(int32(StateSignedOn))
	close(s.signedOn)
	s.log.Infof("signed on")
	return nil
}

func (s *Session) startHeartbeat(ctx context.Context) {
	if s.cfg.heartbeat <= 0 {
		return
	}
	go s.heartbeat(ctx, s.cfg.heartbeat)
}

// heartbeat pings the peer every interval. A ping still unanswered when the
// next tick fires ends the session with ErrHeartbeatTimeout. Pings are
// written from their own goroutine: a write stuck behind a peer that stopped
// reading must not hold up the check, and closing the connection releases it.
func (s *Session) heartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.awaitingPong.Load() {
				s.log.Warnf("no ping response within %v", interval)
				s.fail(ErrHeartbeatTimeout)
				return
			}
			s.awaitingPong.Store(true)
			go func() {
				if err := s.Send(protocol.PingRequest()); err != nil && !errors.Is(err, protocol.ErrConnClosed) {
					s.log.Errorf("failed to send ping: %v", err)
				}
			}()
		}
	}
}

// inbox is an unbounded FIFO between the reader and the dispatch goroutine.
type inbox struct {
	mu     sync.Mutex
	queue  []protocol.Message
	closed bool
	ready  chan struct{} // capacity 1
}

func newInbox() *inbox {
	return &inbox{ready: make(chan struct{}, 1)}
}

func (q *inbox) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *inbox) put(m protocol.Message) {
	q.mu.Lock()
	q.queue = append(q.queue, m)
	q.mu.Unlock()
	q.signal()
}

func (q *inbox) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// take blocks until a message is queued; it reports false once the inbox is
// closed and drained.
func (q *inbox) take() (protocol.Message, bool) {
	for {
		q.mu.Lock()
		if len(q.queue) > 0 {
			m := q.queue[0]
			q.queue[0] = protocol.Message{}
			q.queue = q.queue[1:]
			q.mu.Unlock()
			return m, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return protocol.Message{}, false
		}
		<-q.ready
	}
}
