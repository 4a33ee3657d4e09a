package protocol

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrConnClosed is returned by Send after Close.
var ErrConnClosed = errors.New("connection closed")

// Conn wraps a transport connection. Sends are serialized so that two
// concurrent writers never interleave on the wire; Receive must only be
// called from one goroutine (the connection's reader).
type Conn struct {
	raw          net.Conn
	enc          *Encoder
	dec          *Decoder
	wmu          sync.Mutex
	writeTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps raw. A positive writeTimeout bounds every Send.
func NewConn(raw net.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		raw:          raw,
		enc:          NewEncoder(raw),
		dec:          NewDecoder(raw),
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

// Send writes one message.
func (c *Conn) Send(m Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	if c.writeTimeout > 0 {
		if err := c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	err := c.enc.Encode(m)
	if err != nil {
		select {
		case <-c.closed:
			// Close interrupted the write
			return fmt.Errorf("%w: %v", ErrConnClosed, err)
		default:
		}
	}
	return err
}

// Receive blocks until the next message arrives.
func (c *Conn) Receive() (Message, error) {
	return c.dec.Decode()
}

// Close closes the underlying transport; it is idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.raw.Close()
	})
	return err
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}
