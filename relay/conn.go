package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/mpc-relay/interfaces"
	"go.uber.org/atomic"
)

var (
	ErrConnClosed   = errors.New("connection closed")
	ErrBackpressure = errors.New("outbound queue full")
)

// Conn is the relay side of one authenticated transport connection. It owns
// a bounded outbound queue that the transport's write pump drains; the relay
// core never touches the transport directly.
type Conn struct {
	id      string
	party   interfaces.PartyID
	resumed bool

	queue          chan []byte
	enqueueTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
	reason    atomic.String
}

// NewConn creates a connection handle for an authenticated party.
func NewConn(creds interfaces.Credentials, cfg Config) *Conn {
	return &Conn{
		id:             uuid.NewString(),
		party:          creds.Party,
		resumed:        creds.Resumed,
		queue:          make(chan []byte, cfg.QueueSize),
		enqueueTimeout: cfg.EnqueueTimeout,
		done:           make(chan struct{}),
	}
}

// ID returns the unique connection id.
func (c *Conn) ID() string { return c.id }

// Party returns the authenticated identity.
func (c *Conn) Party() interfaces.PartyID { return c.party }

// Resumed reports whether the connection presented a valid resumption token.
func (c *Conn) Resumed() bool { return c.resumed }

// Send enqueues a frame. It waits at most the configured enqueue timeout
// for queue space and never blocks on the transport.
func (c *Conn) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	if c.enqueueTimeout <= 0 {
		select {
		case c.queue <- frame:
			return nil
		case <-c.done:
			return ErrConnClosed
		default:
			return ErrBackpressure
		}
	}

	timer := time.NewTimer(c.enqueueTimeout)
	defer timer.Stop()
	select {
	case c.queue <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-timer.C:
		return ErrBackpressure
	}
}

// Reply enqueues a response to the connection's own request. Unlike Send
// it waits for queue space, which stalls the connection's read loop rather
// than dropping the response.
func (c *Conn) Reply(ctx context.Context, frame []byte) error {
	select {
	case c.queue <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outbox is drained by the transport write pump. It is never closed; stop
// draining once Done is closed and Pending reaches zero.
func (c *Conn) Outbox() <-chan []byte { return c.queue }

// Pending returns the number of queued frames.
func (c *Conn) Pending() int { return len(c.queue) }

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close marks the connection closed. Only the first call has an effect and
// only it returns true.
func (c *Conn) Close(reason string) bool {
	closed := false
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		close(c.done)
		closed = true
	})
	return closed
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// CloseReason returns the reason passed to the first Close.
func (c *Conn) CloseReason() string { return c.reason.Load() }
