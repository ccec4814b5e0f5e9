package reactor

import (
	"net"
	"time"

	"github.com/google/uuid"
)

// Connection is one socket owned by the Multiplexer together with its
// outbound buffer and protocol handler. A Connection is never reused after
// it was closed.
type Connection struct {
	ID      uuid.UUID
	Socket  Socket
	Buffer  *ConnectionBuffer
	Handler Handler

	interest        Interest
	registered      bool
	closed          bool
	closeAfterFlush bool
	lastActivity    time.Time
}

// NewConnection wraps sock. handler may be nil and set later with
// SetHandler, but must be present before the connection is registered.
func NewConnection(sock Socket, handler Handler, maxBufferBytes int) *Connection {
	return &Connection{
		ID:      uuid.New(),
		Socket:  sock,
		Buffer:  NewConnectionBuffer(maxBufferBytes),
		Handler: handler,
	}
}

func (c *Connection) SetHandler(h Handler) {
	c.Handler = h
}

// Queue appends p to the outbound buffer. The bytes are sent on a later
// write-ready step, never synchronously.
func (c *Connection) Queue(p []byte) error {
	return c.Buffer.Queue(p)
}

// CloseAfterFlush marks the connection to be closed as soon as its buffer
// has drained.
func (c *Connection) CloseAfterFlush() {
	c.closeAfterFlush = true
}

func (c *Connection) ClosingAfterFlush() bool {
	return c.closeAfterFlush
}

func (c *Connection) Closed() bool {
	return c.closed
}

// Interest returns the readiness set the connection is registered for.
func (c *Connection) Interest() Interest {
	return c.interest
}

func (c *Connection) Registered() bool {
	return c.registered
}

func (c *Connection) LastActivity() time.Time {
	return c.lastActivity
}

// Touch records activity at now.
func (c *Connection) Touch(now time.Time) {
	c.lastActivity = now
}

// ReplaceSocket swaps the underlying socket, used once a TLS session has
// been established on top of the raw one. The connection must be
// deregistered while this happens.
func (c *Connection) ReplaceSocket(s Socket) {
	c.Socket = s
}

func (c *Connection) RemoteAddr() net.Addr {
	if c.Socket == nil {
		return nil
	}
	return c.Socket.RemoteAddr()
}

func (c *Connection) String() string {
	return c.ID.String()
}
