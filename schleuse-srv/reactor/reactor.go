// Package reactor implements the single-threaded readiness loop that owns
// every live proxy connection.
//
// Only the goroutine calling Multiplexer.RunOnce touches Connection state.
// Socket implementations may use helper goroutines internally, but they only
// fill inboxes and report readiness through the Poller.
package reactor

import (
	"errors"
	"strings"
)

// Interest is the set of readiness conditions a connection is waiting for.
type Interest uint8

const (
	None  Interest = 0
	Read  Interest = 1 << 0
	Write Interest = 1 << 1

	ReadWrite = Read | Write
)

func (i Interest) String() string {
	if i == None {
		return "none"
	}
	var parts []string
	if i&Read != 0 {
		parts = append(parts, "read")
	}
	if i&Write != 0 {
		parts = append(parts, "write")
	}
	return strings.Join(parts, "+")
}

var (
	// ErrWouldBlock is returned by Socket operations that cannot make
	// progress without waiting.
	ErrWouldBlock = errors.New("operation would block")
	// ErrBufferOverflow is returned when a ConnectionBuffer would grow past
	// its configured bound.
	ErrBufferOverflow = errors.New("connection buffer overflow")
	// ErrIdleTimeout is passed to Handler.OnClose when the idle sweep
	// reaps a connection.
	ErrIdleTimeout = errors.New("connection idle timeout")
	// ErrPollerClosed is returned by Poller.Wait after Close.
	ErrPollerClosed = errors.New("poller closed")
	// ErrSocketClosed is returned by operations on a closed or detached socket.
	ErrSocketClosed = errors.New("socket closed")
)

// Handler is the per-connection protocol logic driven by the Multiplexer.
//
// data passed to OnReadable is only valid for the duration of the call.
// Returning an error from OnReadable or OnWritable closes the connection.
type Handler interface {
	OnReadable(c *Connection, data []byte) error
	OnWritable(c *Connection) error
	OnClose(c *Connection, err error)
	WantsRead(c *Connection) bool
}
