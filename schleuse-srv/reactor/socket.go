package reactor

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// Socket is a non-blocking byte stream. Recv and Send return ErrWouldBlock
// instead of waiting. Recv returns io.EOF once the peer closed.
type Socket interface {
	Recv(p []byte) (int, error)
	Send(p []byte) (int, error)
	Close() error
	RemoteAddr() net.Addr
}

// ReadinessSource is implemented by sockets that can report their own
// readiness to a ChanPoller.
type ReadinessSource interface {
	Readiness() Interest
	SetWakeup(func())
}

// NetSocket adapts a blocking net.Conn to the Socket contract. A reader
// goroutine fetches at most one chunk ahead of the consumer and a writer
// goroutine drains at most one accepted chunk at a time.
type NetSocket struct {
	conn net.Conn

	mu       sync.Mutex
	inbox    []byte
	readErr  error
	outbox   []byte
	writing  bool
	writeErr error
	closed   bool
	detached bool
	wakeup   func()

	readMore  chan struct{}
	writeMore chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewNetSocket starts the helper goroutines for conn.
func NewNetSocket(conn net.Conn) *NetSocket {
	s := &NetSocket{
		conn:      conn,
		readMore:  make(chan struct{}, 1),
		writeMore: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	s.readMore <- struct{}{}
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	return s
}

func (s *NetSocket) SetWakeup(fn func()) {
	s.mu.Lock()
	s.wakeup = fn
	s.mu.Unlock()
}

func (s *NetSocket) notify() {
	s.mu.Lock()
	fn := s.wakeup
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *NetSocket) readLoop() {
	defer s.wg.Done()
	buf := getBuffer()
	defer putBuffer(buf)

	for {
		select {
		case <-s.readMore:
		case <-s.done:
			return
		}

		n, err := s.conn.Read(*buf)

		s.mu.Lock()
		if n > 0 {
			s.inbox = append(s.inbox, (*buf)[:n]...)
		}
		if err != nil {
			if s.detached && errors.Is(err, os.ErrDeadlineExceeded) {
				s.mu.Unlock()
				return
			}
			s.readErr = err
		}
		stop := err != nil || s.detached || s.closed
		wantMore := err == nil && len(s.inbox) == 0
		s.mu.Unlock()

		if wantMore {
			signal(s.readMore)
		}
		s.notify()
		if stop {
			return
		}
	}
}

func (s *NetSocket) writeLoop() {
	defer s.wg.Done()
	for {
		var stopping bool
		select {
		case <-s.writeMore:
		case <-s.done:
			stopping = true
		}

		s.mu.Lock()
		out, pending := s.outbox, s.writing
		s.mu.Unlock()

		if pending {
			_, err := s.conn.Write(out)
			s.mu.Lock()
			s.outbox = nil
			s.writing = false
			if err != nil {
				s.writeErr = err
			}
			s.mu.Unlock()
			s.notify()
		}
		if stopping {
			return
		}
	}
}

// Recv copies buffered inbound bytes into p.
func (s *NetSocket) Recv(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.detached {
		return 0, ErrSocketClosed
	}
	if len(s.inbox) > 0 {
		n := copy(p, s.inbox)
		s.inbox = s.inbox[n:]
		if len(s.inbox) == 0 {
			s.inbox = nil
			if s.readErr == nil {
				signal(s.readMore)
			}
		}
		return n, nil
	}
	if s.readErr != nil {
		if errors.Is(s.readErr, net.ErrClosed) {
			return 0, io.EOF
		}
		return 0, s.readErr
	}
	return 0, ErrWouldBlock
}

// Send hands p to the writer goroutine if it is idle. The whole slice is
// accepted or nothing is.
func (s *NetSocket) Send(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.detached {
		return 0, ErrSocketClosed
	}
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	if s.writing {
		return 0, ErrWouldBlock
	}
	s.outbox = append(s.outbox[:0], p...)
	s.writing = true
	signal(s.writeMore)
	return len(p), nil
}

// Readiness implements ReadinessSource.
func (s *NetSocket) Readiness() Interest {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r Interest
	if len(s.inbox) > 0 || s.readErr != nil || s.closed {
		r |= Read
	}
	if !s.writing || s.writeErr != nil {
		r |= Write
	}
	return r
}

// Pending reports whether an accepted chunk is still being written.
func (s *NetSocket) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writing
}

func (s *NetSocket) Close() error {
	s.mu.Lock()
	if s.closed || s.detached {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	return s.conn.Close()
}

// Detach stops the helper goroutines without closing the connection and
// returns it with any bytes already read but not yet consumed. Pending
// outbound bytes are written before Detach returns.
func (s *NetSocket) Detach() (net.Conn, []byte, error) {
	s.mu.Lock()
	if s.closed || s.detached {
		s.mu.Unlock()
		return nil, nil, ErrSocketClosed
	}
	s.detached = true
	s.mu.Unlock()

	close(s.done)
	_ = s.conn.SetReadDeadline(time.Now())
	s.wg.Wait()
	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return nil, nil, s.writeErr
	}
	leftover := s.inbox
	s.inbox = nil
	return s.conn, leftover, nil
}

func (s *NetSocket) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Conn returns the wrapped connection.
func (s *NetSocket) Conn() net.Conn {
	return s.conn
}
