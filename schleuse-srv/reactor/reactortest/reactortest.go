// Package reactortest provides a scripted Poller and an in-memory Socket for
// single-stepping a reactor.Multiplexer in tests.
package reactortest

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/codefionn/schleuse/schleuse-srv/reactor"
)

// Poller returns exactly the events queued with Ready, once each.
type Poller struct {
	mu       sync.Mutex
	Regs     map[*reactor.Connection]reactor.Interest
	pending  []reactor.Event
	Wakeups  int
	Waits    int
	WaitErr  error
	Modified int
}

func NewPoller() *Poller {
	return &Poller{Regs: make(map[*reactor.Connection]reactor.Interest)}
}

// Ready queues an event for the next Wait.
func (p *Poller) Ready(c *reactor.Connection, ready reactor.Interest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, reactor.Event{Conn: c, Ready: ready})
}

func (p *Poller) Register(c *reactor.Connection, interest reactor.Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Regs[c] = interest
	return nil
}

func (p *Poller) Modify(c *reactor.Connection, interest reactor.Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Regs[c] = interest
	p.Modified++
	return nil
}

func (p *Poller) Unregister(c *reactor.Connection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.Regs, c)
	return nil
}

func (p *Poller) Wait(_ context.Context, _ time.Duration) ([]reactor.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Waits++
	if p.WaitErr != nil {
		return nil, p.WaitErr
	}
	events := p.pending
	p.pending = nil
	return events, nil
}

func (p *Poller) Wakeup() {
	p.mu.Lock()
	p.Wakeups++
	p.mu.Unlock()
}

func (p *Poller) Close() error { return nil }

// Interest returns the interest c is registered with.
func (p *Poller) Interest(c *reactor.Connection) (reactor.Interest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.Regs[c]
	return i, ok
}

// Socket is an in-memory reactor.Socket. Inbound data is fed with Feed,
// outbound data accumulates in Sent.
type Socket struct {
	mu        sync.Mutex
	inbound   [][]byte
	eof       bool
	Sent      bytes.Buffer
	SendCalls int
	// SendLimit caps the bytes accepted per Send call, 0 means unlimited.
	SendLimit int
	// Blocked makes Send return ErrWouldBlock.
	Blocked bool
	SendErr error
	Closed  bool
	Addr    net.Addr
}

func NewSocket() *Socket {
	return &Socket{Addr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}}
}

// Feed queues p to be returned by a later Recv.
func (s *Socket) Feed(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbound = append(s.inbound, append([]byte(nil), p...))
}

// Hangup makes Recv return io.EOF once the queued data is consumed.
func (s *Socket) Hangup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eof = true
}

func (s *Socket) Recv(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Closed {
		return 0, reactor.ErrSocketClosed
	}
	if len(s.inbound) == 0 {
		if s.eof {
			return 0, io.EOF
		}
		return 0, reactor.ErrWouldBlock
	}
	n := copy(p, s.inbound[0])
	if n == len(s.inbound[0]) {
		s.inbound = s.inbound[1:]
	} else {
		s.inbound[0] = s.inbound[0][n:]
	}
	return n, nil
}

func (s *Socket) Send(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendCalls++
	if s.Closed {
		return 0, reactor.ErrSocketClosed
	}
	if s.SendErr != nil {
		return 0, s.SendErr
	}
	if s.Blocked {
		return 0, reactor.ErrWouldBlock
	}
	if s.SendLimit > 0 && len(p) > s.SendLimit {
		p = p[:s.SendLimit]
	}
	s.Sent.Write(p)
	return len(p), nil
}

func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

func (s *Socket) RemoteAddr() net.Addr { return s.Addr }

// IsClosed reports whether Close was called.
func (s *Socket) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Closed
}

// SentString returns everything written so far.
func (s *Socket) SentString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Sent.String()
}

// Calls returns the number of Send invocations.
func (s *Socket) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SendCalls
}
