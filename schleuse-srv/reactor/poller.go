package reactor

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Event reports that a registered connection is ready for the given subset
// of its interest.
type Event struct {
	Conn  *Connection
	Ready Interest
}

// Poller waits for readiness of registered connections.
type Poller interface {
	Register(c *Connection, interest Interest) error
	Modify(c *Connection, interest Interest) error
	Unregister(c *Connection) error
	// Wait blocks until at least one connection is ready, Wakeup is called,
	// the timeout elapses or ctx is done. A negative timeout waits forever.
	Wait(ctx context.Context, timeout time.Duration) ([]Event, error)
	Wakeup()
	Close() error
}

// ChanPoller is a level-triggered Poller for sockets implementing
// ReadinessSource, such as NetSocket.
type ChanPoller struct {
	mu     sync.Mutex
	regs   map[*Connection]Interest
	wake   chan struct{}
	closed bool
}

func NewChanPoller() *ChanPoller {
	return &ChanPoller{
		regs: make(map[*Connection]Interest),
		wake: make(chan struct{}, 1),
	}
}

func (p *ChanPoller) Register(c *Connection, interest Interest) error {
	src, ok := c.Socket.(ReadinessSource)
	if !ok {
		return fmt.Errorf("socket %T cannot report readiness", c.Socket)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPollerClosed
	}
	p.regs[c] = interest
	p.mu.Unlock()

	src.SetWakeup(p.Wakeup)
	p.Wakeup()
	return nil
}

func (p *ChanPoller) Modify(c *Connection, interest Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.regs[c]; !ok {
		return fmt.Errorf("connection %s is not registered", c.ID)
	}
	p.regs[c] = interest
	return nil
}

func (p *ChanPoller) Unregister(c *Connection) error {
	p.mu.Lock()
	delete(p.regs, c)
	p.mu.Unlock()

	if src, ok := c.Socket.(ReadinessSource); ok {
		src.SetWakeup(nil)
	}
	return nil
}

func (p *ChanPoller) collect() ([]Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPollerClosed
	}

	var events []Event
	for c, interest := range p.regs {
		if interest == None {
			continue
		}
		ready := c.Socket.(ReadinessSource).Readiness() & interest
		if ready != None {
			events = append(events, Event{Conn: c, Ready: ready})
		}
	}
	return events, nil
}

func (p *ChanPoller) Wait(ctx context.Context, timeout time.Duration) ([]Event, error) {
	events, err := p.collect()
	if err != nil || len(events) > 0 || timeout == 0 {
		return events, err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-p.wake:
		return p.collect()
	case <-expired:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *ChanPoller) Wakeup() {
	signal(p.wake)
}

func (p *ChanPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.regs = nil
	signal(p.wake)
	return nil
}
