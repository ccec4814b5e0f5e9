package reactor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/codefionn/schleuse/schleuse-srv/logger"
)

const (
	DefaultTickInterval = time.Second
	DefaultReadStep     = 64 * 1024
)

// Options configures a Multiplexer.
type Options struct {
	// IdleTimeout closes connections without activity for longer than this.
	// Zero disables the sweep.
	IdleTimeout time.Duration
	// TickInterval bounds a single readiness wait so the idle sweep runs.
	TickInterval time.Duration
	// ReadSize is the most bytes handed to a handler per read step.
	ReadSize int
	// Now is the clock, time.Now if nil.
	Now func() time.Time
}

// Multiplexer owns the set of live connections and drives their handlers.
// All methods except Submit and Len must be called from the goroutine
// running RunOnce.
type Multiplexer struct {
	poller Poller
	opts   Options
	conns  map[*Connection]struct{}
	buf    []byte

	tasksMu sync.Mutex
	tasks   []func()
}

func NewMultiplexer(poller Poller, opts Options) *Multiplexer {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.ReadSize <= 0 {
		opts.ReadSize = DefaultReadStep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Multiplexer{
		poller: poller,
		opts:   opts,
		conns:  make(map[*Connection]struct{}),
		buf:    make([]byte, opts.ReadSize),
	}
}

// Register adds c to the live set with the given interest.
func (m *Multiplexer) Register(c *Connection, interest Interest) error {
	if c.Handler == nil {
		return fmt.Errorf("connection %s has no handler", c.ID)
	}
	if c.closed {
		return fmt.Errorf("connection %s is closed", c.ID)
	}
	if err := m.poller.Register(c, interest); err != nil {
		return err
	}
	c.interest = interest
	c.registered = true
	c.lastActivity = m.opts.Now()
	m.conns[c] = struct{}{}
	return nil
}

// Deregister removes c from the live set without closing its socket.
func (m *Multiplexer) Deregister(c *Connection) {
	if !c.registered {
		return
	}
	if err := m.poller.Unregister(c); err != nil {
		logger.Debug("Unregister %s: %v", c.ID, err)
	}
	delete(m.conns, c)
	c.registered = false
	c.interest = None
}

// Close deregisters and closes c, then notifies its handler. Closing an
// already closed connection is a no-op.
func (m *Multiplexer) Close(c *Connection, cause error) {
	if c.closed {
		return
	}
	c.closed = true
	m.Deregister(c)
	if c.Socket != nil {
		if err := c.Socket.Close(); err != nil {
			logger.Trace("Close socket %s: %v", c.ID, err)
		}
	}
	c.Buffer.Reset()
	if c.Handler != nil {
		c.Handler.OnClose(c, cause)
	}
}

// Submit schedules fn to run on the reactor goroutine at the start of the
// next step. Safe for concurrent use.
func (m *Multiplexer) Submit(fn func()) {
	m.tasksMu.Lock()
	m.tasks = append(m.tasks, fn)
	m.tasksMu.Unlock()
	m.poller.Wakeup()
}

func (m *Multiplexer) takeTasks() []func() {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	tasks := m.tasks
	m.tasks = nil
	return tasks
}

// Len returns the number of registered connections.
func (m *Multiplexer) Len() int {
	return len(m.conns)
}

// Connections returns a snapshot of the registered connections.
func (m *Multiplexer) Connections() []*Connection {
	out := make([]*Connection, 0, len(m.conns))
	for c := range m.conns {
		out = append(out, c)
	}
	return out
}

// RunOnce performs one reactor step: pending tasks, one readiness wait,
// one processing step per ready connection, interest reconciliation and
// the idle sweep. Only a failing readiness wait is returned.
func (m *Multiplexer) RunOnce(ctx context.Context) error {
	timeout := m.opts.TickInterval
	if tasks := m.takeTasks(); len(tasks) > 0 {
		for _, task := range tasks {
			task()
		}
		m.reconcile()
		timeout = 0
	}

	events, err := m.poller.Wait(ctx, timeout)
	if err != nil {
		return err
	}

	for _, ev := range events {
		c := ev.Conn
		if _, live := m.conns[c]; !live || c.closed {
			continue
		}
		if ev.Ready&Write != 0 {
			m.flush(c)
		}
		if ev.Ready&Read != 0 && !c.closed && c.registered && c.Handler.WantsRead(c) {
			m.read(c)
		}
	}

	m.reconcile()
	m.sweep()
	return nil
}

// Run calls RunOnce until ctx is done or the readiness wait fails, then
// closes every remaining connection.
func (m *Multiplexer) Run(ctx context.Context) error {
	defer m.CloseAll()
	for ctx.Err() == nil {
		if err := m.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}

// CloseAll closes every connection, runs the pending tasks and closes
// whatever they registered. Like RunOnce it must not run concurrently with
// other steps.
func (m *Multiplexer) CloseAll() {
	for c := range m.conns {
		m.Close(c, context.Canceled)
	}
	for _, task := range m.takeTasks() {
		task()
	}
	for c := range m.conns {
		m.Close(c, context.Canceled)
	}
}

func (m *Multiplexer) flush(c *Connection) {
	n, err := c.Buffer.Flush(c.Socket)
	if n > 0 {
		c.lastActivity = m.opts.Now()
	}
	if err != nil {
		m.Close(c, fmt.Errorf("flush: %w", err))
		return
	}
	if err := c.Handler.OnWritable(c); err != nil {
		m.Close(c, err)
	}
}

func (m *Multiplexer) read(c *Connection) {
	n, err := c.Socket.Recv(m.buf)
	if n > 0 {
		c.lastActivity = m.opts.Now()
		if herr := c.Handler.OnReadable(c, m.buf[:n]); herr != nil {
			m.Close(c, herr)
			return
		}
	}
	switch {
	case err == nil, errors.Is(err, ErrWouldBlock):
	case errors.Is(err, io.EOF):
		m.Close(c, nil)
	default:
		m.Close(c, err)
	}
}

func (m *Multiplexer) reconcile() {
	for c := range m.conns {
		if c.closed {
			continue
		}
		if c.closeAfterFlush && !c.Buffer.HasBuffer() && !socketPending(c.Socket) {
			m.Close(c, nil)
			continue
		}

		var want Interest
		if !c.closeAfterFlush && c.Handler.WantsRead(c) {
			want |= Read
		}
		if c.Buffer.HasBuffer() || (c.closeAfterFlush && socketPending(c.Socket)) {
			want |= Write
		}
		if want == c.interest {
			continue
		}
		if err := m.poller.Modify(c, want); err != nil {
			m.Close(c, fmt.Errorf("modify interest: %w", err))
			continue
		}
		c.interest = want
	}
}

// socketPending reports whether the socket still holds accepted bytes that
// have not reached the network.
func socketPending(s Socket) bool {
	p, ok := s.(interface{ Pending() bool })
	return ok && p.Pending()
}

func (m *Multiplexer) sweep() {
	if m.opts.IdleTimeout <= 0 {
		return
	}
	now := m.opts.Now()
	for c := range m.conns {
		if !c.closed && now.Sub(c.lastActivity) > m.opts.IdleTimeout {
			logger.Debug("Closing idle connection %s", c.ID)
			m.Close(c, ErrIdleTimeout)
		}
	}
}
