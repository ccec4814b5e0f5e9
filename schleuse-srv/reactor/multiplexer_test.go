package reactor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/schleuse/schleuse-srv/reactor"
	"github.com/codefionn/schleuse/schleuse-srv/reactor/reactortest"
)

type echoHandler struct {
	reads    [][]byte
	writable int
	closed   int
	closeErr error
	paused   bool
	failRead error
	peer     *reactor.Connection
	mux      *reactor.Multiplexer
}

func (h *echoHandler) OnReadable(c *reactor.Connection, data []byte) error {
	if h.failRead != nil {
		return h.failRead
	}
	h.reads = append(h.reads, append([]byte(nil), data...))
	return c.Queue(data)
}

func (h *echoHandler) OnWritable(*reactor.Connection) error {
	h.writable++
	return nil
}

func (h *echoHandler) OnClose(_ *reactor.Connection, err error) {
	h.closed++
	h.closeErr = err
	if h.peer != nil {
		h.mux.Close(h.peer, err)
	}
}

func (h *echoHandler) WantsRead(*reactor.Connection) bool { return !h.paused }

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestMux(t *testing.T, opts reactor.Options) (*reactor.Multiplexer, *reactortest.Poller) {
	t.Helper()
	poller := reactortest.NewPoller()
	return reactor.NewMultiplexer(poller, opts), poller
}

func register(t *testing.T, mux *reactor.Multiplexer, h reactor.Handler) (*reactor.Connection, *reactortest.Socket) {
	t.Helper()
	sock := reactortest.NewSocket()
	c := reactor.NewConnection(sock, h, 0)
	require.NoError(t, mux.Register(c, reactor.Read))
	return c, sock
}

func TestMultiplexerReadThenWrite(t *testing.T) {
	mux, poller := newTestMux(t, reactor.Options{})
	h := &echoHandler{}
	c, sock := register(t, mux, h)

	sock.Feed([]byte("ping"))
	poller.Ready(c, reactor.Read)
	require.NoError(t, mux.RunOnce(context.Background()))

	assert.Equal(t, [][]byte{[]byte("ping")}, h.reads)
	assert.Equal(t, 0, sock.Calls(), "reads must not write synchronously")
	interest, _ := poller.Interest(c)
	assert.Equal(t, reactor.ReadWrite, interest)

	poller.Ready(c, reactor.Write)
	require.NoError(t, mux.RunOnce(context.Background()))

	assert.Equal(t, "ping", sock.SentString())
	assert.Equal(t, 1, h.writable)
	interest, _ = poller.Interest(c)
	assert.Equal(t, reactor.Read, interest)
}

func TestMultiplexerNoEventsIsNoop(t *testing.T) {
	mux, poller := newTestMux(t, reactor.Options{})
	h := &echoHandler{}
	c, sock := register(t, mux, h)
	require.NoError(t, c.Queue([]byte("queued")))
	// Bring interest in line with the buffer before snapshotting.
	require.NoError(t, mux.RunOnce(context.Background()))

	interestBefore := c.Interest()
	lenBefore := c.Buffer.Len()
	modifiedBefore := poller.Modified

	require.NoError(t, mux.RunOnce(context.Background()))

	assert.Equal(t, interestBefore, c.Interest())
	assert.Equal(t, lenBefore, c.Buffer.Len())
	assert.Equal(t, modifiedBefore, poller.Modified)
	assert.Equal(t, 0, sock.Calls())
	assert.Empty(t, h.reads)
	assert.Equal(t, 1, mux.Len())
}

func TestMultiplexerEOFClosesConnection(t *testing.T) {
	mux, poller := newTestMux(t, reactor.Options{})
	h := &echoHandler{}
	c, sock := register(t, mux, h)

	sock.Hangup()
	poller.Ready(c, reactor.Read)
	require.NoError(t, mux.RunOnce(context.Background()))

	assert.True(t, c.Closed())
	assert.True(t, sock.IsClosed())
	assert.Equal(t, 1, h.closed)
	assert.NoError(t, h.closeErr)
	assert.Equal(t, 0, mux.Len())
}

func TestMultiplexerHandlerErrorOnlyClosesThatConnection(t *testing.T) {
	mux, poller := newTestMux(t, reactor.Options{})
	bad := &echoHandler{failRead: errors.New("parse failure")}
	good := &echoHandler{}
	badConn, badSock := register(t, mux, bad)
	goodConn, goodSock := register(t, mux, good)

	badSock.Feed([]byte("garbage"))
	goodSock.Feed([]byte("hello"))
	poller.Ready(badConn, reactor.Read)
	poller.Ready(goodConn, reactor.Read)

	require.NoError(t, mux.RunOnce(context.Background()))

	assert.True(t, badConn.Closed())
	assert.EqualError(t, bad.closeErr, "parse failure")
	assert.False(t, goodConn.Closed())
	assert.Len(t, good.reads, 1)
}

func TestMultiplexerWaitErrorIsFatal(t *testing.T) {
	mux, poller := newTestMux(t, reactor.Options{})
	poller.WaitErr = reactor.ErrPollerClosed

	err := mux.RunOnce(context.Background())
	assert.ErrorIs(t, err, reactor.ErrPollerClosed)
}

func TestMultiplexerPausedHandlerIsNotRead(t *testing.T) {
	mux, poller := newTestMux(t, reactor.Options{})
	h := &echoHandler{paused: true}
	c, sock := register(t, mux, h)

	sock.Feed([]byte("later"))
	poller.Ready(c, reactor.Read)
	require.NoError(t, mux.RunOnce(context.Background()))

	assert.Empty(t, h.reads)
	interest, _ := poller.Interest(c)
	assert.Equal(t, reactor.None, interest)
}

func TestMultiplexerClosingPeer(t *testing.T) {
	mux, poller := newTestMux(t, reactor.Options{})
	clientH := &echoHandler{}
	upstreamH := &echoHandler{}
	client, clientSock := register(t, mux, clientH)
	upstream, upstreamSock := register(t, mux, upstreamH)
	clientH.peer, clientH.mux = upstream, mux
	upstreamH.peer, upstreamH.mux = client, mux

	upstreamSock.Hangup()
	poller.Ready(upstream, reactor.Read)
	require.NoError(t, mux.RunOnce(context.Background()))

	assert.True(t, upstream.Closed())
	assert.True(t, client.Closed())
	assert.True(t, clientSock.IsClosed())
	assert.Equal(t, 1, clientH.closed)
	assert.Equal(t, 0, mux.Len())
}

func TestMultiplexerCloseAfterFlush(t *testing.T) {
	mux, poller := newTestMux(t, reactor.Options{})
	h := &echoHandler{}
	c, sock := register(t, mux, h)

	require.NoError(t, c.Queue([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n")))
	c.CloseAfterFlush()
	require.NoError(t, mux.RunOnce(context.Background()))
	assert.False(t, c.Closed())
	interest, _ := poller.Interest(c)
	assert.Equal(t, reactor.Write, interest)

	poller.Ready(c, reactor.Write)
	require.NoError(t, mux.RunOnce(context.Background()))

	assert.Equal(t, "HTTP/1.1 502 Bad Gateway\r\n\r\n", sock.SentString())
	assert.True(t, c.Closed())
}

func TestMultiplexerIdleSweep(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	mux, _ := newTestMux(t, reactor.Options{IdleTimeout: 30 * time.Second, Now: clk.Now})
	h := &echoHandler{}
	c, _ := register(t, mux, h)

	clk.now = clk.now.Add(10 * time.Second)
	require.NoError(t, mux.RunOnce(context.Background()))
	assert.False(t, c.Closed())

	clk.now = clk.now.Add(time.Minute)
	require.NoError(t, mux.RunOnce(context.Background()))
	assert.True(t, c.Closed())
	assert.ErrorIs(t, h.closeErr, reactor.ErrIdleTimeout)
}

func TestMultiplexerSubmitRunsOnNextStep(t *testing.T) {
	mux, poller := newTestMux(t, reactor.Options{})
	ran := false
	mux.Submit(func() { ran = true })

	assert.False(t, ran)
	assert.Equal(t, 1, poller.Wakeups)
	require.NoError(t, mux.RunOnce(context.Background()))
	assert.True(t, ran)
}

func TestMultiplexerRegisterRequiresHandler(t *testing.T) {
	mux, _ := newTestMux(t, reactor.Options{})
	c := reactor.NewConnection(reactortest.NewSocket(), nil, 0)
	assert.Error(t, mux.Register(c, reactor.Read))
}

func TestInterestString(t *testing.T) {
	assert.Equal(t, "none", reactor.None.String())
	assert.Equal(t, "read", reactor.Read.String())
	assert.Equal(t, "read+write", reactor.ReadWrite.String())
}
