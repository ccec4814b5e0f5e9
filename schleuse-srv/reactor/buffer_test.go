package reactor_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/schleuse/schleuse-srv/reactor"
	"github.com/codefionn/schleuse/schleuse-srv/reactor/reactortest"
)

func TestConnectionBufferQueueCopies(t *testing.T) {
	b := reactor.NewConnectionBuffer(0)
	assert.False(t, b.HasBuffer())

	p := []byte("hello")
	require.NoError(t, b.Queue(p))
	p[0] = 'j'

	assert.True(t, b.HasBuffer())
	assert.Equal(t, []byte("hello"), b.Peek())
	assert.Equal(t, 5, b.Len())
}

func TestConnectionBufferIgnoresEmptyChunks(t *testing.T) {
	b := reactor.NewConnectionBuffer(0)
	require.NoError(t, b.Queue(nil))
	assert.False(t, b.HasBuffer())
	assert.Equal(t, 0, b.Chunks())
}

func TestConnectionBufferFlushInOrder(t *testing.T) {
	b := reactor.NewConnectionBuffer(0)
	require.NoError(t, b.Queue([]byte("first ")))
	require.NoError(t, b.Queue([]byte("second")))

	sock := reactortest.NewSocket()
	n, err := b.Flush(sock)
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Equal(t, "first second", sock.SentString())
	assert.False(t, b.HasBuffer())
}

func TestConnectionBufferPartialWriteKeepsRemainder(t *testing.T) {
	b := reactor.NewConnectionBuffer(0)
	require.NoError(t, b.Queue([]byte("abcdef")))
	require.NoError(t, b.Queue([]byte("gh")))

	sock := reactortest.NewSocket()
	sock.SendLimit = 4

	// First Send accepts 4 bytes, the next 2, then the second chunk.
	n, err := b.Flush(sock)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, "abcdefgh", sock.SentString())
	assert.Equal(t, 0, b.Chunks())
}

func TestConnectionBufferWouldBlock(t *testing.T) {
	b := reactor.NewConnectionBuffer(0)
	require.NoError(t, b.Queue([]byte("pending")))

	sock := reactortest.NewSocket()
	sock.Blocked = true

	n, err := b.Flush(sock)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, b.HasBuffer())
	assert.Equal(t, []byte("pending"), b.Peek())
}

func TestConnectionBufferSendError(t *testing.T) {
	b := reactor.NewConnectionBuffer(0)
	require.NoError(t, b.Queue([]byte("x")))

	sock := reactortest.NewSocket()
	sock.SendErr = errors.New("broken pipe")

	_, err := b.Flush(sock)
	assert.EqualError(t, err, "broken pipe")
	assert.True(t, b.HasBuffer())
}

func TestConnectionBufferOverflow(t *testing.T) {
	b := reactor.NewConnectionBuffer(8)
	require.NoError(t, b.Queue([]byte("12345")))

	err := b.Queue([]byte("6789"))
	assert.ErrorIs(t, err, reactor.ErrBufferOverflow)
	assert.Equal(t, 5, b.Len(), "rejected chunk must not be queued")

	require.NoError(t, b.Queue([]byte("678")))
	assert.Equal(t, 8, b.Len())
}
