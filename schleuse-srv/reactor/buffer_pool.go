package reactor

import "sync"

// DefaultReadSize is the size of pooled socket read buffers (32KB)
const DefaultReadSize = 32 * 1024

var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, DefaultReadSize)
		return &buf
	},
}

// getBuffer retrieves a buffer from the pool.
// The caller must return the buffer using putBuffer when done.
func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

func putBuffer(buf *[]byte) {
	if buf != nil {
		bufferPool.Put(buf)
	}
}
