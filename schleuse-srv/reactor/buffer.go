package reactor

import "errors"

// DefaultMaxBufferBytes bounds a ConnectionBuffer when no limit is configured.
const DefaultMaxBufferBytes = 4 * 1024 * 1024

// ConnectionBuffer is the outbound byte queue of one connection. Chunks are
// delivered in enqueue order and a chunk is dropped only after the socket
// accepted all of it.
type ConnectionBuffer struct {
	chunks [][]byte
	size   int
	limit  int
}

// NewConnectionBuffer creates a buffer holding at most limit bytes.
// A limit <= 0 selects DefaultMaxBufferBytes.
func NewConnectionBuffer(limit int) *ConnectionBuffer {
	if limit <= 0 {
		limit = DefaultMaxBufferBytes
	}
	return &ConnectionBuffer{limit: limit}
}

// Queue appends a copy of p. It fails with ErrBufferOverflow, leaving the
// buffer untouched, if the queued total would exceed the limit.
func (b *ConnectionBuffer) Queue(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if b.size+len(p) > b.limit {
		return ErrBufferOverflow
	}

	chunk := make([]byte, len(p))
	copy(chunk, p)
	b.chunks = append(b.chunks, chunk)
	b.size += len(p)
	return nil
}

// HasBuffer reports whether at least one undelivered byte remains.
func (b *ConnectionBuffer) HasBuffer() bool {
	return b.size > 0
}

// Len returns the number of undelivered bytes.
func (b *ConnectionBuffer) Len() int {
	return b.size
}

// Chunks returns the number of pending chunks.
func (b *ConnectionBuffer) Chunks() int {
	return len(b.chunks)
}

// Peek returns the head chunk without removing it, or nil if empty.
func (b *ConnectionBuffer) Peek() []byte {
	if len(b.chunks) == 0 {
		return nil
	}
	return b.chunks[0]
}

// Flush writes as much as the socket accepts without blocking and returns
// the number of bytes delivered. ErrWouldBlock is not reported as an error.
func (b *ConnectionBuffer) Flush(s Socket) (int, error) {
	total := 0
	for len(b.chunks) > 0 {
		head := b.chunks[0]
		n, err := s.Send(head)
		if n > 0 {
			total += n
			b.size -= n
			if n >= len(head) {
				b.chunks[0] = nil
				b.chunks = b.chunks[1:]
			} else {
				b.chunks[0] = head[n:]
			}
		}
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return total, nil
			}
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
	b.chunks = nil
	return total, nil
}

// Reset drops every pending chunk.
func (b *ConnectionBuffer) Reset() {
	b.chunks = nil
	b.size = 0
}
