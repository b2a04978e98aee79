// Package media holds audio helpers for the relay: a bounded buffer for
// client audio and G.711 mu-law conversion for telephony streams.
package media

import (
	"errors"
	"sync"
)

// ErrBufferFull is returned when a chunk would push the buffer past its
// limit. The chunk is not stored.
var ErrBufferFull = errors.New("audio buffer full")

// ChunkBuffer accumulates PCM chunks until the end of a user turn.
type ChunkBuffer struct {
	mu     sync.Mutex
	chunks [][]byte
	size   int
	limit  int
}

func NewChunkBuffer(limit int) *ChunkBuffer {
	return &ChunkBuffer{limit: limit}
}

func (b *ChunkBuffer) Limit() int { return b.limit }

// Append stores a copy of chunk.
func (b *ChunkBuffer) Append(chunk []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size+len(chunk) > b.limit {
		return ErrBufferFull
	}
	b.chunks = append(b.chunks, append([]byte(nil), chunk...))
	b.size += len(chunk)
	return nil
}

// Flush returns the buffered audio in arrival order and empties the
// buffer, along with the number of chunks it held.
func (b *ChunkBuffer) Flush() ([]byte, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.chunks)
	if n == 0 {
		return nil, 0
	}
	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	b.chunks = nil
	b.size = 0
	return out, n
}

func (b *ChunkBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.size = 0
}

// Size is the number of buffered bytes.
func (b *ChunkBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *ChunkBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}
