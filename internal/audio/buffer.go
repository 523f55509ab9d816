package audio

import (
	"sync"
	"time"
)

// Chunk is one bounded-duration segment emitted by the recorder
type Chunk struct {
	Seq        uint32    // Position in arrival order, starting at 1
	Data       []byte    // Opaque encoded bytes
	ReceivedAt time.Time // When the chunk reached the buffer
}

// ChunkBuffer accumulates recorder chunks in arrival order until the
// recording is finalized. It is append-only between resets.
type ChunkBuffer struct {
	chunks    []Chunk
	size      int
	lastSeq   uint32
	empty     uint64 // zero-length emissions that were skipped
	lastWrite time.Time

	mu sync.RWMutex
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	Chunks        int       `json:"chunks"`
	SizeBytes     int       `json:"size_bytes"`
	LastSequence  uint32    `json:"last_sequence"`
	SkippedEmpty  uint64    `json:"skipped_empty"`
	LastWrite     time.Time `json:"last_write,omitempty"`
	AvgChunkBytes float64   `json:"avg_chunk_bytes"`
}

// NewChunkBuffer creates an empty chunk buffer
func NewChunkBuffer() *ChunkBuffer {
	return &ChunkBuffer{
		chunks: make([]Chunk, 0, 8),
	}
}

// Append stores a copy of data as the next chunk. Empty emissions are
// ignored and reported with ok=false.
func (b *ChunkBuffer) Append(data []byte, at time.Time) (Chunk, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(data) == 0 {
		b.empty++
		return Chunk{}, false
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	b.lastSeq++
	chunk := Chunk{
		Seq:        b.lastSeq,
		Data:       buf,
		ReceivedAt: at,
	}
	b.chunks = append(b.chunks, chunk)
	b.size += len(buf)
	b.lastWrite = at

	return chunk, true
}

// Chunks returns the buffered chunks in arrival order
func (b *ChunkBuffer) Chunks() []Chunk {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Chunk, len(b.chunks))
	copy(out, b.chunks)
	return out
}

// Bytes concatenates every buffered chunk into one slice
func (b *ChunkBuffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c.Data...)
	}
	return out
}

// Len returns the number of buffered chunks
func (b *ChunkBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.chunks)
}

// Size returns the total number of buffered bytes
func (b *ChunkBuffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Reset drops every buffered chunk and restarts sequence numbering
func (b *ChunkBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = b.chunks[:0:0]
	b.size = 0
	b.lastSeq = 0
	b.empty = 0
	b.lastWrite = time.Time{}
}

// GetStats returns current buffer statistics
func (b *ChunkBuffer) GetStats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	avg := float64(0)
	if len(b.chunks) > 0 {
		avg = float64(b.size) / float64(len(b.chunks))
	}

	return BufferStats{
		Chunks:        len(b.chunks),
		SizeBytes:     b.size,
		LastSequence:  b.lastSeq,
		SkippedEmpty:  b.empty,
		LastWrite:     b.lastWrite,
		AvgChunkBytes: avg,
	}
}
