// Package stream provides an ordered, append-only output buffer that a
// child process writes into and any number of readers drain by offset.
// Bytes are exposed strictly in the order they were written.
package stream

import (
	"context"
	"sync"
)

// Buffer accumulates child output up to a byte limit. Writes beyond the
// limit are discarded but acknowledged, so the producing pipe never
// sees a short write. Close marks the stream complete.
type Buffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
	closed    bool
	wake      chan struct{} // closed and replaced on every append or Close
}

// New creates a Buffer capped at limit bytes.
func New(limit int) *Buffer {
	return &Buffer{
		limit: limit,
		wake:  make(chan struct{}),
	}
}

// Write implements io.Writer for the child's combined output.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.limit - len(b.buf)
	switch {
	case remaining <= 0:
		b.truncated = true
	case len(p) > remaining:
		b.buf = append(b.buf, p[:remaining]...)
		b.truncated = true
		b.broadcast()
	default:
		b.buf = append(b.buf, p...)
		b.broadcast()
	}
	return len(p), nil
}

// Close marks the stream complete. Blocked readers are released.
// Closing twice is a no-op.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.broadcast()
	}
	return nil
}

// broadcast wakes all waiting readers. Callers must hold b.mu.
func (b *Buffer) broadcast() {
	close(b.wake)
	b.wake = make(chan struct{})
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Truncated reports whether output was dropped at the limit.
func (b *Buffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Bytes returns a copy of everything buffered so far.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

// ReadFrom returns a copy of the bytes at or after offset without
// blocking, along with the next offset and whether the stream is
// complete and fully consumed at that offset.
func (b *Buffer) ReadFrom(offset int) (chunk []byte, next int, done bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readLocked(offset)
}

// Next returns the bytes at or after offset, blocking until data
// arrives, the stream closes, or ctx is cancelled. done is true once
// the stream is closed and offset has reached the end.
func (b *Buffer) Next(ctx context.Context, offset int) (chunk []byte, next int, done bool, err error) {
	for {
		b.mu.Lock()
		chunk, next, done = b.readLocked(offset)
		wake := b.wake
		b.mu.Unlock()

		if len(chunk) > 0 || done {
			return chunk, next, done, nil
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, offset, false, ctx.Err()
		}
	}
}

// readLocked copies out the tail past offset. Callers must hold b.mu.
func (b *Buffer) readLocked(offset int) (chunk []byte, next int, done bool) {
	if offset < 0 {
		offset = 0
	}
	if offset > len(b.buf) {
		offset = len(b.buf)
	}
	if offset < len(b.buf) {
		chunk = make([]byte, len(b.buf)-offset)
		copy(chunk, b.buf[offset:])
	}
	next = len(b.buf)
	// done only once the reader has drained everything; a caller that
	// just received a chunk comes back once more to observe it.
	done = b.closed && len(chunk) == 0
	return chunk, next, done
}
