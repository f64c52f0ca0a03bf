package router

import (
	"context"
	"errors"
	"sync"
)

// ErrBufferClosed is returned by Receive once a closed buffer is empty.
var ErrBufferClosed = errors.New("buffer closed")

// GrowableBuffer is an unbounded FIFO queue. Its ring doubles when it
// reaches 70% full, so Send never blocks the router.
type GrowableBuffer[T any] struct {
	mu     sync.Mutex
	notify chan struct{} // Signalled on Send and Close, capacity 1
	ring   []T
	head   int
	count  int
	closed bool

	received int64
	sent     int64
	resizes  int
}

// NewGrowableBuffer creates a new buffer with the given initial capacity.
func NewGrowableBuffer[T any](initialCapacity int) *GrowableBuffer[T] {
	return &GrowableBuffer[T]{
		notify: make(chan struct{}, 1),
		ring:   make([]T, max(initialCapacity, 1)),
	}
}

// Send appends an item. It returns false if the buffer is closed.
func (b *GrowableBuffer[T]) Send(item T) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}

	if threshold := max(len(b.ring)*70/100, 1); b.count+1 >= threshold {
		b.grow()
	}
	b.ring[(b.head+b.count)%len(b.ring)] = item
	b.count++
	b.received++
	b.mu.Unlock()

	b.signal()
	return true
}

// Receive removes the oldest item, blocking until one is available. It
// returns ErrBufferClosed once the buffer is closed and drained, or the
// context error.
func (b *GrowableBuffer[T]) Receive(ctx context.Context) (T, error) {
	for {
		if item, ok, closed := b.take(); ok {
			return item, nil
		} else if closed {
			var zero T
			return zero, ErrBufferClosed
		}

		select {
		case <-b.notify:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryReceive removes the oldest item without blocking.
func (b *GrowableBuffer[T]) TryReceive() (T, bool) {
	item, ok, _ := b.take()
	return item, ok
}

// DrainTo removes up to max items (all when max <= 0) in FIFO order.
func (b *GrowableBuffer[T]) DrainTo(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.count
	if n == 0 {
		return nil
	}
	if max > 0 && max < n {
		n = max
	}

	out := make([]T, n)
	for i := range out {
		out[i] = b.pop()
	}
	return out
}

// Wait returns a channel that receives after the next Send or Close.
// Items sent before the call may already be queued; check Len first.
func (b *GrowableBuffer[T]) Wait() <-chan struct{} {
	return b.notify
}

// Close stops accepting items. Queued items can still be received.
func (b *GrowableBuffer[T]) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

// Len returns the number of queued items.
func (b *GrowableBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the current ring capacity.
func (b *GrowableBuffer[T]) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ring)
}

// Stats returns buffer statistics.
func (b *GrowableBuffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Count:         b.count,
		Capacity:      len(b.ring),
		TotalReceived: b.received,
		TotalSent:     b.sent,
		ResizeCount:   b.resizes,
	}
}

// BufferStats contains buffer statistics.
type BufferStats struct {
	Count         int
	Capacity      int
	TotalReceived int64
	TotalSent     int64
	ResizeCount   int
}

func (b *GrowableBuffer[T]) take() (item T, ok, closed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		if b.closed {
			// Keep waking other receivers
			b.signal()
		}
		return item, false, b.closed
	}
	return b.pop(), true, false
}

// pop must be called with the lock held and count > 0.
func (b *GrowableBuffer[T]) pop() T {
	var zero T
	item := b.ring[b.head]
	b.ring[b.head] = zero
	b.head = (b.head + 1) % len(b.ring)
	b.count--
	b.sent++
	return item
}

// grow doubles the ring, unwrapping queued items to the front. Must be
// called with the lock held.
func (b *GrowableBuffer[T]) grow() {
	next := make([]T, len(b.ring)*2)
	n := copy(next, b.ring[b.head:min(b.head+b.count, len(b.ring))])
	copy(next[n:], b.ring[:b.count-n])

	b.ring = next
	b.head = 0
	b.resizes++
}

func (b *GrowableBuffer[T]) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
