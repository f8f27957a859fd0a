package router

import (
	"context"
	"errors"
	"sync"
)

// ErrBufferClosed is returned by Send after Close, and by Receive once the
// buffer is closed and empty.
var ErrBufferClosed = errors.New("buffer closed")

// Buffer is a bounded FIFO. Send blocks while the buffer is full, Receive
// blocks while it is empty, and Close wakes every blocked caller.
type Buffer[T any] struct {
	items     chan T
	closed    chan struct{}
	closeOnce sync.Once

	// Stats
	mu            sync.Mutex
	totalReceived int64
	totalSent     int64
	blockedSends  int64
}

// BufferStats contains buffer statistics.
type BufferStats struct {
	Count         int
	Capacity      int
	TotalReceived int64 // items accepted by Send
	TotalSent     int64 // items handed out by Receive
	BlockedSends  int64 // Send calls that had to wait for space
}

// NewBuffer creates a buffer with the given capacity.
func NewBuffer[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{
		items:  make(chan T, capacity),
		closed: make(chan struct{}),
	}
}

// Send adds an item, waiting for space when the buffer is full. It returns
// ErrBufferClosed if the buffer is or becomes closed, or ctx.Err().
func (b *Buffer[T]) Send(ctx context.Context, item T) error {
	select {
	case <-b.closed:
		return ErrBufferClosed
	default:
	}

	select {
	case b.items <- item:
		b.countReceived()
		return nil
	default:
	}

	b.mu.Lock()
	b.blockedSends++
	b.mu.Unlock()

	select {
	case b.items <- item:
		b.countReceived()
		return nil
	case <-b.closed:
		return ErrBufferClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive removes and returns the oldest item, waiting until one is
// available. Items queued before Close are still handed out; after that it
// returns ErrBufferClosed.
func (b *Buffer[T]) Receive(ctx context.Context) (T, error) {
	select {
	case item := <-b.items:
		b.countSent()
		return item, nil
	default:
	}

	select {
	case item := <-b.items:
		b.countSent()
		return item, nil
	case <-b.closed:
		if item, ok := b.TryReceive(); ok {
			return item, nil
		}
		var zero T
		return zero, ErrBufferClosed
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryReceive returns an item if one is immediately available.
func (b *Buffer[T]) TryReceive() (T, bool) {
	select {
	case item := <-b.items:
		b.countSent()
		return item, true
	default:
		var zero T
		return zero, false
	}
}

// Close marks the buffer closed. It is safe to call more than once.
func (b *Buffer[T]) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
	})
}

// Closed returns a channel that is closed once Close has been called.
func (b *Buffer[T]) Closed() <-chan struct{} {
	return b.closed
}

// Drain discards every queued item and returns how many were dropped.
func (b *Buffer[T]) Drain() int {
	n := 0
	for {
		select {
		case <-b.items:
			n++
		default:
			return n
		}
	}
}

// Len returns the number of queued items.
func (b *Buffer[T]) Len() int {
	return len(b.items)
}

// Cap returns the capacity.
func (b *Buffer[T]) Cap() int {
	return cap(b.items)
}

// Stats returns buffer statistics.
func (b *Buffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Count:         len(b.items),
		Capacity:      cap(b.items),
		TotalReceived: b.totalReceived,
		TotalSent:     b.totalSent,
		BlockedSends:  b.blockedSends,
	}
}

func (b *Buffer[T]) countReceived() {
	b.mu.Lock()
	b.totalReceived++
	b.mu.Unlock()
}

func (b *Buffer[T]) countSent() {
	b.mu.Lock()
	b.totalSent++
	b.mu.Unlock()
}
