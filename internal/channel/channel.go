// Package channel provides the bounded, lossy, multi-producer event queue
// that carries completed probe events to user space.
package channel

import (
	"context"
	"sync/atomic"
)

// Channel is a fixed-capacity FIFO queue. Publish never blocks: when the
// queue is full the new value is discarded and counted.
type Channel[T any] struct {
	name string
	ch   chan T

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a channel with the given capacity.
// A non-positive capacity is treated as one.
func New[T any](name string, capacity int) *Channel[T] {
	if capacity <= 0 {
		capacity = 1
	}

	return &Channel[T]{
		name: name,
		ch:   make(chan T, capacity),
	}
}

// Name returns the channel's name.
func (c *Channel[T]) Name() string { return c.name }

// Publish enqueues v if there is room and reports whether it was accepted.
func (c *Channel[T]) Publish(v T) bool {
	select {
	case c.ch <- v:
		c.published.Add(1)

		return true
	default:
		c.dropped.Add(1)

		return false
	}
}

// C exposes the receive side for use in select statements.
func (c *Channel[T]) C() <-chan T { return c.ch }

// TryRecv returns the oldest queued value without blocking.
func (c *Channel[T]) TryRecv() (T, bool) {
	select {
	case v := <-c.ch:
		return v, true
	default:
		var zero T

		return zero, false
	}
}

// Drain delivers queued values to fn in FIFO order until ctx is cancelled.
func (c *Channel[T]) Drain(ctx context.Context, fn func(T)) {
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-c.ch:
			fn(v)
		}
	}
}

// Len returns the number of queued values.
func (c *Channel[T]) Len() int { return len(c.ch) }

// Cap returns the channel's capacity.
func (c *Channel[T]) Cap() int { return cap(c.ch) }

// Published returns the number of accepted values.
func (c *Channel[T]) Published() uint64 { return c.published.Load() }

// Dropped returns the number of values discarded because the queue was full.
func (c *Channel[T]) Dropped() uint64 { return c.dropped.Load() }
