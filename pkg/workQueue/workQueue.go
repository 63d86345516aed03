// Package workQueue is a bounded FIFO used between event intake and task
// processing. A full queue blocks producers; nothing is ever dropped.
package workQueue

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var ErrQueueClosed = errors.New("work queue closed")

type IInputQueue[T any] interface {
	Enqueue(ctx context.Context, item *T) error
}

type IOutputQueue[T any] interface {
	Dequeue(ctx context.Context) (*T, error)
}

type WorkQueue[T any] struct {
	items     chan *T
	closed    chan struct{}
	closeOnce sync.Once
	depth     prometheus.Gauge
}

// NewWorkQueue creates a queue holding at most capacity items. depth may be nil.
func NewWorkQueue[T any](capacity int, depth prometheus.Gauge) *WorkQueue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &WorkQueue[T]{
		items:  make(chan *T, capacity),
		closed: make(chan struct{}),
		depth:  depth,
	}
}

// Enqueue blocks until there is room, ctx is done or the queue is closed.
func (q *WorkQueue[T]) Enqueue(ctx context.Context, item *T) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case q.items <- item:
		q.observe()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closed:
		return ErrQueueClosed
	}
}

// Dequeue blocks until an item is available. Items still buffered when the
// queue is closed are abandoned.
func (q *WorkQueue[T]) Dequeue(ctx context.Context) (*T, error) {
	select {
	case item := <-q.items:
		q.observe()
		return item, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.closed:
		return nil, ErrQueueClosed
	}
}

func (q *WorkQueue[T]) Len() int {
	return len(q.items)
}

func (q *WorkQueue[T]) Cap() int {
	return cap(q.items)
}

func (q *WorkQueue[T]) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
}

func (q *WorkQueue[T]) observe() {
	if q.depth != nil {
		q.depth.Set(float64(len(q.items)))
	}
}
