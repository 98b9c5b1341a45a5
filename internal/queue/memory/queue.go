// Package memory provides an in-process queue for single-node deployments.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/upload-progress/internal/jobs"
)

// Queue is a bounded FIFO backed by a buffered channel. Receiving from the
// channel is the atomic claim, so no two workers see the same item.
type Queue struct {
	name    string
	ch      chan jobs.QueueItem
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a named queue with the provided capacity.
func NewQueue(name string, capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		name: name,
		ch:   make(chan jobs.QueueItem, capacity),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Enqueue appends item without blocking. A full or closed queue is reported
// as jobs.ErrQueueUnavailable so callers can retry.
func (q *Queue) Enqueue(ctx context.Context, item jobs.QueueItem) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return fmt.Errorf("%w: queue %q: %w", jobs.ErrQueueUnavailable, q.name, jobs.ErrQueueClosed)
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return fmt.Errorf("%w: queue %q is full", jobs.ErrQueueUnavailable, q.name)
	}
}

// Dequeue pops the next item, blocking until one arrives, ctx ends or the
// queue is closed and drained.
func (q *Queue) Dequeue(ctx context.Context) (jobs.QueueItem, error) {
	select {
	case <-ctx.Done():
		return jobs.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return jobs.QueueItem{}, jobs.ErrQueueClosed
		}
		return item, nil
	}
}

// Len reports the number of pending items.
func (q *Queue) Len() int { return len(q.ch) }

// Close stops accepting items. Pending items can still be drained.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
