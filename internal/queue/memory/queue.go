// Package memory provides an in-process campaign queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = discovery.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan discovery.QueueItem
	closeMu sync.RWMutex
	closed  bool
}

var _ discovery.Queue = (*Queue)(nil)

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan discovery.QueueItem, capacity),
	}
}

// Enqueue pushes a campaign into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, item discovery.QueueItem) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next campaign, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (discovery.QueueItem, error) {
	select {
	case <-ctx.Done():
		return discovery.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return discovery.QueueItem{}, ErrClosed
		}
		return item, nil
	}
}

// Len reports the number of queued campaigns.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown. Items already queued can
// still be dequeued.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
