// Package memory provides the in-process run queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/autopublisher/internal/publishing"
)

// ErrClosed is returned once the queue is closed. Dequeue keeps handing out
// runs that were already queued before reporting it.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded FIFO of runs waiting for a worker. Enqueue blocks while
// the queue is full.
type Queue struct {
	ch        chan publishing.QueueItem
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a queue holding at most capacity runs.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:   make(chan publishing.QueueItem, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue adds a run, waiting for room until ctx ends or the queue closes.
func (q *Queue) Enqueue(ctx context.Context, item publishing.QueueItem) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue run %s: %w", item.RunID, ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the oldest run.
func (q *Queue) Dequeue(ctx context.Context) (publishing.QueueItem, error) {
	select {
	case item := <-q.ch:
		return item, nil
	default:
	}
	select {
	case <-ctx.Done():
		return publishing.QueueItem{}, fmt.Errorf("dequeue: %w", ctx.Err())
	case item := <-q.ch:
		return item, nil
	case <-q.done:
		return publishing.QueueItem{}, ErrClosed
	}
}

// Len reports how many runs are waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting runs and wakes blocked callers. It is idempotent.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
