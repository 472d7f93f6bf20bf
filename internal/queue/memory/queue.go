// Package memory provides the bounded in-process batch queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/announcement-ledger/internal/ingest"
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan ingest.BatchJob
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan ingest.BatchJob, capacity),
	}
}

// Enqueue pushes a job into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, job ingest.BatchJob) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return fmt.Errorf("enqueue %s: %w", job.Key, ingest.ErrQueueClosed)
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- job:
		return nil
	}
}

// Dequeue pops the next job, respecting context cancellation. Jobs enqueued
// before Close are still delivered; afterwards ErrQueueClosed is returned.
func (q *Queue) Dequeue(ctx context.Context) (ingest.BatchJob, error) {
	select {
	case <-ctx.Done():
		return ingest.BatchJob{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case job, ok := <-q.ch:
		if !ok {
			return ingest.BatchJob{}, ingest.ErrQueueClosed
		}
		return job, nil
	}
}

// Close stops accepting jobs. It is safe to call more than once.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
