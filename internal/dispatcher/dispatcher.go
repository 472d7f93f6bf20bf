// Package dispatcher hands the source batches of one run to a fixed set of
// workers. Batches run in parallel; items inside a batch stay in listing order
// because a single worker owns each batch.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/announcement-ledger/internal/ingest"
	"github.com/JakeFAU/announcement-ledger/internal/worker"
)

var errNoWorkers = errors.New("dispatcher has no workers")

// Queue is a batch queue that can be sealed once a run has enqueued
// everything it owns.
type Queue interface {
	ingest.Queue
	Close()
}

// Dispatcher runs one run's batches over its worker pool.
type Dispatcher struct {
	queue   Queue
	workers []*worker.Worker
}

// New creates a Dispatcher. Every worker must consume from queue.
func New(queue Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{queue: queue, workers: workers}
}

// Dispatch starts the workers, enqueues jobs, seals the queue, and blocks
// until the workers have drained it or ctx ends. An enqueue failure stops
// further enqueueing; batches already queued still run.
func (d *Dispatcher) Dispatch(ctx context.Context, jobs []ingest.BatchJob) error {
	if len(d.workers) == 0 && len(jobs) > 0 {
		return errNoWorkers
	}

	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	var err error
	for _, job := range jobs {
		if enqErr := d.queue.Enqueue(ctx, job); enqErr != nil {
			err = fmt.Errorf("enqueue batch %s: %w", job.Key, enqErr)
			break
		}
	}
	d.queue.Close()
	wg.Wait()
	return err
}
