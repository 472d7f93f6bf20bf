// Package worker processes source batches: count the listing, ingest every
// item in order, then close the batch's count validation.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/announcement-ledger/internal/ingest"
	"github.com/JakeFAU/announcement-ledger/internal/metrics"
	"github.com/JakeFAU/announcement-ledger/internal/pipeline"
	"github.com/JakeFAU/announcement-ledger/internal/validation"
)

// Validator is the count validation state machine.
type Validator interface {
	Get(ctx context.Context, key ingest.BatchKey) (ingest.CountValidation, error)
	StartCounting(ctx context.Context, key ingest.BatchKey) error
	CompleteCounting(ctx context.Context, key ingest.BatchKey, expected, pages int) error
	StartScraping(ctx context.Context, key ingest.BatchKey) error
	CompleteScraping(ctx context.Context, key ingest.BatchKey, actual int) (validation.Result, error)
}

// Ingester pushes one listed item into the ledger.
type Ingester interface {
	Ingest(ctx context.Context, src ingest.Source, batchDate time.Time, item ingest.ListItem, force bool) (pipeline.Outcome, error)
}

// FailureRecorder logs a failed item for later retry.
type FailureRecorder interface {
	Record(ctx context.Context, batchDate time.Time, source string, item ingest.ListItem, cause error) error
}

// Stats counts item outcomes within one batch.
type Stats struct {
	Processed        int `json:"processed"`
	New              int `json:"new"`
	Replaced         int `json:"replaced"`
	SamePriority     int `json:"same_priority_duplicates"`
	KeptExisting     int `json:"preserved_existing"`
	ErrorDecisions   int `json:"error_decisions"`
	Unkeyed          int `json:"unkeyed"`
	SkippedCompleted int `json:"skipped_completed"`
	Failed           int `json:"failed"`
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.Processed += other.Processed
	s.New += other.New
	s.Replaced += other.Replaced
	s.SamePriority += other.SamePriority
	s.KeptExisting += other.KeptExisting
	s.ErrorDecisions += other.ErrorDecisions
	s.Unkeyed += other.Unkeyed
	s.SkippedCompleted += other.SkippedCompleted
	s.Failed += other.Failed
}

func (s *Stats) tally(out pipeline.Outcome) {
	s.Processed++
	if out.SkippedCompleted {
		s.SkippedCompleted++
		return
	}
	if out.Unkeyed {
		s.Unkeyed++
	}
	switch out.Decision.Kind {
	case ingest.DecisionNew:
		s.New++
	case ingest.DecisionReplaced:
		s.Replaced++
	case ingest.DecisionSamePriorityDuplicate:
		s.SamePriority++
	case ingest.DecisionKeptExisting:
		s.KeptExisting++
	case ingest.DecisionError:
		s.ErrorDecisions++
	}
}

// Result reports one finished batch. Closed is set when the batch had already
// reached a terminal validation status and was skipped.
type Result struct {
	Key      ingest.BatchKey         `json:"-"`
	Source   string                  `json:"source"`
	Stats    Stats                   `json:"stats"`
	Expected int                     `json:"expected"`
	Actual   int                     `json:"actual"`
	Status   ingest.ValidationStatus `json:"validation_status,omitempty"`
	Closed   bool                    `json:"closed,omitempty"`
	Duration time.Duration           `json:"duration"`
	Err      error                   `json:"-"`
}

// Worker consumes batch jobs and runs them to completion.
type Worker struct {
	queue     ingest.Queue
	validator Validator
	ingester  Ingester
	failures  FailureRecorder
	onResult  func(Result)
	logger    *zap.Logger
}

// New constructs a Worker. onResult receives every finished batch and must be
// safe for concurrent use.
func New(
	queue ingest.Queue,
	validator Validator,
	ingester Ingester,
	failures FailureRecorder,
	onResult func(Result),
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onResult == nil {
		onResult = func(Result) {}
	}
	return &Worker{
		queue:     queue,
		validator: validator,
		ingester:  ingester,
		failures:  failures,
		onResult:  onResult,
		logger:    logger,
	}
}

// Run blocks, consuming batch jobs until the queue is drained or the context ends.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ingest.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued batch", zap.String("run_id", job.RunID), zap.String("batch", job.Key.String()))
		w.onResult(w.Process(ctx, job))
	}
}

// Process runs one batch. Item failures are logged for retry and never stop
// the batch; storage failures do, and come back in Result.Err.
func (w *Worker) Process(ctx context.Context, job ingest.BatchJob) Result {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	start := time.Now()
	res := Result{Key: job.Key, Source: job.Key.Source}
	logger := w.logger.With(
		zap.String("run_id", job.RunID),
		zap.String("source", job.Key.Source),
		zap.String("batch_date", job.Key.BatchDate.Format(ingest.DateLayout)),
	)

	err := w.process(ctx, job, &res, logger)
	res.Duration = time.Since(start)
	metrics.ObserveBatch(job.Key.Source, res.Duration)
	switch {
	case errors.Is(err, ingest.ErrBatchClosed):
		res.Closed = true
		logger.Info("batch already closed, skipping", zap.Error(err))
	case err != nil:
		res.Err = err
		logger.Error("batch failed", zap.Error(err))
	default:
		logger.Info("batch finished",
			zap.Int("processed", res.Stats.Processed),
			zap.Int("failed", res.Stats.Failed),
			zap.String("validation", string(res.Status)),
		)
	}
	return res
}

func (w *Worker) process(ctx context.Context, job ingest.BatchJob, res *Result, logger *zap.Logger) error {
	key, src := job.Key, job.Source

	row, err := w.validator.Get(ctx, key)
	switch {
	case err == nil && row.Status == ingest.ValidationScraping:
		// Counted by an earlier, interrupted run; keep its expected total.
		res.Expected = row.Expected
		logger.Info("resuming interrupted batch", zap.Int("expected", row.Expected))
	case err == nil || errors.Is(err, ingest.ErrNotFound):
		if err := w.count(ctx, key, src, res); err != nil {
			return err
		}
	default:
		return err //nolint:wrapcheck // carries the batch key
	}

	if err := w.validator.StartScraping(ctx, key); err != nil {
		return err //nolint:wrapcheck // carries the batch key
	}
	items, err := src.ListItems(ctx, key.BatchDate)
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("batch canceled: %w", err)
		}
		out, err := w.ingester.Ingest(ctx, src, key.BatchDate, item, job.Force)
		if errors.Is(err, ingest.ErrStorage) {
			return err
		}
		if err != nil {
			res.Stats.Failed++
			if recErr := w.failures.Record(ctx, key.BatchDate, key.Source, item, err); recErr != nil {
				return recErr //nolint:wrapcheck // already a storage error
			}
			continue
		}
		res.Stats.tally(out)
	}

	res.Actual = res.Stats.Processed
	vr, err := w.validator.CompleteScraping(ctx, key, res.Actual)
	if err != nil {
		return err //nolint:wrapcheck // carries the batch key
	}
	res.Status = vr.Status
	if vr.Mismatch() {
		logger.Warn("fewer items ingested than listed", zap.Int("expected", vr.Expected), zap.Int("actual", vr.Actual))
	}
	return nil
}

func (w *Worker) count(ctx context.Context, key ingest.BatchKey, src ingest.Source, res *Result) error {
	if err := w.validator.StartCounting(ctx, key); err != nil {
		return err //nolint:wrapcheck // carries the batch key
	}
	listing, err := src.CountListing(ctx, key.BatchDate)
	if err != nil {
		return fmt.Errorf("count listing: %w", err)
	}
	if err := w.validator.CompleteCounting(ctx, key, listing.Count, listing.Pages); err != nil {
		return err //nolint:wrapcheck // carries the batch key
	}
	res.Expected = listing.Count
	return nil
}
