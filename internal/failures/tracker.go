// Package failures records items that failed ingestion and retries them in a
// later run.
package failures

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/announcement-ledger/internal/ingest"
	"github.com/JakeFAU/announcement-ledger/internal/metrics"
)

// DefaultMaxAttempts is the retry count at which an item becomes a permanent failure.
const DefaultMaxAttempts = 3

// Reingester pushes one failed item through ingestion again.
type Reingester interface {
	Reingest(ctx context.Context, item ingest.FailedItem) error
}

// RetryOptions selects which pending items a retry run picks up.
type RetryOptions struct {
	BatchDate time.Time
	Source    string
	// Limit caps the number of items; zero or negative means all.
	Limit int
}

// RetryReport counts the outcomes of one retry run.
type RetryReport struct {
	Succeeded         int `json:"succeeded"`
	StillPending      int `json:"still_pending"`
	PermanentlyFailed int `json:"permanently_failed"`
}

// Attempted returns the number of items the run touched.
func (r RetryReport) Attempted() int {
	return r.Succeeded + r.StillPending + r.PermanentlyFailed
}

// Tracker owns the failed item table.
type Tracker struct {
	store       ingest.FailureStore
	clock       ingest.Clock
	maxAttempts int
	logger      *zap.Logger
}

// New constructs a Tracker. maxAttempts <= 0 selects DefaultMaxAttempts.
func New(store ingest.FailureStore, clock ingest.Clock, maxAttempts int, logger *zap.Logger) *Tracker {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, clock: clock, maxAttempts: maxAttempts, logger: logger}
}

// LogFailure records item as pending, or refreshes the error fields when the
// same detail URL already failed on the same batch date.
func (t *Tracker) LogFailure(ctx context.Context, item ingest.FailedItem) error {
	if item.DetailURL == "" {
		return fmt.Errorf("log failure: detail url is required")
	}
	if item.ErrorType == "" {
		item.ErrorType = ingest.ErrorTypeUnknown
	}
	if err := t.store.Upsert(ctx, item); err != nil {
		return ingest.StorageError(fmt.Errorf("log failure %s: %w", item.DetailURL, err))
	}
	metrics.ObserveItemFailure(item.Source, string(item.ErrorType))
	t.logger.Warn("item failed",
		zap.String("source", item.Source),
		zap.String("batch_date", item.BatchDate.Format(ingest.DateLayout)),
		zap.String("detail_url", item.DetailURL),
		zap.String("error_type", string(item.ErrorType)),
		zap.String("error", item.ErrorMessage),
	)
	return nil
}

// Record builds a FailedItem from an ingestion error and logs it.
func (t *Tracker) Record(ctx context.Context, batchDate time.Time, source string, li ingest.ListItem, cause error) error {
	return t.LogFailure(ctx, ingest.FailedItem{
		BatchDate:    batchDate,
		Source:       source,
		Title:        li.Title,
		ListURL:      li.ListURL,
		DetailURL:    li.DetailURL,
		ErrorType:    ingest.Classify(cause),
		ErrorMessage: cause.Error(),
	})
}

// List returns failed items matching filter.
func (t *Tracker) List(ctx context.Context, filter ingest.FailureFilter) ([]ingest.FailedItem, error) {
	items, err := t.store.List(ctx, filter)
	if err != nil {
		return nil, ingest.StorageError(fmt.Errorf("list failed items: %w", err))
	}
	return items, nil
}

// Retry re-ingests pending items. An item that succeeds becomes success; one
// that fails again has its retry count incremented and becomes a permanent
// failure once the count reaches the attempt limit. Terminal rows are never
// selected. A storage failure aborts the run and returns the partial report.
func (t *Tracker) Retry(ctx context.Context, opts RetryOptions, r Reingester) (RetryReport, error) {
	var report RetryReport
	items, err := t.List(ctx, ingest.FailureFilter{
		BatchDate: opts.BatchDate,
		Source:    opts.Source,
		Status:    ingest.FailurePending,
		Limit:     opts.Limit,
	})
	if err != nil {
		return report, err
	}
	t.logger.Info("retrying failed items",
		zap.Int("pending", len(items)),
		zap.String("source", opts.Source),
	)

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("retry canceled: %w", err)
		}
		cause := r.Reingest(ctx, item)
		if errors.Is(cause, ingest.ErrStorage) {
			return report, cause
		}

		status, count, msg := t.next(item, cause)
		if err := t.store.UpdateRetry(ctx, item.ID, status, count, msg, t.clock.Now()); err != nil {
			return report, ingest.StorageError(fmt.Errorf("update retry %d: %w", item.ID, err))
		}
		metrics.ObserveRetry(string(status))
		switch status {
		case ingest.FailureSuccess:
			report.Succeeded++
		case ingest.FailurePermanent:
			report.PermanentlyFailed++
			t.logger.Warn("item permanently failed",
				zap.String("source", item.Source),
				zap.String("detail_url", item.DetailURL),
				zap.Int("retry_count", count),
				zap.String("error", msg),
			)
		default:
			report.StillPending++
		}
	}
	return report, nil
}

func (t *Tracker) next(item ingest.FailedItem, cause error) (ingest.FailureStatus, int, string) {
	if cause == nil {
		return ingest.FailureSuccess, item.RetryCount, ""
	}
	count := item.RetryCount + 1
	if count >= t.maxAttempts {
		return ingest.FailurePermanent, count, cause.Error()
	}
	return ingest.FailurePending, count, cause.Error()
}
