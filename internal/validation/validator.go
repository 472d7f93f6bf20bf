// Package validation tracks expected versus ingested item counts per batch.
//
// A batch moves through counting, scraping, and then completed or mismatch.
// Phase starts may be repeated within their phase and overwrite the phase
// timestamp; terminal rows accept no further transitions.
package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/announcement-ledger/internal/ingest"
	"github.com/JakeFAU/announcement-ledger/internal/metrics"
)

// Result reports the outcome of a completed batch.
type Result struct {
	Key      ingest.BatchKey
	Expected int
	Actual   int
	Failed   int
	Status   ingest.ValidationStatus
}

// Mismatch reports whether fewer items were ingested than listed.
func (r Result) Mismatch() bool {
	return r.Status == ingest.ValidationMismatch
}

// Validator drives the count validation state machine over a ValidationStore.
type Validator struct {
	store  ingest.ValidationStore
	clock  ingest.Clock
	logger *zap.Logger
}

// New constructs a Validator.
func New(store ingest.ValidationStore, clock ingest.Clock, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{store: store, clock: clock, logger: logger}
}

// StartCounting creates the row for key or restarts an unfinished counting phase.
func (v *Validator) StartCounting(ctx context.Context, key ingest.BatchKey) error {
	row, err := v.load(ctx, key)
	switch {
	case errors.Is(err, ingest.ErrNotFound):
		row = ingest.CountValidation{BatchDate: key.BatchDate, Source: key.Source}
	case err != nil:
		return err
	case row.Status.Terminal():
		return closed(key, row.Status)
	case row.Status != ingest.ValidationCounting:
		return invalid(key, row.Status, "start counting")
	}
	now := v.clock.Now()
	row.Status = ingest.ValidationCounting
	row.CountingStartedAt = &now
	return v.save(ctx, row)
}

// CompleteCounting records the listing totals and moves the batch to scraping.
func (v *Validator) CompleteCounting(ctx context.Context, key ingest.BatchKey, expected, pages int) error {
	if expected < 0 || pages < 0 {
		return fmt.Errorf("complete counting %s: negative count", key)
	}
	row, err := v.load(ctx, key)
	if err != nil {
		return err
	}
	if row.Status.Terminal() {
		return closed(key, row.Status)
	}
	if row.Status != ingest.ValidationCounting {
		return invalid(key, row.Status, "complete counting")
	}
	now := v.clock.Now()
	row.Expected = expected
	row.Pages = pages
	row.CountingCompletedAt = &now
	row.Status = ingest.ValidationScraping
	v.logger.Info("listing counted",
		zap.String("batch", key.String()),
		zap.Int("expected", expected),
		zap.Int("pages", pages),
	)
	return v.save(ctx, row)
}

// StartScraping stamps the scraping phase. Counting must be complete.
func (v *Validator) StartScraping(ctx context.Context, key ingest.BatchKey) error {
	row, err := v.load(ctx, key)
	if err != nil {
		return err
	}
	if row.Status.Terminal() {
		return closed(key, row.Status)
	}
	if row.Status != ingest.ValidationScraping || row.CountingCompletedAt == nil {
		return invalid(key, row.Status, "start scraping")
	}
	now := v.clock.Now()
	row.ScrapingStartedAt = &now
	return v.save(ctx, row)
}

// CompleteScraping records the ingested count and closes the batch.
func (v *Validator) CompleteScraping(ctx context.Context, key ingest.BatchKey, actual int) (Result, error) {
	if actual < 0 {
		return Result{}, fmt.Errorf("complete scraping %s: negative count", key)
	}
	row, err := v.load(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if row.Status.Terminal() {
		return Result{}, closed(key, row.Status)
	}
	if row.Status != ingest.ValidationScraping || row.ScrapingStartedAt == nil {
		return Result{}, invalid(key, row.Status, "complete scraping")
	}
	now := v.clock.Now()
	row.Actual = actual
	row.Failed = max(0, row.Expected-actual)
	row.ScrapingCompletedAt = &now
	row.Status = ingest.ValidationCompleted
	if actual < row.Expected {
		row.Status = ingest.ValidationMismatch
	}
	if err := v.save(ctx, row); err != nil {
		return Result{}, err
	}
	metrics.ObserveCountValidation(string(row.Status))

	res := Result{Key: key, Expected: row.Expected, Actual: actual, Failed: row.Failed, Status: row.Status}
	if res.Mismatch() {
		v.logger.Warn("batch count mismatch",
			zap.String("batch", key.String()),
			zap.Int("expected", res.Expected),
			zap.Int("actual", res.Actual),
			zap.Int("failed", res.Failed),
		)
	}
	return res, nil
}

// Get returns the current row for key.
func (v *Validator) Get(ctx context.Context, key ingest.BatchKey) (ingest.CountValidation, error) {
	return v.load(ctx, key)
}

// List returns every validation row of a batch date.
func (v *Validator) List(ctx context.Context, batchDate time.Time) ([]ingest.CountValidation, error) {
	rows, err := v.store.List(ctx, batchDate)
	if err != nil {
		return nil, ingest.StorageError(fmt.Errorf("list count validations: %w", err))
	}
	return rows, nil
}

func (v *Validator) load(ctx context.Context, key ingest.BatchKey) (ingest.CountValidation, error) {
	row, err := v.store.Get(ctx, key)
	if errors.Is(err, ingest.ErrNotFound) {
		return ingest.CountValidation{}, fmt.Errorf("count validation %s: %w", key, err)
	}
	if err != nil {
		return ingest.CountValidation{}, ingest.StorageError(fmt.Errorf("load count validation %s: %w", key, err))
	}
	return row, nil
}

func (v *Validator) save(ctx context.Context, row ingest.CountValidation) error {
	if err := v.store.Save(ctx, row); err != nil {
		return ingest.StorageError(fmt.Errorf("save count validation %s: %w", row.Key(), err))
	}
	return nil
}

func closed(key ingest.BatchKey, status ingest.ValidationStatus) error {
	return fmt.Errorf("%w: %s is %s", ingest.ErrBatchClosed, key, status)
}

func invalid(key ingest.BatchKey, status ingest.ValidationStatus, op string) error {
	return fmt.Errorf("%w: cannot %s %s in status %q", ingest.ErrInvalidTransition, op, key, status)
}
