// Package orchestrator runs ingestion for one batch date across every
// configured source and reports a summary.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/announcement-ledger/internal/dispatcher"
	"github.com/JakeFAU/announcement-ledger/internal/failures"
	"github.com/JakeFAU/announcement-ledger/internal/ingest"
	"github.com/JakeFAU/announcement-ledger/internal/pipeline"
	"github.com/JakeFAU/announcement-ledger/internal/queue/memory"
	"github.com/JakeFAU/announcement-ledger/internal/worker"
)

var tracer = otel.Tracer("github.com/JakeFAU/announcement-ledger/internal/orchestrator")

// Catalog lists the configured sources.
type Catalog interface {
	Sources() []ingest.Source
	Source(name string) (ingest.Source, bool)
}

// RuleCache is the per-run domain rule cache.
type RuleCache interface {
	Clear()
}

// Config tunes the orchestrator.
type Config struct {
	// Workers is the number of sources processed in parallel.
	Workers int
	// QueueDepth is the minimum batch queue capacity. The queue always holds
	// at least one slot per selected source.
	QueueDepth int
}

// RunOptions selects what a run processes.
type RunOptions struct {
	BatchDate time.Time
	// Sources restricts the run to the named sources; empty means all.
	Sources        []string
	ForceReresolve bool
}

// Summary reports a finished run.
type Summary struct {
	RunID     string          `json:"run_id"`
	BatchDate string          `json:"batch_date"`
	Totals    worker.Stats    `json:"totals"`
	Batches   []worker.Result `json:"batches"`
	Duration  time.Duration   `json:"duration"`
}

// Mismatches returns the batches whose count validation ended in mismatch.
func (s Summary) Mismatches() []worker.Result {
	var out []worker.Result
	for _, b := range s.Batches {
		if b.Status == ingest.ValidationMismatch {
			out = append(out, b)
		}
	}
	return out
}

// Orchestrator wires the run: rule cache, batch queue, workers, and summary.
// Run and Retry share the rule cache and never overlap.
type Orchestrator struct {
	mu        sync.Mutex
	catalog   Catalog
	rules     RuleCache
	validator worker.Validator
	pipeline  *pipeline.Pipeline
	tracker   *failures.Tracker
	ids       ingest.IDGenerator
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Orchestrator.
func New(
	catalog Catalog,
	rules RuleCache,
	validator worker.Validator,
	pipe *pipeline.Pipeline,
	tracker *failures.Tracker,
	ids ingest.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		catalog:   catalog,
		rules:     rules,
		validator: validator,
		pipeline:  pipe,
		tracker:   tracker,
		ids:       ids,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run processes every selected source for opts.BatchDate. Sources run in
// parallel and items within a source run in order. A storage failure in any
// batch cancels the whole run and is returned with the partial summary.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (Summary, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	runID, err := o.ids.NewID()
	if err != nil {
		return Summary{}, fmt.Errorf("run id: %w", err)
	}
	summary := Summary{RunID: runID, BatchDate: opts.BatchDate.Format(ingest.DateLayout)}
	ctx, span := tracer.Start(ctx, "ledger.run")
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.String("batch_date", summary.BatchDate),
		attribute.Bool("force_reresolve", opts.ForceReresolve),
	)
	defer span.End()
	logger := o.logger.With(zap.String("run_id", runID), zap.String("batch_date", summary.BatchDate))

	sources, err := o.pick(opts.Sources)
	if err != nil {
		return summary, err
	}

	o.rules.Clear()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var (
		mu      sync.Mutex
		results []worker.Result
	)
	collect := func(r worker.Result) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
		if errors.Is(r.Err, ingest.ErrStorage) {
			cancel(r.Err)
		}
	}

	queue := memory.NewQueue(max(o.cfg.QueueDepth, len(sources)))
	workers := make([]*worker.Worker, 0, o.cfg.Workers)
	for i := 0; i < min(o.cfg.Workers, len(sources)); i++ {
		workers = append(workers, worker.New(queue, o.validator, o.pipeline, o.tracker, collect, logger.Named("worker")))
	}
	jobs := make([]ingest.BatchJob, 0, len(sources))
	for _, src := range sources {
		jobs = append(jobs, ingest.BatchJob{
			RunID:  runID,
			Key:    ingest.BatchKey{BatchDate: opts.BatchDate, Source: src.Name()},
			Source: src,
			Force:  opts.ForceReresolve,
		})
	}

	logger.Info("run started",
		zap.Int("sources", len(sources)),
		zap.Int("workers", len(workers)),
		zap.Bool("force_reresolve", opts.ForceReresolve),
	)
	if err := dispatcher.New(queue, workers).Dispatch(runCtx, jobs); err != nil {
		return summary, err //nolint:wrapcheck // carries the batch key
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Source < results[j].Source })
	summary.Batches = results
	for _, r := range results {
		summary.Totals.Add(r.Stats)
	}
	summary.Duration = time.Since(start)
	o.log(logger, summary)

	span.SetAttributes(attribute.Int("processed", summary.Totals.Processed), attribute.Int("failed", summary.Totals.Failed))
	if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		span.SetStatus(codes.Error, cause.Error())
		return summary, fmt.Errorf("run %s aborted: %w", runID, cause)
	}
	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("run %s canceled: %w", runID, err)
	}
	return summary, nil
}

// Retry re-ingests pending failed items through the same pipeline as Run.
func (o *Orchestrator) Retry(ctx context.Context, opts failures.RetryOptions, force bool) (failures.RetryReport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ctx, span := tracer.Start(ctx, "ledger.retry")
	defer span.End()
	o.rules.Clear()
	report, err := o.tracker.Retry(ctx, opts, o.pipeline.Reingester(o.catalog, force))
	span.SetAttributes(attribute.Int("attempted", report.Attempted()))
	o.logger.Info("retry finished",
		zap.Int("succeeded", report.Succeeded),
		zap.Int("still_pending", report.StillPending),
		zap.Int("permanently_failed", report.PermanentlyFailed),
		zap.Error(err),
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return report, fmt.Errorf("retry failed items: %w", err)
	}
	return report, nil
}

func (o *Orchestrator) pick(names []string) ([]ingest.Source, error) {
	if len(names) == 0 {
		all := o.catalog.Sources()
		if len(all) == 0 {
			return nil, fmt.Errorf("no sources configured")
		}
		return all, nil
	}
	out := make([]ingest.Source, 0, len(names))
	for _, name := range names {
		src, ok := o.catalog.Source(name)
		if !ok {
			return nil, fmt.Errorf("source %q is not configured", name)
		}
		out = append(out, src)
	}
	return out, nil
}

func (o *Orchestrator) log(logger *zap.Logger, s Summary) {
	for _, b := range s.Batches {
		logger.Info("batch summary",
			zap.String("source", b.Source),
			zap.Int("processed", b.Stats.Processed),
			zap.Int("new", b.Stats.New),
			zap.Int("replaced", b.Stats.Replaced),
			zap.Int("same_priority", b.Stats.SamePriority),
			zap.Int("preserved_existing", b.Stats.KeptExisting),
			zap.Int("error_decisions", b.Stats.ErrorDecisions),
			zap.Int("unkeyed", b.Stats.Unkeyed),
			zap.Int("skipped_completed", b.Stats.SkippedCompleted),
			zap.Int("failed", b.Stats.Failed),
			zap.String("validation", string(b.Status)),
			zap.Int("expected", b.Expected),
			zap.Int("actual", b.Actual),
			zap.Bool("closed", b.Closed),
		)
	}
	logger.Info("run finished",
		zap.Int("processed", s.Totals.Processed),
		zap.Int("new", s.Totals.New),
		zap.Int("replaced", s.Totals.Replaced),
		zap.Int("failed", s.Totals.Failed),
		zap.Int("mismatches", len(s.Mismatches())),
		zap.Duration("duration", s.Duration),
	)
}
