// Package scheduler triggers the daily run and the retry job on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one scheduled task.
type Job struct {
	Name string
	// Spec is a five-field cron expression or a descriptor such as @daily.
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler wraps a cron instance. Overlapping triggers of the same job are
// skipped while the previous one is still running.
type Scheduler struct {
	cron    *cron.Cron
	parser  cron.Parser
	logger  *zap.Logger
	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New builds a Scheduler that evaluates specs in loc (UTC when nil).
func New(loc *time.Location, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{s: logger.Sugar()}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return &Scheduler{
		cron:    c,
		parser:  parser,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers job. ctx is handed to every invocation; cancel it to abort a
// run in flight.
func (s *Scheduler) Add(ctx context.Context, job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("schedule job: name and run func are required")
	}
	schedule, err := s.parser.Parse(job.Spec)
	if err != nil {
		return fmt.Errorf("schedule %s: parse %q: %w", job.Name, job.Spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[job.Name]; dup {
		return fmt.Errorf("schedule %s: already registered", job.Name)
	}
	id := s.cron.Schedule(schedule, cron.FuncJob(s.wrap(ctx, job)))
	s.entries[job.Name] = id
	s.logger.Info("job scheduled",
		zap.String("job", job.Name),
		zap.String("spec", job.Spec),
		zap.Time("next_run", schedule.Next(time.Now())),
	)
	return nil
}

// Next reports the next activation of the named job. Zero before Start.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

func (s *Scheduler) wrap(ctx context.Context, job Job) func() {
	return func() {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		s.logger.Info("scheduled job started", zap.String("job", job.Name))
		if err := job.Run(ctx); err != nil {
			s.logger.Error("scheduled job failed",
				zap.String("job", job.Name),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err),
			)
			return
		}
		s.logger.Info("scheduled job finished",
			zap.String("job", job.Name),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
