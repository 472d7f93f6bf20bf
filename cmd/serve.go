package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/announcement-ledger/internal/api"
	"github.com/JakeFAU/announcement-ledger/internal/failures"
	"github.com/JakeFAU/announcement-ledger/internal/orchestrator"
	"github.com/JakeFAU/announcement-ledger/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

const (
	runJobName   = "daily-run"
	retryJobName = "failed-item-retry"
)

// newServeCmd creates the 'serve' subcommand: the ops API plus the cron
// triggers for daily runs and retries.
func newServeCmd() *cobra.Command {
	var noSchedule bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the ops API and run scheduled batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), appInstance, !noSchedule)
		},
	}
	cmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "serve the API without the run and retry cron jobs")
	return cmd
}

func serve(ctx context.Context, a *App, schedule bool) error {
	logger := a.logger
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var sched *scheduler.Scheduler
	if schedule {
		sched = scheduler.New(time.UTC, logger.Named("scheduler"))
		for _, job := range a.scheduledJobs() {
			if err := sched.Add(ctx, job); err != nil {
				return err
			}
		}
		sched.Start()
	}

	apiServer := api.NewServer(api.Deps{
		Validations: a.stores.validations,
		Failures:    a.stores.failures,
		Ledger:      a.stores.announcements,
		Ready:       a.stores.ready,
		Clock:       a.clock,
	}, api.Config{
		APIKey:         a.cfg.Server.APIKey,
		RequestTimeout: time.Duration(a.cfg.Server.RequestTimeoutSeconds) * time.Second,
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Warn("scheduler stop incomplete", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// scheduledJobs returns the daily run over every source and the retry sweep.
func (a *App) scheduledJobs() []scheduler.Job {
	return []scheduler.Job{
		{
			Name: runJobName,
			Spec: a.cfg.Run.Schedule,
			Run: func(ctx context.Context) error {
				summary, err := a.orchestrator.Run(ctx, orchestrator.RunOptions{
					BatchDate:      a.clock.Today(),
					ForceReresolve: a.cfg.Run.ForceReresolve,
				})
				if n := len(summary.Mismatches()); n > 0 {
					a.logger.Warn("count validation mismatches",
						zap.String("run_id", summary.RunID),
						zap.Int("batches", n),
					)
				}
				return err //nolint:wrapcheck // orchestrator errors carry the run id
			},
		},
		{
			Name: retryJobName,
			Spec: a.cfg.Retry.Schedule,
			Run: func(ctx context.Context) error {
				_, err := a.orchestrator.Retry(ctx, failures.RetryOptions{Limit: a.cfg.Retry.BatchLimit}, a.cfg.Run.ForceReresolve)
				return err //nolint:wrapcheck // already wrapped by the orchestrator
			},
		},
	}
}
