// Package cmd defines the ledger CLI: batch runs, failure retries, the ops
// server, schema migration, and rule import.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/announcement-ledger/internal/config"
	"github.com/JakeFAU/announcement-ledger/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// session tracks what PersistentPreRunE built so it can be released even when
// the subcommand fails; cobra skips post-run hooks on error.
type session struct {
	cfgFile string
	app     *App
	logger  *zap.Logger
}

func (s *session) close() {
	if s.app != nil {
		s.app.Close()
		s.app = nil
	}
	if s.logger != nil {
		// Sync on stderr/stdout commonly fails with EINVAL; nothing to do about it.
		_ = s.logger.Sync()
		s.logger = nil
	}
}

// newRootCmd creates and configures the root command.
func newRootCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Deduplicating ledger for government announcements.",
		Long: `ledger ingests announcements listed by upstream sources, resolves each one
to a stable identity, keeps the highest priority copy, validates listed counts
against ingested counts, and retries failed items.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(s.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			s.logger = logger

			appInstance, err := NewApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			s.app = appInstance

			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&s.cfgFile, "config", "", "config file (YAML); LEDGER_* env vars override it")

	cmd.AddCommand(
		newRunCmd(),
		newRetryCmd(),
		newServeCmd(),
		newMigrateCmd(),
		newRulesCmd(),
	)
	return cmd
}

// resolveApp fetches the App stored by PersistentPreRunE.
func resolveApp(ctx context.Context) (*App, error) {
	appInstance, ok := ctx.Value(appKey).(*App)
	if !ok || appInstance == nil {
		return nil, errors.New("application not initialized")
	}
	return appInstance, nil
}

// execute runs the CLI with args and writes command output to out.
func execute(ctx context.Context, args []string, out io.Writer) error {
	s := &session{}
	defer s.close()

	root := newRootCmd(s)
	root.SetArgs(args)
	root.SetOut(out)
	return root.ExecuteContext(ctx)
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := execute(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledger: %v\n", err)
		os.Exit(1)
	}
}
