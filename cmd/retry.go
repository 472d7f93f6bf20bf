package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/announcement-ledger/internal/clock/system"
	"github.com/JakeFAU/announcement-ledger/internal/failures"
	"github.com/JakeFAU/announcement-ledger/internal/ingest"
)

type retryFlags struct {
	date   string
	source string
	limit  int
	force  bool
}

// newRetryCmd creates the 'retry' subcommand.
func newRetryCmd() *cobra.Command {
	f := &retryFlags{}
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-ingest pending failed items",
		Long: `Re-runs every pending failed item through the ingestion path. Items that
keep failing become permanent once they reach retry.max_attempts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRetry(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.date, "date", "", "only retry items of this batch date YYYY-MM-DD (default all)")
	cmd.Flags().StringVar(&f.source, "source", "", "only retry items of this source")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "maximum items to retry (default retry.batch_limit)")
	cmd.Flags().BoolVar(&f.force, "force-reresolve", false, "re-resolve identities already processed downstream")
	return cmd
}

func runRetry(cmd *cobra.Command, f *retryFlags) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	opts := failures.RetryOptions{Source: f.source, Limit: appInstance.cfg.Retry.BatchLimit}
	if f.date != "" {
		if opts.BatchDate, err = system.ParseBatchDate(f.date); err != nil {
			return fmt.Errorf("--date: %w", err)
		}
	}
	if cmd.Flags().Changed("limit") {
		opts.Limit = f.limit
	}
	force := appInstance.cfg.Run.ForceReresolve
	if cmd.Flags().Changed("force-reresolve") {
		force = f.force
	}

	report, retryErr := appInstance.orchestrator.Retry(cmd.Context(), opts, force)
	if err := writeJSON(cmd.OutOrStdout(), retryOutput{
		BatchDate:   formatOptionalDate(opts.BatchDate),
		Source:      opts.Source,
		Attempted:   report.Attempted(),
		RetryReport: report,
	}); err != nil {
		return err
	}
	if retryErr != nil {
		return fmt.Errorf("retry: %w", retryErr)
	}
	return nil
}

type retryOutput struct {
	BatchDate string `json:"batch_date,omitempty"`
	Source    string `json:"source,omitempty"`
	Attempted int    `json:"attempted"`
	failures.RetryReport
}

func formatOptionalDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(ingest.DateLayout)
}
