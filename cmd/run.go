package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/announcement-ledger/internal/clock/system"
	"github.com/JakeFAU/announcement-ledger/internal/orchestrator"
)

type runFlags struct {
	date    string
	sources []string
	force   bool
}

// newRunCmd creates the 'run' subcommand, which ingests one batch date.
func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest one batch date from every configured source",
		Long: `Counts each source's listing, ingests every listed item, and records the
count validation outcome. Failed items are queued for 'ledger retry'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBatch(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.date, "date", "", "batch date YYYY-MM-DD (default today, UTC)")
	cmd.Flags().StringSliceVar(&f.sources, "source", nil, "restrict the run to these sources")
	cmd.Flags().BoolVar(&f.force, "force-reresolve", false, "re-resolve identities already processed downstream")
	return cmd
}

func runBatch(cmd *cobra.Command, f *runFlags) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	batchDate, err := batchDateFlag(f.date, appInstance.clock.Today())
	if err != nil {
		return err
	}
	force := appInstance.cfg.Run.ForceReresolve
	if cmd.Flags().Changed("force-reresolve") {
		force = f.force
	}

	summary, runErr := appInstance.orchestrator.Run(cmd.Context(), orchestrator.RunOptions{
		BatchDate:      batchDate,
		Sources:        f.sources,
		ForceReresolve: force,
	})
	if summary.RunID != "" {
		if err := writeJSON(cmd.OutOrStdout(), summary); err != nil {
			return err
		}
	}
	if runErr != nil {
		return fmt.Errorf("run batch: %w", runErr)
	}
	return nil
}

// batchDateFlag parses a --date value, falling back to today.
func batchDateFlag(raw string, today time.Time) (time.Time, error) {
	if raw == "" {
		return today, nil
	}
	d, err := system.ParseBatchDate(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--date: %w", err)
	}
	return d, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
