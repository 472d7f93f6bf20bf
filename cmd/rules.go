package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/announcement-ledger/internal/ingest"
)

// newRulesCmd groups domain rule maintenance.
func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage per-domain identity rules",
	}
	cmd.AddCommand(newRulesImportCmd(), newRulesShowCmd())
	return cmd
}

func newRulesImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the rules of every domain named in a YAML rule file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if appInstance.db == nil {
				appInstance.logger.Warn("importing into the in-memory store; rules are lost on exit")
			}
			return appInstance.importRules(cmd.Context(), args[0])
		},
	}
}

func newRulesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <domain>...",
		Short: "Print the stored rules of each domain",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return showRules(cmd.Context(), cmd, appInstance, args)
		},
	}
}

func showRules(ctx context.Context, cmd *cobra.Command, a *App, domains []string) error {
	out := make(map[string][]ingest.DomainRule, len(domains))
	for _, domain := range domains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		found, err := a.stores.rules.RulesForDomain(ctx, domain)
		if err != nil {
			return fmt.Errorf("load rules for %s: %w", domain, err)
		}
		if found == nil {
			found = []ingest.DomainRule{}
		}
		out[domain] = found
	}
	return writeJSON(cmd.OutOrStdout(), out)
}
