package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hoistup/hoist/internal/core/engine"
	"github.com/hoistup/hoist/internal/core/ledger"
	"github.com/hoistup/hoist/internal/observability"
	"github.com/hoistup/hoist/internal/output"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect or reset the shared rate-limit ledger",
}

var (
	ledgerListProvider string
	ledgerListOutput   string
)

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active quota windows",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := tableOrJSON(ledgerListOutput)
		if err != nil {
			return err
		}

		gate, closeFn, err := openGate(cmd)
		if err != nil {
			return err
		}
		defer closeFn() // nolint:errcheck // best-effort cleanup

		states, err := gate.Entries(cmd.Context())
		if err != nil {
			return err
		}

		rendered, err := output.FormatLedger(format, output.LedgerRows(states, ledgerListProvider, time.Now()))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
		return err
	},
}

var (
	ledgerResetAll      bool
	ledgerResetProvider string
	ledgerResetBucket   string
	ledgerResetYes      bool
	ledgerResetDryRun   bool
	ledgerResetOutput   string
)

var ledgerResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear quota windows from the ledger",
	Long: `Clear quota windows from the ledger.

Select buckets with --all, --provider or --bucket provider/route. Clearing
every bucket requires --yes unless --dry-run is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := tableOrJSON(ledgerResetOutput)
		if err != nil {
			return err
		}

		query, err := ledgerResetQuery()
		if err != nil {
			return err
		}

		gate, closeFn, err := openGate(cmd)
		if err != nil {
			return err
		}
		defer closeFn() // nolint:errcheck // best-effort cleanup

		keys, err := gate.Reset(cmd.Context(), query)
		if err != nil {
			return err
		}

		if format == output.FormatJSON {
			names := make([]string, 0, len(keys))
			for _, key := range keys {
				names = append(names, key.String())
			}
			payload := map[string]any{
				"matched": len(keys),
				"buckets": names,
				"dry_run": query.DryRun,
			}
			rendered, err := output.FormatJSONValue(payload)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return err
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), output.ResetSummary(keys, query.DryRun))
		return err
	},
}

func ledgerResetQuery() (engine.ResetQuery, error) {
	query := engine.ResetQuery{
		All:      ledgerResetAll,
		Provider: strings.TrimSpace(ledgerResetProvider),
		DryRun:   ledgerResetDryRun,
	}
	if strings.TrimSpace(ledgerResetBucket) != "" {
		key, err := ledger.ParseKey(ledgerResetBucket)
		if err != nil {
			return query, err
		}
		query.Bucket = &key
	}

	selectors := 0
	for _, set := range []bool{query.All, query.Provider != "", query.Bucket != nil} {
		if set {
			selectors++
		}
	}
	switch {
	case selectors == 0:
		return query, errors.New("one of --all, --provider or --bucket is required")
	case selectors > 1:
		return query, errors.New("--all, --provider and --bucket are mutually exclusive")
	case query.All && !ledgerResetYes && !query.DryRun:
		return query, errors.New("--all requires --yes (or use --dry-run)")
	}
	return query, nil
}

// openGate builds the configured stack and returns its gate.
func openGate(cmd *cobra.Command) (*engine.Gate, func() error, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := buildStack(cmd.Context(), cfg, stackOptions{logger: observability.CLILogger})
	if err != nil {
		return nil, nil, err
	}
	return st.gate, st.Close, nil
}

func init() {
	ledgerListCmd.Flags().StringVarP(&ledgerListProvider, "provider", "p", "", "Only show buckets for this provider")
	ledgerListCmd.Flags().StringVarP(&ledgerListOutput, "output", "o", string(output.FormatTable), "Output format: table|json")

	ledgerResetCmd.Flags().BoolVar(&ledgerResetAll, "all", false, "Reset every bucket")
	ledgerResetCmd.Flags().StringVarP(&ledgerResetProvider, "provider", "p", "", "Reset every bucket of one provider")
	ledgerResetCmd.Flags().StringVar(&ledgerResetBucket, "bucket", "", "Reset one bucket (provider/route, * for the global bucket)")
	ledgerResetCmd.Flags().BoolVar(&ledgerResetYes, "yes", false, "Confirm resetting every bucket")
	ledgerResetCmd.Flags().BoolVar(&ledgerResetDryRun, "dry-run", false, "Show what would be cleared")
	ledgerResetCmd.Flags().StringVarP(&ledgerResetOutput, "output", "o", string(output.FormatTable), "Output format: table|json")

	ledgerCmd.AddCommand(ledgerListCmd)
	ledgerCmd.AddCommand(ledgerResetCmd)
	rootCmd.AddCommand(ledgerCmd)
}
