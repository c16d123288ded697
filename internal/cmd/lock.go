package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"

	"github.com/hoistup/hoist/internal/core/lock"
	"github.com/hoistup/hoist/internal/observability"
	"github.com/hoistup/hoist/internal/output"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect or clear the ledger and session lock markers",
}

var lockStatusOutput string

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show who holds the ledger and session locks",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := tableOrJSON(lockStatusOutput)
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logger := observability.CLILogger
		statuses := map[string]*lock.Status{}
		for name, l := range map[string]*lock.FileLock{
			"ledger":  newLedgerLock(cfg, logger),
			"session": newSessionLock(cfg, logger),
		} {
			status, err := l.Inspect()
			if err != nil {
				return err
			}
			statuses[name] = status
		}

		if format == output.FormatJSON {
			rendered, err := output.FormatJSONValue(statuses)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return err
		}

		lines := []string{"Locks", ""}
		for _, name := range []string{"ledger", "session"} {
			lines = append(lines, describeLock(name, statuses[name])...)
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), ascii.DrawBox(strings.Join(lines, "\n"), 0))
		return err
	},
}

func describeLock(name string, status *lock.Status) []string {
	if status == nil || !status.Held {
		return []string{fmt.Sprintf("%s: free", name)}
	}
	line := fmt.Sprintf("%s: held for %s", name, status.Age.Round(time.Second))
	if status.Stale {
		line += " (stale)"
	}
	lines := []string{line}
	if o := status.Owner; o != nil {
		lines = append(lines, fmt.Sprintf("  pid %d on %s", o.PID, o.Host))
	}
	return append(lines, "  "+status.Path)
}

var (
	lockClearLedger  bool
	lockClearSession bool
	lockClearYes     bool
)

var lockClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove a lock marker left behind by a crashed process",
	Long: `Remove a lock marker left behind by a crashed process.

The marker is removed regardless of owner. Only use this when no other hoist
process is running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !lockClearLedger && !lockClearSession {
			return errors.New("one of --ledger or --session is required")
		}
		if !lockClearYes {
			return errors.New("clearing a lock requires --yes")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logger := observability.CLILogger
		var targets []*lock.FileLock
		if lockClearLedger {
			targets = append(targets, newLedgerLock(cfg, logger))
		}
		if lockClearSession {
			targets = append(targets, newSessionLock(cfg, logger))
		}

		for _, l := range targets {
			if err := l.ForceClear(); err != nil {
				return err
			}
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s lock (%s)\n", l.Name, l.Path); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	lockStatusCmd.Flags().StringVarP(&lockStatusOutput, "output", "o", string(output.FormatTable), "Output format: table|json")

	lockClearCmd.Flags().BoolVar(&lockClearLedger, "ledger", false, "Clear the ledger lock")
	lockClearCmd.Flags().BoolVar(&lockClearSession, "session", false, "Clear the session lock")
	lockClearCmd.Flags().BoolVar(&lockClearYes, "yes", false, "Confirm removing the marker")

	lockCmd.AddCommand(lockStatusCmd)
	lockCmd.AddCommand(lockClearCmd)
	rootCmd.AddCommand(lockCmd)
}
