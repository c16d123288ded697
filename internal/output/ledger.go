package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/hoistup/hoist/internal/core/engine"
	"github.com/hoistup/hoist/internal/core/ledger"
)

// LedgerRow is the presentation form of one quota bucket.
type LedgerRow struct {
	Provider    string    `json:"provider"`
	Route       string    `json:"route"`
	Global      bool      `json:"global"`
	Limit       int       `json:"limit"`
	Remaining   int       `json:"remaining"`
	ResetAt     time.Time `json:"reset_at"`
	ResetInMs   int64     `json:"reset_in_ms"`
	WindowStart time.Time `json:"window_start,omitempty"`
}

// LedgerRows converts gate state into rows, optionally filtered to one
// provider.
func LedgerRows(states []engine.BucketState, provider string, now time.Time) []LedgerRow {
	provider = strings.ToLower(strings.TrimSpace(provider))
	rows := make([]LedgerRow, 0, len(states))
	for _, s := range states {
		if provider != "" && s.Key.Provider != provider {
			continue
		}
		resetIn := s.Entry.ResetAt.Sub(now)
		if resetIn < 0 {
			resetIn = 0
		}
		rows = append(rows, LedgerRow{
			Provider:    s.Key.Provider,
			Route:       s.Key.Route,
			Global:      s.Key.IsGlobal(),
			Limit:       s.Entry.Limit,
			Remaining:   s.Entry.Remaining,
			ResetAt:     s.Entry.ResetAt.UTC(),
			ResetInMs:   resetIn.Milliseconds(),
			WindowStart: s.Entry.WindowStart.UTC(),
		})
	}
	return rows
}

// FormatLedger renders ledger rows as a table or JSON.
func FormatLedger(format Format, rows []LedgerRow) (string, error) {
	if format == FormatJSON {
		if rows == nil {
			rows = []LedgerRow{}
		}
		return marshal(rows, true)
	}
	if len(rows) == 0 {
		return ascii.DrawBox("Rate Limit Ledger\n\n(no active quota windows)", 0), nil
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Rate Limit Ledger")
	t.AppendHeader(table.Row{"Bucket", "Remaining", "Limit", "Resets In", "Reset At"})
	for _, row := range rows {
		limit := "-"
		if row.Limit > 0 {
			limit = fmt.Sprintf("%d", row.Limit)
		}
		t.AppendRow(table.Row{
			ledger.BucketKey{Provider: row.Provider, Route: row.Route}.String(),
			row.Remaining,
			limit,
			(time.Duration(row.ResetInMs) * time.Millisecond).Round(100 * time.Millisecond).String(),
			row.ResetAt.Format(time.RFC3339),
		})
	}
	return t.Render(), nil
}

// ResetSummary renders the outcome of a ledger reset.
func ResetSummary(keys []ledger.BucketKey, dryRun bool) string {
	title := "Ledger Reset"
	if dryRun {
		title += " (dry run)"
	}
	lines := []string{title, ""}
	if len(keys) == 0 {
		lines = append(lines, "(no matching buckets)")
	}
	for _, key := range keys {
		lines = append(lines, key.String())
	}
	verb := "cleared"
	if dryRun {
		verb = "would be cleared"
	}
	lines = append(lines, "", fmt.Sprintf("%d bucket(s) %s", len(keys), verb))
	return ascii.DrawBox(strings.Join(lines, "\n"), 0)
}
