// Package output renders batch results and ledger snapshots for the CLI.
package output

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hoistup/hoist/internal/core"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// Formatter renders batch results.
type Formatter interface {
	FormatBatch(result *core.BatchResult) (string, error)
}

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatMarkdown), "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// NewFormatter returns a formatter for the requested format.
func NewFormatter(format Format) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{Indent: true}
	case FormatMarkdown:
		return &MarkdownFormatter{}
	default:
		return &TableFormatter{}
	}
}

// FormatBatchList renders several batch results. JSON output is a single
// array.
func FormatBatchList(format Format, results []*core.BatchResult) (string, error) {
	if format == FormatJSON {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	formatter := NewFormatter(format)
	rendered := make([]string, 0, len(results))
	for _, result := range results {
		if result == nil {
			continue
		}
		value, err := formatter.FormatBatch(result)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(value) != "" {
			rendered = append(rendered, value)
		}
	}
	return strings.Join(rendered, "\n\n"), nil
}

func statusLabel(item core.ItemResult) string {
	switch item.State {
	case core.StateSucceeded:
		return "uploaded"
	case core.StateFailed:
		if item.Kind != "" {
			return "failed (" + string(item.Kind) + ")"
		}
		return "failed"
	default:
		return item.State.String()
	}
}

func itemNotes(item core.ItemResult) string {
	if item.Resource != nil {
		return item.Resource.URL
	}
	return truncate(item.Error, 80)
}

func summary(result *core.BatchResult) string {
	text := fmt.Sprintf("%d/%d uploaded", result.Succeeded, result.Total)
	switch {
	case result.Aborted && result.AbortReason != "":
		text += ", aborted: " + result.AbortReason
	case result.Aborted:
		text += ", aborted"
	case result.Cancelled:
		text += ", cancelled"
	}
	if result.DestinationError != "" {
		text += ", destination: " + truncate(result.DestinationError, 80)
	}
	return text
}

func truncate(value string, limit int) string {
	value = strings.TrimSpace(value)
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}
