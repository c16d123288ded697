package output

import (
	"fmt"
	"strings"

	"github.com/hoistup/hoist/internal/core"
)

// MarkdownFormatter renders results as a markdown table.
type MarkdownFormatter struct{}

// FormatBatch renders a batch result as Markdown.
func (f *MarkdownFormatter) FormatBatch(result *core.BatchResult) (string, error) {
	if result == nil {
		return "", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s upload\n\n", escapeMarkdownCell(result.Provider))
	if result.Destination != nil && result.Destination.URL != "" {
		fmt.Fprintf(&sb, "Destination: %s\n\n", result.Destination.URL)
	}
	sb.WriteString("| Item | Status | URL / Error |\n")
	sb.WriteString("|------|--------|-------------|\n")
	for _, item := range result.Items {
		fmt.Fprintf(&sb, "| %s | %s | %s |\n",
			escapeMarkdownCell(item.Item.Source),
			escapeMarkdownCell(statusLabel(item)),
			escapeMarkdownCell(itemNotes(item)),
		)
	}
	fmt.Fprintf(&sb, "\n**Result**: %s\n", summary(result))
	return sb.String(), nil
}

func escapeMarkdownCell(value string) string {
	return strings.ReplaceAll(value, "|", "\\|")
}
