package output

import (
	"fmt"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/hoistup/hoist/internal/core"
)

// TableFormatter renders results as an ASCII table.
type TableFormatter struct{}

// FormatBatch renders a batch result as a table.
func (f *TableFormatter) FormatBatch(result *core.BatchResult) (string, error) {
	if result == nil {
		return "", nil
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.Style().Format.Footer = text.FormatDefault
	t.SetTitle(fmt.Sprintf("%s upload %s", result.Provider, result.Status()))
	t.AppendHeader(table.Row{"#", "Item", "Status", "Attempts", "URL / Error"})

	for i, item := range result.Items {
		t.AppendRow(table.Row{
			i + 1,
			filepath.Base(item.Item.Source),
			statusLabel(item),
			item.Attempts,
			itemNotes(item),
		})
	}

	footer := summary(result)
	if result.Destination != nil && result.Destination.URL != "" {
		footer += " → " + result.Destination.URL
	}
	t.AppendFooter(table.Row{"", "", "", "", footer})

	return t.Render(), nil
}
