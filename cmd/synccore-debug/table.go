package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	faintStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

// renderTable renders a static, non-interactive table: just headers and
// rows, column widths taken from the widest cell in each column. No
// bubbles/bubbletea widget is pulled in since this CLI never needs to
// navigate a table interactively.
func renderTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(padRow(headers, widths)))
	b.WriteByte('\n')
	b.WriteString(faintStyle.Render(strings.Repeat("-", sum(widths)+2*(len(widths)-1))))
	b.WriteByte('\n')
	if len(rows) == 0 {
		b.WriteString(faintStyle.Render("(no rows)"))
		return b.String()
	}
	for i, row := range rows {
		b.WriteString(padRow(row, widths))
		if i < len(rows)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func padRow(cells []string, widths []int) string {
	parts := make([]string, len(widths))
	for i := range widths {
		cell := ""
		if i < len(cells) {
			cell = cells[i]
		}
		parts[i] = cell + strings.Repeat(" ", widths[i]-len(cell))
	}
	return strings.Join(parts, "  ")
}

func sum(xs []int) int {
	total := 0
	for _, x := range xs {
		total += x
	}
	return total
}
