package main

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/codefionn/agentpulse/internal/workspace"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	labelColors = map[string]lipgloss.Color{
		string(workspace.LabelIdle):  lipgloss.Color("10"),
		string(workspace.LabelBusy):  lipgloss.Color("11"),
		string(workspace.LabelMixed): lipgloss.Color("13"),
		string(workspace.LabelNone):  lipgloss.Color("8"),
	}
)

// renderTable renders rows under headers. Cells in labelCol are colored by
// status label; pass -1 to disable.
func renderTable(headers []string, rows [][]string, labelCol int) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == labelCol && row >= 0 && row < len(rows) {
				if color, ok := labelColors[rows[row][col]]; ok {
					return cellStyle.Foreground(color)
				}
			}
			return cellStyle
		})
	return t.String()
}
