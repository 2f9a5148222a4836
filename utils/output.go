package utils

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("37"))  // dark green
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))   // red
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))  // yellow
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))  // cyan
	debugStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("250")) // light grey
)

func PrintSuccess(text string) {
	fmt.Println(successStyle.Render(text))
}
func PrintError(text string) {
	fmt.Println(errorStyle.Render(text))
}
func PrintWarning(text string) {
	fmt.Println(warningStyle.Render(text))
}
func PrintInfo(text string) {
	fmt.Println(infoStyle.Render(text))
}

// ProgressBar renders a fixed-width bar for current/total bytes.
func ProgressBar(current, total int64, width int) string {
	if width <= 0 {
		width = 30
	}
	if total <= 0 {
		return debugStyle.Render(fmt.Sprintf("• %d bytes •", current))
	}
	percent := float64(current) / float64(total)
	filled := min(int(percent*float64(width)), width)
	bar := "•" + strings.Repeat("━", filled)
	if filled < width {
		bar += strings.Repeat(" ", width-filled)
	}
	bar += "•"
	return debugStyle.Render(fmt.Sprintf("%s %.1f%%", bar, percent*100))
}

// FormatTable renders rows as a bordered lipgloss table, used for the
// end-of-run per-host statistics.
func FormatTable(headers []string, rows [][]string) string {
	t := table.New().Headers(headers...)
	t = t.StyleFunc(func(row, col int) lipgloss.Style {
		if row == table.HeaderRow {
			return lipgloss.NewStyle().Bold(true).Align(lipgloss.Center).Padding(0, 1)
		}
		return lipgloss.NewStyle().Padding(0, 1)
	})
	for _, row := range rows {
		t.Row(row...)
	}
	return t.String()
}
