package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/roelfdiedericks/dictate/internal/types"
	"golang.org/x/term"
)

// Colors
var (
	secondaryColor = lipgloss.Color("245") // Gray
	errorColor     = lipgloss.Color("196") // Red
	successColor   = lipgloss.Color("82")  // Green
	warningColor   = lipgloss.Color("214") // Orange
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(secondaryColor).PaddingRight(2)
	cellStyle    = lipgloss.NewStyle().PaddingRight(2)
	okStyle      = lipgloss.NewStyle().Foreground(successColor)
	failStyle    = lipgloss.NewStyle().Foreground(errorColor)
	pendingStyle = lipgloss.NewStyle().Foreground(warningColor)
	dimStyle     = lipgloss.NewStyle().Foreground(secondaryColor)
	selectStyle  = lipgloss.NewStyle().Bold(true)
)

// newTable returns a borderless table for line-oriented output.
func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		BorderColumn(false).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func statusText(s types.Status) string {
	switch s {
	case types.StatusCompleted:
		return okStyle.Render(string(s))
	case types.StatusFailed:
		return failStyle.Render(string(s))
	case types.StatusCancelled:
		return dimStyle.Render(string(s))
	default:
		return pendingStyle.Render(string(s))
	}
}

func readyText(downloaded bool) string {
	if downloaded {
		return okStyle.Render("ready")
	}
	return dimStyle.Render("not downloaded")
}

func formatSize(n int64) string {
	if n <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(n))
}

// interactive reports whether progress output has a terminal to draw on.
func interactive() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}
