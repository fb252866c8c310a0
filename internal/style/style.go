// Package style centralizes terminal output styling. Styles degrade to
// plain text when stdout is not a terminal, so logs piped to a file stay
// clean.
package style

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	Header  = lipgloss.NewStyle().Bold(true)
	Success = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	Warn    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	Error   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	Dim     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	Accent  = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
)

// IsTTY reports whether stdout is an interactive terminal.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Render applies a style only when writing to a terminal.
func Render(s lipgloss.Style, text string) string {
	if !IsTTY() {
		return text
	}
	return s.Render(text)
}
