package console

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	// promptStyle for the session prompt
	promptStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("81"))

	// resultStyle for evaluated values
	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	// errorStyle for error markers
	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	// noticeStyle for break/takeover notices
	noticeStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("220"))

	// dimStyle for muted metadata text
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// PrintResult echoes an evaluated value.
func (c *Console) PrintResult(value string) {
	c.writeLine(resultStyle.Render("=>") + " " + value)
}

// PrintError reports a recoverable error with a distinguishing marker.
func (c *Console) PrintError(msg string) {
	c.writeLine(errorStyle.Render("✘ error:") + " " + msg)
}

// PrintNotice prints a highlighted session notice.
func (c *Console) PrintNotice(msg string) {
	c.writeLine(noticeStyle.Render(msg))
}

// PrintBreak announces an incoming takeover request.
func (c *Console) PrintBreak(location, context string) {
	line := fmt.Sprintf("Break reached: %s", location)
	if context != "" {
		line += dimStyle.Render(" (" + context + ")")
	}
	c.writeLine(noticeStyle.Render(line))
}

// PrintInterrupt announces a user interrupt.
func (c *Console) PrintInterrupt() {
	c.writeLine(noticeStyle.Render("** session interrupted **"))
}
