// Package ui provides the colored status lines printed by the launcher and
// the structured diagnostic logger behind them.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	stepStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	cmdStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
)

// Console writes human-readable status lines.
type Console struct {
	out io.Writer
	err io.Writer
}

// NewConsole writes to stdout/stderr.
func NewConsole() *Console { return &Console{out: os.Stdout, err: os.Stderr} }

// NewConsoleWith is used by tests to capture output.
func NewConsoleWith(out, err io.Writer) *Console { return &Console{out: out, err: err} }

func (c *Console) Step(format string, a ...any) {
	fmt.Fprintln(c.out, stepStyle.Render("==> "+fmt.Sprintf(format, a...)))
}

func (c *Console) Success(format string, a ...any) {
	fmt.Fprintln(c.out, successStyle.Render("✓ "+fmt.Sprintf(format, a...)))
}

func (c *Console) Info(format string, a ...any) {
	fmt.Fprintln(c.out, infoStyle.Render("ℹ "+fmt.Sprintf(format, a...)))
}

func (c *Console) Warn(format string, a ...any) {
	fmt.Fprintln(c.out, warningStyle.Render("⚠ "+fmt.Sprintf(format, a...)))
}

func (c *Console) Error(format string, a ...any) {
	fmt.Fprintln(c.err, errorStyle.Render("✗ "+fmt.Sprintf(format, a...)))
}

func (c *Console) Subtle(format string, a ...any) {
	fmt.Fprintln(c.out, subtleStyle.Render(fmt.Sprintf(format, a...)))
}

// Remediation prints a numbered list of things the user can do next.
// Lines that look like shell commands are highlighted.
func (c *Console) Remediation(lines []string) {
	if len(lines) == 0 {
		return
	}
	fmt.Fprintln(c.err, "  To fix this, try one of:")
	for i, l := range lines {
		if looksLikeCommand(l) {
			l = cmdStyle.Render(l)
		}
		fmt.Fprintf(c.err, "    %d. %s\n", i+1, l)
	}
}

// Tail prints already-bounded tool output indented under an error.
func (c *Console) Tail(lines []string) {
	for _, l := range lines {
		fmt.Fprintln(c.err, subtleStyle.Render("    | "+l))
	}
}

func looksLikeCommand(s string) bool {
	for _, p := range []string{"conda ", "git ", "pip ", "export ", "bash ", "sudo ", "python "} {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
