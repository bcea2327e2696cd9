package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/spec-harvester/convergence/internal/types"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	acceptStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#39C26A")).Bold(true)
	conflictStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#E0B000"))
	unknownStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#D04040"))
)

// renderSummary renders a run summary as Markdown through glamour, and
// returns the raw Markdown instead when the terminal renderer can't be
// built or fails to render.
func renderSummary(s types.RunSummary) string {
	md := summaryMarkdown(s)
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return md
	}
	out, err := renderer.Render(md)
	if err != nil {
		return md
	}
	return out
}

func summaryMarkdown(s types.RunSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s %s\n\n", s.Product.Brand, s.Product.Model)
	fmt.Fprintf(&b, "- **run_id**: `%s`\n", s.RunID)
	fmt.Fprintf(&b, "- **stop_reason**: %s\n", s.StopReason)
	fmt.Fprintf(&b, "- **publishable**: %v\n", s.Publishable)
	fmt.Fprintf(&b, "- **rounds**: %d\n", len(s.Rounds))
	if !s.StartedAt.IsZero() {
		fmt.Fprintf(&b, "- **duration**: %s\n", s.CompletedAt.Sub(s.StartedAt).Round(time.Millisecond))
	}
	b.WriteString("\n## Fields\n\n")
	b.WriteString("| field | status | value | confidence | refs |\n")
	b.WriteString("|---|---|---|---|---|\n")
	keys := make([]string, 0, len(s.FinalFields))
	for k := range s.FinalFields {
		keys = append(keys, k)
	}
	sortStrings(keys)
	for _, k := range keys {
		fs := s.FinalFields[k]
		fmt.Fprintf(&b, "| %s | %s | %s | %.2f | %d |\n", k, statusLabel(fs.Status), valueOrDash(fs.Value), fs.Confidence, len(fs.Refs))
	}
	return b.String()
}

func statusLabel(s types.FieldStatus) string {
	switch s {
	case types.StatusAccepted:
		return acceptStyle.Render(string(s))
	case types.StatusConflict:
		return conflictStyle.Render(string(s))
	default:
		return unknownStyle.Render(string(s))
	}
}

func valueOrDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

func sortStrings(xs []string) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}
