package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/flow/internal/workflow/engine"
	"github.com/kingrea/flow/internal/workflow/lint"
	"github.com/kingrea/flow/internal/workflow/store"
)

var (
	titleStyle        = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	mutedStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
	labelStyleReady   = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleBlocked = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyleGate    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	labelStyleDefault = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	detailTextStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
)

func labelStyleForAction(resp engine.Response) lipgloss.Style {
	switch {
	case resp.Terminal == engine.TerminalSuccess:
		return labelStyleReady
	case resp.Terminal == engine.TerminalHITL, resp.Terminal == engine.TerminalBlocked:
		return labelStyleBlocked
	case resp.Action == engine.ActionRetry:
		return labelStyleGate
	case resp.Action == engine.ActionFork, resp.Action == engine.ActionBranchRecorded:
		return labelStyleRunning
	default:
		return labelStyleDefault
	}
}

func friendlyLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	replacer := strings.NewReplacer("_", " ", "-", " ")
	words := strings.Fields(replacer.Replace(strings.ToLower(value)))
	if len(words) == 0 {
		return ""
	}
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

// RenderResponse renders a navigation response as a status header followed
// by fork branches or escalation context.
func RenderResponse(taskID string, resp engine.Response) string {
	label := friendlyLabel(string(resp.Action))
	if resp.Terminal != engine.TerminalNone {
		label += " · " + friendlyLabel(string(resp.Terminal))
	}
	header := fmt.Sprintf("%s  %s", labelStyleForAction(resp).Render(label), titleStyle.Render(resp.Step.Title()))

	var facts []string
	facts = append(facts, "task "+taskID, "workflow "+resp.WorkflowID, "step "+resp.Step.NodeID)
	if resp.From != "" {
		facts = append(facts, "from "+resp.From)
	}
	if resp.Step.Agent != "" {
		facts = append(facts, "agent "+resp.Step.Agent)
	}
	if resp.RetryCount > 0 || resp.Step.MaxRetries > 0 {
		facts = append(facts, fmt.Sprintf("retries %d/%d", resp.RetryCount, resp.Step.MaxRetries))
	}
	lines := []string{header, detailTextStyle.Render(strings.Join(facts, " · "))}
	if resp.AutonomyContinued {
		lines = append(lines, mutedStyle.Render("continued past "+strings.Join(resp.Crossed, ", ")))
	}
	if esc := resp.Escalation; esc != nil {
		lines = append(lines, labelStyleBlocked.Render(fmt.Sprintf("escalated from %s after %d attempt(s)", esc.Node, esc.Attempts)))
	}
	if resp.Join != nil {
		lines = append(lines, detailTextStyle.Render(fmt.Sprintf("join %s (%s) → %s", resp.Join.Join, resp.Join.Strategy, resp.Join.Result)))
	}
	if resp.Fork != nil {
		for _, b := range resp.Fork.Branches {
			row := fmt.Sprintf("  • %-12s %-8s %s", b.Name, b.Status, b.EntryStep.Title())
			if b.ChildRef != "" {
				row += mutedStyle.Render("  child " + b.ChildRef)
			}
			lines = append(lines, row)
		}
	}
	return strings.Join(lines, "\n")
}

// RenderMarkdown renders instruction text for the terminal. Style "" picks
// one from the terminal background.
func RenderMarkdown(text string, width int, style string) (string, error) {
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	if style == "" {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStandardStyle(style))
	}
	renderer, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return "", err
	}
	return renderer.Render(text)
}

// RenderSummaries renders a workflow listing.
func RenderSummaries(summaries []store.Summary) string {
	if len(summaries) == 0 {
		return mutedStyle.Render("No workflows loaded")
	}
	width := 0
	for _, s := range summaries {
		width = max(width, len(s.ID))
	}
	var rows []string
	for _, s := range summaries {
		name := s.Name
		if name == "" {
			name = humanizeWorkflowID(s.ID)
		}
		rows = append(rows, fmt.Sprintf("%-*s  %s  %s",
			width, s.ID,
			labelStyleDefault.Render(fmt.Sprintf("%-8s %2d steps", s.Source, s.Steps)),
			detailTextStyle.Render(name),
		))
	}
	return strings.Join(rows, "\n")
}

// RenderDiagnostics renders lint findings, one per line.
func RenderDiagnostics(id string, diags []lint.Diagnostic) string {
	if len(diags) == 0 {
		return labelStyleReady.Render("ok") + "  " + id
	}
	var rows []string
	for _, d := range diags {
		style := labelStyleGate
		if d.Severity == lint.SeverityError {
			style = labelStyleBlocked
		}
		loc := d.NodeID
		if d.EdgeFrom != "" || d.EdgeTo != "" {
			loc = d.EdgeFrom + " -> " + d.EdgeTo
		}
		row := fmt.Sprintf("%s  %s  %s: %s", style.Render(string(d.Severity)), id, d.Rule, d.Message)
		if loc != "" {
			row += mutedStyle.Render("  (" + loc + ")")
		}
		rows = append(rows, row)
	}
	return strings.Join(rows, "\n")
}
