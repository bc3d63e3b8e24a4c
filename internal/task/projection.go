package task

import (
	"fmt"
	"strings"

	"github.com/kingrea/flow/internal/workflow/engine"
)

// Projection is the human-readable text written alongside a position.
type Projection struct {
	Subject     string
	ActiveForm  string
	Description string
	Status      Status

	Skip       bool
	SkipReason string
}

// ProjectionFor derives the status line, activity label, and instructions
// block for a navigation response. Fork and join nodes have no step of
// their own, so their projections are skipped.
func ProjectionFor(resp engine.Response) Projection {
	if resp.Control() {
		return Projection{
			Skip:       true,
			SkipReason: fmt.Sprintf("%s node %s has no step identity", resp.Step.Kind, resp.Step.NodeID),
		}
	}
	step := resp.Step
	title := step.Title()

	p := Projection{Status: StatusInProgress}
	switch resp.Terminal {
	case engine.TerminalSuccess:
		if resp.StageBoundary {
			p.Subject = "Stage complete: " + title
			p.ActiveForm = "Waiting to start the next stage"
			p.Status = StatusPending
		} else {
			p.Subject = "Done: " + title
			p.ActiveForm = "Completed " + resp.WorkflowID
			p.Status = StatusCompleted
		}
	case engine.TerminalBlocked:
		p.Subject = "Blocked: " + title
		p.ActiveForm = "Blocked"
		p.Status = StatusPending
	case engine.TerminalHITL:
		p.Subject = "Needs human: " + title
		p.ActiveForm = "Waiting for a human"
		p.Status = StatusPending
	default:
		p.Subject = title
		p.ActiveForm = activeForm(resp)
	}
	if step.Stage != "" && resp.Terminal == engine.TerminalNone {
		p.Subject = fmt.Sprintf("[%s] %s", step.Stage, p.Subject)
	}
	p.Description = describe(resp)
	return p
}

func activeForm(resp engine.Response) string {
	title := resp.Step.Title()
	switch resp.Action {
	case engine.ActionRetry:
		return fmt.Sprintf("Retrying %s (retry %d)", title, resp.RetryCount)
	default:
		if resp.Step.Agent != "" {
			return fmt.Sprintf("Working on %s as %s", title, resp.Step.Agent)
		}
		return "Working on " + title
	}
}

func describe(resp engine.Response) string {
	step := resp.Step
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", step.Title())
	if step.Instructions != "" {
		b.WriteString(strings.TrimSpace(step.Instructions))
		b.WriteString("\n\n")
	}
	var facts []string
	facts = append(facts, "Workflow: "+resp.WorkflowID, "Step: "+step.NodeID)
	if step.Stage != "" {
		facts = append(facts, "Stage: "+step.Stage)
	}
	if step.Agent != "" {
		facts = append(facts, "Agent: "+step.Agent)
	}
	if step.MaxRetries > 0 {
		facts = append(facts, fmt.Sprintf("Retries: %d of %d", resp.RetryCount, step.MaxRetries))
	}
	for _, f := range facts {
		b.WriteString("- " + f + "\n")
	}
	if len(step.ContextFiles) > 0 {
		b.WriteString("\nContext files:\n")
		for _, f := range step.ContextFiles {
			b.WriteString("- " + f + "\n")
		}
	}
	if esc := resp.Escalation; esc != nil {
		fmt.Fprintf(&b, "\nEscalated from %s after %d attempt(s)", esc.Node, esc.Attempts)
		if esc.MaxRetries > 0 {
			fmt.Fprintf(&b, " (maxRetries %d)", esc.MaxRetries)
		}
		b.WriteString(".\n")
	}
	if len(resp.Crossed) > 0 {
		fmt.Fprintf(&b, "\nContinued past: %s\n", strings.Join(resp.Crossed, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}
