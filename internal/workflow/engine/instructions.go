package engine

import (
	"fmt"
	"strings"

	"github.com/kingrea/flow/internal/workflow"
)

// DefaultInstructions infers guidance for nodes that declare none.
func DefaultInstructions(def *workflow.Definition, n *workflow.Node) string {
	if n == nil {
		return ""
	}
	title := n.Name
	if title == "" {
		title = n.ID
	}
	var b strings.Builder
	switch n.Kind {
	case workflow.KindTask:
		fmt.Fprintf(&b, "Complete %s.", title)
		if n.Description != "" {
			b.WriteString(" " + n.Description)
		}
		b.WriteString(" Report passed when the work is done, or failed if it cannot be completed.")
	case workflow.KindGate:
		fmt.Fprintf(&b, "Review the work for %s.", title)
		if n.Description != "" {
			b.WriteString(" " + n.Description)
		}
		b.WriteString(" Report passed to continue or failed to send it back.")
		if n.MaxRetries > 0 {
			fmt.Fprintf(&b, " Up to %d retries are allowed before escalation.", n.MaxRetries)
		}
	case workflow.KindFork:
		fmt.Fprintf(&b, "Dispatch every branch of %s (%s), then report each branch outcome.", title, strings.Join(n.BranchNames(), ", "))
	case workflow.KindJoin:
		fmt.Fprintf(&b, "Report the outcome of every branch joined at %s.", title)
	case workflow.KindEnd:
		switch {
		case n.HITL():
			b.WriteString("Human intervention required. Review the task history before resuming.")
		case n.Result == workflow.EndBlocked:
			fmt.Fprintf(&b, "Workflow %s is blocked at %s.", def.ID, title)
		default:
			fmt.Fprintf(&b, "Workflow %s reached %s.", def.ID, title)
		}
		if n.Description != "" {
			b.WriteString(" " + n.Description)
		}
	case workflow.KindStart:
		fmt.Fprintf(&b, "Start workflow %s.", def.ID)
	}
	return b.String()
}

// StepFor builds the declarative payload for a node.
func StepFor(def *workflow.Definition, n *workflow.Node) Step {
	if n == nil {
		return Step{}
	}
	clone := n.Clone()
	instructions := strings.TrimSpace(clone.Instructions)
	if instructions == "" {
		instructions = DefaultInstructions(def, clone)
	}
	return Step{
		NodeID:       clone.ID,
		Kind:         clone.Kind,
		Name:         clone.Name,
		Description:  clone.Description,
		Stage:        clone.Stage,
		Agent:        clone.Agent,
		Instructions: instructions,
		ContextFiles: clone.ContextFiles,
		Metadata:     clone.Metadata,
		MaxRetries:   clone.MaxRetries,
	}
}
