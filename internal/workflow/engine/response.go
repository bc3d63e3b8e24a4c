package engine

import "github.com/kingrea/flow/internal/workflow"

// Action names the transition a navigation call performed.
type Action string

const (
	ActionStart          Action = "start"
	ActionCurrent        Action = "current"
	ActionAdvance        Action = "advance"
	ActionRetry          Action = "retry"
	ActionEscalate       Action = "escalate"
	ActionFork           Action = "fork"
	ActionBranchRecorded Action = "branch_recorded"
	ActionBranchComplete Action = "branch_complete"
)

// Terminal marks a response whose position sits on an end node.
type Terminal string

const (
	TerminalNone    Terminal = ""
	TerminalSuccess Terminal = "success"
	TerminalBlocked Terminal = "blocked"
	TerminalHITL    Terminal = "hitl"
)

// Input carries everything the caller reports on a navigation call. A zero
// Input asks for the current payload.
type Input struct {
	Result workflow.Result
	// Autonomy overrides the position's flag when non-nil.
	Autonomy *bool
	// Branch names the fork branch Result belongs to.
	Branch        string
	BranchResults map[string]workflow.Result
	ChildRefs     map[string]string
}

func (in Input) reportsBranches() bool {
	return in.Branch != "" || len(in.BranchResults) > 0 || len(in.ChildRefs) > 0
}

// Step is the declarative payload of a node.
type Step struct {
	NodeID       string            `json:"nodeId"`
	Kind         workflow.NodeKind `json:"type"`
	Name         string            `json:"name,omitempty"`
	Description  string            `json:"description,omitempty"`
	Stage        string            `json:"stage,omitempty"`
	Agent        string            `json:"agent,omitempty"`
	Instructions string            `json:"instructions"`
	ContextFiles []string          `json:"contextFiles,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
	MaxRetries   int               `json:"maxRetries,omitempty"`
}

// Title returns the display name, falling back to the node id.
func (s Step) Title() string {
	if s.Name != "" {
		return s.Name
	}
	return s.NodeID
}

// BranchDetail describes one fork branch well enough to dispatch it.
type BranchDetail struct {
	Name      string       `json:"name"`
	EntryStep Step         `json:"entryStep"`
	MultiStep bool         `json:"multiStep"`
	Status    BranchStatus `json:"status"`
	ChildRef  string       `json:"childRef,omitempty"`
}

// ForkDetail enumerates a fork's branches in name order.
type ForkDetail struct {
	Fork     string                `json:"fork"`
	Join     string                `json:"join"`
	Strategy workflow.JoinStrategy `json:"strategy"`
	Branches []BranchDetail        `json:"branches"`
}

// JoinDetail records how a join reduced its branch outcomes.
type JoinDetail struct {
	Join     string                     `json:"join"`
	Strategy workflow.JoinStrategy      `json:"strategy"`
	Outcomes map[string]workflow.Result `json:"outcomes"`
	Result   workflow.Result            `json:"result"`
}

// Escalation gives a human enough context to pick up an escalated task.
type Escalation struct {
	Node       string `json:"node"`
	Attempts   int    `json:"attempts"`
	MaxRetries int    `json:"maxRetries"`
}

// Response is the outcome of one navigation call. Position is the complete
// next position the caller should persist.
type Response struct {
	WorkflowID        string          `json:"workflowId"`
	Action            Action          `json:"action"`
	Step              Step            `json:"step"`
	From              string          `json:"from,omitempty"`
	Terminal          Terminal        `json:"terminal,omitempty"`
	StageBoundary     bool            `json:"stageBoundary,omitempty"`
	RetryCount        int             `json:"retryCount"`
	AutonomyContinued bool            `json:"autonomyContinued,omitempty"`
	Crossed           []string        `json:"crossed,omitempty"`
	Fork              *ForkDetail     `json:"fork,omitempty"`
	Join              *JoinDetail     `json:"join,omitempty"`
	Escalation        *Escalation     `json:"escalation,omitempty"`
	BranchOutcome     workflow.Result `json:"branchOutcome,omitempty"`
	Position          *Position       `json:"position"`
}

// Control reports whether the response sits on a fork or join node.
func (r Response) Control() bool {
	return r.Step.Kind.Control()
}
