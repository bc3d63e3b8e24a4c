package engine

import "github.com/kingrea/flow/internal/workflow"

// BranchStatus tracks one fork branch while the fork is open.
type BranchStatus string

const (
	BranchPending BranchStatus = "pending"
	BranchPassed  BranchStatus = "passed"
	BranchFailed  BranchStatus = "failed"
)

// BranchState is the persisted record of a single branch.
type BranchState struct {
	Status   BranchStatus `json:"status" yaml:"status"`
	ChildRef string       `json:"childRef,omitempty" yaml:"childRef,omitempty"`
}

// ForkState exists only while a position is inside a fork. It is cleared
// once the matching join resolves.
type ForkState struct {
	Fork     string                 `json:"fork" yaml:"fork"`
	Branches map[string]BranchState `json:"branches" yaml:"branches"`
}

// Complete reports whether every branch has a recorded outcome.
func (fs *ForkState) Complete() bool {
	if fs == nil || len(fs.Branches) == 0 {
		return false
	}
	for _, b := range fs.Branches {
		if b.Status != BranchPassed && b.Status != BranchFailed {
			return false
		}
	}
	return true
}

func (fs *ForkState) clone() *ForkState {
	if fs == nil {
		return nil
	}
	out := &ForkState{Fork: fs.Fork}
	if fs.Branches != nil {
		out.Branches = make(map[string]BranchState, len(fs.Branches))
		for name, b := range fs.Branches {
			out.Branches[name] = b
		}
	}
	return out
}

// Position is the caller-owned record of where a task stands in a workflow.
//
// RetryCount is the counter most relevant to the last transition; Retries
// holds the per-node ledger so one gate's failures never count against
// another.
type Position struct {
	TaskID      string         `json:"taskId,omitempty" yaml:"taskId,omitempty"`
	WorkflowID  string         `json:"workflowId" yaml:"workflowId"`
	CurrentStep string         `json:"currentStep" yaml:"currentStep"`
	RetryCount  int            `json:"retryCount" yaml:"retryCount"`
	Retries     map[string]int `json:"retries,omitempty" yaml:"retries,omitempty"`
	Autonomy    bool           `json:"autonomy" yaml:"autonomy"`
	ForkState   *ForkState     `json:"forkState,omitempty" yaml:"forkState,omitempty"`
	// Branch is set on child positions that walk a single fork branch.
	Branch string `json:"branch,omitempty" yaml:"branch,omitempty"`
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	out := *p
	if p.Retries != nil {
		out.Retries = make(map[string]int, len(p.Retries))
		for id, n := range p.Retries {
			out.Retries[id] = n
		}
	}
	out.ForkState = p.ForkState.clone()
	return &out
}

// adoptLegacyCounter moves the single retryCount of a position written
// before the per-node ledger onto the gate that owns it: the gate the task
// sits on, or the only gate whose failed edge leads back to the current
// step. A counter with no single owner is dropped.
func adoptLegacyCounter(def *workflow.Definition, p *Position) {
	if p.Retries != nil || p.RetryCount <= 0 || p.CurrentStep == "" {
		return
	}
	if n, ok := def.Node(p.CurrentStep); ok && n.Kind == workflow.KindGate {
		p.setRetries(n.ID, p.RetryCount)
		return
	}
	owner := ""
	for _, id := range def.NodeIDs() {
		n := def.Nodes[id]
		if n.Kind != workflow.KindGate {
			continue
		}
		for _, e := range def.Outgoing(id) {
			if e.On != workflow.ResultFailed || e.To != p.CurrentStep {
				continue
			}
			if owner != "" && owner != id {
				return
			}
			owner = id
		}
	}
	if owner != "" {
		p.setRetries(owner, p.RetryCount)
	}
}

func (p *Position) retriesFor(id string) int {
	if p == nil || p.Retries == nil {
		return 0
	}
	return p.Retries[id]
}

func (p *Position) setRetries(id string, n int) {
	if n <= 0 {
		if p.Retries != nil {
			delete(p.Retries, id)
			if len(p.Retries) == 0 {
				p.Retries = nil
			}
		}
		return
	}
	if p.Retries == nil {
		p.Retries = map[string]int{}
	}
	p.Retries[id] = n
}
