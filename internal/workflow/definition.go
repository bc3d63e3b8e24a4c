package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// NodeKind enumerates the node variants a workflow graph may contain.
type NodeKind string

const (
	KindStart NodeKind = "start"
	KindTask  NodeKind = "task"
	KindGate  NodeKind = "gate"
	KindEnd   NodeKind = "end"
	KindFork  NodeKind = "fork"
	KindJoin  NodeKind = "join"
)

// Valid reports whether the kind is one of the known node variants.
func (k NodeKind) Valid() bool {
	switch k {
	case KindStart, KindTask, KindGate, KindEnd, KindFork, KindJoin:
		return true
	}
	return false
}

// Control reports whether nodes of this kind are pure control nodes with no
// user-facing step identity.
func (k NodeKind) Control() bool {
	return k == KindFork || k == KindJoin
}

// Result is the outcome a caller reports for a step. Edges use the same
// vocabulary in their `on` field; an empty value means unconditional.
type Result string

const (
	ResultNone   Result = ""
	ResultPassed Result = "passed"
	ResultFailed Result = "failed"
)

// ParseResult normalizes caller input into a Result.
func ParseResult(raw string) (Result, error) {
	switch Result(strings.ToLower(strings.TrimSpace(raw))) {
	case ResultNone:
		return ResultNone, nil
	case ResultPassed:
		return ResultPassed, nil
	case ResultFailed:
		return ResultFailed, nil
	}
	return ResultNone, fmt.Errorf("workflow: result must be %q or %q, got %q", ResultPassed, ResultFailed, raw)
}

// EndResult classifies how an end node terminates the workflow.
type EndResult string

const (
	EndSuccess EndResult = "success"
	EndBlocked EndResult = "blocked"
)

// EscalationHITL marks an end node that hands the task to a human.
const EscalationHITL = "hitl"

// JoinStrategy decides how branch outcomes reduce to one result.
type JoinStrategy string

const (
	JoinAllPass JoinStrategy = "all-pass"
	JoinAnyPass JoinStrategy = "any-pass"
)

// Branch points a fork branch at the node where its work begins.
type Branch struct {
	EntryStep string `json:"entryStep" yaml:"entryStep"`
}

// UnmarshalYAML accepts either `name: step-id` or `name: {entryStep: step-id}`.
func (b *Branch) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		b.EntryStep = strings.TrimSpace(value.Value)
		return nil
	}
	type plain Branch
	var decoded plain
	if err := value.Decode(&decoded); err != nil {
		return err
	}
	*b = Branch(decoded)
	b.EntryStep = strings.TrimSpace(b.EntryStep)
	return nil
}

// Node is one unit of a workflow graph. Fields that only apply to some kinds
// are left empty for the others.
type Node struct {
	ID           string         `json:"id" yaml:"id,omitempty"`
	Kind         NodeKind       `json:"type" yaml:"type"`
	Name         string         `json:"name,omitempty" yaml:"name,omitempty"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty"`
	Stage        string         `json:"stage,omitempty" yaml:"stage,omitempty"`
	Agent        string         `json:"agent,omitempty" yaml:"agent,omitempty"`
	Instructions string         `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	ContextFiles []string       `json:"context_files,omitempty" yaml:"context_files,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// task / gate
	MaxRetries int `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`

	// end
	Result     EndResult `json:"result,omitempty" yaml:"result,omitempty"`
	Escalation string    `json:"escalation,omitempty" yaml:"escalation,omitempty"`

	// fork
	Branches map[string]Branch `json:"branches,omitempty" yaml:"branches,omitempty"`
	Join     string            `json:"join,omitempty" yaml:"join,omitempty"`

	// join
	Fork     string       `json:"fork,omitempty" yaml:"fork,omitempty"`
	Strategy JoinStrategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`
}

// HITL reports whether the node is a human-intervention terminal.
func (n *Node) HITL() bool {
	return n != nil && n.Kind == KindEnd && strings.EqualFold(n.Escalation, EscalationHITL)
}

// BranchNames returns the fork's branch names in sorted order.
func (n *Node) BranchNames() []string {
	if n == nil || len(n.Branches) == 0 {
		return nil
	}
	names := make([]string, 0, len(n.Branches))
	for name := range n.Branches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	clone := *n
	clone.ContextFiles = cloneStringSlice(n.ContextFiles)
	clone.Metadata = cloneAnyMap(n.Metadata)
	if len(n.Branches) > 0 {
		clone.Branches = make(map[string]Branch, len(n.Branches))
		for name, branch := range n.Branches {
			clone.Branches[name] = branch
		}
	}
	return &clone
}

// Edge is a directed transition between two nodes of the same definition.
type Edge struct {
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	On        Result `json:"on,omitempty" yaml:"on,omitempty"`
	Label     string `json:"label,omitempty" yaml:"label,omitempty"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Unconditional reports whether the edge applies regardless of result.
func (e Edge) Unconditional() bool {
	return e.On == ResultNone
}

// Definition declares a workflow graph. Once loaded into a store it is
// treated as immutable and shared by every navigation against it.
type Definition struct {
	ID          string           `json:"id" yaml:"id"`
	Name        string           `json:"name,omitempty" yaml:"name,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       map[string]*Node `json:"nodes" yaml:"nodes"`
	Edges       []Edge           `json:"edges" yaml:"edges"`

	// Digest is the blake3 digest of the source bytes, when loaded from bytes.
	Digest string `json:"digest,omitempty" yaml:"-"`
}

// Node looks up a node by id.
func (def *Definition) Node(id string) (*Node, bool) {
	if def == nil {
		return nil, false
	}
	n, ok := def.Nodes[id]
	if !ok || n == nil {
		return nil, false
	}
	return n, true
}

// Start returns the definition's start node, or nil when it has none.
func (def *Definition) Start() *Node {
	if def == nil {
		return nil
	}
	for _, id := range def.NodeIDs() {
		if n := def.Nodes[id]; n != nil && n.Kind == KindStart {
			return n
		}
	}
	return nil
}

// Outgoing returns the edges leaving a node in declaration order.
func (def *Definition) Outgoing(id string) []Edge {
	if def == nil {
		return nil
	}
	var out []Edge
	for _, e := range def.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// NodeIDs returns node ids in sorted order.
func (def *Definition) NodeIDs() []string {
	if def == nil {
		return nil
	}
	ids := make([]string, 0, len(def.Nodes))
	for id := range def.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StepCount counts the task and gate nodes, the steps a caller performs.
func (def *Definition) StepCount() int {
	if def == nil {
		return 0
	}
	count := 0
	for _, n := range def.Nodes {
		if n != nil && (n.Kind == KindTask || n.Kind == KindGate) {
			count++
		}
	}
	return count
}

// Clone returns a deep copy of the workflow definition.
func (def *Definition) Clone() *Definition {
	if def == nil {
		return nil
	}
	clone := &Definition{
		ID:          def.ID,
		Name:        def.Name,
		Description: def.Description,
		Digest:      def.Digest,
	}
	if def.Nodes != nil {
		clone.Nodes = make(map[string]*Node, len(def.Nodes))
		for id, n := range def.Nodes {
			clone.Nodes[id] = n.Clone()
		}
	}
	if len(def.Edges) > 0 {
		clone.Edges = make([]Edge, len(def.Edges))
		copy(clone.Edges, def.Edges)
	}
	return clone
}

// ErrInvalidDefinition is the sentinel wrapped by every structural error.
var ErrInvalidDefinition = errors.New("workflow: invalid definition")

// ValidationError collects every structural problem found in a definition.
type ValidationError struct {
	WorkflowID string
	Problems   []string
}

func (e *ValidationError) Error() string {
	id := e.WorkflowID
	if id == "" {
		id = "<unnamed>"
	}
	return fmt.Sprintf("workflow %s: %s", id, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidDefinition }

// Validate checks the structural invariants enforced at load time: exactly one
// start node, at least one end node with a success result, and edges whose
// endpoints resolve. Reachability and gate completeness are left to lint.
func (def *Definition) Validate() error {
	if def == nil {
		return &ValidationError{Problems: []string{"definition is nil"}}
	}
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	if strings.TrimSpace(def.ID) == "" {
		add("id is required")
	}
	if len(def.Nodes) == 0 {
		add("at least one node is required")
	}
	starts, ends, successes := 0, 0, 0
	for _, id := range def.NodeIDs() {
		n := def.Nodes[id]
		if n == nil {
			add("node %s is empty", id)
			continue
		}
		if n.ID != id {
			add("node %s declares mismatched id %s", id, n.ID)
		}
		if !n.Kind.Valid() {
			add("node %s has unknown type %q", id, n.Kind)
			continue
		}
		if n.MaxRetries < 0 {
			add("node %s: maxRetries must be >= 0", id)
		}
		switch n.Kind {
		case KindStart:
			starts++
		case KindEnd:
			ends++
			switch n.Result {
			case EndSuccess:
				successes++
			case EndBlocked:
			default:
				add("node %s: result must be %q or %q", id, EndSuccess, EndBlocked)
			}
		case KindJoin:
			if n.Strategy != JoinAllPass && n.Strategy != JoinAnyPass {
				add("node %s: strategy must be %q or %q", id, JoinAllPass, JoinAnyPass)
			}
		}
	}
	if starts != 1 {
		add("exactly one start node is required (found %d)", starts)
	}
	if ends == 0 {
		add("at least one end node is required")
	} else if successes == 0 {
		add("at least one end node with result %q is required", EndSuccess)
	}
	for idx, e := range def.Edges {
		if _, ok := def.Node(e.From); !ok {
			add("edge[%d] %s -> %s references unknown node %s", idx, e.From, e.To, e.From)
		}
		if _, ok := def.Node(e.To); !ok {
			add("edge[%d] %s -> %s references unknown node %s", idx, e.From, e.To, e.To)
		}
		switch e.On {
		case ResultNone, ResultPassed, ResultFailed:
		default:
			add("edge[%d] %s -> %s: on must be %q, %q or empty", idx, e.From, e.To, ResultPassed, ResultFailed)
		}
	}
	if len(problems) > 0 {
		return &ValidationError{WorkflowID: def.ID, Problems: problems}
	}
	return nil
}

// Normalized clones the definition, fills node ids from their keys, applies
// defaults, and validates the result.
func (def *Definition) Normalized() (*Definition, error) {
	clone := def.Clone()
	if clone == nil {
		return nil, &ValidationError{Problems: []string{"definition is nil"}}
	}
	clone.ID = strings.TrimSpace(clone.ID)
	for id, n := range clone.Nodes {
		if n == nil {
			continue
		}
		if n.ID == "" {
			n.ID = id
		}
		n.Kind = NodeKind(strings.ToLower(strings.TrimSpace(string(n.Kind))))
		switch n.Kind {
		case KindEnd:
			if n.Result == "" {
				if n.Escalation != "" {
					n.Result = EndBlocked
				} else {
					n.Result = EndSuccess
				}
			}
		case KindJoin:
			if n.Strategy == "" {
				n.Strategy = JoinAllPass
			}
		}
	}
	for i := range clone.Edges {
		clone.Edges[i].From = strings.TrimSpace(clone.Edges[i].From)
		clone.Edges[i].To = strings.TrimSpace(clone.Edges[i].To)
		clone.Edges[i].On = Result(strings.ToLower(strings.TrimSpace(string(clone.Edges[i].On))))
	}
	if err := clone.Validate(); err != nil {
		return nil, err
	}
	return clone, nil
}

func cloneStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clone := make([]string, len(values))
	copy(clone, values)
	return clone
}

func cloneAnyMap(values map[string]any) map[string]any {
	if len(values) == 0 {
		return nil
	}
	clone := make(map[string]any, len(values))
	for key, value := range values {
		clone[key] = value
	}
	return clone
}
