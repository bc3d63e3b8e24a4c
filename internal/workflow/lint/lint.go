// Package lint runs caller-invoked diagnostics over workflow definitions.
// Loading only enforces structural validity; the rules here cover the
// semantic checks (reachability, gate completeness, fork/join pairing) so
// imperfect graphs can still be served while authors fix them.
package lint

import (
	"fmt"
	"strings"

	"github.com/kingrea/flow/internal/workflow"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	NodeID   string   `json:"node_id,omitempty"`
	EdgeFrom string   `json:"edge_from,omitempty"`
	EdgeTo   string   `json:"edge_to,omitempty"`
}

func (d Diagnostic) String() string {
	loc := d.NodeID
	if d.EdgeFrom != "" || d.EdgeTo != "" {
		loc = d.EdgeFrom + " -> " + d.EdgeTo
	}
	if loc == "" {
		return fmt.Sprintf("%s %s: %s", d.Severity, d.Rule, d.Message)
	}
	return fmt.Sprintf("%s %s [%s]: %s", d.Severity, d.Rule, loc, d.Message)
}

// Rule is a single lint check.
type Rule interface {
	Name() string
	Apply(def *workflow.Definition) []Diagnostic
}

type ruleFunc struct {
	name string
	fn   func(def *workflow.Definition) []Diagnostic
}

func (r ruleFunc) Name() string { return r.name }

func (r ruleFunc) Apply(def *workflow.Definition) []Diagnostic { return r.fn(def) }

// Rules returns the built-in rules in evaluation order.
func Rules() []Rule {
	return []Rule{
		ruleFunc{"start_node", lintStartNode},
		ruleFunc{"terminal_node", lintTerminalNode},
		ruleFunc{"success_terminal", lintSuccessTerminal},
		ruleFunc{"edge_targets_exist", lintEdgeTargetsExist},
		ruleFunc{"edge_on_valid", lintEdgeOnValid},
		ruleFunc{"start_single_edge", lintStartSingleEdge},
		ruleFunc{"reachability", lintReachability},
		ruleFunc{"gate_retry_target", lintGateRetryTarget},
		ruleFunc{"gate_escalation_target", lintGateEscalationTarget},
		ruleFunc{"fork_join_ref", lintForkJoinRef},
		ruleFunc{"fork_branch_entry", lintForkBranchEntry},
		ruleFunc{"join_fork_backref", lintJoinForkBackref},
		ruleFunc{"terminal_outgoing", lintTerminalOutgoing},
	}
}

// Check runs the built-in rules plus any extra rules against a definition.
func Check(def *workflow.Definition, extra ...Rule) []Diagnostic {
	if def == nil {
		return []Diagnostic{{Rule: "definition_nil", Severity: SeverityError, Message: "definition is nil"}}
	}
	var diags []Diagnostic
	for _, rule := range append(Rules(), extra...) {
		if rule != nil {
			diags = append(diags, rule.Apply(def)...)
		}
	}
	return diags
}

// HasErrors reports whether any diagnostic is an error.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// CheckOrError runs Check and folds error diagnostics into one error.
func CheckOrError(def *workflow.Definition, extra ...Rule) error {
	var errs []string
	for _, d := range Check(def, extra...) {
		if d.Severity == SeverityError {
			errs = append(errs, d.Rule+": "+d.Message)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("lint failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func nodesOfKind(def *workflow.Definition, kind workflow.NodeKind) []*workflow.Node {
	var out []*workflow.Node
	for _, id := range def.NodeIDs() {
		if n := def.Nodes[id]; n != nil && n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func lintStartNode(def *workflow.Definition) []Diagnostic {
	starts := nodesOfKind(def, workflow.KindStart)
	if len(starts) == 1 {
		return nil
	}
	ids := make([]string, 0, len(starts))
	for _, n := range starts {
		ids = append(ids, n.ID)
	}
	return []Diagnostic{{
		Rule:     "start_node",
		Severity: SeverityError,
		Message:  fmt.Sprintf("workflow must have exactly one start node (found %d: %v)", len(starts), ids),
	}}
}

func lintTerminalNode(def *workflow.Definition) []Diagnostic {
	if len(nodesOfKind(def, workflow.KindEnd)) > 0 {
		return nil
	}
	return []Diagnostic{{
		Rule:     "terminal_node",
		Severity: SeverityError,
		Message:  "workflow must have at least one end node",
	}}
}

func lintSuccessTerminal(def *workflow.Definition) []Diagnostic {
	for _, n := range nodesOfKind(def, workflow.KindEnd) {
		if n.Result == workflow.EndSuccess {
			return nil
		}
	}
	return []Diagnostic{{
		Rule:     "success_terminal",
		Severity: SeverityError,
		Message:  "workflow must have at least one end node with result success",
	}}
}

func lintEdgeTargetsExist(def *workflow.Definition) []Diagnostic {
	var diags []Diagnostic
	for _, e := range def.Edges {
		for _, id := range []string{e.From, e.To} {
			if _, ok := def.Node(id); !ok {
				diags = append(diags, Diagnostic{
					Rule:     "edge_targets_exist",
					Severity: SeverityError,
					Message:  fmt.Sprintf("edge references missing node %q", id),
					EdgeFrom: e.From,
					EdgeTo:   e.To,
				})
			}
		}
	}
	return diags
}

func lintEdgeOnValid(def *workflow.Definition) []Diagnostic {
	var diags []Diagnostic
	for _, e := range def.Edges {
		switch e.On {
		case workflow.ResultNone, workflow.ResultPassed, workflow.ResultFailed:
			continue
		}
		diags = append(diags, Diagnostic{
			Rule:     "edge_on_valid",
			Severity: SeverityError,
			Message:  fmt.Sprintf("edge on=%q must be passed, failed or empty", e.On),
			EdgeFrom: e.From,
			EdgeTo:   e.To,
		})
	}
	return diags
}

func lintStartSingleEdge(def *workflow.Definition) []Diagnostic {
	start := def.Start()
	if start == nil {
		return nil
	}
	out := def.Outgoing(start.ID)
	if len(out) == 1 {
		return nil
	}
	return []Diagnostic{{
		Rule:     "start_single_edge",
		Severity: SeverityError,
		Message:  fmt.Sprintf("start node must have exactly one outgoing edge (found %d)", len(out)),
		NodeID:   start.ID,
	}}
}

// successors includes fork branch entries, which are reached without edges.
func successors(def *workflow.Definition, id string) []string {
	var next []string
	for _, e := range def.Outgoing(id) {
		next = append(next, e.To)
	}
	if n, ok := def.Node(id); ok && n.Kind == workflow.KindFork {
		for _, name := range n.BranchNames() {
			next = append(next, n.Branches[name].EntryStep)
		}
		if n.Join != "" {
			next = append(next, n.Join)
		}
	}
	return next
}

func lintReachability(def *workflow.Definition) []Diagnostic {
	start := def.Start()
	if start == nil {
		return nil
	}
	seen := map[string]bool{start.ID: true}
	queue := []string{start.ID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range successors(def, cur) {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	var diags []Diagnostic
	for _, id := range def.NodeIDs() {
		n := def.Nodes[id]
		if seen[id] || n == nil || n.Kind == workflow.KindEnd {
			continue
		}
		diags = append(diags, Diagnostic{
			Rule:     "reachability",
			Severity: SeverityError,
			Message:  "node is not reachable from start",
			NodeID:   id,
		})
	}
	return diags
}

func budgetedNodes(def *workflow.Definition) []*workflow.Node {
	var out []*workflow.Node
	for _, id := range def.NodeIDs() {
		n := def.Nodes[id]
		if n == nil || n.MaxRetries <= 0 {
			continue
		}
		if n.Kind == workflow.KindTask || n.Kind == workflow.KindGate {
			out = append(out, n)
		}
	}
	return out
}

func failedEdges(def *workflow.Definition, id string) (retry, escalate []workflow.Edge) {
	for _, e := range def.Outgoing(id) {
		if e.On != workflow.ResultFailed {
			continue
		}
		target, ok := def.Node(e.To)
		if !ok {
			continue
		}
		if target.Kind == workflow.KindEnd {
			escalate = append(escalate, e)
		} else {
			retry = append(retry, e)
		}
	}
	return retry, escalate
}

func lintGateRetryTarget(def *workflow.Definition) []Diagnostic {
	var diags []Diagnostic
	for _, n := range budgetedNodes(def) {
		retry, _ := failedEdges(def, n.ID)
		if len(retry) > 0 {
			continue
		}
		diags = append(diags, Diagnostic{
			Rule:     "gate_retry_target",
			Severity: SeverityError,
			Message:  fmt.Sprintf("node has maxRetries=%d but no failed edge to a non-end node", n.MaxRetries),
			NodeID:   n.ID,
		})
	}
	return diags
}

func lintGateEscalationTarget(def *workflow.Definition) []Diagnostic {
	var diags []Diagnostic
	for _, n := range budgetedNodes(def) {
		_, escalate := failedEdges(def, n.ID)
		if len(escalate) > 0 {
			continue
		}
		diags = append(diags, Diagnostic{
			Rule:     "gate_escalation_target",
			Severity: SeverityError,
			Message:  fmt.Sprintf("node has maxRetries=%d but no failed edge to an end node for escalation", n.MaxRetries),
			NodeID:   n.ID,
		})
	}
	return diags
}

func lintForkJoinRef(def *workflow.Definition) []Diagnostic {
	var diags []Diagnostic
	for _, n := range nodesOfKind(def, workflow.KindFork) {
		join, ok := def.Node(n.Join)
		if ok && join.Kind == workflow.KindJoin {
			continue
		}
		diags = append(diags, Diagnostic{
			Rule:     "fork_join_ref",
			Severity: SeverityError,
			Message:  fmt.Sprintf("fork join %q does not reference a join node", n.Join),
			NodeID:   n.ID,
		})
	}
	return diags
}

func lintForkBranchEntry(def *workflow.Definition) []Diagnostic {
	var diags []Diagnostic
	for _, n := range nodesOfKind(def, workflow.KindFork) {
		if len(n.Branches) == 0 {
			diags = append(diags, Diagnostic{
				Rule:     "fork_branch_entry",
				Severity: SeverityError,
				Message:  "fork declares no branches",
				NodeID:   n.ID,
			})
			continue
		}
		for _, name := range n.BranchNames() {
			entry := n.Branches[name].EntryStep
			if _, ok := def.Node(entry); ok {
				continue
			}
			diags = append(diags, Diagnostic{
				Rule:     "fork_branch_entry",
				Severity: SeverityError,
				Message:  fmt.Sprintf("branch %s entryStep %q does not exist", name, entry),
				NodeID:   n.ID,
			})
		}
	}
	return diags
}

func lintJoinForkBackref(def *workflow.Definition) []Diagnostic {
	var diags []Diagnostic
	for _, n := range nodesOfKind(def, workflow.KindJoin) {
		if n.Fork == "" {
			continue
		}
		fork, ok := def.Node(n.Fork)
		if ok && fork.Kind == workflow.KindFork && fork.Join == n.ID {
			continue
		}
		diags = append(diags, Diagnostic{
			Rule:     "join_fork_backref",
			Severity: SeverityError,
			Message:  fmt.Sprintf("join fork %q does not reference a fork pointing back at this join", n.Fork),
			NodeID:   n.ID,
		})
	}
	return diags
}

// A stage-boundary end (outgoing passed edge to a non-end) is allowed; any
// other outgoing edge from an end node is never followed.
func lintTerminalOutgoing(def *workflow.Definition) []Diagnostic {
	var diags []Diagnostic
	for _, n := range nodesOfKind(def, workflow.KindEnd) {
		for _, e := range def.Outgoing(n.ID) {
			target, ok := def.Node(e.To)
			if e.On == workflow.ResultPassed && ok && target.Kind != workflow.KindEnd && !n.HITL() {
				continue
			}
			diags = append(diags, Diagnostic{
				Rule:     "terminal_outgoing",
				Severity: SeverityWarning,
				Message:  "edge leaving an end node is ignored unless it is a passed edge to a non-end node",
				EdgeFrom: e.From,
				EdgeTo:   e.To,
			})
		}
	}
	return diags
}

// Summary counts diagnostics by severity.
func Summary(diags []Diagnostic) map[Severity]int {
	out := map[Severity]int{}
	for _, d := range diags {
		out[d.Severity]++
	}
	return out
}
