package engine

import (
	"fmt"
	"sort"

	"github.com/kingrea/flow/internal/workflow"
)

// Navigate computes the next position for a task. A nil position starts the
// workflow; a zero Input returns the current payload unchanged; a result
// advances, retries, escalates, or records fork branch outcomes.
//
// Navigate never mutates def or pos. On error the returned Response is zero
// and the caller must not persist anything.
func Navigate(def *workflow.Definition, pos *Position, in Input) (Response, error) {
	if def == nil {
		return Response{}, fmt.Errorf("engine: definition is required")
	}
	if pos == nil {
		return start(def, in)
	}
	if pos.WorkflowID != "" && pos.WorkflowID != def.ID {
		return Response{}, fmt.Errorf("%w: position %s, definition %s", ErrWorkflowMismatch, pos.WorkflowID, def.ID)
	}
	node, ok := def.Node(pos.CurrentStep)
	if pos.CurrentStep == "" || (ok && node.Kind == workflow.KindStart) {
		restart := in
		if restart.Autonomy == nil {
			restart.Autonomy = &pos.Autonomy
		}
		resp, err := start(def, restart)
		if err != nil {
			return Response{}, err
		}
		resp.Position.TaskID = pos.TaskID
		return resp, nil
	}
	if !ok {
		return Response{}, malformed(def, pos.CurrentStep, in.Result, "current step is not declared")
	}

	next := pos.Clone()
	next.WorkflowID = def.ID
	adoptLegacyCounter(def, next)
	if in.Autonomy != nil {
		next.Autonomy = *in.Autonomy
	}

	switch {
	case node.Kind == workflow.KindJoin && next.Branch != "" && in.Result != workflow.ResultNone:
		return Response{}, fmt.Errorf("%w: branch %s already reached join %s", ErrTerminal, next.Branch, node.ID)
	case node.Kind == workflow.KindFork && (in.Result != workflow.ResultNone || in.reportsBranches()):
		return recordBranches(def, node, next, in)
	case node.Kind == workflow.KindJoin && len(in.BranchResults) > 0:
		return resolveJoin(def, node, next, in.BranchResults)
	case in.Result == workflow.ResultNone:
		return current(def, node, next), nil
	}
	return advance(def, node, next, in.Result)
}

// Start is shorthand for navigating without a position.
func Start(def *workflow.Definition, autonomy bool) (Response, error) {
	return Navigate(def, nil, Input{Autonomy: &autonomy})
}

// ChildPosition returns the position a branch child task starts from.
func ChildPosition(def *workflow.Definition, forkID, branch string, autonomy bool) (*Position, error) {
	fork, ok := def.Node(forkID)
	if !ok || fork.Kind != workflow.KindFork {
		return nil, malformed(def, forkID, workflow.ResultNone, "not a fork node")
	}
	b, ok := fork.Branches[branch]
	if !ok {
		return nil, fmt.Errorf("%w: %s on fork %s", ErrUnknownBranch, branch, forkID)
	}
	if _, ok := def.Node(b.EntryStep); !ok {
		return nil, malformed(def, forkID, workflow.ResultNone, "branch %s entry step %s is not declared", branch, b.EntryStep)
	}
	return &Position{
		WorkflowID:  def.ID,
		CurrentStep: b.EntryStep,
		Autonomy:    autonomy,
		Branch:      branch,
	}, nil
}

// Reduce applies a join strategy to a set of branch outcomes.
func Reduce(strategy workflow.JoinStrategy, outcomes map[string]workflow.Result) workflow.Result {
	switch strategy {
	case workflow.JoinAnyPass:
		for _, r := range outcomes {
			if r == workflow.ResultPassed {
				return workflow.ResultPassed
			}
		}
		return workflow.ResultFailed
	default:
		for _, r := range outcomes {
			if r != workflow.ResultPassed {
				return workflow.ResultFailed
			}
		}
		return workflow.ResultPassed
	}
}

func start(def *workflow.Definition, in Input) (Response, error) {
	s := def.Start()
	if s == nil {
		return Response{}, malformed(def, "", workflow.ResultNone, "definition has no start node")
	}
	out := def.Outgoing(s.ID)
	if len(out) == 0 {
		return Response{}, malformed(def, s.ID, workflow.ResultNone, "start node has no outgoing edge")
	}
	next := &Position{WorkflowID: def.ID}
	if in.Autonomy != nil {
		next.Autonomy = *in.Autonomy
	}
	resp := Response{Action: ActionStart, From: s.ID}
	if err := land(def, next, out[0].To, workflow.ResultPassed, &resp); err != nil {
		return Response{}, err
	}
	return finish(def, next, resp, next.CurrentStep), nil
}

func current(def *workflow.Definition, node *workflow.Node, next *Position) Response {
	resp := Response{Action: ActionCurrent}
	switch node.Kind {
	case workflow.KindFork:
		resp.Fork = forkDetail(def, node, next.ForkState)
	case workflow.KindEnd:
		resp.Terminal, resp.StageBoundary = terminalOf(def, node)
	}
	// A read reports the counter as it was last persisted.
	persisted := next.RetryCount
	resp = finish(def, next, resp, node.ID)
	next.RetryCount = persisted
	resp.RetryCount = persisted
	return resp
}

func advance(def *workflow.Definition, node *workflow.Node, next *Position, result workflow.Result) (Response, error) {
	if result != workflow.ResultPassed && result != workflow.ResultFailed {
		return Response{}, fmt.Errorf("engine: unsupported result %q", result)
	}
	if node.Kind == workflow.KindEnd {
		return crossBoundary(def, node, next, result)
	}

	resp := Response{From: node.ID}
	out := def.Outgoing(node.ID)

	if result == workflow.ResultPassed {
		edge, ok := firstEdge(out, func(e workflow.Edge) bool { return e.On == workflow.ResultPassed })
		if !ok {
			edge, ok = firstEdge(out, workflow.Edge.Unconditional)
		}
		if !ok {
			return Response{}, malformed(def, node.ID, result, "no passed or unconditional edge")
		}
		next.setRetries(node.ID, 0)
		resp.Action = ActionAdvance
		if err := land(def, next, edge.To, result, &resp); err != nil {
			return Response{}, err
		}
		return finish(def, next, resp, next.CurrentStep), nil
	}

	failed := func(e workflow.Edge) bool { return e.On == workflow.ResultFailed }
	if node.MaxRetries > 0 {
		count := next.retriesFor(node.ID)
		if count < node.MaxRetries {
			edge, ok := firstEdge(out, func(e workflow.Edge) bool { return failed(e) && !isEnd(def, e.To) })
			if !ok {
				return Response{}, malformed(def, node.ID, result, "no failed edge to a retry target")
			}
			next.setRetries(node.ID, count+1)
			resp.Action = ActionRetry
			if err := land(def, next, edge.To, result, &resp); err != nil {
				return Response{}, err
			}
			return finish(def, next, resp, node.ID), nil
		}
		edge, ok := firstEdge(out, func(e workflow.Edge) bool { return failed(e) && isEnd(def, e.To) })
		if !ok {
			return Response{}, malformed(def, node.ID, result, "no failed edge to an escalation target")
		}
		resp = escalate(def, node, next, edge.To, count+1, resp)
		resp.Terminal = TerminalHITL
		return finish(def, next, resp, node.ID), nil
	}

	edge, ok := firstEdge(out, failed)
	if !ok {
		edge, ok = firstEdge(out, workflow.Edge.Unconditional)
	}
	if !ok {
		return Response{}, malformed(def, node.ID, result, "no failed or unconditional edge")
	}
	if isEnd(def, edge.To) {
		resp = escalate(def, node, next, edge.To, 1, resp)
		target, _ := def.Node(edge.To)
		if target.HITL() {
			resp.Terminal = TerminalHITL
		} else {
			resp.Terminal = Terminal(target.Result)
		}
		return finish(def, next, resp, node.ID), nil
	}
	resp.Action = ActionRetry
	if err := land(def, next, edge.To, result, &resp); err != nil {
		return Response{}, err
	}
	return finish(def, next, resp, node.ID), nil
}

// crossBoundary handles a result reported on an end node. Only a passed
// result on a stage-boundary end moves on; every other end is terminal.
func crossBoundary(def *workflow.Definition, node *workflow.Node, next *Position, result workflow.Result) (Response, error) {
	edge, boundary := stageBoundaryEdge(def, node)
	if !boundary || node.HITL() || result != workflow.ResultPassed {
		return Response{}, fmt.Errorf("%w: %s", ErrTerminal, node.ID)
	}
	resp := Response{Action: ActionAdvance, From: node.ID}
	if err := land(def, next, edge.To, result, &resp); err != nil {
		return Response{}, err
	}
	return finish(def, next, resp, next.CurrentStep), nil
}

func escalate(def *workflow.Definition, node *workflow.Node, next *Position, target string, attempts int, resp Response) Response {
	next.CurrentStep = target
	next.ForkState = nil
	resp.Action = ActionEscalate
	resp.Escalation = &Escalation{Node: node.ID, Attempts: attempts, MaxRetries: node.MaxRetries}
	return resp
}

// land moves the position onto target and keeps going across stage
// boundaries while autonomy is set.
func land(def *workflow.Definition, next *Position, target string, via workflow.Result, resp *Response) error {
	for hops := 0; ; hops++ {
		if hops > len(def.Nodes) {
			return malformed(def, target, via, "traversal does not settle")
		}
		node, ok := def.Node(target)
		if !ok {
			return malformed(def, resp.From, via, "edge targets undeclared node %s", target)
		}
		next.CurrentStep = node.ID
		switch node.Kind {
		case workflow.KindStart:
			return malformed(def, resp.From, via, "edge re-enters start node %s", node.ID)
		case workflow.KindFork:
			next.ForkState = newForkState(node)
			resp.Action = ActionFork
			resp.Fork = forkDetail(def, node, next.ForkState)
			return nil
		case workflow.KindJoin:
			if next.Branch != "" {
				resp.Action = ActionBranchComplete
				resp.BranchOutcome = via
			}
			return nil
		case workflow.KindEnd:
			if node.HITL() {
				resp.Terminal = TerminalHITL
				return nil
			}
			if edge, boundary := stageBoundaryEdge(def, node); boundary && next.Autonomy {
				resp.AutonomyContinued = true
				resp.Crossed = append(resp.Crossed, node.ID)
				target = edge.To
				via = workflow.ResultPassed
				continue
			}
			resp.Terminal, resp.StageBoundary = terminalOf(def, node)
			return nil
		default:
			return nil
		}
	}
}

func recordBranches(def *workflow.Definition, fork *workflow.Node, next *Position, in Input) (Response, error) {
	if next.ForkState == nil || next.ForkState.Fork != fork.ID {
		next.ForkState = newForkState(fork)
	}
	outcomes := make(map[string]workflow.Result, len(in.BranchResults)+1)
	for name, r := range in.BranchResults {
		outcomes[name] = r
	}
	switch {
	case in.Branch != "" && in.Result == workflow.ResultNone:
		return Response{}, fmt.Errorf("%w: branch %s reported without a result", ErrBranchRequired, in.Branch)
	case in.Branch != "":
		outcomes[in.Branch] = in.Result
	case in.Result != workflow.ResultNone:
		return Response{}, fmt.Errorf("%w: fork %s needs branch outcomes, not a single result", ErrBranchRequired, fork.ID)
	}
	for name, ref := range in.ChildRefs {
		if _, ok := fork.Branches[name]; !ok {
			return Response{}, fmt.Errorf("%w: %s on fork %s", ErrUnknownBranch, name, fork.ID)
		}
		state := next.ForkState.Branches[name]
		state.ChildRef = ref
		next.ForkState.Branches[name] = state
	}
	for _, name := range sortedKeys(outcomes) {
		if _, ok := fork.Branches[name]; !ok {
			return Response{}, fmt.Errorf("%w: %s on fork %s", ErrUnknownBranch, name, fork.ID)
		}
		state := next.ForkState.Branches[name]
		switch outcomes[name] {
		case workflow.ResultPassed:
			state.Status = BranchPassed
		case workflow.ResultFailed:
			state.Status = BranchFailed
		default:
			return Response{}, fmt.Errorf("engine: branch %s: unsupported result %q", name, outcomes[name])
		}
		next.ForkState.Branches[name] = state
	}

	if !next.ForkState.Complete() {
		resp := Response{Action: ActionBranchRecorded, Fork: forkDetail(def, fork, next.ForkState)}
		return finish(def, next, resp, fork.ID), nil
	}

	join, ok := def.Node(fork.Join)
	if !ok || join.Kind != workflow.KindJoin {
		return Response{}, malformed(def, fork.ID, workflow.ResultNone, "join %q is not a join node", fork.Join)
	}
	reported := make(map[string]workflow.Result, len(next.ForkState.Branches))
	for name, state := range next.ForkState.Branches {
		if state.Status == BranchPassed {
			reported[name] = workflow.ResultPassed
		} else {
			reported[name] = workflow.ResultFailed
		}
	}
	next.CurrentStep = join.ID
	return resolveJoin(def, join, next, reported)
}

func resolveJoin(def *workflow.Definition, join *workflow.Node, next *Position, outcomes map[string]workflow.Result) (Response, error) {
	merged := make(map[string]workflow.Result, len(outcomes))
	if fs := next.ForkState; fs != nil && (join.Fork == "" || fs.Fork == join.Fork) {
		for name, state := range fs.Branches {
			switch state.Status {
			case BranchPassed:
				merged[name] = workflow.ResultPassed
			case BranchFailed:
				merged[name] = workflow.ResultFailed
			}
		}
	}
	for name, r := range outcomes {
		merged[name] = r
	}
	if fork, ok := def.Node(join.Fork); ok && fork.Kind == workflow.KindFork {
		for _, name := range fork.BranchNames() {
			if _, ok := merged[name]; !ok {
				return Response{}, fmt.Errorf("%w: join %s awaits branch %s", ErrBranchRequired, join.ID, name)
			}
		}
		for name := range merged {
			if _, ok := fork.Branches[name]; !ok {
				return Response{}, fmt.Errorf("%w: %s on fork %s", ErrUnknownBranch, name, fork.ID)
			}
		}
	}
	result := Reduce(join.Strategy, merged)
	next.ForkState = nil
	resp, err := advance(def, join, next, result)
	if err != nil {
		return Response{}, err
	}
	resp.Join = &JoinDetail{Join: join.ID, Strategy: join.Strategy, Outcomes: merged, Result: result}
	return resp, nil
}

// finish fills the fields every response carries. countNode selects which
// node's retry counter is reported.
func finish(def *workflow.Definition, next *Position, resp Response, countNode string) Response {
	node, _ := def.Node(next.CurrentStep)
	next.RetryCount = next.retriesFor(countNode)
	resp.WorkflowID = def.ID
	resp.Step = StepFor(def, node)
	resp.RetryCount = next.RetryCount
	resp.Position = next
	return resp
}

func newForkState(fork *workflow.Node) *ForkState {
	fs := &ForkState{Fork: fork.ID, Branches: make(map[string]BranchState, len(fork.Branches))}
	for _, name := range fork.BranchNames() {
		fs.Branches[name] = BranchState{Status: BranchPending}
	}
	return fs
}

func forkDetail(def *workflow.Definition, fork *workflow.Node, fs *ForkState) *ForkDetail {
	detail := &ForkDetail{Fork: fork.ID, Join: fork.Join}
	if join, ok := def.Node(fork.Join); ok {
		detail.Strategy = join.Strategy
	}
	for _, name := range fork.BranchNames() {
		entry := fork.Branches[name].EntryStep
		node, _ := def.Node(entry)
		bd := BranchDetail{
			Name:      name,
			EntryStep: StepFor(def, node),
			MultiStep: multiStep(def, entry, fork.Join),
			Status:    BranchPending,
		}
		if fs != nil {
			if state, ok := fs.Branches[name]; ok {
				bd.Status = state.Status
				bd.ChildRef = state.ChildRef
			}
		}
		detail.Branches = append(detail.Branches, bd)
	}
	return detail
}

// multiStep reports whether a branch does more than one step before the join.
func multiStep(def *workflow.Definition, entry, join string) bool {
	if entry == join {
		return false
	}
	out := def.Outgoing(entry)
	edge, ok := firstEdge(out, func(e workflow.Edge) bool { return e.On == workflow.ResultPassed })
	if !ok {
		edge, ok = firstEdge(out, workflow.Edge.Unconditional)
	}
	return !ok || edge.To != join
}

func terminalOf(def *workflow.Definition, node *workflow.Node) (Terminal, bool) {
	if node.HITL() {
		return TerminalHITL, false
	}
	_, boundary := stageBoundaryEdge(def, node)
	return Terminal(node.Result), boundary
}

// stageBoundaryEdge returns the passed edge that makes an end node a stage
// boundary rather than a true terminal.
func stageBoundaryEdge(def *workflow.Definition, node *workflow.Node) (workflow.Edge, bool) {
	if node.Kind != workflow.KindEnd || node.HITL() {
		return workflow.Edge{}, false
	}
	return firstEdge(def.Outgoing(node.ID), func(e workflow.Edge) bool {
		return e.On == workflow.ResultPassed && !isEnd(def, e.To)
	})
}

func isEnd(def *workflow.Definition, id string) bool {
	n, ok := def.Node(id)
	return ok && n.Kind == workflow.KindEnd
}

func firstEdge(edges []workflow.Edge, match func(workflow.Edge) bool) (workflow.Edge, bool) {
	for _, e := range edges {
		if match(e) {
			return e, true
		}
	}
	return workflow.Edge{}, false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
