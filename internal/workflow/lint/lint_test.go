package lint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/flow/internal/workflow"
)

func parse(t *testing.T, payload string) *workflow.Definition {
	t.Helper()
	def, err := workflow.ParseDefinition([]byte(payload))
	require.NoError(t, err)
	return def
}

func rulesFired(diags []Diagnostic) map[string]int {
	out := map[string]int{}
	for _, d := range diags {
		out[d.Rule]++
	}
	return out
}

func TestCheckCleanWorkflow(t *testing.T) {
	def := parse(t, `
id: clean
nodes:
  start: {type: start}
  work: {type: task}
  check: {type: gate, maxRetries: 2}
  done: {type: end}
  hitl: {type: end, escalation: hitl}
edges:
  - {from: start, to: work}
  - {from: work, to: check, on: passed}
  - {from: check, to: done, on: passed}
  - {from: check, to: work, on: failed}
  - {from: check, to: hitl, on: failed}
`)
	diags := Check(def)
	assert.Empty(t, diags)
	assert.NoError(t, CheckOrError(def))
}

func TestCheckReportsUnreachableNode(t *testing.T) {
	def := parse(t, `
id: orphan
nodes:
  start: {type: start}
  orphan: {type: task}
  done: {type: end}
edges:
  - {from: start, to: done}
`)
	diags := Check(def)
	require.Len(t, diags, 1)
	assert.Equal(t, "reachability", diags[0].Rule)
	assert.Equal(t, "orphan", diags[0].NodeID)
	assert.True(t, HasErrors(diags))
	assert.Error(t, CheckOrError(def))
}

func TestCheckReportsIncompleteGate(t *testing.T) {
	def := parse(t, `
id: gate-gaps
nodes:
  start: {type: start}
  check: {type: gate, maxRetries: 3}
  done: {type: end}
edges:
  - {from: start, to: check}
  - {from: check, to: done, on: passed}
`)
	fired := rulesFired(Check(def))
	assert.Equal(t, 1, fired["gate_retry_target"])
	assert.Equal(t, 1, fired["gate_escalation_target"])
}

func TestCheckForkJoinPairing(t *testing.T) {
	def := parse(t, `
id: fork-gaps
nodes:
  start: {type: start}
  split:
    type: fork
    join: merge
    branches:
      a: a_work
      b: missing
  a_work: {type: task}
  merge: {type: join, fork: elsewhere}
  done: {type: end}
edges:
  - {from: start, to: split}
  - {from: a_work, to: merge}
  - {from: merge, to: done, on: passed}
`)
	fired := rulesFired(Check(def))
	assert.Equal(t, 1, fired["fork_branch_entry"])
	assert.Equal(t, 1, fired["join_fork_backref"])
	assert.Zero(t, fired["fork_join_ref"])
	assert.Zero(t, fired["reachability"], "branch entries count as reachable")
}

func TestCheckStageBoundaryEndIsNotFlagged(t *testing.T) {
	def := parse(t, `
id: staged
nodes:
  start: {type: start}
  design: {type: task}
  design_done: {type: end}
  build: {type: task}
  done: {type: end}
edges:
  - {from: start, to: design}
  - {from: design, to: design_done, on: passed}
  - {from: design_done, to: build, on: passed}
  - {from: build, to: done, on: passed}
`)
	assert.Empty(t, Check(def))
}

func TestCheckWarnsOnIgnoredTerminalEdges(t *testing.T) {
	def := parse(t, `
id: ignored
nodes:
  start: {type: start}
  done: {type: end}
  hitl: {type: end, escalation: hitl}
edges:
  - {from: start, to: done}
  - {from: hitl, to: done, on: passed}
`)
	diags := Check(def)
	fired := rulesFired(diags)
	assert.Equal(t, 1, fired["terminal_outgoing"])
	assert.False(t, HasErrors(diags))
	assert.Equal(t, 1, Summary(diags)[SeverityWarning])
}

type alwaysRule struct{}

func (alwaysRule) Name() string { return "always" }

func (alwaysRule) Apply(def *workflow.Definition) []Diagnostic {
	return []Diagnostic{{Rule: "always", Severity: SeverityWarning, Message: def.ID}}
}

func TestCheckRunsExtraRules(t *testing.T) {
	def := parse(t, `
id: extra
nodes:
  start: {type: start}
  done: {type: end}
edges:
  - {from: start, to: done}
`)
	diags := Check(def, alwaysRule{})
	require.Len(t, diags, 1)
	assert.Equal(t, "WARNING always: extra", diags[0].String())
}
