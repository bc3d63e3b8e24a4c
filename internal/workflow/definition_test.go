package workflow

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const reviewLoopYAML = `
id: review-loop
name: Review loop
description: Work then check with one retry.
nodes:
  start:
    type: start
  work:
    type: task
    agent: developer
    stage: development
    context_files: [docs/ARCHITECTURE.md]
  check:
    type: gate
    agent: reviewer
    maxRetries: 1
  done:
    type: end
    result: success
  hitl_blocked:
    type: end
    escalation: hitl
edges:
  - {from: start, to: work}
  - {from: work, to: check, on: passed}
  - {from: check, to: done, on: passed}
  - {from: check, to: work, on: failed, label: retry}
  - {from: check, to: hitl_blocked, on: failed, label: escalate}
`

func TestParseDefinitionFillsIDsAndDefaults(t *testing.T) {
	def, err := ParseDefinition([]byte(reviewLoopYAML))
	require.NoError(t, err)

	assert.Equal(t, "review-loop", def.ID)
	work, ok := def.Node("work")
	require.True(t, ok)
	assert.Equal(t, "work", work.ID)
	assert.Equal(t, KindTask, work.Kind)
	assert.Equal(t, []string{"docs/ARCHITECTURE.md"}, work.ContextFiles)

	hitl, ok := def.Node("hitl_blocked")
	require.True(t, ok)
	assert.Equal(t, EndBlocked, hitl.Result, "escalation ends default to blocked")
	assert.True(t, hitl.HITL())

	done, _ := def.Node("done")
	assert.Equal(t, EndSuccess, done.Result)
	assert.Equal(t, 2, def.StepCount())
	assert.Len(t, def.Digest, 64)
}

func TestParseDefinitionKeepsEdgeOrder(t *testing.T) {
	def, err := ParseDefinition([]byte(reviewLoopYAML))
	require.NoError(t, err)

	out := def.Outgoing("check")
	require.Len(t, out, 3)
	assert.Equal(t, "done", out[0].To)
	assert.Equal(t, "work", out[1].To)
	assert.Equal(t, "hitl_blocked", out[2].To)
	assert.Equal(t, ResultFailed, out[1].On)
}

func TestParseDefinitionRejectsStructuralErrors(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    string
	}{
		{
			name: "missing start",
			payload: `
id: no-start
nodes:
  done: {type: end}
`,
			want: "exactly one start node",
		},
		{
			name: "two starts",
			payload: `
id: two-starts
nodes:
  a: {type: start}
  b: {type: start}
  done: {type: end}
`,
			want: "found 2",
		},
		{
			name: "no success end",
			payload: `
id: blocked-only
nodes:
  start: {type: start}
  stuck: {type: end, result: blocked}
edges:
  - {from: start, to: stuck}
`,
			want: "result \"success\" is required",
		},
		{
			name: "dangling edge",
			payload: `
id: dangling
nodes:
  start: {type: start}
  done: {type: end}
edges:
  - {from: start, to: nowhere}
`,
			want: "references unknown node nowhere",
		},
		{
			name: "unknown kind",
			payload: `
id: weird
nodes:
  start: {type: start}
  thing: {type: widget}
  done: {type: end}
`,
			want: "unknown type",
		},
		{
			name: "bad edge result",
			payload: `
id: bad-on
nodes:
  start: {type: start}
  done: {type: end}
edges:
  - {from: start, to: done, on: maybe}
`,
			want: "on must be",
		},
		{
			name:    "empty",
			payload: "   \n",
			want:    "payload is empty",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tc.payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidDefinition), "expected ErrInvalidDefinition, got %v", err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseDefinitionDoesNotRequireReachability(t *testing.T) {
	const payload = `
id: orphan
nodes:
  start: {type: start}
  orphan: {type: task}
  done: {type: end}
edges:
  - {from: start, to: done}
`
	_, err := ParseDefinition([]byte(payload))
	assert.NoError(t, err, "reachability is a lint concern, not a load error")
}

func TestParseDefinitionForkBranchForms(t *testing.T) {
	const payload = `
id: fanout
nodes:
  start: {type: start}
  split:
    type: fork
    join: merge
    branches:
      frontend: fe
      backend: {entryStep: be}
  fe: {type: task}
  be: {type: task}
  merge: {type: join, fork: split}
  done: {type: end}
edges:
  - {from: start, to: split}
  - {from: fe, to: merge}
  - {from: be, to: merge}
  - {from: merge, to: done, on: passed}
`
	def, err := ParseDefinition([]byte(payload))
	require.NoError(t, err)
	split, _ := def.Node("split")
	assert.Equal(t, []string{"backend", "frontend"}, split.BranchNames())
	assert.Equal(t, "fe", split.Branches["frontend"].EntryStep)
	assert.Equal(t, "be", split.Branches["backend"].EntryStep)
	merge, _ := def.Node("merge")
	assert.Equal(t, JoinAllPass, merge.Strategy)
}

func TestLoadDefinitionFileUsesStemAsFallbackID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hotfix.yaml")
	const payload = `
nodes:
  start: {type: start}
  done: {type: end}
edges:
  - {from: start, to: done}
`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))
	def, err := LoadDefinitionFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hotfix", def.ID)
}

func TestCloneIsDeep(t *testing.T) {
	def, err := ParseDefinition([]byte(reviewLoopYAML))
	require.NoError(t, err)
	clone := def.Clone()
	clone.Nodes["work"].ContextFiles[0] = "changed"
	clone.Edges[0].To = "changed"
	work, _ := def.Node("work")
	assert.Equal(t, "docs/ARCHITECTURE.md", work.ContextFiles[0])
	assert.Equal(t, "work", def.Edges[0].To)
}

func TestParseResult(t *testing.T) {
	r, err := ParseResult(" Passed ")
	require.NoError(t, err)
	assert.Equal(t, ResultPassed, r)
	r, err = ParseResult("")
	require.NoError(t, err)
	assert.Equal(t, ResultNone, r)
	_, err = ParseResult("skipped")
	assert.Error(t, err)
}
