package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/flow/internal/workflow"
	"github.com/kingrea/flow/internal/workflow/engine"
	"github.com/kingrea/flow/internal/workflow/lint"
	"github.com/kingrea/flow/internal/workflow/store"
)

var summaries = []store.Summary{
	{ID: "bugfix", Name: "Bug fix", Description: "Reproduce and fix", Steps: 4, Source: store.KindCatalog},
	{ID: "feature", Name: "Feature development", Steps: 7, Source: store.KindProject},
	{ID: "quick-review", Steps: 2, Source: store.KindExternal},
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestPickerChoosesSelectedWorkflow(t *testing.T) {
	p := NewPicker("Pick one", summaries, "feature")
	model, _ := p.Update(tea.WindowSizeMsg{Width: 80, Height: 30})
	model, cmd := model.Update(key("enter"))
	require.NotNil(t, cmd)
	assert.Equal(t, "feature", model.(*Picker).Chosen())
}

func TestPickerNavigatesAndCancels(t *testing.T) {
	p := NewPicker("Pick one", summaries, "")
	var model tea.Model = p
	model, _ = model.Update(tea.WindowSizeMsg{Width: 80, Height: 30})
	model, _ = model.Update(key("down"))
	model, _ = model.Update(key("enter"))
	assert.Equal(t, "feature", model.(*Picker).Chosen())

	p = NewPicker("Pick one", summaries, "bugfix")
	model, _ = p.Update(key("esc"))
	assert.Equal(t, "", model.(*Picker).Chosen())
}

func TestWorkflowOptions(t *testing.T) {
	items := buildWorkflowOptions(summaries)
	require.Len(t, items, 3)
	third := items[2].(workflowOption)
	assert.Equal(t, "Quick Review", third.Title())
	assert.Equal(t, "2 steps · external · ID: quick-review", third.Description())
	assert.Contains(t, items[0].(workflowOption).Description(), "Reproduce and fix")
}

func TestPickerViewShowsPrompt(t *testing.T) {
	p := NewPicker("Which workflow should this task follow?", summaries, "")
	p.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	view := p.View()
	assert.Contains(t, view, "Which workflow should this task follow?")
	assert.Contains(t, view, "Bug fix")

	empty := NewPicker("Pick", nil, "")
	assert.Contains(t, empty.View(), "No workflows available")
}

func TestRenderResponse(t *testing.T) {
	out := RenderResponse("7", engine.Response{
		WorkflowID: "bugfix",
		Action:     engine.ActionEscalate,
		Terminal:   engine.TerminalHITL,
		From:       "verify",
		RetryCount: 2,
		Step:       engine.Step{NodeID: "hitl_blocked", Kind: workflow.KindEnd, Name: "Needs a human"},
		Escalation: &engine.Escalation{Node: "verify", Attempts: 3, MaxRetries: 2},
	})
	assert.Contains(t, out, "Escalate · Hitl")
	assert.Contains(t, out, "Needs a human")
	assert.Contains(t, out, "task 7 · workflow bugfix · step hitl_blocked · from verify")
	assert.Contains(t, out, "escalated from verify after 3 attempt(s)")

	fork := RenderResponse("9", engine.Response{
		WorkflowID: "feature",
		Action:     engine.ActionFork,
		Step:       engine.Step{NodeID: "implement", Kind: workflow.KindFork},
		Fork: &engine.ForkDetail{Fork: "implement", Branches: []engine.BranchDetail{
			{Name: "code", Status: engine.BranchPending, EntryStep: engine.Step{NodeID: "write_code"}, ChildRef: "9-code"},
		}},
	})
	assert.Contains(t, fork, "code")
	assert.Contains(t, fork, "child 9-code")
}

func TestRenderSummariesAndDiagnostics(t *testing.T) {
	list := RenderSummaries(summaries)
	assert.Equal(t, 3, len(strings.Split(list, "\n")))
	assert.Contains(t, list, "Quick Review")
	assert.Contains(t, RenderSummaries(nil), "No workflows loaded")

	assert.Contains(t, RenderDiagnostics("feature", nil), "ok")
	diag := RenderDiagnostics("orphan", []lint.Diagnostic{{Rule: "reachability", Severity: lint.SeverityError, Message: "node lost is unreachable", NodeID: "lost"}})
	assert.Contains(t, diag, "reachability: node lost is unreachable")
	assert.Contains(t, diag, "(lost)")
}

func TestRenderMarkdown(t *testing.T) {
	out, err := RenderMarkdown("## Verify\n\nRun the tests.", 60, "notty")
	require.NoError(t, err)
	assert.Contains(t, out, "Verify")
	assert.Contains(t, out, "Run the tests.")
}
