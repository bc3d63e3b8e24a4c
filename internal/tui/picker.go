// Package tui renders flow's terminal output and hosts the interactive
// workflow picker. It uses bubbletea, which follows The Elm Architecture:
// Model holds state, Update reacts to messages, View renders a string.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/flow/internal/workflow/store"
)

// workflowOption implements list.Item for one selectable workflow.
type workflowOption struct {
	id    string
	title string
	desc  string
}

func (o workflowOption) Title() string       { return o.title }
func (o workflowOption) Description() string { return o.desc }
func (o workflowOption) FilterValue() string { return o.id + " " + o.title }

func (o workflowOption) ID() string { return o.id }

func buildWorkflowOptions(summaries []store.Summary) []list.Item {
	items := make([]list.Item, 0, len(summaries))
	for _, s := range summaries {
		option := workflowOption{id: s.ID, title: humanizeWorkflowID(s.ID)}
		if name := strings.TrimSpace(s.Name); name != "" {
			option.title = name
		}
		var parts []string
		if desc := strings.TrimSpace(s.Description); desc != "" {
			parts = append(parts, desc)
		}
		parts = append(parts, fmt.Sprintf("%d steps", s.Steps), string(s.Source), fmt.Sprintf("ID: %s", s.ID))
		option.desc = strings.Join(parts, " · ")
		items = append(items, option)
	}
	return items
}

// Picker lets a person choose one workflow.
type Picker struct {
	menu     list.Model
	prompt   string
	chosen   string
	canceled bool
	width    int
	height   int
}

// NewPicker builds a picker over summaries. The entry matching current, if
// any, starts selected.
func NewPicker(prompt string, summaries []store.Summary, current string) *Picker {
	items := buildWorkflowOptions(summaries)
	menu := list.New(items, list.NewDefaultDelegate(), 0, 0)
	menu.Title = "Workflows"
	menu.SetShowStatusBar(false)
	for i, item := range items {
		if strings.EqualFold(item.(workflowOption).ID(), strings.TrimSpace(current)) {
			menu.Select(i)
			break
		}
	}
	return &Picker{menu: menu, prompt: prompt}
}

// Init implements tea.Model.
func (p *Picker) Init() tea.Cmd { return nil }

// Update implements tea.Model.
func (p *Picker) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		p.width, p.height = msg.Width, msg.Height
		p.menu.SetSize(max(0, msg.Width-4), max(0, msg.Height-6))
		return p, nil
	case tea.KeyMsg:
		if p.menu.FilterState() == list.Filtering {
			break
		}
		switch msg.String() {
		case "enter":
			if item, ok := p.menu.SelectedItem().(workflowOption); ok {
				p.chosen = item.ID()
				return p, tea.Quit
			}
			return p, nil
		case "esc", "ctrl+c", "q":
			p.canceled = true
			return p, tea.Quit
		}
	}
	var cmd tea.Cmd
	p.menu, cmd = p.menu.Update(msg)
	return p, cmd
}

// View implements tea.Model.
func (p *Picker) View() string {
	view := p.menu.View()
	if len(p.menu.Items()) == 0 {
		view = mutedStyle.Render("No workflows available")
	}
	header := titleStyle.Render(p.prompt)
	hint := mutedStyle.MarginTop(1).Render("Enter → choose workflow    / → filter    Esc → cancel")
	return lipgloss.JoinVertical(lipgloss.Left, header, view, hint)
}

// Chosen returns the selected workflow id, or "" if the picker was canceled.
func (p *Picker) Chosen() string {
	if p.canceled {
		return ""
	}
	return p.chosen
}

// RunPicker shows the picker full screen and returns the chosen id.
func RunPicker(prompt string, summaries []store.Summary, current string, opts ...tea.ProgramOption) (string, error) {
	picker := NewPicker(prompt, summaries, current)
	opts = append([]tea.ProgramOption{tea.WithAltScreen()}, opts...)
	final, err := tea.NewProgram(picker, opts...).Run()
	if err != nil {
		return "", err
	}
	return final.(*Picker).Chosen(), nil
}

func humanizeWorkflowID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "Workflow"
	}
	replacer := strings.NewReplacer("-", " ", "_", " ")
	parts := strings.Fields(replacer.Replace(trimmed))
	if len(parts) == 0 {
		return "Workflow"
	}
	for i, part := range parts {
		lower := strings.ToLower(part)
		parts[i] = strings.ToUpper(lower[:1]) + lower[1:]
	}
	return strings.Join(parts, " ")
}
