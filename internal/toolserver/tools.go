package toolserver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kingrea/flow/internal/catalog"
	"github.com/kingrea/flow/internal/navigator"
	"github.com/kingrea/flow/internal/workflow"
	"github.com/kingrea/flow/internal/workflow/lint"
	"github.com/kingrea/flow/internal/workflow/store"
)

var resultEnum = []string{string(workflow.ResultPassed), string(workflow.ResultFailed)}

func (s *Server) registerTools() error {
	navigateTool := mcp.NewTool("navigate",
		mcp.WithDescription("Read or advance a task's position in its workflow. With no result, returns the current step. With a result, advances, retries, or escalates. At a fork, report branch outcomes with branch+result or branchResults."),
		mcp.WithString("task",
			mcp.Description("Task id or task record path. Omit with workflowId to create a new task."),
		),
		mcp.WithString("workflowId",
			mcp.Description("Workflow to start when the task has no position yet"),
		),
		mcp.WithString("result",
			mcp.Description("Outcome of the current step"),
			mcp.Enum(resultEnum...),
		),
		mcp.WithBoolean("autonomy",
			mcp.Description("Continue past stage-boundary end nodes without stopping"),
		),
		mcp.WithString("branch",
			mcp.Description("Fork branch the result belongs to"),
		),
		mcp.WithObject("branchResults",
			mcp.Description("Outcomes for several fork branches at once, keyed by branch name"),
			mcp.AdditionalProperties(map[string]any{"type": "string", "enum": resultEnum}),
		),
		mcp.WithObject("childRefs",
			mcp.Description("Task ids of the child tasks walking each branch, keyed by branch name"),
			mcp.AdditionalProperties(map[string]any{"type": "string"}),
		),
	)
	startBranchTool := mcp.NewTool("start_branch",
		mcp.WithDescription("Create a child task that walks one branch of the fork the parent task sits on"),
		mcp.WithString("task", mcp.Required(), mcp.Description("Parent task id or path")),
		mcp.WithString("branch", mcp.Required(), mcp.Description("Branch name")),
	)
	listTool := mcp.NewTool("list_workflows",
		mcp.WithDescription("List loaded workflow definitions"),
		mcp.WithString("source",
			mcp.Description("Only definitions whose winning source has this kind"),
			mcp.Enum("all", string(store.KindProject), string(store.KindExternal), string(store.KindCatalog)),
		),
	)
	inspectTool := mcp.NewTool("inspect_workflow",
		mcp.WithDescription("Return a full workflow definition. Without an id, returns a selection prompt listing every workflow."),
		mcp.WithString("id", mcp.Description("Workflow id")),
	)
	loadTool := mcp.NewTool("load_workflows",
		mcp.WithDescription("Register definitions from a directory, file, or glob. With copy, write them into the project workflow directory instead; an empty path copies from the built-in catalog."),
		mcp.WithString("path", mcp.Description("Directory, file, or doublestar glob")),
		mcp.WithArray("ids", mcp.Description("Only these workflow ids"), mcp.WithStringItems()),
		mcp.WithBoolean("copy", mcp.Description("Copy into the project instead of registering in place")),
		mcp.WithBoolean("force", mcp.Description("Overwrite existing project files when copying")),
	)
	lintTool := mcp.NewTool("lint_workflow",
		mcp.WithDescription("Run semantic diagnostics on a loaded workflow or on inline definition content"),
		mcp.WithString("id", mcp.Description("Loaded workflow id")),
		mcp.WithString("content", mcp.Description("YAML or JSON definition to check instead of a loaded one")),
	)

	for _, t := range []struct {
		tool    mcp.Tool
		handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)
	}{
		{navigateTool, s.handleNavigate},
		{startBranchTool, s.handleStartBranch},
		{listTool, s.handleList},
		{inspectTool, s.handleInspect},
		{loadTool, s.handleLoad},
		{lintTool, s.handleLint},
	} {
		if err := s.addTool(t.tool, t.handler); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleNavigate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(req)
	nreq := navigator.Request{
		TaskRef:    stringArg(args, "task"),
		WorkflowID: stringArg(args, "workflowId"),
		Result:     workflow.Result(stringArg(args, "result")),
		Branch:     stringArg(args, "branch"),
	}
	if v, ok := args["autonomy"].(bool); ok {
		nreq.Autonomy = &v
	}
	if m := stringMapArg(args, "branchResults"); len(m) > 0 {
		nreq.BranchResults = make(map[string]workflow.Result, len(m))
		for k, v := range m {
			nreq.BranchResults[k] = workflow.Result(v)
		}
	}
	nreq.ChildRefs = stringMapArg(args, "childRefs")

	out, err := s.nav.Navigate(ctx, nreq)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(out)
}

func (s *Server) handleStartBranch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(req)
	out, err := s.nav.StartBranch(ctx, stringArg(args, "task"), stringArg(args, "branch"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(out)
}

func (s *Server) handleList(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind := stringArg(getArgs(req), "source")
	if kind == "all" {
		kind = ""
	}
	return jsonResult(map[string]any{"workflows": s.defs.List(store.Kind(kind))})
}

// SelectionOption is one choice in a workflow selection prompt.
type SelectionOption struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	Description string     `json:"description,omitempty"`
	Steps       int        `json:"steps"`
	Source      store.Kind `json:"source"`
}

// Selection asks the caller to choose a workflow.
type Selection struct {
	Prompt  string            `json:"prompt"`
	Options []SelectionOption `json:"options"`
}

// SelectionFor builds the selection prompt over every loaded workflow.
func SelectionFor(defs *store.Store) Selection {
	sel := Selection{Prompt: "Which workflow should this task follow?"}
	for _, sum := range defs.List("") {
		sel.Options = append(sel.Options, SelectionOption{
			ID:          sum.ID,
			Name:        sum.Name,
			Description: sum.Description,
			Steps:       sum.Steps,
			Source:      sum.Source,
		})
	}
	if len(sel.Options) == 0 {
		sel.Prompt = "No workflows are loaded. Use load_workflows to add some."
	}
	return sel
}

func (s *Server) handleInspect(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := stringArg(getArgs(req), "id")
	if id == "" {
		return jsonResult(SelectionFor(s.defs))
	}
	entry, err := s.defs.Entry(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var shadowed []string
	for _, e := range s.defs.Shadowed(id) {
		shadowed = append(shadowed, e.Source)
	}
	return jsonResult(map[string]any{
		"definition": entry.Definition,
		"source":     entry.Kind,
		"path":       entry.Path,
		"shadowed":   shadowed,
	})
}

func (s *Server) handleLoad(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(req)
	path := stringArg(args, "path")
	ids := stringSliceArg(args, "ids")
	force, _ := args["force"].(bool)

	if copyFlag, _ := args["copy"].(bool); copyFlag {
		return s.copyDefinitions(path, ids, force)
	}
	if path == "" {
		return mcp.NewToolResultError("path is required unless copy is set"), nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	name := "external:" + abs
	if len(ids) > 0 {
		sorted := append([]string(nil), ids...)
		sort.Strings(sorted)
		name += "?ids=" + strings.Join(sorted, ",")
	}
	report, err := s.defs.LoadSource(store.Source{
		Name:  name,
		Kind:  store.KindExternal,
		Paths: []string{abs},
		IDs:   ids,
	})
	if err != nil && len(report.Loaded) == 0 && len(report.Unchanged) == 0 {
		s.defs.Remove(name)
		return mcp.NewToolResultError(err.Error()), nil
	}
	if missing := missingIDs(report, ids); len(missing) > 0 {
		s.defs.Remove(name)
		return mcp.NewToolResultError(fmt.Sprintf("not found in %s: %s", path, strings.Join(missing, ", "))), nil
	}
	s.logger.Info("workflows loaded", "path", abs, "loaded", len(report.Loaded), "unchanged", len(report.Unchanged))
	return jsonResult(loadView(report))
}

func (s *Server) copyDefinitions(path string, ids []string, force bool) (*mcp.CallToolResult, error) {
	if s.projectDir == "" {
		return mcp.NewToolResultError("no project workflow directory is configured"), nil
	}
	var (
		report catalog.CopyReport
		err    error
		from   = "catalog"
	)
	switch {
	case path == "":
		report, err = catalog.Copy(s.projectDir, ids, force)
	default:
		base, pattern := doublestar.SplitPattern(filepath.ToSlash(path))
		info, statErr := os.Stat(path)
		if statErr == nil && info.IsDir() {
			base, pattern = path, ""
		}
		from = path
		fsys := os.DirFS(filepath.FromSlash(base))
		if pattern != "" && pattern != "." {
			fsys = globFS{FS: fsys, pattern: pattern}
		}
		report, err = catalog.CopyFrom(fsys, s.projectDir, ids, force)
	}
	if err != nil && errors.Is(err, catalog.ErrUnknownWorkflow) {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out := map[string]any{"from": from, "copy": report}
	if err != nil {
		out["warnings"] = err.Error()
	}
	if s.projectSource != "" {
		reports, rerr := s.defs.Reload()
		for _, r := range reports {
			if r.Source == s.projectSource {
				out["load"] = loadView(r)
			}
		}
		if rerr != nil {
			out["reloadErrors"] = rerr.Error()
		}
	}
	s.logger.Info("workflows copied", "from", from, "to", s.projectDir, "copied", len(report.Copied), "skipped", len(report.Skipped))
	return jsonResult(out)
}

func (s *Server) handleLint(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(req)
	id, content := stringArg(args, "id"), stringArg(args, "content")
	var (
		def *workflow.Definition
		err error
	)
	switch {
	case content != "":
		def, err = workflow.ParseDefinition([]byte(content))
	case id != "":
		def, err = s.defs.Resolve(id)
	default:
		return mcp.NewToolResultError("id or content is required"), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	diags := lint.Check(def)
	return jsonResult(map[string]any{
		"workflowId":  def.ID,
		"ok":          !lint.HasErrors(diags),
		"summary":     lint.Summary(diags),
		"diagnostics": diags,
	})
}

type loadResult struct {
	Source    string          `json:"source"`
	Loaded    []store.Summary `json:"loaded"`
	Unchanged []string        `json:"unchanged,omitempty"`
	Removed   []string        `json:"removed,omitempty"`
	Skipped   []string        `json:"skipped,omitempty"`
	Errors    []string        `json:"errors,omitempty"`
}

func loadView(r store.Report) loadResult {
	out := loadResult{Source: r.Source, Loaded: r.Loaded, Unchanged: r.Unchanged, Removed: r.Removed, Skipped: r.Skipped}
	for _, fe := range r.Errors {
		out.Errors = append(out.Errors, fe.Error())
	}
	return out
}

// missingIDs lists requested ids the load did not register.
func missingIDs(r store.Report, ids []string) []string {
	got := make(map[string]bool, len(r.Loaded)+len(r.Unchanged))
	for _, sum := range r.Loaded {
		got[sum.ID] = true
	}
	for _, id := range r.Unchanged {
		got[id] = true
	}
	var missing []string
	for _, id := range ids {
		if !got[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, _ := args[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	if typed, ok := args[key].([]string); ok {
		out = append(out, typed...)
	}
	return out
}

func stringMapArg(args map[string]any, key string) map[string]string {
	out := map[string]string{}
	switch m := args[key].(type) {
	case map[string]any:
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	case map[string]string:
		for k, v := range m {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
