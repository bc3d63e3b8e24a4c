// Package navigator is the imperative shell around the engine. One call
// resolves the definition, reads the task's position, computes the
// transition, and writes the result back into the task record.
package navigator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kingrea/flow/internal/logbook"
	"github.com/kingrea/flow/internal/task"
	"github.com/kingrea/flow/internal/workflow"
	"github.com/kingrea/flow/internal/workflow/engine"
)

// ParentKey is the metadata key linking a branch child task to the task
// that forked it.
const ParentKey = "parentTask"

var (
	// ErrWorkflowRequired is returned when a task has no position yet and
	// the caller named no workflow to start.
	ErrWorkflowRequired = errors.New("navigator: workflow id is required to start a task")
	// ErrNotAtFork is returned by StartBranch when the parent is not on a fork.
	ErrNotAtFork = errors.New("navigator: task is not at a fork")
)

// Definitions resolves workflow ids. *store.Store satisfies it.
type Definitions interface {
	Resolve(id string) (*workflow.Definition, error)
}

// Recorder receives navigation counts. *metrics.Metrics satisfies it.
type Recorder interface {
	Navigated(action string)
	Escalated()
}

// Request is one navigation call.
type Request struct {
	// TaskRef is a task id or record path. Empty with WorkflowID set creates
	// a new task record.
	TaskRef string
	// WorkflowID starts a task that has no position yet.
	WorkflowID    string
	Result        workflow.Result
	Autonomy      *bool
	Branch        string
	BranchResults map[string]workflow.Result
	ChildRefs     map[string]string
}

func (r Request) input() engine.Input {
	return engine.Input{
		Result:        r.Result,
		Autonomy:      r.Autonomy,
		Branch:        r.Branch,
		BranchResults: r.BranchResults,
		ChildRefs:     r.ChildRefs,
	}
}

// Outcome is the response returned to the caller plus what was persisted.
type Outcome struct {
	engine.Response
	TaskID   string            `json:"taskId"`
	TaskPath string            `json:"taskPath"`
	Write    *task.WriteResult `json:"write,omitempty"`
	// Parent is set when a branch child reaching its join reported the
	// branch outcome to the task that forked it.
	Parent *Outcome `json:"parent,omitempty"`
}

// Navigator wires definitions, task records, and the engine together.
type Navigator struct {
	defs      Definitions
	tasks     *task.Store
	namespace string
	autonomy  bool
	logger    *slog.Logger
	recorder  Recorder
	book      *logbook.Logbook
}

// Option customizes a Navigator.
type Option func(*Navigator)

// WithNamespace rewrites bare agent ids to "@<ns>:<agent>" in responses.
// An empty namespace leaves agents verbatim.
func WithNamespace(ns string) Option {
	return func(n *Navigator) {
		n.namespace = strings.TrimPrefix(strings.TrimSpace(ns), "@")
	}
}

// WithDefaultAutonomy sets the autonomy flag used when starting new tasks.
func WithDefaultAutonomy(on bool) Option {
	return func(n *Navigator) { n.autonomy = on }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Navigator) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithRecorder reports navigation counts.
func WithRecorder(r Recorder) Option {
	return func(n *Navigator) { n.recorder = r }
}

// WithLogbook appends every persisted transition to the journey log.
func WithLogbook(book *logbook.Logbook) Option {
	return func(n *Navigator) { n.book = book }
}

// New builds a Navigator.
func New(defs Definitions, tasks *task.Store, opts ...Option) *Navigator {
	n := &Navigator{defs: defs, tasks: tasks, logger: slog.Default()}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Tasks returns the task store.
func (n *Navigator) Tasks() *task.Store { return n.tasks }

// Navigate performs one navigation call. Current-position reads never write;
// every other successful call writes the new position through to the task
// record. The record stays locked from read to write. On error nothing is
// written, and a record created for the call is removed again.
func (n *Navigator) Navigate(ctx context.Context, req Request) (*Outcome, error) {
	created := ""
	if strings.TrimSpace(req.TaskRef) == "" {
		if req.WorkflowID == "" {
			return nil, fmt.Errorf("navigator: task reference or workflow id is required")
		}
		if _, err := n.defs.Resolve(req.WorkflowID); err != nil {
			return nil, err
		}
		path, err := n.tasks.Create(task.Record{Metadata: task.Metadata{WorkflowID: req.WorkflowID}}, task.FormatJSON)
		if err != nil {
			return nil, err
		}
		req.TaskRef = path
		created = path
	}

	out, rec, err := n.navigate(ctx, req)
	if err != nil {
		if created != "" {
			n.discard(created)
		}
		return nil, err
	}
	n.observe(out, req.Result)

	if out.Action == engine.ActionBranchComplete {
		out.Parent = n.reportToParent(ctx, rec, out)
	}
	return out, nil
}

// navigate runs the engine against the record inside the store's locked
// read-modify-write.
func (n *Navigator) navigate(ctx context.Context, req Request) (*Outcome, *task.Record, error) {
	var (
		out *Outcome
		rec *task.Record
	)
	wr, err := n.tasks.Update(ctx, req.TaskRef, func(r *task.Record, path string) (*task.Change, error) {
		id := task.CanonicalID(path)
		pos := r.Position(id)

		workflowID := pos.WorkflowID
		switch {
		case req.WorkflowID != "" && pos.CurrentStep != "" && req.WorkflowID != pos.WorkflowID:
			return nil, fmt.Errorf("%w: task %s is on %s, not %s", engine.ErrWorkflowMismatch, id, pos.WorkflowID, req.WorkflowID)
		case req.WorkflowID != "":
			workflowID = req.WorkflowID
		}
		if workflowID == "" {
			return nil, fmt.Errorf("%w: task %s", ErrWorkflowRequired, id)
		}
		def, err := n.defs.Resolve(workflowID)
		if err != nil {
			return nil, err
		}
		if pos.CurrentStep == "" {
			pos.WorkflowID = def.ID
			if req.Autonomy == nil && !pos.Autonomy {
				pos.Autonomy = n.autonomy
			}
		}

		resp, err := engine.Navigate(def, pos, req.input())
		if err != nil {
			n.logger.Warn("navigation rejected", "task", id, "workflow", def.ID, "step", pos.CurrentStep, "result", string(req.Result), "error", err)
			return nil, err
		}
		n.applyNamespace(&resp)
		resp.Position.TaskID = id

		rec = r
		out = &Outcome{Response: resp, TaskID: id, TaskPath: path}
		if resp.Action == engine.ActionCurrent {
			return nil, nil
		}
		return &task.Change{Position: resp.Position, Projection: task.ProjectionFor(resp)}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	out.Write = wr
	return out, rec, nil
}

// Current returns the current payload for a task without writing.
func (n *Navigator) Current(ctx context.Context, ref string) (*Outcome, error) {
	return n.Navigate(ctx, Request{TaskRef: ref})
}

// StartBranch creates a child task walking one branch of the fork the parent
// sits on, and records the child's id on the parent's fork state. The child
// record is removed again if the parent cannot take the branch.
func (n *Navigator) StartBranch(ctx context.Context, parentRef, branch string) (*Outcome, error) {
	rec, path, err := n.tasks.Read(parentRef)
	if err != nil {
		return nil, err
	}
	parentID := task.CanonicalID(path)
	pos := rec.Position(parentID)
	if pos.WorkflowID == "" {
		return nil, fmt.Errorf("%w: task %s has no workflow", ErrNotAtFork, parentID)
	}
	def, err := n.defs.Resolve(pos.WorkflowID)
	if err != nil {
		return nil, err
	}
	node, ok := def.Node(pos.CurrentStep)
	if !ok || node.Kind != workflow.KindFork {
		return nil, fmt.Errorf("%w: task %s is at %q", ErrNotAtFork, parentID, pos.CurrentStep)
	}
	child, err := engine.ChildPosition(def, node.ID, branch, pos.Autonomy)
	if err != nil {
		return nil, err
	}
	childID := parentID + "-" + branch
	child.TaskID = childID
	resp, err := engine.Navigate(def, child, engine.Input{})
	if err != nil {
		return nil, err
	}
	n.applyNamespace(&resp)

	childPath, err := n.tasks.Create(task.Record{
		ID: childID,
		Metadata: task.Metadata{
			WorkflowID: def.ID,
			Extra:      map[string]any{ParentKey: parentID},
		},
	}, task.FormatJSON)
	if err != nil {
		return nil, err
	}
	wr, err := n.tasks.WritePosition(ctx, childPath, resp.Position, task.ProjectionFor(resp))
	if err != nil {
		n.discard(childPath)
		return nil, err
	}
	out := &Outcome{Response: resp, TaskID: childID, TaskPath: childPath, Write: &wr}

	parent, err := n.Navigate(ctx, Request{TaskRef: path, ChildRefs: map[string]string{branch: childID}})
	if err != nil {
		n.discard(childPath)
		return nil, err
	}
	n.logger.Info("branch started", "task", childID, "parent", parentID, "workflow", def.ID, "branch", branch, "step", resp.Step.NodeID)
	out.Parent = parent
	return out, nil
}

func (n *Navigator) discard(path string) {
	if err := n.tasks.Remove(path); err != nil {
		n.logger.Warn("could not remove task record after failed navigation", "path", path, "error", err)
	}
}

// reportToParent forwards a finished branch's outcome to the forking task.
// The child's own write already succeeded, so a parent that has moved on is
// logged rather than failing the call.
func (n *Navigator) reportToParent(ctx context.Context, child *task.Record, out *Outcome) *Outcome {
	parentID, _ := child.Metadata.Extra[ParentKey].(string)
	if parentID == "" {
		return nil
	}
	parent, err := n.Navigate(ctx, Request{
		TaskRef: parentID,
		Branch:  out.Position.Branch,
		Result:  out.BranchOutcome,
	})
	if err != nil {
		n.logger.Warn("branch outcome not recorded on parent", "task", out.TaskID, "parent", parentID, "branch", out.Position.Branch, "error", err)
		return nil
	}
	return parent
}

func (n *Navigator) observe(out *Outcome, result workflow.Result) {
	n.logger.Info("navigated",
		"task", out.TaskID,
		"workflow", out.WorkflowID,
		"from", out.From,
		"to", out.Step.NodeID,
		"action", string(out.Action),
		"result", string(result),
		"terminal", string(out.Terminal),
	)
	if n.recorder != nil {
		n.recorder.Navigated(string(out.Action))
		if out.Action == engine.ActionEscalate {
			n.recorder.Escalated()
		}
	}
	if out.Action != engine.ActionCurrent {
		n.book.Record(logbook.Step{
			TaskID:     out.TaskID,
			WorkflowID: out.WorkflowID,
			From:       out.From,
			To:         out.Step.NodeID,
			Action:     string(out.Action),
			Result:     string(result),
			Terminal:   string(out.Terminal),
		})
	}
}
