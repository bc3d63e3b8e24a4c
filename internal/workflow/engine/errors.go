package engine

import (
	"errors"
	"fmt"

	"github.com/kingrea/flow/internal/workflow"
)

var (
	// ErrMalformedGraph marks a traversal that found a node or edge the
	// definition does not provide. It is fatal to the call and never retried.
	ErrMalformedGraph = errors.New("engine: malformed graph")
	// ErrTerminal is returned when a result is reported on a terminal end node.
	ErrTerminal = errors.New("engine: position is terminal")
	// ErrBranchRequired is returned when a fork receives a result without a branch.
	ErrBranchRequired = errors.New("engine: fork awaits branch outcomes")
	// ErrUnknownBranch is returned for outcomes naming a branch the fork lacks.
	ErrUnknownBranch = errors.New("engine: unknown branch")
	// ErrWorkflowMismatch is returned when a position belongs to another workflow.
	ErrWorkflowMismatch = errors.New("engine: position belongs to a different workflow")
)

// TraversalError describes where a traversal met a malformed graph.
type TraversalError struct {
	WorkflowID string
	NodeID     string
	Result     workflow.Result
	Reason     string
}

func (e *TraversalError) Error() string {
	msg := fmt.Sprintf("engine: workflow %s node %s", e.WorkflowID, e.NodeID)
	if e.Result != workflow.ResultNone {
		msg += fmt.Sprintf(" result %s", e.Result)
	}
	return msg + ": " + e.Reason
}

func (e *TraversalError) Unwrap() error { return ErrMalformedGraph }

func malformed(def *workflow.Definition, nodeID string, result workflow.Result, format string, args ...any) error {
	return &TraversalError{
		WorkflowID: def.ID,
		NodeID:     nodeID,
		Result:     result,
		Reason:     fmt.Sprintf(format, args...),
	}
}
