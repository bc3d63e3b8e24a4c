package task

import (
	"encoding/json"
	"fmt"

	"github.com/kingrea/flow/internal/workflow/engine"
)

// Status is the coarse task state shown by external viewers.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// WriteThroughApplied and WriteThroughSkipped mark whether the projections
// were refreshed on the last write.
const (
	WriteThroughApplied = "applied"
	WriteThroughSkipped = "skipped"
)

// WriteThrough records what the last write did to the projections.
type WriteThrough struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	Node   string `json:"node,omitempty"`
	At     string `json:"at,omitempty"`
}

// Metadata is the machine-readable position block of a task record.
type Metadata struct {
	WorkflowID   string            `json:"workflowId,omitempty"`
	CurrentStep  string            `json:"currentStep,omitempty"`
	RetryCount   int               `json:"retryCount"`
	Retries      map[string]int    `json:"retries,omitempty"`
	Autonomy     bool              `json:"autonomy"`
	ForkState    *engine.ForkState `json:"forkState,omitempty"`
	Branch       string            `json:"branch,omitempty"`
	WriteThrough *WriteThrough     `json:"writeThrough,omitempty"`

	// Extra holds keys this package does not own. They round-trip untouched.
	Extra map[string]any `json:"-"`
}

// Record is a task as stored on disk. Extra holds unknown top-level fields.
type Record struct {
	ID          string   `json:"id"`
	Subject     string   `json:"subject"`
	ActiveForm  string   `json:"activeForm,omitempty"`
	Description string   `json:"description,omitempty"`
	Status      Status   `json:"status,omitempty"`
	Metadata    Metadata `json:"metadata"`

	Extra map[string]any `json:"-"`
}

var (
	recordKeys   = []string{"id", "subject", "activeForm", "description", "status", "metadata"}
	metadataKeys = []string{"workflowId", "currentStep", "retryCount", "retries", "autonomy", "forkState", "branch", "writeThrough"}
)

// Position derives the engine position from the record. The canonical id is
// supplied by the caller because the record's own id is not trusted.
func (r *Record) Position(canonicalID string) *engine.Position {
	m := r.Metadata
	pos := &engine.Position{
		TaskID:      canonicalID,
		WorkflowID:  m.WorkflowID,
		CurrentStep: m.CurrentStep,
		RetryCount:  m.RetryCount,
		Autonomy:    m.Autonomy,
		Branch:      m.Branch,
	}
	if len(m.Retries) > 0 {
		pos.Retries = make(map[string]int, len(m.Retries))
		for k, v := range m.Retries {
			pos.Retries[k] = v
		}
	}
	if m.ForkState != nil {
		clone := (&engine.Position{ForkState: m.ForkState}).Clone()
		pos.ForkState = clone.ForkState
	}
	return pos
}

// ApplyPosition copies a position into the metadata block.
func (r *Record) ApplyPosition(pos *engine.Position) {
	clone := pos.Clone()
	r.Metadata.WorkflowID = clone.WorkflowID
	r.Metadata.CurrentStep = clone.CurrentStep
	r.Metadata.RetryCount = clone.RetryCount
	r.Metadata.Retries = clone.Retries
	r.Metadata.Autonomy = clone.Autonomy
	r.Metadata.ForkState = clone.ForkState
	r.Metadata.Branch = clone.Branch
}

// toMap flattens the record and its extras into one generic document.
func (r *Record) toMap() (map[string]any, error) {
	known, err := structToMap(r)
	if err != nil {
		return nil, err
	}
	meta, err := structToMap(&r.Metadata)
	if err != nil {
		return nil, err
	}
	for k, v := range r.Metadata.Extra {
		if _, owned := meta[k]; !owned && !contains(metadataKeys, k) {
			meta[k] = v
		}
	}
	known["metadata"] = meta
	for k, v := range r.Extra {
		if !contains(recordKeys, k) {
			known[k] = v
		}
	}
	return known, nil
}

// recordFromMap is the inverse of toMap.
func recordFromMap(doc map[string]any) (*Record, error) {
	if id, ok := doc["id"]; ok && id != nil {
		if _, isString := id.(string); !isString {
			doc["id"] = fmt.Sprint(id)
		}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	rec.Extra = extras(doc, recordKeys)
	if meta, ok := doc["metadata"].(map[string]any); ok {
		rec.Metadata.Extra = extras(meta, metadataKeys)
	}
	return &rec, nil
}

func structToMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func extras(doc map[string]any, known []string) map[string]any {
	var out map[string]any
	for k, v := range doc {
		if contains(known, k) {
			continue
		}
		if out == nil {
			out = map[string]any{}
		}
		out[k] = v
	}
	return out
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
