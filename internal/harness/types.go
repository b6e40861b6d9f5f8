package harness

import (
	"github.com/roach88/offsync/internal/record"
)

// TraceEvent records one flow step and the state it left behind.
type TraceEvent struct {
	Step   int            `json:"step"`
	Action string         `json:"action"`
	ID     string         `json:"id,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
	Error  string         `json:"error,omitempty"`
	Online bool           `json:"online"`

	// Snapshot is the store's snapshot after the step.
	Snapshot record.Snapshot `json:"snapshot"`

	// Queue lists the pending mutations after the step, oldest first.
	Queue []QueuedMutation `json:"queue"`
}

// QueuedMutation is the stable part of a queue entry. Mutation IDs and
// timestamps are left out so traces compare byte for byte.
type QueuedMutation struct {
	Op       string         `json:"op"`
	Resource string         `json:"resource"`
	RecordID string         `json:"record_id,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace has one event per flow step.
	Trace []TraceEvent `json:"trace"`

	// Errors holds expect and assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
