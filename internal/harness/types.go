package harness

// TraceEvent records one operation submitted by a scenario step and what
// the node answered.
type TraceEvent struct {
	Step      int      `json:"step"`
	Node      string   `json:"node"`
	Kind      string   `json:"kind"`
	Circle    string   `json:"circle"`
	Outcome   string   `json:"outcome,omitempty"`
	Error     string   `json:"error,omitempty"`
	Forwarded bool     `json:"forwarded,omitempty"`
	Waiting   []string `json:"waiting,omitempty"`
}

// Row is one row of a state table, keyed by column name.
type Row map[string]any

// NodeState holds the final state tables of one node.
//
// Tables: circles, members, wrappers, shares, notifications.
type NodeState map[string][]Row

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion matched.
	Pass bool `json:"pass"`

	// Trace contains the operations of setup and flow steps in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State contains the final state tables of every node.
	State map[string]NodeState `json:"state"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]NodeState),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends one operation to the trace.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
