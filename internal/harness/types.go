package harness

// TraceEvent is one observable action during a scenario: a local
// transact, a seed, a call a replica made to the remote log, or the
// summary of a sync pass.
type TraceEvent struct {
	Step    int            `json:"step"`              // 1-based scenario step
	Replica string         `json:"replica,omitempty"` // empty for seeds
	Op      string         `json:"op"`
	Args    map[string]any `json:"args,omitempty"`
}

// Trace operation names.
const (
	OpTransact          = "transact"
	OpSeed              = "seed"
	OpSync              = "sync"
	OpHead              = "head"
	OpSetHead           = "set_head"
	OpTransactionsAfter = "transactions_after"
	OpPutTransaction    = "put_transaction"
	OpPutChunk          = "put_chunk"
)

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every expect clause and assertion holds.
	Pass bool `json:"pass"`

	// Trace contains every event in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// LocalHeads maps each replica to its final local head.
	LocalHeads map[string]string `json:"local_heads"`

	// RemoteHead is the remote log's final head.
	RemoteHead string `json:"remote_head"`

	// ChainDigest fingerprints the final remote chain.
	ChainDigest string `json:"chain_digest"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:       true,
		Trace:      []TraceEvent{},
		Errors:     []string{},
		LocalHeads: make(map[string]string),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends an event.
func (r *Result) AddTrace(step int, replica, op string, args map[string]any) {
	r.Trace = append(r.Trace, TraceEvent{
		Step:    step,
		Replica: replica,
		Op:      op,
		Args:    args,
	})
}
