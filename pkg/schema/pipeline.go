package schema

// PipelineDefinition is the JSON-serializable pipeline format consumed by the
// CLI and by callers that register units from configuration.
type PipelineDefinition struct {
	Name     string         `json:"name"`
	Units    []UnitSpec     `json:"units"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UnitSpec describes a single schedulable unit of work. It is immutable once
// registered with a scheduler.
type UnitSpec struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"` // unit IDs that must complete first

	Retry   *RetryPolicy `json:"retry,omitempty"`
	Timeout string       `json:"timeout,omitempty"` // per-attempt timeout (e.g. "30s", "5m")

	// CompletionMode is informational only; the scheduler records it but does
	// not gate on it. Review gating is the dashboard's concern.
	CompletionMode CompletionMode `json:"completion_mode,omitempty"`

	// SharesOutputTo is an advisory fan-out list. Recipients still declare the
	// dependency themselves; the scheduler only logs the sharing.
	SharesOutputTo []string `json:"shares_output_to,omitempty"`

	// Condition is a CEL expression evaluated against the merged input before
	// the unit runs. A false result cancels the unit and its dependents.
	Condition string `json:"condition,omitempty"`

	// InputMap maps input keys to expr-lang expressions evaluated over the
	// merged input; results overlay the merged input before execution.
	InputMap map[string]string `json:"input_map,omitempty"`

	// Export is a jq program applied to the unit's output before it is
	// committed to the context store.
	Export string `json:"export,omitempty"`
}

// Label returns the human-readable name for the unit, falling back to its ID.
func (s UnitSpec) Label() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.ID
}

// CompletionMode distinguishes units whose success auto-closes the pipeline
// step from those requiring external review before downstream consumers act.
type CompletionMode string

const (
	CompletionAutoClose      CompletionMode = "auto_close"
	CompletionRequiresReview CompletionMode = "requires_review"
)

// RetryPolicy configures retry behavior for a unit.
// Max is the total number of attempts, not the number of re-tries: Max=3
// means at most three executions. The delay before attempt n (n >= 2) is
// Delay * Multiplier^(n-2); the first attempt is always immediate.
type RetryPolicy struct {
	Max        int     `json:"max"`
	Delay      string  `json:"delay,omitempty"`      // initial delay (e.g. "5s", "500ms")
	Multiplier float64 `json:"multiplier,omitempty"` // backoff multiplier (default 1: constant)
}
