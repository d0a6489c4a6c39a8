package schema

// Event type constants for the run history log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	EventUnitWaiting   = "unit_waiting"
	EventUnitStarted   = "unit_started"
	EventUnitCompleted = "unit_completed"
	EventUnitFailed    = "unit_failed"
	EventUnitCancelled = "unit_cancelled"
	EventUnitRetrying  = "unit_retrying"

	EventUnitRetryAttempt = "unit_retry_attempt"
	EventOutputShared     = "output_shared"

	EventEscalationInvoked = "escalation_invoked"
	EventEscalationFailed  = "escalation_failed"
)

// RunState represents the lifecycle state of a pipeline run.
type RunState string

const (
	RunStatePending   RunState = "pending"
	RunStateActive    RunState = "active"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

// UnitStatus represents the lifecycle state of a unit within a run.
type UnitStatus string

const (
	UnitStatusIdle      UnitStatus = "idle"
	UnitStatusWaiting   UnitStatus = "waiting"
	UnitStatusRunning   UnitStatus = "running"
	UnitStatusRetrying  UnitStatus = "retrying"
	UnitStatusCompleted UnitStatus = "completed"
	UnitStatusFailed    UnitStatus = "failed"
	UnitStatusCancelled UnitStatus = "cancelled"
)

// IsTerminal reports whether a unit status is final for the current run.
func (s UnitStatus) IsTerminal() bool {
	return s == UnitStatusCompleted || s == UnitStatusFailed || s == UnitStatusCancelled
}
