package conductor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/appforge/conductor/pkg/schema"
)

// Run is the durable record of one pipeline execution.
type Run struct {
	ID          string          `json:"id"`
	Pipeline    string          `json:"pipeline,omitempty"`
	Status      schema.RunState `json:"status"`
	Params      map[string]any  `json:"params,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// UnitState is the materialized view of a unit's state within a run.
type UnitState struct {
	RunID       string            `json:"run_id"`
	UnitID      string            `json:"unit_id"`
	Status      schema.UnitStatus `json:"status"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	Attempts    int               `json:"attempts"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// Event is one entry in the run history log.
type Event struct {
	RunID     string          `json:"run_id"`
	UnitID    string          `json:"unit_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// RunRecorder receives run history from the scheduler. The scheduler itself
// is stateless across restarts; durable recording is the recorder's concern.
// All calls are best-effort from the scheduler's point of view: a recorder
// error is logged, never allowed to fail the run.
type RunRecorder interface {
	BeginRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, runID string, status schema.RunState, runErr string) error
	AppendEvent(ctx context.Context, event *Event) error
	UpsertUnitState(ctx context.Context, state *UnitState) error
}

// NopRecorder discards all run history.
type NopRecorder struct{}

func (NopRecorder) BeginRun(context.Context, *Run) error                             { return nil }
func (NopRecorder) FinishRun(context.Context, string, schema.RunState, string) error { return nil }
func (NopRecorder) AppendEvent(context.Context, *Event) error                        { return nil }
func (NopRecorder) UpsertUnitState(context.Context, *UnitState) error                { return nil }

var _ RunRecorder = NopRecorder{}
