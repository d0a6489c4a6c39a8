package conductor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/appforge/conductor/pkg/schema"
)

// validUnitTransitions defines the allowed status transitions for units.
// Reset is out-of-band: the scheduler moves every unit back to idle directly.
var validUnitTransitions = map[schema.UnitStatus][]schema.UnitStatus{
	schema.UnitStatusIdle:      {schema.UnitStatusWaiting},
	schema.UnitStatusWaiting:   {schema.UnitStatusRunning, schema.UnitStatusCancelled},
	schema.UnitStatusRunning:   {schema.UnitStatusCompleted, schema.UnitStatusFailed, schema.UnitStatusRetrying, schema.UnitStatusCancelled},
	schema.UnitStatusRetrying:  {schema.UnitStatusRunning, schema.UnitStatusFailed, schema.UnitStatusCancelled},
	schema.UnitStatusCompleted: {},
	schema.UnitStatusFailed:    {},
	schema.UnitStatusCancelled: {},
}

func isValidUnitTransition(from, to schema.UnitStatus) bool {
	for _, a := range validUnitTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// statusTracker owns the current status of every registered unit for one run.
// Transitions are validated against the table above and every accepted
// transition is emitted as a structured log line and a run history event.
type statusTracker struct {
	mu       sync.Mutex
	statuses map[string]schema.UnitStatus

	runID    string
	logger   *slog.Logger
	recorder RunRecorder
}

func newStatusTracker(logger *slog.Logger, recorder RunRecorder) *statusTracker {
	return &statusTracker{
		statuses: make(map[string]schema.UnitStatus),
		logger:   logger,
		recorder: recorder,
	}
}

// bind attaches the tracker to a run and initializes every unit to idle.
func (t *statusTracker) bind(runID string, unitIDs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runID = runID
	for _, id := range unitIDs {
		t.statuses[id] = schema.UnitStatusIdle
	}
}

// status returns the current status of a unit, defaulting to idle.
func (t *statusTracker) status(unitID string) schema.UnitStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.statuses[unitID]
	if !ok {
		return schema.UnitStatusIdle
	}
	return s
}

// transition validates and applies a status change, emitting the
// corresponding observability event.
func (t *statusTracker) transition(ctx context.Context, unitID string, to schema.UnitStatus) error {
	t.mu.Lock()
	from := t.statuses[unitID]
	if !isValidUnitTransition(from, to) {
		t.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid unit transition: %s -> %s", from, to).WithUnit(unitID)
	}
	t.statuses[unitID] = to
	runID := t.runID
	t.mu.Unlock()

	t.logger.InfoContext(ctx, "unit status changed",
		slog.String("unit_id", unitID),
		slog.String("from", string(from)),
		slog.String("status", string(to)),
	)

	if eventType := unitEventType(to); eventType != "" {
		if err := t.recorder.AppendEvent(ctx, &Event{
			RunID:  runID,
			UnitID: unitID,
			Type:   eventType,
		}); err != nil {
			t.logger.WarnContext(ctx, "record unit event failed",
				slog.String("unit_id", unitID),
				slog.String("event_type", eventType),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// resetAll moves every unit back to idle, bypassing the transition table.
func (t *statusTracker) resetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.statuses {
		t.statuses[id] = schema.UnitStatusIdle
	}
	t.runID = ""
}

func (t *statusTracker) snapshot() map[string]schema.UnitStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]schema.UnitStatus, len(t.statuses))
	for id, s := range t.statuses {
		out[id] = s
	}
	return out
}

func unitEventType(to schema.UnitStatus) string {
	switch to {
	case schema.UnitStatusWaiting:
		return schema.EventUnitWaiting
	case schema.UnitStatusRunning:
		return schema.EventUnitStarted
	case schema.UnitStatusCompleted:
		return schema.EventUnitCompleted
	case schema.UnitStatusFailed:
		return schema.EventUnitFailed
	case schema.UnitStatusCancelled:
		return schema.EventUnitCancelled
	case schema.UnitStatusRetrying:
		return schema.EventUnitRetrying
	default:
		return ""
	}
}
