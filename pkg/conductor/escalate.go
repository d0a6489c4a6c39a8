package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/appforge/conductor/pkg/schema"
	"github.com/appforge/conductor/pkg/unit"
)

// escalationTimeout bounds the recovery unit's execution so a hung hook
// cannot stall the drain loop indefinitely.
const escalationTimeout = 2 * time.Minute

// escalate invokes the designated recovery unit with the failure context.
// Strictly best-effort: the hook's own failure is logged and discarded, never
// re-raised into the scheduler's bookkeeping.
func escalate(ctx context.Context, logger *slog.Logger, recorder RunRecorder, runID string, recovery unit.Unit, failedID string, attempts int, failure error) {
	if recovery == nil {
		return
	}

	payload, _ := json.Marshal(map[string]any{
		"failed_unit": failedID,
		"error":       failure.Error(),
		"attempts":    attempts,
	})
	if err := recorder.AppendEvent(ctx, &Event{
		RunID:   runID,
		UnitID:  failedID,
		Type:    schema.EventEscalationInvoked,
		Payload: payload,
	}); err != nil {
		logger.WarnContext(ctx, "record escalation event failed", slog.String("error", err.Error()))
	}

	hookCtx, cancel := context.WithTimeout(ctx, escalationTimeout)
	defer cancel()

	input := map[string]any{
		"failed_unit": failedID,
		"error":       failure.Error(),
		"attempts":    attempts,
	}

	if _, err := safeExecute(hookCtx, recovery, input); err != nil {
		logger.ErrorContext(ctx, "escalation hook failed",
			slog.String("failed_unit", failedID),
			slog.String("recovery_unit", recovery.ID()),
			slog.String("error", err.Error()),
		)
		errPayload, _ := json.Marshal(map[string]string{"error": err.Error()})
		_ = recorder.AppendEvent(ctx, &Event{
			RunID:   runID,
			UnitID:  failedID,
			Type:    schema.EventEscalationFailed,
			Payload: errPayload,
		})
		return
	}

	logger.InfoContext(ctx, "escalation hook completed",
		slog.String("failed_unit", failedID),
		slog.String("recovery_unit", recovery.ID()),
	)
}

// safeExecute runs a unit and converts panics into execution errors, so a
// misbehaving unit reports failure instead of crashing the run.
func safeExecute(ctx context.Context, u unit.Unit, input map[string]any) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "unit panicked: %v", r).WithUnit(u.ID())
		}
	}()
	out, err = u.Execute(ctx, input)
	return out, err
}

// raceExecute runs safeExecute in a goroutine and races it against the
// context deadline, so a unit that ignores cancellation still settles from
// the scheduler's point of view. The abandoned goroutine keeps running until
// the unit returns; no mid-flight cancellation beyond ctx is propagated.
func raceExecute(ctx context.Context, u unit.Unit, input map[string]any) (json.RawMessage, error) {
	type result struct {
		out json.RawMessage
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := safeExecute(ctx, u, input)
		ch <- result{out, err}
	}()

	select {
	case r := <-ch:
		if ctx.Err() == context.DeadlineExceeded && r.err == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "unit %s timed out", u.ID()).WithUnit(u.ID())
		}
		return r.out, r.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "unit %s timed out", u.ID()).WithUnit(u.ID())
		}
		return nil, fmt.Errorf("unit %s: %w", u.ID(), ctx.Err())
	}
}
