package schedule

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records pipeline runs.
type fakeRunner struct {
	mu   sync.Mutex
	runs []string
	err  error
}

func (r *fakeRunner) RunPipeline(_ context.Context, trigger string, _ map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, trigger)
	return r.err
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func newTestScheduler(runner Runner) *Scheduler {
	return NewScheduler(runner, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCalculateNextRun(t *testing.T) {
	s := newTestScheduler(&fakeRunner{})
	from := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)

	next, err := s.CalculateNextRun("0 * * * *", from)

	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC), next)
}

func TestCalculateNextRun_InvalidExpression(t *testing.T) {
	s := newTestScheduler(&fakeRunner{})

	_, err := s.CalculateNextRun("every tuesday", time.Now())

	require.Error(t, err)
}

func TestAddTrigger_Validation(t *testing.T) {
	s := newTestScheduler(&fakeRunner{})

	require.Error(t, s.AddTrigger(Trigger{Name: "", CronExpression: "* * * * *"}))
	require.Error(t, s.AddTrigger(Trigger{Name: "t", CronExpression: "not cron"}))

	require.NoError(t, s.AddTrigger(Trigger{Name: "t", CronExpression: "* * * * *"}))
	require.Error(t, s.AddTrigger(Trigger{Name: "t", CronExpression: "* * * * *"}), "duplicate names rejected")
}

func TestTick_RunsDueTriggersAndAdvances(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(runner)
	require.NoError(t, s.AddTrigger(Trigger{Name: "nightly", CronExpression: "0 0 * * *"}))

	// Force the trigger due.
	s.triggersMu.Lock()
	s.triggers["nightly"].nextRunAt = time.Now().UTC().Add(-time.Minute)
	s.triggersMu.Unlock()

	s.tick(context.Background())

	assert.Equal(t, []string{"nightly"}, runner.runs)

	s.triggersMu.Lock()
	next := s.triggers["nightly"].nextRunAt
	s.triggersMu.Unlock()
	assert.True(t, next.After(time.Now().UTC()), "next fire time must advance")

	// A second tick before the next fire time does nothing.
	s.tick(context.Background())
	assert.Equal(t, 1, runner.count())
}

func TestTick_SkipsNotDueTriggers(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(runner)
	require.NoError(t, s.AddTrigger(Trigger{Name: "hourly", CronExpression: "0 * * * *"}))

	s.tick(context.Background())

	assert.Equal(t, 0, runner.count())
}

func TestTick_InflightDedup(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(runner)
	require.NoError(t, s.AddTrigger(Trigger{Name: "t", CronExpression: "* * * * *"}))
	s.triggersMu.Lock()
	s.triggers["t"].nextRunAt = time.Now().UTC().Add(-time.Minute)
	s.triggersMu.Unlock()

	// Simulate a still-running previous execution.
	require.True(t, s.tryAcquire("t"))
	s.tick(context.Background())
	assert.Equal(t, 0, runner.count())

	s.release("t")
	s.tick(context.Background())
	assert.Equal(t, 1, runner.count())
}

func TestRemoveTrigger(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(runner)
	require.NoError(t, s.AddTrigger(Trigger{Name: "t", CronExpression: "* * * * *"}))

	s.RemoveTrigger("t")
	s.triggersMu.Lock()
	_, exists := s.triggers["t"]
	s.triggersMu.Unlock()

	assert.False(t, exists)
}

func TestStartStop(t *testing.T) {
	s := newTestScheduler(&fakeRunner{})

	require.NoError(t, s.Start(context.Background()))
	require.Error(t, s.Start(context.Background()), "double start rejected")
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")
	require.NoError(t, s.Start(context.Background()), "restart after stop allowed")
	require.NoError(t, s.Stop())
}
