// Package conductor implements the agent orchestration engine: a registry of
// units of work with declared dependencies, a drain loop that runs each unit
// once its dependencies complete, bounded retry with exponential backoff, a
// context store feeding dependency outputs into dependent inputs, and a
// best-effort failure escalation hook.
package conductor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/appforge/conductor/internal/expressions"
	"github.com/appforge/conductor/internal/logging"
	"github.com/appforge/conductor/pkg/schema"
	"github.com/appforge/conductor/pkg/unit"
)

// RunStatus is the aggregate progress snapshot exposed to callers. It is the
// only externally visible failure signal: Start never re-raises unit errors.
type RunStatus struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Pending   int `json:"pending"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithRecorder sets the run history recorder. Defaults to NopRecorder.
func WithRecorder(r RunRecorder) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithParallelism allows up to n mutually independent units to run
// concurrently. The default of 1 keeps the drain loop single-flight, which
// guarantees deterministic ordering of context writes and status changes.
func WithParallelism(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// WithEscalation designates the recovery unit invoked, best-effort, whenever
// a unit reaches terminal failure.
func WithEscalation(recovery unit.Unit) Option {
	return func(s *Scheduler) { s.recovery = recovery }
}

// WithSleep overrides the backoff sleep, letting tests inject a fake clock.
func WithSleep(sleep SleepFunc) Option {
	return func(s *Scheduler) { s.sleep = sleep }
}

// WithPipelineName names the pipeline in run records and logs.
func WithPipelineName(name string) Option {
	return func(s *Scheduler) { s.pipeline = name }
}

// Scheduler owns the unit registry and the per-run bookkeeping: the ready
// queue, the completed/failed/cancelled sets and the context store. All
// bookkeeping is mutated by the drain loop goroutine only; worker goroutines
// communicate results back over a channel.
type Scheduler struct {
	logger      *slog.Logger
	recorder    RunRecorder
	parallelism int
	sleep       SleepFunc
	recovery    unit.Unit
	pipeline    string

	cel  *expressions.CELEngine
	expr *expressions.ExprEngine
	jq   *expressions.JQEngine

	mu      sync.Mutex
	specs   map[string]schema.UnitSpec
	units   map[string]unit.Unit
	order   []string // registration order
	running bool

	tracker   *statusTracker
	store     *ContextStore
	completed map[string]struct{}
	failed    map[string]struct{}
	cancelled map[string]struct{}
	attempts  map[string]int
	runID     string
}

// NewScheduler creates a Scheduler with an empty registry.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:      slog.Default(),
		recorder:    NopRecorder{},
		parallelism: 1,
		sleep:       WaitForBackoff,
		specs:       make(map[string]schema.UnitSpec),
		units:       make(map[string]unit.Unit),
		store:       NewContextStore(),
		completed:   make(map[string]struct{}),
		failed:      make(map[string]struct{}),
		cancelled:   make(map[string]struct{}),
		attempts:    make(map[string]int),
		expr:        expressions.NewExprEngine(),
		jq:          expressions.NewJQEngine(),
	}
	// CEL engine is optional; condition evaluation checks nil before use.
	s.cel, _ = expressions.NewCELEngine()

	for _, opt := range opts {
		opt(s)
	}
	s.tracker = newStatusTracker(s.logger, s.recorder)
	return s
}

// Register adds a unit and its spec to the registry. Registering a second
// unit under an existing ID is rejected with a CONFLICT error (the
// reject-duplicate policy; silent last-wins hides wiring mistakes).
func (s *Scheduler) Register(spec schema.UnitSpec, u unit.Unit) error {
	if u == nil {
		return schema.NewError(schema.ErrCodeValidation, "unit is nil")
	}
	if spec.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "unit spec has empty ID")
	}
	if u.ID() != spec.ID {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"spec ID %q does not match unit ID %q", spec.ID, u.ID())
	}
	if spec.Timeout != "" {
		if _, err := time.ParseDuration(spec.Timeout); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"unit %s has invalid timeout %q", spec.ID, spec.Timeout).WithCause(err)
		}
	}
	if spec.Retry != nil {
		if spec.Retry.Max < 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "unit %s has negative retry max", spec.ID)
		}
		if spec.Retry.Delay != "" {
			if _, err := time.ParseDuration(spec.Retry.Delay); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"unit %s has invalid retry delay %q", spec.ID, spec.Retry.Delay).WithCause(err)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return schema.NewError(schema.ErrCodeConflict, "cannot register while a run is active")
	}
	if _, exists := s.specs[spec.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "unit %q already registered", spec.ID)
	}
	s.specs[spec.ID] = spec
	s.units[spec.ID] = u
	s.order = append(s.order, spec.ID)
	return nil
}

// Status returns the aggregate progress of the current (or last) run.
func (s *Scheduler) Status() RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := RunStatus{
		Total:     len(s.specs),
		Completed: len(s.completed),
		Failed:    len(s.failed),
		Cancelled: len(s.cancelled),
	}
	st.Pending = st.Total - st.Completed - st.Failed - st.Cancelled
	return st
}

// UnitStatus returns the current status of a registered unit.
func (s *Scheduler) UnitStatus(unitID string) schema.UnitStatus {
	return s.tracker.status(unitID)
}

// Output returns the recorded output of a completed unit.
func (s *Scheduler) Output(unitID string) (json.RawMessage, bool) {
	return s.store.Get(unitID)
}

// Reset clears the queue, the terminal sets and the context store, and moves
// every registered unit back to idle. Rejected while a run is active.
func (s *Scheduler) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return schema.NewError(schema.ErrCodeConflict, "cannot reset while a run is active")
	}
	s.completed = make(map[string]struct{})
	s.failed = make(map[string]struct{})
	s.cancelled = make(map[string]struct{})
	s.attempts = make(map[string]int)
	s.store.Reset()
	s.tracker.resetAll()
	s.runID = ""
	return nil
}

// Start executes one pipeline run. It validates the dependency graph, seeds
// the ready queue with dependency-free units, and drains the queue until
// every unit is terminal. Unit failures never propagate out of Start; callers
// inspect Status(). The returned error covers pre-flight validation and
// context cancellation only.
func (s *Scheduler) Start(ctx context.Context, initialInput map[string]any) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "a run is already active")
	}
	if s.runID != "" {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "previous run state present; call Reset first")
	}

	specs := make([]schema.UnitSpec, 0, len(s.order))
	for _, id := range s.order {
		specs = append(specs, s.specs[id])
	}
	s.mu.Unlock()

	g, err := BuildGraph(specs)
	if err != nil {
		return err
	}

	runID := uuid.NewString()

	s.mu.Lock()
	s.running = true
	s.runID = runID
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ctx = logging.WithRunID(ctx, runID)
	s.tracker.bind(runID, g.Sorted)

	startedAt := time.Now().UTC()
	if err := s.recorder.BeginRun(ctx, &Run{
		ID:        runID,
		Pipeline:  s.pipeline,
		Status:    schema.RunStateActive,
		Params:    initialInput,
		StartedAt: startedAt,
	}); err != nil {
		s.logger.WarnContext(ctx, "record run start failed", slog.String("error", err.Error()))
	}
	s.logger.InfoContext(ctx, "run started",
		slog.String("pipeline", s.pipeline),
		slog.Int("units", len(g.Sorted)),
	)

	for _, id := range g.Sorted {
		_ = s.tracker.transition(ctx, id, schema.UnitStatusWaiting)
	}

	aborted := s.drain(ctx, g, initialInput)

	status := schema.RunStateCompleted
	runErr := ""
	switch {
	case aborted:
		status = schema.RunStateCancelled
		runErr = ctx.Err().Error()
	case len(s.failed) > 0:
		status = schema.RunStateFailed
	}
	if err := s.recorder.FinishRun(ctx, runID, status, runErr); err != nil {
		s.logger.WarnContext(ctx, "record run end failed", slog.String("error", err.Error()))
	}
	_ = s.recorder.AppendEvent(ctx, &Event{RunID: runID, Type: runEventType(status)})

	st := s.Status()
	s.logger.InfoContext(ctx, "run finished",
		slog.String("status", string(status)),
		slog.Int("completed", st.Completed),
		slog.Int("failed", st.Failed),
		slog.Int("cancelled", st.Cancelled),
	)

	if aborted {
		return ctx.Err()
	}
	return nil
}

// unitResult carries one unit's outcome from a worker back to the drain loop.
type unitResult struct {
	id       string
	output   json.RawMessage
	attempts int
	duration time.Duration
	err      error
}

// drain runs the dependency-count worklist: a unit enters the ready queue
// when its remaining-dependency counter reaches zero, and a terminal failure
// (or false condition) cancels its transitive dependents instead of leaving
// them queued forever. Returns true if the context was cancelled.
func (s *Scheduler) drain(ctx context.Context, g *Graph, initialInput map[string]any) bool {
	remaining := make(map[string]int, len(g.Specs))
	for id := range g.Specs {
		remaining[id] = len(g.Edges[id])
	}

	ready := append([]string(nil), g.Roots...)
	results := make(chan unitResult, s.parallelism)
	pool := NewWorkerPool(s.parallelism)
	defer pool.Shutdown()

	inflight := 0
	aborted := false

	for len(ready) > 0 || inflight > 0 {
		if ctx.Err() != nil {
			aborted = true
		}

		// Dispatch ready units up to the concurrency bound.
		for !aborted && len(ready) > 0 && inflight < s.parallelism {
			id := ready[0]
			ready = ready[1:]

			merged := s.store.CollectInput(g.Specs[id], initialInput)

			proceed, condErr := s.evalCondition(ctx, g.Specs[id], merged)
			if condErr == nil && !proceed {
				s.logger.InfoContext(ctx, "unit condition false, cancelling",
					slog.String("unit_id", id))
				ready = s.cancelUnit(ctx, g, id, ready)
				continue
			}

			if err := s.tracker.transition(ctx, id, schema.UnitStatusRunning); err != nil {
				s.logger.ErrorContext(ctx, "dispatch transition failed",
					slog.String("unit_id", id), slog.String("error", err.Error()))
				continue
			}
			now := time.Now().UTC()
			s.recordUnitState(ctx, &UnitState{
				RunID:     s.runID,
				UnitID:    id,
				Status:    schema.UnitStatusRunning,
				StartedAt: &now,
			})

			if condErr != nil {
				// A broken condition expression fails the unit without running it.
				results <- unitResult{id: id, attempts: 0, err: condErr}
				inflight++
				continue
			}

			unitID := id
			input := merged
			inflight++
			if err := pool.Submit(ctx, func(jobCtx context.Context) error {
				results <- s.runUnit(logging.WithUnitID(jobCtx, unitID), g, unitID, input)
				return nil
			}); err != nil {
				results <- unitResult{id: unitID, err: err}
			}
		}

		if inflight == 0 {
			if aborted {
				break
			}
			continue
		}

		res := <-results
		inflight--
		ready = s.settle(ctx, g, res, ready)
	}

	if aborted {
		s.cancelRemaining(ctx, g)
	}
	return aborted
}

// settle applies one unit's outcome to the bookkeeping and returns the
// updated ready queue.
func (s *Scheduler) settle(ctx context.Context, g *Graph, res unitResult, ready []string) []string {
	spec := g.Specs[res.id]
	now := time.Now().UTC()

	s.mu.Lock()
	s.attempts[res.id] = res.attempts
	s.mu.Unlock()

	if res.err != nil {
		_ = s.tracker.transition(ctx, res.id, schema.UnitStatusFailed)
		s.mu.Lock()
		s.failed[res.id] = struct{}{}
		s.mu.Unlock()
		s.recordUnitState(ctx, &UnitState{
			RunID:       s.runID,
			UnitID:      res.id,
			Status:      schema.UnitStatusFailed,
			Error:       res.err.Error(),
			Attempts:    res.attempts,
			CompletedAt: &now,
			DurationMs:  res.duration.Milliseconds(),
		})
		s.logger.ErrorContext(ctx, "unit failed",
			slog.String("unit_id", res.id),
			slog.Int("attempts", res.attempts),
			slog.String("error", res.err.Error()),
		)

		escalate(ctx, s.logger, s.recorder, s.runID, s.recovery, res.id, res.attempts, res.err)
		return s.cancelDependents(ctx, g, res.id, ready)
	}

	_ = s.tracker.transition(ctx, res.id, schema.UnitStatusCompleted)
	if err := s.store.Put(res.id, res.output); err != nil {
		// Write-once violation would mean the unit ran twice; fail loudly in logs.
		s.logger.ErrorContext(ctx, "context store write rejected",
			slog.String("unit_id", res.id), slog.String("error", err.Error()))
	}
	s.mu.Lock()
	s.completed[res.id] = struct{}{}
	s.mu.Unlock()
	s.recordUnitState(ctx, &UnitState{
		RunID:       s.runID,
		UnitID:      res.id,
		Status:      schema.UnitStatusCompleted,
		Output:      res.output,
		Attempts:    res.attempts,
		CompletedAt: &now,
		DurationMs:  res.duration.Milliseconds(),
	})

	// Advisory fan-out: recipients declare the dependency themselves; the
	// sharing is only surfaced for observability.
	for _, target := range spec.SharesOutputTo {
		s.logger.InfoContext(ctx, "output shared",
			slog.String("unit_id", res.id), slog.String("target", target))
		payload, _ := json.Marshal(map[string]string{"target": target})
		_ = s.recorder.AppendEvent(ctx, &Event{
			RunID: s.runID, UnitID: res.id, Type: schema.EventOutputShared, Payload: payload,
		})
	}

	// Unblock dependents whose entire dependency set is now satisfied.
	dependents := append([]string(nil), g.Reverse[res.id]...)
	sortIDs(dependents)
	for _, dep := range dependents {
		if s.tracker.status(dep) != schema.UnitStatusWaiting {
			continue
		}
		satisfied := true
		s.mu.Lock()
		for _, d := range g.Edges[dep] {
			if _, ok := s.completed[d]; !ok {
				satisfied = false
				break
			}
		}
		s.mu.Unlock()
		if satisfied {
			ready = append(ready, dep)
		}
	}
	return ready
}

// runUnit executes one unit through the retry executor. Runs on a worker
// goroutine; it touches only the status tracker (which has its own lock) and
// returns everything else through the result.
func (s *Scheduler) runUnit(ctx context.Context, g *Graph, id string, merged map[string]any) unitResult {
	spec := g.Specs[id]
	started := time.Now()

	if len(spec.InputMap) > 0 {
		var err error
		merged, err = s.applyInputMap(ctx, spec, merged)
		if err != nil {
			return unitResult{id: id, err: err, duration: time.Since(started)}
		}
	}

	var timeout time.Duration
	if spec.Timeout != "" {
		timeout, _ = time.ParseDuration(spec.Timeout)
	}

	attempts := 0
	out, err := RunWithRetry(ctx, spec.Label(), spec.Retry, s.sleep, func(ctx context.Context, attempt int) (json.RawMessage, error) {
		attempts = attempt
		if attempt > 1 {
			// Surface the retry in the status stream before re-running.
			_ = s.tracker.transition(ctx, id, schema.UnitStatusRetrying)
			payload, _ := json.Marshal(map[string]any{"attempt": attempt})
			_ = s.recorder.AppendEvent(ctx, &Event{
				RunID: s.runID, UnitID: id, Type: schema.EventUnitRetryAttempt, Payload: payload,
			})
			s.logger.WarnContext(ctx, "retrying unit",
				slog.String("unit_id", id), slog.Int("attempt", attempt))
			_ = s.tracker.transition(ctx, id, schema.UnitStatusRunning)
		}

		attemptCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return raceExecute(attemptCtx, s.unitFor(id), merged)
	})
	if err != nil {
		return unitResult{id: id, attempts: attempts, err: err, duration: time.Since(started)}
	}

	if spec.Export != "" {
		out, err = s.applyExport(ctx, spec, out)
		if err != nil {
			return unitResult{id: id, attempts: attempts, err: err, duration: time.Since(started)}
		}
	}

	return unitResult{id: id, attempts: attempts, output: out, duration: time.Since(started)}
}

// cancelUnit cancels a single waiting unit plus its dependents.
func (s *Scheduler) cancelUnit(ctx context.Context, g *Graph, id string, ready []string) []string {
	s.markCancelled(ctx, id)
	return s.cancelDependents(ctx, g, id, ready)
}

// cancelDependents marks every non-terminal transitive dependent of id as
// cancelled and removes it from the ready queue, so the worklist terminates
// instead of re-queueing units whose dependencies can never complete.
func (s *Scheduler) cancelDependents(ctx context.Context, g *Graph, id string, ready []string) []string {
	doomed := make(map[string]bool)
	for _, dep := range g.Dependents(id) {
		if s.tracker.status(dep).IsTerminal() {
			continue
		}
		s.markCancelled(ctx, dep)
		doomed[dep] = true
	}

	if len(doomed) == 0 {
		return ready
	}
	kept := ready[:0]
	for _, r := range ready {
		if !doomed[r] {
			kept = append(kept, r)
		}
	}
	return kept
}

func (s *Scheduler) markCancelled(ctx context.Context, id string) {
	_ = s.tracker.transition(ctx, id, schema.UnitStatusCancelled)
	s.mu.Lock()
	s.cancelled[id] = struct{}{}
	s.mu.Unlock()
	now := time.Now().UTC()
	s.recordUnitState(ctx, &UnitState{
		RunID:       s.runID,
		UnitID:      id,
		Status:      schema.UnitStatusCancelled,
		CompletedAt: &now,
	})
}

// cancelRemaining sweeps every non-terminal unit after a context abort.
func (s *Scheduler) cancelRemaining(ctx context.Context, g *Graph) {
	for _, id := range g.Sorted {
		if !s.tracker.status(id).IsTerminal() {
			s.markCancelled(ctx, id)
		}
	}
}

func (s *Scheduler) unitFor(id string) unit.Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.units[id]
}

// evalCondition evaluates the unit's CEL guard against the merged input.
// Returns proceed=false only for an explicit boolean false; a non-boolean
// result or evaluation error is a unit failure, not a silent skip.
func (s *Scheduler) evalCondition(ctx context.Context, spec *schema.UnitSpec, merged map[string]any) (bool, error) {
	if spec.Condition == "" {
		return true, nil
	}
	if s.cel == nil {
		return false, schema.NewError(schema.ErrCodeValidation, "condition set but CEL engine unavailable").WithUnit(spec.ID)
	}
	env := map[string]any{
		"input": merged,
		"run":   map[string]any{"id": s.runID, "pipeline": s.pipeline},
	}
	v, err := s.cel.Evaluate(ctx, spec.Condition, env)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition evaluation failed: %s", err.Error()).WithUnit(spec.ID).WithCause(err)
	}
	b, ok := v.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q did not evaluate to a boolean", spec.Condition).WithUnit(spec.ID)
	}
	return b, nil
}

// applyInputMap overlays the merged input with expr-derived values.
func (s *Scheduler) applyInputMap(ctx context.Context, spec *schema.UnitSpec, merged map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(merged)+len(spec.InputMap))
	for k, v := range merged {
		out[k] = v
	}
	for key, expression := range spec.InputMap {
		v, err := s.expr.Evaluate(ctx, expression, merged)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"input_map %q failed: %s", key, err.Error()).WithUnit(spec.ID).WithCause(err)
		}
		out[key] = v
	}
	return out, nil
}

// applyExport projects the unit's output through its jq program before the
// output is committed to the context store.
func (s *Scheduler) applyExport(ctx context.Context, spec *schema.UnitSpec, raw json.RawMessage) (json.RawMessage, error) {
	var doc any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"export requires JSON output: %s", err.Error()).WithUnit(spec.ID).WithCause(err)
		}
	}
	v, err := s.jq.Evaluate(ctx, spec.Export, doc)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"export %q failed: %s", spec.Export, err.Error()).WithUnit(spec.ID).WithCause(err)
	}
	projected, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"export produced unencodable value: %s", err.Error()).WithUnit(spec.ID)
	}
	return projected, nil
}

// recordUnitState persists a unit state snapshot, best-effort.
func (s *Scheduler) recordUnitState(ctx context.Context, state *UnitState) {
	if err := s.recorder.UpsertUnitState(ctx, state); err != nil {
		s.logger.WarnContext(ctx, "record unit state failed",
			slog.String("unit_id", state.UnitID), slog.String("error", err.Error()))
	}
}

func runEventType(status schema.RunState) string {
	switch status {
	case schema.RunStateCompleted:
		return schema.EventRunCompleted
	case schema.RunStateFailed:
		return schema.EventRunFailed
	case schema.RunStateCancelled:
		return schema.EventRunCancelled
	default:
		return schema.EventRunStarted
	}
}
