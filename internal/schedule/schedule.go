// Package schedule fires pipeline runs on cron expressions. Triggers are
// registered in memory; each tick runs every due trigger and computes its
// next fire time from the cron expression.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner is the interface the scheduler uses to start pipeline runs.
// Satisfied by the application wiring around conductor.Scheduler (avoids an
// import cycle with the engine).
type Runner interface {
	RunPipeline(ctx context.Context, trigger string, params map[string]any) error
}

// Trigger binds a cron expression to a pipeline run.
type Trigger struct {
	Name           string
	CronExpression string
	Params         map[string]any

	nextRunAt time.Time
}

// Scheduler ticks once a minute and runs every due trigger.
type Scheduler struct {
	runner Runner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	triggersMu sync.Mutex
	triggers   map[string]*Trigger

	inflightMu sync.Mutex
	inflight   map[string]struct{} // trigger names currently executing (dedup)
}

// NewScheduler creates a Scheduler with the standard five-field cron parser.
func NewScheduler(runner Runner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		triggers: make(map[string]*Trigger),
		inflight: make(map[string]struct{}),
	}
}

// AddTrigger registers a trigger. The cron expression is validated and the
// first fire time computed immediately.
func (s *Scheduler) AddTrigger(t Trigger) error {
	if t.Name == "" {
		return fmt.Errorf("trigger has empty name")
	}
	next, err := s.CalculateNextRun(t.CronExpression, time.Now().UTC())
	if err != nil {
		return err
	}
	t.nextRunAt = next

	s.triggersMu.Lock()
	defer s.triggersMu.Unlock()
	if _, exists := s.triggers[t.Name]; exists {
		return fmt.Errorf("trigger %q already registered", t.Name)
	}
	s.triggers[t.Name] = &t
	return nil
}

// RemoveTrigger deregisters a trigger by name.
func (s *Scheduler) RemoveTrigger(name string) {
	s.triggersMu.Lock()
	defer s.triggersMu.Unlock()
	delete(s.triggers, name)
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("cron scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every trigger whose fire time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	s.triggersMu.Lock()
	due := make([]*Trigger, 0)
	for _, t := range s.triggers {
		if !t.nextRunAt.After(now) {
			due = append(due, t)
		}
	}
	s.triggersMu.Unlock()

	for _, t := range due {
		if !s.tryAcquire(t.Name) {
			continue // previous run still executing (dedup)
		}
		if err := s.runTrigger(ctx, t, now); err != nil {
			s.logger.Error("scheduled run failed",
				slog.String("trigger", t.Name),
				slog.String("error", err.Error()),
			)
		}
		s.release(t.Name)
	}
}

// runTrigger fires one trigger and advances its next fire time.
func (s *Scheduler) runTrigger(ctx context.Context, t *Trigger, now time.Time) error {
	s.logger.Info("running scheduled trigger", slog.String("trigger", t.Name))

	err := s.runner.RunPipeline(ctx, t.Name, t.Params)

	next, calcErr := s.CalculateNextRun(t.CronExpression, now)
	if calcErr != nil {
		return calcErr
	}
	s.triggersMu.Lock()
	t.nextRunAt = next
	s.triggersMu.Unlock()

	return err
}

// tryAcquire returns true and marks the trigger as in-flight if it is not
// already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

// release removes the trigger from the in-flight set.
func (s *Scheduler) release(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("cron scheduler stopped")
	return nil
}
