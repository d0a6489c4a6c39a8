package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/appforge/conductor/internal/schedule"
	"github.com/appforge/conductor/pkg/conductor"
	"github.com/appforge/conductor/pkg/schema"
	"github.com/appforge/conductor/pkg/unit"
)

// runRun executes a pipeline definition once with stub unit bodies and
// records the run in the history store.
func runRun(cfg Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	params := fs.String("params", "", "initial input as a JSON object")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("run takes exactly one pipeline file")
	}

	def, _, err := loadDefinition(fs.Arg(0))
	if err != nil {
		return err
	}
	input, err := parseParams(*params)
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	status, err := executeDefinition(ctx, cfg, st, def, input)
	if err != nil {
		return err
	}
	fmt.Printf("pipeline %q: %d completed, %d failed, %d cancelled\n",
		def.Name, status.Completed, status.Failed, status.Cancelled)
	if status.Failed > 0 {
		return fmt.Errorf("%d units failed; see `conductor history` for details", status.Failed)
	}
	return nil
}

// runSchedule executes a pipeline definition on a cron expression until
// interrupted.
func runSchedule(cfg Config, args []string) error {
	fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
	params := fs.String("params", "", "initial input as a JSON object")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("schedule takes a pipeline file and a cron expression")
	}

	def, _, err := loadDefinition(fs.Arg(0))
	if err != nil {
		return err
	}
	input, err := parseParams(*params)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	runner := &pipelineRunner{cfg: cfg, recorder: st, def: def}
	sched := schedule.NewScheduler(runner, slog.Default())
	if err := sched.AddTrigger(schedule.Trigger{
		Name:           def.Name,
		CronExpression: fs.Arg(1),
		Params:         input,
	}); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	slog.Info("scheduling pipeline",
		slog.String("pipeline", def.Name),
		slog.String("cron", fs.Arg(1)),
	)
	<-ctx.Done()
	return sched.Stop()
}

// pipelineRunner adapts the engine to schedule.Runner: each trigger fire runs
// the loaded definition once against the history store.
type pipelineRunner struct {
	cfg      Config
	recorder conductor.RunRecorder
	def      *schema.PipelineDefinition
}

func (r *pipelineRunner) RunPipeline(ctx context.Context, trigger string, params map[string]any) error {
	status, err := executeDefinition(ctx, r.cfg, r.recorder, r.def, params)
	if err != nil {
		return err
	}
	slog.Info("scheduled run finished",
		slog.String("trigger", trigger),
		slog.Int("completed", status.Completed),
		slog.Int("failed", status.Failed),
		slog.Int("cancelled", status.Cancelled),
	)
	if status.Failed > 0 {
		return fmt.Errorf("pipeline %s: %d units failed", r.def.Name, status.Failed)
	}
	return nil
}

// executeDefinition runs a definition once on a fresh engine. Unit bodies are
// stubs that echo their merged input; callers embedding the engine register
// real units through pkg/conductor directly.
func executeDefinition(ctx context.Context, cfg Config, rec conductor.RunRecorder, def *schema.PipelineDefinition, params map[string]any) (conductor.RunStatus, error) {
	sched := conductor.NewScheduler(
		conductor.WithLogger(slog.Default()),
		conductor.WithPipelineName(def.Name),
		conductor.WithParallelism(cfg.Parallelism),
		conductor.WithRecorder(rec),
	)
	for _, spec := range def.Units {
		if err := sched.Register(spec, echoUnit(spec.ID)); err != nil {
			return conductor.RunStatus{}, err
		}
	}
	if err := sched.Start(ctx, params); err != nil {
		return sched.Status(), err
	}
	return sched.Status(), nil
}

// echoUnit reports its own id and the merged input it received, so conditions,
// input maps and exports in the definition stay observable in run history.
func echoUnit(id string) unit.Unit {
	return unit.Func{Name: id, Fn: func(_ context.Context, input map[string]any) (json.RawMessage, error) {
		return json.Marshal(map[string]any{"unit": id, "input": input})
	}}
}

func parseParams(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("parse --params: %w", err)
	}
	return params, nil
}
