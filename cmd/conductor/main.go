// Command conductor inspects, runs and schedules pipeline definitions.
//
//	conductor validate <pipeline.json>          check a definition against the schema and graph rules
//	conductor plan <pipeline.json>              print the execution order and parallel levels
//	conductor run <pipeline.json>               execute the pipeline once, recording history
//	conductor schedule <pipeline.json> <cron>   execute the pipeline on a cron expression
//	conductor history [run-id]                  list recorded runs, or show one run in detail
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/appforge/conductor/internal/logging"
	"github.com/appforge/conductor/internal/store"
	"github.com/appforge/conductor/internal/validation"
	"github.com/appforge/conductor/pkg/conductor"
	"github.com/appforge/conductor/pkg/schema"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	var err error
	switch os.Args[1] {
	case "validate":
		err = runValidate(os.Args[2:])
	case "plan":
		err = runPlan(os.Args[2:])
	case "run":
		err = runRun(cfg, os.Args[2:])
	case "schedule":
		err = runSchedule(cfg, os.Args[2:])
	case "history":
		err = runHistory(cfg, os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: conductor <validate|plan|run|schedule|history> [args]")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func loadDefinition(path string) (*schema.PipelineDefinition, *conductor.Graph, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}

	v, err := validation.NewPipelineValidator()
	if err != nil {
		return nil, nil, err
	}
	def, err := v.ParseDefinition(raw)
	if err != nil {
		return nil, nil, err
	}

	g, err := conductor.BuildGraph(def.Units)
	if err != nil {
		return nil, nil, err
	}
	return def, g, nil
}

func openStore(ctx context.Context, cfg Config) (*store.LibSQLStore, error) {
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

func runValidate(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("validate takes exactly one pipeline file")
	}
	def, g, err := loadDefinition(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("pipeline %q: ok (%d units)\n", def.Name, len(g.Sorted))
	return nil
}

func runPlan(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("plan takes exactly one pipeline file")
	}
	def, g, err := loadDefinition(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("pipeline %q: %d units, %d levels\n", def.Name, len(g.Sorted), len(g.Levels))
	for i, level := range g.Levels {
		fmt.Printf("  level %d: %s\n", i, strings.Join(level, ", "))
	}
	return nil
}

func runHistory(cfg Config, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if fs.NArg() == 1 {
		return showRun(ctx, st, fs.Arg(0))
	}

	runs, err := st.ListRuns(ctx, store.RunFilter{Limit: *limit})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}
	for _, r := range runs {
		fmt.Printf("%s  %-10s  %-20s  %s\n",
			r.ID, r.Status, r.Pipeline, r.StartedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func showRun(ctx context.Context, st *store.LibSQLStore, runID string) error {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	fmt.Printf("run %s  pipeline=%s  status=%s  started=%s\n",
		run.ID, run.Pipeline, run.Status, run.StartedAt.Format("2006-01-02 15:04:05"))
	if run.Error != "" {
		fmt.Printf("  error: %s\n", run.Error)
	}

	states, err := st.ListUnitStates(ctx, runID)
	if err != nil {
		return err
	}
	for _, us := range states {
		fmt.Printf("  %-24s %-10s attempts=%d duration=%dms\n",
			us.UnitID, us.Status, us.Attempts, us.DurationMs)
		if us.Error != "" {
			fmt.Printf("    error: %s\n", us.Error)
		}
	}

	events, err := st.ListEvents(ctx, runID, 0)
	if err != nil {
		return err
	}
	for _, e := range events {
		line := e.Type
		if e.UnitID != "" {
			line += " " + e.UnitID
		}
		if len(e.Payload) > 0 {
			line += " " + string(e.Payload)
		}
		fmt.Printf("  event: %s\n", line)
	}
	return nil
}
