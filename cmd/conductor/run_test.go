package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/conductor/internal/store"
	"github.com/appforge/conductor/pkg/schema"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return Config{
		DBPath:      filepath.Join(t.TempDir(), "conductor.db"),
		LogLevel:    "error",
		Parallelism: 2,
	}
}

func TestExecuteDefinition_RecordsRunHistory(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	require.NoError(t, err)
	defer st.Close()

	def := &schema.PipelineDefinition{
		Name: "smoke",
		Units: []schema.UnitSpec{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
		},
	}

	status, err := executeDefinition(ctx, cfg, st, def, map[string]any{"env": "test"})
	require.NoError(t, err)
	assert.Equal(t, 2, status.Completed)
	assert.Equal(t, 0, status.Failed)

	runs, err := st.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "smoke", runs[0].Pipeline)
	assert.Equal(t, schema.RunStateCompleted, runs[0].Status)

	states, err := st.ListUnitStates(ctx, runs[0].ID)
	require.NoError(t, err)
	require.Len(t, states, 2)
	for _, us := range states {
		assert.Equal(t, schema.UnitStatusCompleted, us.Status)
	}

	// The stub body echoes its merged input, so b's recorded output carries
	// a's output under the "a" key.
	assert.Contains(t, string(states[1].Output), `"unit":"a"`)
}

func TestExecuteDefinition_DuplicateUnitRejected(t *testing.T) {
	cfg := testConfig(t)
	def := &schema.PipelineDefinition{
		Name:  "dup",
		Units: []schema.UnitSpec{{ID: "a"}, {ID: "a"}},
	}

	_, err := executeDefinition(context.Background(), cfg, nil, def, nil)

	var cErr *schema.ConductorError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, schema.ErrCodeConflict, cErr.Code)
}

func TestPipelineRunner_RunPipeline(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	require.NoError(t, err)
	defer st.Close()

	def := &schema.PipelineDefinition{
		Name:  "nightly",
		Units: []schema.UnitSpec{{ID: "a"}},
	}
	runner := &pipelineRunner{cfg: cfg, recorder: st, def: def}

	require.NoError(t, runner.RunPipeline(ctx, "nightly", nil))

	runs, err := st.ListRuns(ctx, store.RunFilter{Pipeline: "nightly"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, schema.RunStateCompleted, runs[0].Status)

	// A second fire records a second, independent run.
	require.NoError(t, runner.RunPipeline(ctx, "nightly", nil))
	runs, err = st.ListRuns(ctx, store.RunFilter{Pipeline: "nightly"})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestPipelineRunner_ReportsFailedUnits(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	require.NoError(t, err)
	defer st.Close()

	// A condition that fails to compile makes its unit fail.
	def := &schema.PipelineDefinition{
		Name:  "broken",
		Units: []schema.UnitSpec{{ID: "a", Condition: "input.>bad"}},
	}
	runner := &pipelineRunner{cfg: cfg, recorder: st, def: def}

	err = runner.RunPipeline(ctx, "broken", nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 units failed")
}

func TestParseParams(t *testing.T) {
	params, err := parseParams("")
	require.NoError(t, err)
	assert.Nil(t, params)

	params, err = parseParams(`{"date":"2026-08-24"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"date": "2026-08-24"}, params)

	_, err = parseParams(`not json`)
	require.Error(t, err)
}
