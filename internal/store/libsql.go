// Package store persists run history to a libSQL (embedded SQLite fork)
// database. It implements conductor.RunRecorder for the write path and offers
// query methods for the CLI's history view.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/appforge/conductor/pkg/conductor"
	"github.com/appforge/conductor/pkg/schema"
)

// LibSQLStore records runs, unit states and events in a libSQL database.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- RunRecorder ---

// BeginRun inserts the run row at the start of a run.
func (s *LibSQLStore) BeginRun(ctx context.Context, run *conductor.Run) error {
	params, err := marshalMapOrDefault(run.Params)
	if err != nil {
		return fmt.Errorf("marshal run params: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, pipeline, status, params, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullStr(run.Pipeline), string(run.Status), string(params),
		nullStr(run.Error), timeOrNow(run.StartedAt), nullTime(run.CompletedAt),
	)
	return err
}

// FinishRun stamps the run's terminal status and completion time.
func (s *LibSQLStore) FinishRun(ctx context.Context, runID string, status schema.RunState, runErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, completed_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), nullStr(runErr), runID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", runID)
}

// AppendEvent appends to the run's ordered event log. The per-run sequence
// number is assigned inside a transaction so concurrent appenders never
// collide.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *conductor.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, unit_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.UnitID), event.Type, nullRaw(event.Payload),
		timeOrNow(event.Timestamp), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	return tx.Commit()
}

// UpsertUnitState writes the latest snapshot of a unit's state within a run.
func (s *LibSQLStore) UpsertUnitState(ctx context.Context, state *conductor.UnitState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO unit_state (run_id, unit_id, status, output, error, attempts, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, unit_id) DO UPDATE SET
		   status=excluded.status,
		   output=COALESCE(excluded.output, unit_state.output),
		   error=COALESCE(excluded.error, unit_state.error),
		   attempts=MAX(excluded.attempts, unit_state.attempts),
		   started_at=COALESCE(excluded.started_at, unit_state.started_at),
		   completed_at=COALESCE(excluded.completed_at, unit_state.completed_at),
		   duration_ms=MAX(excluded.duration_ms, unit_state.duration_ms)`,
		state.RunID, state.UnitID, string(state.Status),
		nullRaw(state.Output), nullStr(state.Error), state.Attempts,
		nullTime(state.StartedAt), nullTime(state.CompletedAt), state.DurationMs,
	)
	return err
}

var _ conductor.RunRecorder = (*LibSQLStore)(nil)

// --- Queries ---

// RunFilter narrows ListRuns results.
type RunFilter struct {
	Pipeline string
	Status   *schema.RunState
	Since    *time.Time
	Limit    int
	Offset   int
}

// GetRun fetches a single run by ID.
func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*conductor.Run, error) {
	r := &conductor.Run{}
	var (
		pipeline, params, runErr sql.NullString
		status                   string
		completedAt              sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, pipeline, status, params, error, started_at, completed_at FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &pipeline, &status, &params, &runErr, &r.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	r.Pipeline = pipeline.String
	r.Status = schema.RunState(status)
	r.Error = runErr.String
	if params.Valid && params.String != "" {
		_ = json.Unmarshal([]byte(params.String), &r.Params)
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return r, nil
}

// ListRuns returns runs matching the filter, newest first.
func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*conductor.Run, error) {
	var where []string
	var args []any

	if filter.Pipeline != "" {
		where = append(where, "pipeline = ?")
		args = append(args, filter.Pipeline)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT id, pipeline, status, params, error, started_at, completed_at FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*conductor.Run
	for rows.Next() {
		r := &conductor.Run{}
		var (
			pipeline, params, runErr sql.NullString
			status                   string
			completedAt              sql.NullTime
		)
		if err := rows.Scan(&r.ID, &pipeline, &status, &params, &runErr, &r.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		r.Pipeline = pipeline.String
		r.Status = schema.RunState(status)
		r.Error = runErr.String
		if params.Valid && params.String != "" {
			_ = json.Unmarshal([]byte(params.String), &r.Params)
		}
		if completedAt.Valid {
			r.CompletedAt = &completedAt.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListEvents returns a run's events with sequence greater than since, in order.
func (s *LibSQLStore) ListEvents(ctx context.Context, runID string, since int64) ([]*conductor.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, unit_id, event_type, payload, timestamp
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*conductor.Event
	for rows.Next() {
		e := &conductor.Event{}
		var unitID, payload sql.NullString
		if err := rows.Scan(&e.RunID, &unitID, &e.Type, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.UnitID = unitID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListUnitStates returns the unit state snapshots for a run.
func (s *LibSQLStore) ListUnitStates(ctx context.Context, runID string) ([]*conductor.UnitState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, unit_id, status, output, error, attempts, started_at, completed_at, duration_ms
		 FROM unit_state WHERE run_id = ? ORDER BY unit_id`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*conductor.UnitState
	for rows.Next() {
		us := &conductor.UnitState{}
		var status string
		var output, usErr sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&us.RunID, &us.UnitID, &status, &output, &usErr,
			&us.Attempts, &startedAt, &completedAt, &us.DurationMs); err != nil {
			return nil, err
		}
		us.Status = schema.UnitStatus(status)
		us.Output = rawOrNil(output)
		us.Error = usErr.String
		if startedAt.Valid {
			us.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			us.CompletedAt = &completedAt.Time
		}
		states = append(states, us)
	}
	return states, rows.Err()
}

// DeleteRun removes a run and its cascading unit state.
func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ConductorError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
