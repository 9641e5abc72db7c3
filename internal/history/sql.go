package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	label TEXT NOT NULL,
	state TEXT NOT NULL,
	backend TEXT NOT NULL DEFAULT '',
	workspace_root TEXT NOT NULL DEFAULT '',
	publish_path TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL,
	task_count INTEGER NOT NULL DEFAULT 0,
	succeeded INTEGER NOT NULL DEFAULT 0,
	no_result INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	layer_count INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_runs_label ON runs(label);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

CREATE TABLE IF NOT EXISTS task_outcomes (
	run_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	task TEXT NOT NULL,
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	result TEXT NOT NULL DEFAULT '',
	duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	timed_out BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (run_id, position)
);
`

const runColumns = `id, label, state, backend, workspace_root, publish_path, started_at, finished_at,
	task_count, succeeded, no_result, failed, layer_count, error`

// sqlStore holds the queries shared by the SQLite and PostgreSQL stores.
// Queries are written with ? placeholders and rebound for the driver.
type sqlStore struct {
	db         *sql.DB
	dollarArgs bool
}

func (s *sqlStore) rebind(query string) string {
	if !s.dollarArgs {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) initSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) SaveRun(ctx context.Context, run *Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			label = excluded.label,
			state = excluded.state,
			backend = excluded.backend,
			workspace_root = excluded.workspace_root,
			publish_path = excluded.publish_path,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			task_count = excluded.task_count,
			succeeded = excluded.succeeded,
			no_result = excluded.no_result,
			failed = excluded.failed,
			layer_count = excluded.layer_count,
			error = excluded.error`),
		run.ID, run.Label, run.State, run.Backend, run.WorkspaceRoot, run.PublishPath,
		run.StartedAt.UTC(), run.FinishedAt.UTC(),
		run.TaskCount, run.Succeeded, run.NoResult, run.Failed, run.Layers, run.Error)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM task_outcomes WHERE run_id = ?`), run.ID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO task_outcomes (run_id, position, task, status, error, result, duration_seconds, timed_out)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, t := range run.Tasks {
		if _, err := stmt.ExecContext(ctx, run.ID, i, t.Task, t.Status, t.Error, t.Result, t.Duration, t.TimedOut); err != nil {
			return fmt.Errorf("failed to save outcome of %s: %w", t.Task, err)
		}
	}
	return tx.Commit()
}

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	r := &Run{}
	err := row.Scan(&r.ID, &r.Label, &r.State, &r.Backend, &r.WorkspaceRoot, &r.PublishPath,
		&r.StartedAt, &r.FinishedAt,
		&r.TaskCount, &r.Succeeded, &r.NoResult, &r.Failed, &r.Layers, &r.Error)
	if err != nil {
		return nil, err
	}
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()
	return r, nil
}

func (s *sqlStore) GetRun(ctx context.Context, idOrLabel string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+runColumns+` FROM runs
		WHERE id = ? OR label = ?
		ORDER BY started_at DESC LIMIT 1`), idOrLabel, idOrLabel)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, idOrLabel)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT task, status, error, result, duration_seconds, timed_out
		FROM task_outcomes WHERE run_id = ? ORDER BY position`), run.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var t TaskRecord
		if err := rows.Scan(&t.Task, &t.Status, &t.Error, &t.Result, &t.Duration, &t.TimedOut); err != nil {
			return nil, err
		}
		run.Tasks = append(run.Tasks, t)
	}
	return run, rows.Err()
}

func (s *sqlStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+runColumns+` FROM runs
		ORDER BY started_at DESC, id LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *sqlStore) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM task_outcomes WHERE run_id = ?`), id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM runs WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return tx.Commit()
}

func (s *sqlStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
