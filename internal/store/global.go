package store

import (
	"context"
	_ "embed"
	"database/sql"
	"fmt"
	"time"

	"github.com/steroidsdev/steroids/internal/model"
)

//go:embed schema_global.sql
var globalSchemaSQL string

// GlobalStore wraps the cross-project database: <home>/.steroids/steroids.db.
// It tracks registered projects, live runners, the cross-project activity
// log, and parallel-session workstream leases (spec.md §3, §6).
type GlobalStore struct {
	db      *sql.DB
	queries *Queries
	path    string
}

func OpenGlobalStore(dbPath string) (*GlobalStore, error) {
	db, err := openDB(dbPath, globalSchemaSQL, openOptions{})
	if err != nil {
		return nil, err
	}
	return &GlobalStore{db: db, queries: New(db), path: dbPath}, nil
}

func OpenGlobalStoreReadOnly(dbPath string) (*GlobalStore, error) {
	db, err := openDB(dbPath, globalSchemaSQL, openOptions{readOnly: true})
	if err != nil {
		return nil, err
	}
	return &GlobalStore{db: db, queries: New(db), path: dbPath}, nil
}

func (s *GlobalStore) Close() error { return s.db.Close() }

func (s *GlobalStore) DB() *sql.DB { return s.db }

func (s *GlobalStore) Path() string { return s.path }

func (s *GlobalStore) Queries() *Queries { return s.queries }

func (s *GlobalStore) WithTx(ctx context.Context, fn func(*Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(New(tx)); err != nil {
		return err
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Projects
// ---------------------------------------------------------------------------

type Project struct {
	Path      string
	Name      string
	Enabled   bool
	Parallel  bool
	CreatedAt time.Time
}

func (q *Queries) RegisterProject(ctx context.Context, p Project) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO projects (path, name, enabled, parallel, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (path) DO UPDATE SET name = excluded.name
	`, p.Path, p.Name, boolToInt(p.Enabled), boolToInt(p.Parallel), fmtTime(p.CreatedAt))
	return err
}

func (q *Queries) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT path, name, enabled, parallel, created_at FROM projects ORDER BY path ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		var enabled, parallel int
		var created string
		if err := rows.Scan(&p.Path, &p.Name, &enabled, &parallel, &created); err != nil {
			return nil, err
		}
		p.Enabled = enabled != 0
		p.Parallel = parallel != 0
		p.CreatedAt = parseTime(created)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (q *Queries) ListEnabledProjects(ctx context.Context) ([]Project, error) {
	all, err := q.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	var out []Project
	for _, p := range all {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Runners
// ---------------------------------------------------------------------------

func (q *Queries) RegisterRunner(ctx context.Context, r model.Runner) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO runners (id, status, pid, project_path, current_task_id, started_at, heartbeat_at, section_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, string(r.Status), r.PID, r.ProjectPath, r.CurrentTaskID, fmtTime(r.StartedAt), fmtTime(r.HeartbeatAt), r.SectionID)
	return err
}

func (q *Queries) Heartbeat(ctx context.Context, runnerID string, now time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE runners SET heartbeat_at = ? WHERE id = ?
	`, fmtTime(now), runnerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) SetRunnerStatus(ctx context.Context, runnerID string, status model.RunnerStatus) error {
	_, err := q.db.ExecContext(ctx, `UPDATE runners SET status = ? WHERE id = ?`, string(status), runnerID)
	return err
}

func (q *Queries) SetRunnerTask(ctx context.Context, runnerID string, taskID *string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE runners SET current_task_id = ? WHERE id = ?`, taskID, runnerID)
	return err
}

func (q *Queries) UnregisterRunner(ctx context.Context, runnerID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM runners WHERE id = ?`, runnerID)
	return err
}

func (q *Queries) GetRunner(ctx context.Context, runnerID string) (model.Runner, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, status, pid, project_path, current_task_id, started_at, heartbeat_at, section_id
		FROM runners WHERE id = ?
	`, runnerID)
	return scanRunner(row)
}

func (q *Queries) ListRunnersByProject(ctx context.Context, projectPath string) ([]model.Runner, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, status, pid, project_path, current_task_id, started_at, heartbeat_at, section_id
		FROM runners WHERE project_path = ?
	`, projectPath)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRunnerRows(rows)
}

func (q *Queries) ListAllRunners(ctx context.Context) ([]model.Runner, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, status, pid, project_path, current_task_id, started_at, heartbeat_at, section_id
		FROM runners
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRunnerRows(rows)
}

func scanRunner(row *sql.Row) (model.Runner, error) {
	var r model.Runner
	var status string
	var currentTask, sectionID sql.NullString
	var started, heartbeat string
	if err := row.Scan(&r.ID, &status, &r.PID, &r.ProjectPath, &currentTask, &started, &heartbeat, &sectionID); err != nil {
		return model.Runner{}, err
	}
	r.Status = model.RunnerStatus(status)
	if currentTask.Valid {
		v := currentTask.String
		r.CurrentTaskID = &v
	}
	if sectionID.Valid {
		v := sectionID.String
		r.SectionID = &v
	}
	r.StartedAt = parseTime(started)
	r.HeartbeatAt = parseTime(heartbeat)
	return r, nil
}

func scanRunnerRows(rows *sql.Rows) ([]model.Runner, error) {
	var out []model.Runner
	for rows.Next() {
		var r model.Runner
		var status string
		var currentTask, sectionID sql.NullString
		var started, heartbeat string
		if err := rows.Scan(&r.ID, &status, &r.PID, &r.ProjectPath, &currentTask, &started, &heartbeat, &sectionID); err != nil {
			return nil, err
		}
		r.Status = model.RunnerStatus(status)
		if currentTask.Valid {
			v := currentTask.String
			r.CurrentTaskID = &v
		}
		if sectionID.Valid {
			v := sectionID.String
			r.SectionID = &v
		}
		r.StartedAt = parseTime(started)
		r.HeartbeatAt = parseTime(heartbeat)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Activity log
// ---------------------------------------------------------------------------

func (q *Queries) AppendActivity(ctx context.Context, e model.ActivityLogEntry) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO activity_log (id, project_path, task_id, task_title, final_status, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ProjectPath, e.TaskID, e.TaskTitle, string(e.FinalStatus), e.Actor, fmtTime(e.CreatedAt))
	return err
}

func (q *Queries) ListActivity(ctx context.Context, projectPath string, limit int) ([]model.ActivityLogEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, project_path, task_id, task_title, final_status, actor, created_at
		FROM activity_log WHERE project_path = ? ORDER BY created_at DESC LIMIT ?
	`, projectPath, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ActivityLogEntry
	for rows.Next() {
		var e model.ActivityLogEntry
		var status, created string
		if err := rows.Scan(&e.ID, &e.ProjectPath, &e.TaskID, &e.TaskTitle, &status, &e.Actor, &created); err != nil {
			return nil, err
		}
		e.FinalStatus = model.TaskStatus(status)
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Workstream leases (parallel sessions, spec.md §5)
// ---------------------------------------------------------------------------

type WorkstreamLease struct {
	SessionID    string
	WorkstreamID string
	RunnerID     string
	AcquiredAt   time.Time
	ExpiresAt    time.Time
}

// AcquireWorkstreamLease performs the same insert-then-CAS protocol as task
// locks (internal/lockmgr): try to insert; if a row exists, claim it only if
// expired.
func (q *Queries) AcquireWorkstreamLease(ctx context.Context, l WorkstreamLease) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO workstream_leases (session_id, workstream_id, runner_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, workstream_id) DO NOTHING
	`, l.SessionID, l.WorkstreamID, l.RunnerID, fmtTime(l.AcquiredAt), fmtTime(l.ExpiresAt))
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	res, err = q.db.ExecContext(ctx, `
		UPDATE workstream_leases SET runner_id = ?, acquired_at = ?, expires_at = ?
		WHERE session_id = ? AND workstream_id = ? AND expires_at < ?
	`, l.RunnerID, fmtTime(l.AcquiredAt), fmtTime(l.ExpiresAt), l.SessionID, l.WorkstreamID, fmtTime(l.AcquiredAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (q *Queries) ReleaseWorkstreamLease(ctx context.Context, sessionID, workstreamID, runnerID string) error {
	_, err := q.db.ExecContext(ctx, `
		DELETE FROM workstream_leases WHERE session_id = ? AND workstream_id = ? AND runner_id = ?
	`, sessionID, workstreamID, runnerID)
	return err
}

// ---------------------------------------------------------------------------
// Meta key/value
// ---------------------------------------------------------------------------

func (q *Queries) SetMeta(ctx context.Context, key, value string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func (q *Queries) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := q.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}
