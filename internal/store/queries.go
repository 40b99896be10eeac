package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/steroidsdev/steroids/internal/model"
)

// execer is satisfied by both *sql.DB and *sql.Tx, so Queries works
// identically inside and outside a transaction (teacher's sqlc-style split).
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries is the hand-written query layer bound to a particular connection
// or transaction.
type Queries struct {
	db execer
}

func New(db execer) *Queries { return &Queries{db: db} }

const timeLayout = time.RFC3339Nano

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ---------------------------------------------------------------------------
// Sections
// ---------------------------------------------------------------------------

func (q *Queries) CreateSection(ctx context.Context, s model.Section) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO sections (id, name, position, priority, skipped, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.ID, s.Name, s.Position, s.Priority, boolToInt(s.Skipped), fmtTime(s.CreatedAt))
	return err
}

func (q *Queries) GetSection(ctx context.Context, id string) (model.Section, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, name, position, priority, skipped, created_at FROM sections WHERE id = ?
	`, id)
	return scanSection(row)
}

func (q *Queries) ListSections(ctx context.Context) ([]model.Section, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, name, position, priority, skipped, created_at FROM sections
		ORDER BY priority ASC, position ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Section
	for rows.Next() {
		s, err := scanSectionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSection(row *sql.Row) (model.Section, error) {
	var s model.Section
	var skipped int
	var created string
	if err := row.Scan(&s.ID, &s.Name, &s.Position, &s.Priority, &skipped, &created); err != nil {
		return model.Section{}, err
	}
	s.Skipped = skipped != 0
	s.CreatedAt = parseTime(created)
	return s, nil
}

func scanSectionRows(rows *sql.Rows) (model.Section, error) {
	var s model.Section
	var skipped int
	var created string
	if err := rows.Scan(&s.ID, &s.Name, &s.Position, &s.Priority, &skipped, &created); err != nil {
		return model.Section{}, err
	}
	s.Skipped = skipped != 0
	s.CreatedAt = parseTime(created)
	return s, nil
}

// AddSectionDependency inserts a directed edge. Callers (package section)
// must run cycle detection before calling this.
func (q *Queries) AddSectionDependency(ctx context.Context, sectionID, dependsOn string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO section_dependencies (section_id, depends_on_section_id) VALUES (?, ?)
	`, sectionID, dependsOn)
	return err
}

func (q *Queries) ListSectionDependencies(ctx context.Context) ([]model.SectionDependency, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT section_id, depends_on_section_id FROM section_dependencies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SectionDependency
	for rows.Next() {
		var d model.SectionDependency
		if err := rows.Scan(&d.SectionID, &d.DependsOnSection); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (q *Queries) DependenciesOf(ctx context.Context, sectionID string) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT depends_on_section_id FROM section_dependencies WHERE section_id = ?
	`, sectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

func (q *Queries) CreateTask(ctx context.Context, t model.Task) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, status, section_id, source_file, rejection_count,
			created_at, updated_at, file_path, file_content_hash, file_commit_sha)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Title, string(t.Status), t.SectionID, t.SourceFile, t.RejectionCount,
		fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt), t.FilePath, t.FileContentHash, t.FileCommitSHA)
	return err
}

func (q *Queries) GetTask(ctx context.Context, id string) (model.Task, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, title, status, section_id, source_file, rejection_count,
			created_at, updated_at, file_path, file_content_hash, file_commit_sha
		FROM tasks WHERE id = ?
	`, id)
	return scanTask(row)
}

func (q *Queries) ListTasksBySection(ctx context.Context, sectionID string) ([]model.Task, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, title, status, section_id, source_file, rejection_count,
			created_at, updated_at, file_path, file_content_hash, file_commit_sha
		FROM tasks WHERE section_id = ?
	`, sectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTaskRowsAll(rows)
}

// ListActiveTasks returns every task in in_progress or review, across all
// sections, for the stuck-task detector (spec.md §4.6).
func (q *Queries) ListActiveTasks(ctx context.Context) ([]model.Task, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, title, status, section_id, source_file, rejection_count,
			created_at, updated_at, file_path, file_content_hash, file_commit_sha
		FROM tasks WHERE status IN ('in_progress', 'review')
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTaskRowsAll(rows)
}

// ListTaskLocks returns every currently held task lock, for the stuck-task
// detector's orphaned-task and db-inconsistency checks.
func (q *Queries) ListTaskLocks(ctx context.Context) ([]model.TaskLock, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT task_id, runner_id, acquired_at, expires_at, heartbeat_at FROM task_locks
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TaskLock
	for rows.Next() {
		var l model.TaskLock
		var acquired, expires, heartbeat string
		if err := rows.Scan(&l.TaskID, &l.RunnerID, &acquired, &expires, &heartbeat); err != nil {
			return nil, err
		}
		l.AcquiredAt = parseTime(acquired)
		l.ExpiresAt = parseTime(expires)
		l.HeartbeatAt = parseTime(heartbeat)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (q *Queries) ListPendingTasks(ctx context.Context) ([]model.Task, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT t.id, t.title, t.status, t.section_id, t.source_file, t.rejection_count,
			t.created_at, t.updated_at, t.file_path, t.file_content_hash, t.file_commit_sha
		FROM tasks t
		LEFT JOIN sections s ON s.id = t.section_id
		WHERE t.status = 'pending'
		ORDER BY COALESCE(s.priority, 50) ASC, COALESCE(s.position, 0) ASC, t.created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTaskRowsAll(rows)
}

// UpdateTaskStatus sets status and updated_at, and optionally bumps
// rejection_count (delta may be 0).
func (q *Queries) UpdateTaskStatus(ctx context.Context, id string, status model.TaskStatus, rejectionDelta int, now time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, rejection_count = rejection_count + ?, updated_at = ?
		WHERE id = ?
	`, string(status), rejectionDelta, fmtTime(now), id)
	return err
}

func (q *Queries) SetTaskCommitSHA(ctx context.Context, id, sha string, now time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET file_commit_sha = ?, updated_at = ? WHERE id = ?
	`, sha, fmtTime(now), id)
	return err
}

func scanTask(row *sql.Row) (model.Task, error) {
	var t model.Task
	var status, created, updated string
	if err := row.Scan(&t.ID, &t.Title, &status, &t.SectionID, &t.SourceFile, &t.RejectionCount,
		&created, &updated, &t.FilePath, &t.FileContentHash, &t.FileCommitSHA); err != nil {
		return model.Task{}, err
	}
	t.Status = model.TaskStatus(status)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return t, nil
}

func scanTaskRowsAll(rows *sql.Rows) ([]model.Task, error) {
	var out []model.Task
	for rows.Next() {
		var t model.Task
		var status, created, updated string
		if err := rows.Scan(&t.ID, &t.Title, &status, &t.SectionID, &t.SourceFile, &t.RejectionCount,
			&created, &updated, &t.FilePath, &t.FileContentHash, &t.FileCommitSHA); err != nil {
			return nil, err
		}
		t.Status = model.TaskStatus(status)
		t.CreatedAt = parseTime(created)
		t.UpdatedAt = parseTime(updated)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Audit entries (append-only)
// ---------------------------------------------------------------------------

func (q *Queries) InsertAuditEntry(ctx context.Context, e model.AuditEntry) error {
	var from *string
	if e.FromStatus != nil {
		s := string(*e.FromStatus)
		from = &s
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, task_id, from_status, to_status, actor, actor_type,
			model, notes, commit_sha, duration_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TaskID, from, string(e.ToStatus), e.Actor, string(e.ActorType),
		e.Model, e.Notes, e.CommitSHA, e.DurationSeconds, fmtTime(e.CreatedAt))
	return err
}

func (q *Queries) ListAuditEntries(ctx context.Context, taskID string) ([]model.AuditEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, task_id, from_status, to_status, actor, actor_type, model, notes,
			commit_sha, duration_seconds, created_at
		FROM audit_entries WHERE task_id = ? ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var from sql.NullString
		var to, actorType, created string
		if err := rows.Scan(&e.ID, &e.TaskID, &from, &to, &e.Actor, &actorType, &e.Model,
			&e.Notes, &e.CommitSHA, &e.DurationSeconds, &created); err != nil {
			return nil, err
		}
		if from.Valid {
			s := model.TaskStatus(from.String)
			e.FromStatus = &s
		}
		e.ToStatus = model.TaskStatus(to)
		e.ActorType = model.ActorType(actorType)
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Task invocations
// ---------------------------------------------------------------------------

func (q *Queries) InsertInvocation(ctx context.Context, inv model.TaskInvocation) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO task_invocations (id, task_id, role, provider, model, exit_code,
			duration_ms, success, timed_out, rejection_number, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inv.ID, inv.TaskID, string(inv.Role), inv.Provider, inv.Model, inv.ExitCode,
		inv.DurationMS, boolToInt(inv.Success), boolToInt(inv.TimedOut), inv.RejectionNumber,
		fmtTime(inv.CreatedAt))
	return err
}

func (q *Queries) ListInvocations(ctx context.Context, taskID string) ([]model.TaskInvocation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, task_id, role, provider, model, exit_code, duration_ms, success,
			timed_out, rejection_number, created_at
		FROM task_invocations WHERE task_id = ? ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TaskInvocation
	for rows.Next() {
		var inv model.TaskInvocation
		var role, created string
		var success, timedOut int
		if err := rows.Scan(&inv.ID, &inv.TaskID, &role, &inv.Provider, &inv.Model,
			&inv.ExitCode, &inv.DurationMS, &success, &timedOut, &inv.RejectionNumber, &created); err != nil {
			return nil, err
		}
		inv.Role = model.InvocationRole(role)
		inv.Success = success != 0
		inv.TimedOut = timedOut != 0
		inv.CreatedAt = parseTime(created)
		out = append(out, inv)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Disputes
// ---------------------------------------------------------------------------

func (q *Queries) CreateDispute(ctx context.Context, d model.Dispute) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO disputes (id, task_id, type, status, reason, coder_position,
			reviewer_position, resolution, resolution_notes, created_by, resolved_by, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.TaskID, string(d.Type), string(d.Status), d.Reason, d.CoderPosition,
		d.ReviewerPosition, resolutionOrNil(d.Resolution), d.ResolutionNotes, d.CreatedBy,
		d.ResolvedBy, fmtTime(d.CreatedAt), nil)
	return err
}

func resolutionOrNil(r *model.DisputeResolution) any {
	if r == nil {
		return nil
	}
	return string(*r)
}

func (q *Queries) OpenDisputeForTask(ctx context.Context, taskID string) (*model.Dispute, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, task_id, type, status, reason, coder_position, reviewer_position,
			resolution, resolution_notes, created_by, resolved_by, created_at, resolved_at
		FROM disputes WHERE task_id = ? AND status = 'open' LIMIT 1
	`, taskID)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (q *Queries) ResolveDispute(ctx context.Context, id string, resolution model.DisputeResolution, notes, resolvedBy string, now time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE disputes SET status = 'resolved', resolution = ?, resolution_notes = ?,
			resolved_by = ?, resolved_at = ? WHERE id = ?
	`, string(resolution), notes, resolvedBy, fmtTime(now), id)
	return err
}

func scanDispute(row *sql.Row) (model.Dispute, error) {
	var d model.Dispute
	var dType, status, created string
	var resolution, resolvedAt sql.NullString
	if err := row.Scan(&d.ID, &d.TaskID, &dType, &status, &d.Reason, &d.CoderPosition,
		&d.ReviewerPosition, &resolution, &d.ResolutionNotes, &d.CreatedBy, &d.ResolvedBy,
		&created, &resolvedAt); err != nil {
		return model.Dispute{}, err
	}
	d.Type = model.DisputeType(dType)
	d.Status = model.DisputeStatus(status)
	d.CreatedAt = parseTime(created)
	if resolution.Valid {
		r := model.DisputeResolution(resolution.String)
		d.Resolution = &r
	}
	if resolvedAt.Valid {
		t := parseTime(resolvedAt.String)
		d.ResolvedAt = &t
	}
	return d, nil
}

// ---------------------------------------------------------------------------
// Incidents
// ---------------------------------------------------------------------------

func (q *Queries) CreateIncident(ctx context.Context, inc model.Incident) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO incidents (id, task_id, runner_id, failure_mode, detected_at, resolved_at, resolution, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, inc.ID, inc.TaskID, inc.RunnerID, string(inc.Failure), fmtTime(inc.DetectedAt), nil, inc.Resolution, inc.Details)
	return err
}

func (q *Queries) ResolveIncident(ctx context.Context, id, resolution string, now time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE incidents SET resolved_at = ?, resolution = ? WHERE id = ?
	`, fmtTime(now), resolution, id)
	return err
}

func (q *Queries) ListUnresolvedIncidents(ctx context.Context) ([]model.Incident, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, task_id, runner_id, failure_mode, detected_at, resolved_at, resolution, details
		FROM incidents WHERE resolved_at IS NULL ORDER BY detected_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIncidentRows(rows)
}

func (q *Queries) ListIncidents(ctx context.Context, limit int) ([]model.Incident, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, task_id, runner_id, failure_mode, detected_at, resolved_at, resolution, details
		FROM incidents ORDER BY detected_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIncidentRows(rows)
}

func scanIncidentRows(rows *sql.Rows) ([]model.Incident, error) {
	var out []model.Incident
	for rows.Next() {
		var inc model.Incident
		var taskID, runnerID, resolvedAt sql.NullString
		var mode, detected string
		if err := rows.Scan(&inc.ID, &taskID, &runnerID, &mode, &detected, &resolvedAt, &inc.Resolution, &inc.Details); err != nil {
			return nil, err
		}
		if taskID.Valid {
			v := taskID.String
			inc.TaskID = &v
		}
		if runnerID.Valid {
			v := runnerID.String
			inc.RunnerID = &v
		}
		inc.Failure = model.FailureMode(mode)
		inc.DetectedAt = parseTime(detected)
		if resolvedAt.Valid {
			t := parseTime(resolvedAt.String)
			inc.ResolvedAt = &t
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Merge progress
// ---------------------------------------------------------------------------

func (q *Queries) UpsertMergeProgress(ctx context.Context, m model.MergeProgress) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO merge_progress (session_id, workstream_id, position, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, workstream_id, position) DO UPDATE SET status = excluded.status
	`, m.SessionID, m.WorkstreamID, m.Position, string(m.Status))
	return err
}

func (q *Queries) ListMergeProgress(ctx context.Context, sessionID string) ([]model.MergeProgress, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT session_id, workstream_id, position, status FROM merge_progress
		WHERE session_id = ? ORDER BY workstream_id ASC, position ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MergeProgress
	for rows.Next() {
		var m model.MergeProgress
		var status string
		if err := rows.Scan(&m.SessionID, &m.WorkstreamID, &m.Position, &status); err != nil {
			return nil, err
		}
		m.Status = model.MergeCommitStatus(status)
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
