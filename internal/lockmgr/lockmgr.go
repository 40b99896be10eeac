// Package lockmgr implements the task and section lock manager of spec.md
// §4.2: CAS-based acquisition backed by the project store's task_locks and
// section_locks tables, so that concurrent runner processes on the host
// sharing the same project store never both believe they hold the same lock.
package lockmgr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steroidsdev/steroids/internal/clockutil"
	"github.com/steroidsdev/steroids/internal/model"
)

var (
	ErrTaskLocked       = errors.New("lockmgr: task is already locked by another runner")
	ErrSectionLocked    = errors.New("lockmgr: section is already locked by another runner")
	ErrLockNotFound     = errors.New("lockmgr: lock not found")
	ErrPermissionDenied = errors.New("lockmgr: runner does not hold this lock")
)

// execer is satisfied by *sql.DB and *sql.Tx, matching internal/store's
// execer so Manager can run inside or outside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Manager acquires and releases task/section locks with TTLs from
// spec.md §3 (15 minutes for tasks, 120 minutes for sections by default).
type Manager struct {
	db         execer
	clock      clockutil.Clock
	taskTTL    time.Duration
	sectionTTL time.Duration
}

func New(db execer, taskTTL, sectionTTL time.Duration) *Manager {
	return &Manager{db: db, clock: clockutil.RealClock{}, taskTTL: taskTTL, sectionTTL: sectionTTL}
}

const timeLayout = time.RFC3339Nano

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// AcquireTask attempts to acquire the lock on taskID for runnerID. It first
// tries an unconditional insert; if a row already exists it falls back to a
// conditional update that only succeeds if the existing lock has expired or
// is already held by runnerID (AcquireWorkstreamLease uses the same
// insert-then-update shape, without the same-owner case).
func (m *Manager) AcquireTask(ctx context.Context, taskID, runnerID string) error {
	now := m.clock.Now()
	expires := now.Add(m.taskTTL)

	res, err := m.db.ExecContext(ctx, `
		INSERT INTO task_locks (task_id, runner_id, acquired_at, expires_at, heartbeat_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (task_id) DO NOTHING
	`, taskID, runnerID, fmtTime(now), fmtTime(expires), fmtTime(now))
	if err != nil {
		return fmt.Errorf("insert task lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	// already_owned (spec.md §4.2 step 2): re-acquiring an unexpired lock
	// this runner already holds is a success, not a conflict, and refreshes
	// its expiry in the same statement a stale-lock claim would use.
	res, err = m.db.ExecContext(ctx, `
		UPDATE task_locks SET runner_id = ?, acquired_at = ?, expires_at = ?, heartbeat_at = ?
		WHERE task_id = ? AND (expires_at < ? OR runner_id = ?)
	`, runnerID, fmtTime(now), fmtTime(expires), fmtTime(now), taskID, fmtTime(now), runnerID)
	if err != nil {
		return fmt.Errorf("claim expired task lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return ErrTaskLocked
}

// HeartbeatTask extends an already-held task lock's expiry, failing if the
// runner no longer owns it (it expired and was claimed by someone else).
func (m *Manager) HeartbeatTask(ctx context.Context, taskID, runnerID string) error {
	now := m.clock.Now()
	res, err := m.db.ExecContext(ctx, `
		UPDATE task_locks SET expires_at = ?, heartbeat_at = ? WHERE task_id = ? AND runner_id = ?
	`, fmtTime(now.Add(m.taskTTL)), fmtTime(now), taskID, runnerID)
	if err != nil {
		return fmt.Errorf("heartbeat task lock: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrPermissionDenied
	}
	return nil
}

// ReleaseTask releases taskID's lock, but only if runnerID currently holds
// it (or force is true, for operator/administrative force-release).
func (m *Manager) ReleaseTask(ctx context.Context, taskID, runnerID string, force bool) error {
	var res sql.Result
	var err error
	if force {
		res, err = m.db.ExecContext(ctx, `DELETE FROM task_locks WHERE task_id = ?`, taskID)
	} else {
		res, err = m.db.ExecContext(ctx, `DELETE FROM task_locks WHERE task_id = ? AND runner_id = ?`, taskID, runnerID)
	}
	if err != nil {
		return fmt.Errorf("release task lock: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if !force {
			return ErrPermissionDenied
		}
		return ErrLockNotFound
	}
	return nil
}

func (m *Manager) GetTaskLock(ctx context.Context, taskID string) (model.TaskLock, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT task_id, runner_id, acquired_at, expires_at, heartbeat_at FROM task_locks WHERE task_id = ?
	`, taskID)

	var l model.TaskLock
	var acquired, expires, heartbeat string
	if err := row.Scan(&l.TaskID, &l.RunnerID, &acquired, &expires, &heartbeat); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.TaskLock{}, ErrLockNotFound
		}
		return model.TaskLock{}, err
	}
	l.AcquiredAt = parseTime(acquired)
	l.ExpiresAt = parseTime(expires)
	l.HeartbeatAt = parseTime(heartbeat)
	return l, nil
}

// AcquireSection follows the same CAS protocol as AcquireTask, over
// section_locks, with the longer section TTL.
func (m *Manager) AcquireSection(ctx context.Context, sectionID, runnerID string) error {
	now := m.clock.Now()
	expires := now.Add(m.sectionTTL)

	res, err := m.db.ExecContext(ctx, `
		INSERT INTO section_locks (section_id, runner_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (section_id) DO NOTHING
	`, sectionID, runnerID, fmtTime(now), fmtTime(expires))
	if err != nil {
		return fmt.Errorf("insert section lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	res, err = m.db.ExecContext(ctx, `
		UPDATE section_locks SET runner_id = ?, acquired_at = ?, expires_at = ?
		WHERE section_id = ? AND (expires_at < ? OR runner_id = ?)
	`, runnerID, fmtTime(now), fmtTime(expires), sectionID, fmtTime(now), runnerID)
	if err != nil {
		return fmt.Errorf("claim expired section lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return ErrSectionLocked
}

func (m *Manager) ReleaseSection(ctx context.Context, sectionID, runnerID string, force bool) error {
	var res sql.Result
	var err error
	if force {
		res, err = m.db.ExecContext(ctx, `DELETE FROM section_locks WHERE section_id = ?`, sectionID)
	} else {
		res, err = m.db.ExecContext(ctx, `DELETE FROM section_locks WHERE section_id = ? AND runner_id = ?`, sectionID, runnerID)
	}
	if err != nil {
		return fmt.Errorf("release section lock: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if !force {
			return ErrPermissionDenied
		}
		return ErrLockNotFound
	}
	return nil
}

func (m *Manager) GetSectionLock(ctx context.Context, sectionID string) (model.SectionLock, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT section_id, runner_id, acquired_at, expires_at FROM section_locks WHERE section_id = ?
	`, sectionID)

	var l model.SectionLock
	var acquired, expires string
	if err := row.Scan(&l.SectionID, &l.RunnerID, &acquired, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SectionLock{}, ErrLockNotFound
		}
		return model.SectionLock{}, err
	}
	l.AcquiredAt = parseTime(acquired)
	l.ExpiresAt = parseTime(expires)
	return l, nil
}
