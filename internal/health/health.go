// Package health implements the stuck-task detector of spec.md §4.6: a
// pure function over a project snapshot, a global snapshot, detection
// thresholds, and the current time, producing five typed failure-mode
// lists and an overall status. DetectAndRecord is the only part of this
// package that touches a store: it diffs a fresh Report against currently
// open incidents and writes/resolves rows to match.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/steroidsdev/steroids/internal/config"
	"github.com/steroidsdev/steroids/internal/idgen"
	"github.com/steroidsdev/steroids/internal/model"
	"github.com/steroidsdev/steroids/internal/store"
)

// Status is the overall health classification (spec.md §4.6).
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ProjectSnapshot is the slice of a project store's state the detector
// needs: active tasks and currently held task locks.
type ProjectSnapshot struct {
	ActiveTasks []model.Task
	TaskLocks   []model.TaskLock
}

// GlobalSnapshot is the slice of the global store's state the detector
// needs: every registered runner, plus process reachability for each,
// resolved ahead of time by the caller (a signal-0 probe is inherently
// impure, so Detect itself stays a pure function of its inputs).
type GlobalSnapshot struct {
	Runners          []model.Runner
	RunnerReachable  map[string]bool // runner id -> process is alive on the host
}

// Report is the detector's output: the five typed lists plus the derived
// overall status.
type Report struct {
	OrphanedTasks      []model.Task
	HangingTasks       []model.Task
	ZombieRunners      []model.Runner
	DeadRunners        []model.Runner
	DBInconsistencies  []string
	ActiveIncidentCount int
	Status             Status
}

// Detect applies the table in spec.md §4.6 to the given snapshots. It does
// not read the clock or any store; now and the snapshots are supplied by
// the caller.
func Detect(project ProjectSnapshot, global GlobalSnapshot, cfg config.HealthConfig, now time.Time, activeIncidentCount int) Report {
	locked := make(map[string]bool, len(project.TaskLocks))
	for _, l := range project.TaskLocks {
		locked[l.TaskID] = true
	}

	var report Report
	report.ActiveIncidentCount = activeIncidentCount

	for _, t := range project.ActiveTasks {
		if !locked[t.ID] && now.Sub(t.UpdatedAt) > cfg.OrphanedTaskTimeout {
			report.OrphanedTasks = append(report.OrphanedTasks, t)
		}

		age := now.Sub(t.UpdatedAt)
		if t.Status == model.TaskInProgress && age > cfg.MaxCoderDuration {
			report.HangingTasks = append(report.HangingTasks, t)
		}
		if t.Status == model.TaskReview && age > cfg.MaxReviewerDuration {
			report.HangingTasks = append(report.HangingTasks, t)
		}
	}

	runnerByID := make(map[string]model.Runner, len(global.Runners))
	for _, r := range global.Runners {
		runnerByID[r.ID] = r
		heartbeatAge := now.Sub(r.HeartbeatAt)

		if heartbeatAge > cfg.RunnerHeartbeatTimeout {
			report.DeadRunners = append(report.DeadRunners, r)
			continue
		}
		if reachable, known := global.RunnerReachable[r.ID]; known && !reachable {
			report.ZombieRunners = append(report.ZombieRunners, r)
		}
	}

	for _, r := range global.Runners {
		if r.CurrentTaskID == nil {
			continue
		}
		for _, t := range project.ActiveTasks {
			if t.ID == *r.CurrentTaskID && t.Status.Terminal() {
				report.DBInconsistencies = append(report.DBInconsistencies,
					fmt.Sprintf("runner %s claims terminal task %s (status %s)", r.ID, t.ID, t.Status))
			}
		}
	}
	for _, l := range project.TaskLocks {
		if _, ok := runnerByID[l.RunnerID]; !ok {
			report.DBInconsistencies = append(report.DBInconsistencies,
				fmt.Sprintf("task lock on %s owned by unregistered runner %s", l.TaskID, l.RunnerID))
		}
	}

	report.Status = classify(report)
	return report
}

func classify(r Report) Status {
	if len(r.ZombieRunners) > 0 || len(r.DeadRunners) > 0 {
		return StatusUnhealthy
	}
	if len(r.OrphanedTasks) > 0 || len(r.HangingTasks) > 0 || r.ActiveIncidentCount > 0 {
		return StatusDegraded
	}
	return StatusHealthy
}

// DetectAndRecord runs Detect and reconciles incidents: it opens a new
// incident for every newly detected orphaned/hanging task or zombie/dead
// runner, and resolves any previously open incident whose subject no
// longer appears in the fresh report.
func DetectAndRecord(ctx context.Context, q *store.Queries, project ProjectSnapshot, global GlobalSnapshot, cfg config.HealthConfig, now time.Time, ids idgen.Generator) (Report, error) {
	open, err := q.ListUnresolvedIncidents(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list unresolved incidents: %w", err)
	}

	report := Detect(project, global, cfg, now, len(open))

	type subject struct {
		mode   model.FailureMode
		taskID string
		runner string
	}
	wanted := map[subject]bool{}
	for _, t := range report.OrphanedTasks {
		wanted[subject{model.FailureOrphaned, t.ID, ""}] = true
	}
	for _, t := range report.HangingTasks {
		wanted[subject{model.FailureHanging, t.ID, ""}] = true
	}
	for _, r := range report.ZombieRunners {
		wanted[subject{model.FailureZombie, "", r.ID}] = true
	}
	for _, r := range report.DeadRunners {
		wanted[subject{model.FailureDead, "", r.ID}] = true
	}

	stillOpen := map[subject]bool{}
	for _, inc := range open {
		taskID := ""
		if inc.TaskID != nil {
			taskID = *inc.TaskID
		}
		runnerID := ""
		if inc.RunnerID != nil {
			runnerID = *inc.RunnerID
		}
		key := subject{inc.Failure, taskID, runnerID}
		stillOpen[key] = true

		if inc.Failure == model.FailureDBInconsistency {
			continue // reconciled on every tick below, not diffed by subject
		}
		if !wanted[key] {
			if err := q.ResolveIncident(ctx, inc.ID, "condition cleared", now); err != nil {
				return Report{}, fmt.Errorf("resolve incident %s: %w", inc.ID, err)
			}
		}
	}

	for key := range wanted {
		if stillOpen[key] {
			continue
		}
		inc := model.Incident{
			ID:         ids.New(),
			Failure:    key.mode,
			DetectedAt: now,
		}
		if key.taskID != "" {
			taskID := key.taskID
			inc.TaskID = &taskID
		}
		if key.runner != "" {
			runnerID := key.runner
			inc.RunnerID = &runnerID
		}
		if err := q.CreateIncident(ctx, inc); err != nil {
			return Report{}, fmt.Errorf("create incident: %w", err)
		}
	}

	for _, inc := range open {
		if inc.Failure != model.FailureDBInconsistency {
			continue
		}
		if err := q.ResolveIncident(ctx, inc.ID, "re-evaluated this tick", now); err != nil {
			return Report{}, fmt.Errorf("resolve stale db_inconsistency incident: %w", err)
		}
	}
	for _, msg := range report.DBInconsistencies {
		if err := q.CreateIncident(ctx, model.Incident{
			ID: ids.New(), Failure: model.FailureDBInconsistency, DetectedAt: now, Details: msg,
		}); err != nil {
			return Report{}, fmt.Errorf("create db_inconsistency incident: %w", err)
		}
	}

	return report, nil
}
