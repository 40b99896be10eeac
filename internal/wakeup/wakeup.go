// Package wakeup implements the wakeup reconciler of spec.md §4.5: a
// periodic sweep (invoked once a minute by the host scheduler, e.g. cron or
// systemd timers) over every registered project that spawns a runner where
// one is needed, reaps stale runner rows, and never itself blocks waiting
// on a runner.
package wakeup

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/steroidsdev/steroids/internal/clockutil"
	"github.com/steroidsdev/steroids/internal/config"
	"github.com/steroidsdev/steroids/internal/idgen"
	"github.com/steroidsdev/steroids/internal/model"
	"github.com/steroidsdev/steroids/internal/store"
)

// Classification is what Reconcile decided about a single project.
type Classification string

const (
	NeedsStart Classification = "needs_start"
	Stale      Classification = "stale"
	Idle       Classification = "idle"
)

// ProjectResult records what was observed and done for one project.
type ProjectResult struct {
	ProjectPath    string
	Classification Classification
	Action         string // "started", "would_start", "reaped", "" for idle
	Err            error
}

// Reconciler runs one wakeup pass. StartRunner is overridden in tests to
// avoid actually spawning the steroids binary.
type Reconciler struct {
	Global   *store.GlobalStore
	Logger   *zap.Logger
	Clock    clockutil.Clock
	IDs      idgen.Generator
	Deadline time.Duration // hard wall-clock budget for the whole sweep
	DryRun   bool

	// Binary is the steroids executable path used to spawn a detached
	// runner process; StartRunner replaces the whole spawn mechanism when
	// set, letting tests avoid process creation entirely.
	Binary      string
	StartRunner func(ctx context.Context, projectPath string, parallel bool) error
}

func New(global *store.GlobalStore, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		Global:   global,
		Logger:   logger,
		Clock:    clockutil.RealClock{},
		IDs:      idgen.Default,
		Deadline: 30 * time.Second,
		Binary:   "steroids",
	}
}

// Run executes one full sweep within the hard deadline and records its own
// wall-clock completion time under the "last_wakeup_at" meta key.
func (r *Reconciler) Run(ctx context.Context) ([]ProjectResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Deadline)
	defer cancel()

	projects, err := r.Global.Queries().ListEnabledProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list enabled projects: %w", err)
	}

	results := make([]ProjectResult, 0, len(projects))
	for _, p := range projects {
		results = append(results, r.reconcileProject(ctx, p))
	}

	now := r.Clock.Now()
	if err := r.Global.Queries().SetMeta(ctx, "last_wakeup_at", now.UTC().Format(time.RFC3339)); err != nil {
		r.Logger.Warn("failed to record last_wakeup_at", zap.Error(err))
	}

	return results, nil
}

func (r *Reconciler) reconcileProject(ctx context.Context, p store.Project) ProjectResult {
	result := ProjectResult{ProjectPath: p.Path}

	runners, err := r.Global.Queries().ListRunnersByProject(ctx, p.Path)
	if err != nil {
		result.Err = fmt.Errorf("list runners: %w", err)
		return result
	}

	now := r.Clock.Now()
	const staleAfter = 5 * time.Minute

	var hasActiveRunner bool
	for _, runner := range runners {
		stale := now.Sub(runner.HeartbeatAt) > staleAfter
		if stale {
			if err := r.reapStaleRunner(ctx, p, runner, now); err != nil {
				result.Err = err
				return result
			}
			result.Classification = Stale
			result.Action = "reaped"
			continue
		}
		if runner.Status == model.RunnerRunning || runner.Status == model.RunnerActive {
			hasActiveRunner = true
		}
	}
	if result.Classification == Stale {
		return result
	}

	hasPending, err := r.projectHasPendingTasks(p.Path)
	if err != nil {
		r.Logger.Warn("could not read project store, treating as idle this tick",
			zap.String("project", p.Path), zap.Error(err))
		result.Classification = Idle
		return result
	}

	if !hasPending || hasActiveRunner {
		result.Classification = Idle
		return result
	}

	result.Classification = NeedsStart
	if r.DryRun {
		result.Action = "would_start"
		return result
	}

	if err := r.startRunner(ctx, p); err != nil {
		result.Err = fmt.Errorf("start runner: %w", err)
		return result
	}
	result.Action = "started"
	return result
}

// projectHasPendingTasks opens the project store read-only (best-effort:
// a missing or uninitialized store, or one locked by another writer,
// simply means "nothing wakeup can see right now") and checks for pending
// work.
func (r *Reconciler) projectHasPendingTasks(projectPath string) (bool, error) {
	dbPath := filepath.Join(config.ProjectStoreDir(projectPath), "steroids.db")
	if _, err := os.Stat(dbPath); err != nil {
		return false, fmt.Errorf("project store not present: %w", err)
	}

	s, err := store.OpenProjectStoreReadOnly(dbPath)
	if err != nil {
		return false, err
	}
	defer s.Close()

	pending, err := s.Queries().ListPendingTasks(context.Background())
	if err != nil {
		return false, err
	}
	return len(pending) > 0, nil
}

// reapStaleRunner marks a stale runner row as errored, deletes it, and
// raises an incident against that project's own store (best-effort: a
// project store that can't be opened still gets the runner row cleaned up
// in the global store, since that part never depends on it).
func (r *Reconciler) reapStaleRunner(ctx context.Context, p store.Project, runner model.Runner, now time.Time) error {
	if err := r.Global.Queries().SetRunnerStatus(ctx, runner.ID, model.RunnerError); err != nil {
		return fmt.Errorf("mark runner error: %w", err)
	}
	if err := r.Global.Queries().UnregisterRunner(ctx, runner.ID); err != nil {
		return fmt.Errorf("unregister stale runner: %w", err)
	}

	dbPath := filepath.Join(config.ProjectStoreDir(p.Path), "steroids.db")
	ps, err := store.OpenProjectStore(dbPath)
	if err != nil {
		r.Logger.Warn("could not open project store to raise a stale-runner incident",
			zap.String("project", p.Path), zap.Error(err))
		return nil
	}
	defer ps.Close()

	runnerID := runner.ID
	mode := model.FailureDead
	if runner.PID != 0 {
		mode = model.FailureZombie
	}
	return ps.Queries().CreateIncident(ctx, model.Incident{
		ID:         r.IDs.New(),
		RunnerID:   &runnerID,
		Failure:    mode,
		DetectedAt: now,
		Resolution: "",
		Details:    fmt.Sprintf("runner %s heartbeat stale since %s", runner.ID, runner.HeartbeatAt),
	})
}

// startRunner spawns a detached `steroids runners start` subprocess,
// grounded on the teacher corpus's Setsid-based daemon-launch pattern.
func (r *Reconciler) startRunner(ctx context.Context, p store.Project) error {
	if r.StartRunner != nil {
		return r.StartRunner(ctx, p.Path, p.Parallel)
	}

	args := []string{"runners", "start", "--detach", "--project", p.Path}
	if p.Parallel {
		args = append(args, "--parallel")
	}

	cmd := exec.Command(r.Binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Start()
}
