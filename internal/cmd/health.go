package cmd

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/steroidsdev/steroids/internal/config"
	"github.com/steroidsdev/steroids/internal/health"
	"github.com/steroidsdev/steroids/internal/idgen"
	"github.com/steroidsdev/steroids/internal/store"
)

// runHealthCheckLoop runs the stuck-task detector (spec.md §4.6) against
// this runner's own project on a fixed cadence until ctx is done,
// independent of the pick-next/invoke loop so a detector failure never
// blocks task processing.
func runHealthCheckLoop(ctx context.Context, global *store.GlobalStore, ps *store.ProjectStore, projectPath string, healthCfg config.HealthConfig, interval time.Duration, logger *zap.Logger) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			runHealthCheck(ctx, global, ps, projectPath, healthCfg, logger)
		}
	}
}

func runHealthCheck(ctx context.Context, global *store.GlobalStore, ps *store.ProjectStore, projectPath string, healthCfg config.HealthConfig, logger *zap.Logger) {
	activeTasks, err := ps.Queries().ListActiveTasks(ctx)
	if err != nil {
		logger.Warn("health check: list active tasks failed", zap.Error(err))
		return
	}
	taskLocks, err := ps.Queries().ListTaskLocks(ctx)
	if err != nil {
		logger.Warn("health check: list task locks failed", zap.Error(err))
		return
	}
	runners, err := global.Queries().ListRunnersByProject(ctx, projectPath)
	if err != nil {
		logger.Warn("health check: list runners failed", zap.Error(err))
		return
	}

	reachable := make(map[string]bool, len(runners))
	for _, r := range runners {
		reachable[r.ID] = processReachable(r.PID)
	}

	report, err := health.DetectAndRecord(ctx, ps.Queries(),
		health.ProjectSnapshot{ActiveTasks: activeTasks, TaskLocks: taskLocks},
		health.GlobalSnapshot{Runners: runners, RunnerReachable: reachable},
		healthCfg, time.Now(), idgen.Default)
	if err != nil {
		logger.Warn("health detect failed", zap.Error(err))
		return
	}
	if report.Status != health.StatusHealthy {
		logger.Warn("project health degraded", zap.String("status", string(report.Status)))
	}
}

// processReachable probes pid with signal 0, the standard liveness check:
// it delivers nothing but still fails with ESRCH if the process is gone.
func processReachable(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}
