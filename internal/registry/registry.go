// Package registry owns the runners table row for the current process:
// registration, heartbeats, and unregistration on clean shutdown. A
// heartbeat updates only the runner row's heartbeat_at; it does not renew
// task or section locks the runner holds. Zombie/dead
// classification of OTHER processes' runner rows is the wakeup
// reconciler's job (internal/wakeup); this package only ever writes the
// row for the process it's running in.
package registry

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/steroidsdev/steroids/internal/clockutil"
	"github.com/steroidsdev/steroids/internal/idgen"
	"github.com/steroidsdev/steroids/internal/model"
	"github.com/steroidsdev/steroids/internal/store"
)

// Registry wraps the global store's runner queries with the clock and ID
// generator a runner process needs for its own lifecycle.
type Registry struct {
	global *store.GlobalStore
	logger *zap.Logger
	clock  clockutil.Clock
	ids    idgen.Generator
}

func New(global *store.GlobalStore, logger *zap.Logger) *Registry {
	return &Registry{
		global: global,
		logger: logger,
		clock:  clockutil.RealClock{},
		ids:    idgen.Default,
	}
}

// Register records this process as a runner for projectPath, using its own
// PID, and returns the row it wrote.
func (r *Registry) Register(ctx context.Context, projectPath, sectionID string, pid int) (model.Runner, error) {
	now := r.clock.Now()
	runner := model.Runner{
		ID:          r.ids.New(),
		Status:      model.RunnerRunning,
		PID:         pid,
		ProjectPath: projectPath,
		StartedAt:   now,
		HeartbeatAt: now,
	}
	if sectionID != "" {
		runner.SectionID = &sectionID
	}

	if err := r.global.Queries().RegisterRunner(ctx, runner); err != nil {
		return model.Runner{}, fmt.Errorf("register runner: %w", err)
	}

	r.logger.Info("runner registered",
		zap.String("runner_id", runner.ID),
		zap.String("project", projectPath),
		zap.Int("pid", pid))

	return runner, nil
}

// Heartbeat records liveness for runnerID. Returns false if the runner is
// no longer registered (it was reaped or force-unregistered elsewhere).
func (r *Registry) Heartbeat(ctx context.Context, runnerID string) (bool, error) {
	n, err := r.global.Queries().Heartbeat(ctx, runnerID, r.clock.Now())
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	return n > 0, nil
}

// Unregister removes runnerID's row, for a clean process exit.
func (r *Registry) Unregister(ctx context.Context, runnerID string) error {
	return r.global.Queries().UnregisterRunner(ctx, runnerID)
}

func (r *Registry) ListByProject(ctx context.Context, projectPath string) ([]model.Runner, error) {
	return r.global.Queries().ListRunnersByProject(ctx, projectPath)
}

func (r *Registry) ListAll(ctx context.Context) ([]model.Runner, error) {
	return r.global.Queries().ListAllRunners(ctx)
}
