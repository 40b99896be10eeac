package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/steroidsdev/steroids/internal/config"
	"github.com/steroidsdev/steroids/internal/hooks"
	"github.com/steroidsdev/steroids/internal/lockmgr"
	"github.com/steroidsdev/steroids/internal/orchestrator"
	"github.com/steroidsdev/steroids/internal/provider"
	"github.com/steroidsdev/steroids/internal/registry"
)

var runnersCmd = &cobra.Command{
	Use:   "runners",
	Short: "Manage steroids runner processes",
}

var (
	runnersStartProject  string
	runnersStartDetach   bool
	runnersStartParallel bool
)

// runnersStartCmd is the exact subcommand internal/wakeup.Reconciler.startRunner
// spawns: `steroids runners start --detach --project <path> [--parallel]`.
var runnersStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the coder/reviewer loop for one project until stopped",
	RunE:  runRunnersStart,
}

func init() {
	runnersStartCmd.Flags().StringVar(&runnersStartProject, "project", "", "project directory to drive (required)")
	runnersStartCmd.Flags().BoolVar(&runnersStartDetach, "detach", false, "log to a file under the project's .steroids directory instead of stderr")
	runnersStartCmd.Flags().BoolVar(&runnersStartParallel, "parallel", false, "mark this project as running under a parallel workstream session")
	_ = runnersStartCmd.MarkFlagRequired("project")

	runnersCmd.AddCommand(runnersStartCmd)
	rootCmd.AddCommand(runnersCmd)
}

func runRunnersStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if runnersStartDetach && cfg.Log.File == "" {
		cfg.Log.File = filepath.Join(runnersStartProject, ".steroids", "runner.log")
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, err := openGlobalStore()
	if err != nil {
		return fmt.Errorf("open global store: %w", err)
	}
	defer global.Close()

	projectStore, err := openProjectStore(ctx, global, runnersStartProject, runnersStartParallel)
	if err != nil {
		return fmt.Errorf("open project store: %w", err)
	}
	defer projectStore.Close()

	reg := registry.New(global, logger)
	runner, err := reg.Register(ctx, runnersStartProject, "", os.Getpid())
	if err != nil {
		return fmt.Errorf("register runner: %w", err)
	}
	runnerID := runner.ID
	defer func() {
		_ = reg.Unregister(context.Background(), runnerID)
	}()

	locks := lockmgr.New(projectStore.DB(), cfg.Lock.TaskTTL, cfg.Lock.SectionTTL)

	coderGateway := buildGateway(cfg.Provider, cfg.Provider.CoderCommand, cfg.Provider.CoderArgs, logger)
	reviewerCommand := cfg.Provider.ReviewerCommand
	reviewerArgs := cfg.Provider.ReviewerArgs
	if reviewerCommand == "" {
		reviewerCommand = cfg.Provider.CoderCommand
		reviewerArgs = cfg.Provider.CoderArgs
	}
	reviewerGateway := buildGateway(cfg.Provider, reviewerCommand, reviewerArgs, logger)

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.RetryCap = cfg.Runner.RetryCap
	orchCfg.DisputeThreshold = cfg.Runner.DisputeThreshold
	orchCfg.TaskLockTTL = cfg.Lock.TaskTTL
	orchCfg.SectionLockTTL = cfg.Lock.SectionTTL
	orchCfg.HeartbeatInterval = cfg.Runner.HeartbeatInterval
	orchCfg.PollInterval = cfg.Runner.PollInterval
	orchCfg.CoderTimeout = cfg.Provider.InvokeTimeout
	orchCfg.ReviewerTimeout = cfg.Provider.InvokeTimeout
	orchCfg.CoderModel = cfg.Provider.DefaultModel
	orchCfg.ReviewerModel = cfg.Provider.DefaultModel

	loop := orchestrator.NewLoop(projectStore.Queries(), runnerID, runnersStartProject, locks, orchCfg)
	loop.Coder = coderGateway
	loop.Reviewer = reviewerGateway
	loop.Logger = logger
	loop.Activity = global.Queries()
	loop.Hooks = orchestrator.NewDispatcherEmitter(buildDispatcher(cfg, logger),
		hooks.ProjectRef{Name: filepath.Base(runnersStartProject), Path: runnersStartProject}, loop.Clock)
	loop.OnHeartbeat = func(ctx context.Context) {
		if _, err := reg.Heartbeat(ctx, runnerID); err != nil {
			logger.Warn("credit-pause heartbeat failed", zap.Error(err))
		}
	}

	logger.Info("runner starting", zap.String("runner_id", runnerID), zap.String("project", runnersStartProject))

	// The heartbeat loop, the health detector, and the pick-next/invoke loop
	// run as three goroutines under one errgroup so a fatal error in any one
	// of them cancels the other two through the same shared context.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runHeartbeatLoop(gctx, reg, runnerID, cfg.Runner.HeartbeatInterval, logger)
	})
	g.Go(func() error {
		return runHealthCheckLoop(gctx, global, projectStore, runnersStartProject, cfg.Health, cfg.Runner.HeartbeatInterval*2, logger)
	})
	g.Go(func() error {
		return loop.Run(gctx, func() bool { return gctx.Err() != nil })
	})
	return g.Wait()
}

// buildGateway wraps a SubprocessInvoker configured for one role in a
// credit-pause-aware Gateway, using the teacher's token-bucket shape
// (1 invocation/sec, burst 1) since no provider CLI in the pack documents
// a meaningful request rate of its own.
func buildGateway(cfg config.ProviderConfig, command string, args []string, logger *zap.Logger) *provider.Gateway {
	invoker := provider.NewSubprocessInvoker(provider.SubprocessConfig{
		Command:       command,
		Args:          args,
		ModelFlag:     cfg.ModelFlag,
		HangTimeout:   cfg.HangTimeout,
		HangKillDelay: cfg.HangKillDelay,
		Credit: provider.CreditSignal{
			ExitCodes:      cfg.CreditExitCodes,
			StderrContains: cfg.CreditStderrPhrases,
		},
	}, logger)

	return provider.NewGateway(invoker, provider.Config{
		RateLimit:       rate.Limit(1),
		Burst:           1,
		BreakerFailures: cfg.BreakerFailures,
		BreakerTimeout:  cfg.HangTimeout,
	})
}

// runHeartbeatLoop records liveness on a fixed cadence until ctx is done,
// independent of orchestrator.Loop's own OnHeartbeat (which only fires
// during a credit pause).
func runHeartbeatLoop(ctx context.Context, reg *registry.Registry, runnerID string, interval time.Duration, logger *zap.Logger) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := reg.Heartbeat(ctx, runnerID); err != nil {
				logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}
