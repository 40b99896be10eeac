package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/steroidsdev/steroids/internal/wakeup"
)

var wakeupCmd = &cobra.Command{
	Use:   "wakeup",
	Short: "Reconcile runners against registered projects",
}

var wakeupRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Perform one wakeup sweep (invoked by cron or a launchd/systemd timer)",
	RunE:  runWakeupRun,
}

func init() {
	wakeupCmd.AddCommand(wakeupRunCmd)
	rootCmd.AddCommand(wakeupCmd)
}

func runWakeupRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	global, err := openGlobalStore()
	if err != nil {
		return fmt.Errorf("open global store: %w", err)
	}
	defer global.Close()

	reconciler := wakeup.New(global, logger)
	results, err := reconciler.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("wakeup sweep: %w", err)
	}

	for _, r := range results {
		fields := []zap.Field{
			zap.String("project", r.ProjectPath),
			zap.String("classification", string(r.Classification)),
			zap.String("action", r.Action),
		}
		if r.Err != nil {
			fields = append(fields, zap.Error(r.Err))
			logger.Warn("wakeup project reconcile failed", fields...)
			continue
		}
		logger.Info("wakeup project reconciled", fields...)
	}

	return nil
}
