package cmd

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/steroidsdev/steroids/internal/retention"
)

var (
	retentionProject string
	retentionDryRun  bool
)

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Sweep a project's expired invocation logs, text logs, and backups",
}

var retentionRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one retention sweep against a project's .steroids directory",
	RunE:  runRetentionRun,
}

func init() {
	retentionRunCmd.Flags().StringVar(&retentionProject, "project", "", "project directory to sweep (required)")
	retentionRunCmd.Flags().BoolVar(&retentionDryRun, "dry-run", false, "report what would be removed without deleting anything")
	_ = retentionRunCmd.MarkFlagRequired("project")

	retentionCmd.AddCommand(retentionRunCmd)
	rootCmd.AddCommand(retentionCmd)
}

func runRetentionRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	report, err := retention.Sweep(retentionProject, cfg.Retain, time.Now(), retentionDryRun, logger)
	if err != nil {
		return fmt.Errorf("retention sweep: %w", err)
	}

	logger.Info("retention sweep complete",
		zap.Int("invocation_logs_removed", len(report.RemovedInvocationLogs)),
		zap.Int("text_logs_removed", len(report.RemovedTextLogs)),
		zap.Int("backups_removed", len(report.RemovedBackups)),
		zap.String("bytes_freed", humanize.Bytes(uint64(report.BytesFreed))),
		zap.Bool("dry_run", retentionDryRun))

	return nil
}
