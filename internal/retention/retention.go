// Package retention implements the periodic log/backup cleanup sweep
// described in spec.md §6's "Environment and retention" section: invocation
// and text logs older than their configured window are deleted outright;
// backups are kept for at least the configured floor and only pruned past
// it.
package retention

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/steroidsdev/steroids/internal/backup"
	"github.com/steroidsdev/steroids/internal/config"
)

// Report records what one sweep removed, for logging and for the admin
// CLI's dry-run mode.
type Report struct {
	RemovedInvocationLogs []string
	RemovedTextLogs       []string
	RemovedBackups        []string
	BytesFreed            int64
}

// Sweep deletes expired entries under a single project's .steroids
// directory. DryRun reports what would be removed without touching the
// filesystem.
func Sweep(projectPath string, cfg config.RetentionConfig, now time.Time, dryRun bool, logger *zap.Logger) (Report, error) {
	storeDir := config.ProjectStoreDir(projectPath)
	var report Report

	invocationCutoff := now.AddDate(0, 0, -cfg.InvocationLogDays)
	removed, freed, err := sweepFlatDir(filepath.Join(storeDir, "invocations"), ".log", invocationCutoff, dryRun)
	if err != nil {
		return report, fmt.Errorf("sweep invocation logs: %w", err)
	}
	report.RemovedInvocationLogs = removed
	report.BytesFreed += freed

	textLogCutoff := now.AddDate(0, 0, -cfg.TextLogDays)
	removed, freed, err = sweepTree(filepath.Join(storeDir, "text-logs"), textLogCutoff, dryRun)
	if err != nil {
		return report, fmt.Errorf("sweep text logs: %w", err)
	}
	report.RemovedTextLogs = removed
	report.BytesFreed += freed

	backupCutoff := now.AddDate(0, 0, -cfg.BackupFloorDays)
	removed, freed, err = sweepBackups(filepath.Join(storeDir, "backup"), backupCutoff, dryRun)
	if err != nil {
		return report, fmt.Errorf("sweep backups: %w", err)
	}
	report.RemovedBackups = removed
	report.BytesFreed += freed

	if logger != nil {
		logger.Info("retention sweep complete",
			zap.String("project", projectPath),
			zap.Int("invocation_logs_removed", len(report.RemovedInvocationLogs)),
			zap.Int("text_logs_removed", len(report.RemovedTextLogs)),
			zap.Int("backups_removed", len(report.RemovedBackups)),
			zap.Int64("bytes_freed", report.BytesFreed),
			zap.Bool("dry_run", dryRun))
	}
	return report, nil
}

// sweepFlatDir removes every file directly under dir whose name has the
// given extension and is older than cutoff (modtime-based, for the flat
// invocations/*.log layout).
func sweepFlatDir(dir, ext string, cutoff time.Time, dryRun bool) ([]string, int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}

	var removed []string
	var freed int64
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ext {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return removed, freed, err
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if !dryRun {
			if err := os.Remove(path); err != nil {
				return removed, freed, err
			}
		}
		removed = append(removed, path)
		freed += info.Size()
	}
	return removed, freed, nil
}

// sweepTree removes every regular file anywhere under dir older than
// cutoff (for the nested text-logs/ tree).
func sweepTree(dir string, cutoff time.Time, dryRun bool) ([]string, int64, error) {
	var removed []string
	var freed int64

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}

	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if e.IsDir() {
			sub, subFreed, err := sweepTree(path, cutoff, dryRun)
			if err != nil {
				return removed, freed, err
			}
			removed = append(removed, sub...)
			freed += subFreed
			continue
		}
		info, err := e.Info()
		if err != nil {
			return removed, freed, err
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if !dryRun {
			if err := os.Remove(path); err != nil {
				return removed, freed, err
			}
		}
		removed = append(removed, path)
		freed += info.Size()
	}
	return removed, freed, nil
}

// sweepBackups removes backup entries (either kind of timestamped
// directory, or a pre-migrate snapshot file) whose encoded timestamp is
// older than cutoff. Unrecognized entries are left alone.
func sweepBackups(dir string, cutoff time.Time, dryRun bool) ([]string, int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}

	var removed []string
	var freed int64
	for _, e := range entries {
		parsed, err := backup.Parse(e.Name())
		if err != nil {
			continue
		}
		if parsed.When.After(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		size, err := treeSize(path)
		if err != nil {
			return removed, freed, err
		}
		if !dryRun {
			if err := os.RemoveAll(path); err != nil {
				return removed, freed, err
			}
		}
		removed = append(removed, path)
		freed += size
	}
	return removed, freed, nil
}

func treeSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}

	var total int64
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		sub, err := treeSize(filepath.Join(path, e.Name()))
		if err != nil {
			return 0, err
		}
		total += sub
	}
	return total, nil
}
