package api

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/steroidsdev/steroids/internal/config"
)

// StorageBreakdown is the per-project bytes breakdown returned by
// /projects/storage, one field per subtree of the persisted layout
// (spec.md §6).
type StorageBreakdown struct {
	ProjectPath    string `json:"projectPath"`
	DatabaseBytes  int64  `json:"databaseBytes"`
	BackupBytes    int64  `json:"backupBytes"`
	InvocationBytes int64 `json:"invocationBytes"`
	TextLogBytes   int64  `json:"textLogBytes"`
	TotalBytes     int64  `json:"totalBytes"`
	TotalHuman     string `json:"totalHuman"`
}

// computeStorage walks the project's .steroids directory, summing each
// named subtree separately. A missing subtree contributes zero rather
// than erroring, since backup/invocations/text-logs are created lazily.
func computeStorage(projectPath string) (StorageBreakdown, error) {
	storeDir := config.ProjectStoreDir(projectPath)

	dbBytes, err := fileSize(filepath.Join(storeDir, "steroids.db"))
	if err != nil {
		return StorageBreakdown{}, err
	}
	backupBytes, err := dirSize(filepath.Join(storeDir, "backup"))
	if err != nil {
		return StorageBreakdown{}, err
	}
	invocationBytes, err := dirSize(filepath.Join(storeDir, "invocations"))
	if err != nil {
		return StorageBreakdown{}, err
	}
	textLogBytes, err := dirSize(filepath.Join(storeDir, "text-logs"))
	if err != nil {
		return StorageBreakdown{}, err
	}

	total := dbBytes + backupBytes + invocationBytes + textLogBytes
	return StorageBreakdown{
		ProjectPath:     projectPath,
		DatabaseBytes:   dbBytes,
		BackupBytes:     backupBytes,
		InvocationBytes: invocationBytes,
		TextLogBytes:    textLogBytes,
		TotalBytes:      total,
		TotalHuman:      humanize.Bytes(uint64(total)),
	}, nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return 0, err
	}
	return total, nil
}
