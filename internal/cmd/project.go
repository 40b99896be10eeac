package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/steroidsdev/steroids/internal/store"
)

// openGlobalStore opens (creating if necessary) <home>/.steroids/steroids.db.
func openGlobalStore() (*store.GlobalStore, error) {
	dir, err := globalStoreDirFromConfig()
	if err != nil {
		return nil, err
	}
	return store.OpenGlobalStore(filepath.Join(dir, "steroids.db"))
}

func globalStoreDirFromConfig() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".steroids"), nil
}

// openProjectStore opens (creating if necessary) <projectPath>/.steroids/steroids.db
// and registers the project in the global store if it isn't already known,
// mirroring the teacher's lazy repo-registration pattern.
func openProjectStore(ctx context.Context, global *store.GlobalStore, projectPath string, parallel bool) (*store.ProjectStore, error) {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return nil, fmt.Errorf("resolve project path: %w", err)
	}

	name := filepath.Base(abs)
	if err := global.Queries().RegisterProject(ctx, store.Project{
		Path: abs, Name: name, Enabled: true, Parallel: parallel, CreatedAt: time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("register project: %w", err)
	}

	dbPath := filepath.Join(abs, ".steroids", "steroids.db")
	return store.OpenProjectStore(dbPath)
}
