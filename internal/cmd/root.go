// Package cmd implements the steroids CLI: a thin cobra layer over the
// runner loop, wakeup reconciler, and read-only API, consulted for
// configuration and wiring only (spec.md's component logic lives in
// internal/orchestrator, internal/wakeup, and internal/api themselves).
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steroidsdev/steroids/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "steroids",
	Short: "Autonomous coder/reviewer task-execution orchestrator",
	Long:  `steroids drives software-development work items through a two-role AI loop (coder then reviewer) until each is approved, disputed, or abandoned.`,
}

// Execute runs the root command; called from cmd/steroids/main.go.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (not read: config always comes from $XDG_CONFIG_HOME/steroids/config.yaml, or ~/.config/steroids/config.yaml)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "force debug logging regardless of the configured log level")
}

// loadConfig reads the configured config file and folds in --debug.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if debug, _ := cmd.Root().PersistentFlags().GetBool("debug"); debug {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}
