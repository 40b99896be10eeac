// Package config loads runner, wakeup, and API process configuration from a
// YAML file with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is shared by all steroids processes (runner, wakeup, api).
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Lock     LockConfig     `yaml:"lock"`
	Runner   RunnerConfig   `yaml:"runner"`
	Health   HealthConfig   `yaml:"health"`
	Retain   RetentionConfig `yaml:"retention"`
	Log      LogConfig      `yaml:"log"`
	Hooks    HooksConfig    `yaml:"hooks"`

	// AutoMigrate mirrors STEROIDS_AUTO_MIGRATE. It only records the
	// setting: no store opener reads it, and no schema migration is applied.
	AutoMigrate bool `yaml:"auto_migrate"`

	// ColorEnabled is computed, not loaded from YAML: false when NO_COLOR or
	// STEROIDS_NO_COLOR is set, or stdout is not a terminal.
	ColorEnabled bool `yaml:"-"`
}

type ProviderConfig struct {
	DefaultModel    string        `yaml:"default_model"`
	InvokeTimeout   time.Duration `yaml:"invoke_timeout"`
	HangTimeout     time.Duration `yaml:"hang_timeout"`     // default 15m
	HangKillDelay   time.Duration `yaml:"hang_kill_delay"`  // default 10s
	BreakerFailures uint32        `yaml:"breaker_failures"` // consecutive credit-exhaustion signals to trip

	// CoderCommand/ReviewerCommand are the CLI binaries the subprocess
	// invoker shells out to for each role; ReviewerCommand falls back to
	// CoderCommand when empty, since most setups use the same CLI for
	// both roles with different prompts.
	CoderCommand    string   `yaml:"coder_command"`
	CoderArgs       []string `yaml:"coder_args"`
	ReviewerCommand string   `yaml:"reviewer_command"`
	ReviewerArgs    []string `yaml:"reviewer_args"`
	ModelFlag       string   `yaml:"model_flag"`

	// CreditExitCodes/CreditStderrPhrases recognize a provider's
	// out-of-credits response (spec.md §1); every provider CLI reports
	// this differently so there is no universal default.
	CreditExitCodes     []int    `yaml:"credit_exit_codes"`
	CreditStderrPhrases []string `yaml:"credit_stderr_phrases"`
}

type LockConfig struct {
	TaskTTL    time.Duration `yaml:"task_ttl"`    // default 15m
	SectionTTL time.Duration `yaml:"section_ttl"` // default 120m
}

type RunnerConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // default 30s
	StaleAfter        time.Duration `yaml:"stale_after"`        // default 5m
	RetryCap          int           `yaml:"retry_cap"`          // default 3, see spec.md Open Question 3
	DisputeThreshold  int           `yaml:"dispute_threshold"`  // default 15
	PollInterval      time.Duration `yaml:"poll_interval"`      // sleep between pick-next retries, default 5s
	WakeupDeadline    time.Duration `yaml:"wakeup_deadline"`    // default 30s hard deadline
	HardKillDelay     time.Duration `yaml:"hard_kill_delay"`    // two-phase exit, default 2s
}

type HealthConfig struct {
	OrphanedTaskTimeout    time.Duration `yaml:"orphaned_task_timeout"`
	MaxCoderDuration       time.Duration `yaml:"max_coder_duration"`
	MaxReviewerDuration    time.Duration `yaml:"max_reviewer_duration"`
	RunnerHeartbeatTimeout time.Duration `yaml:"runner_heartbeat_timeout"`
	InvocationStaleness    time.Duration `yaml:"invocation_staleness"`
}

type RetentionConfig struct {
	InvocationLogDays int `yaml:"invocation_log_days"` // default 7
	TextLogDays       int `yaml:"text_log_days"`       // default 7
	BackupFloorDays   int `yaml:"backup_floor_days"`   // default 30
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type HooksConfig struct {
	WebhookURLs []string      `yaml:"webhook_urls"`
	Timeout     time.Duration `yaml:"timeout"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			InvokeTimeout:   30 * time.Minute,
			HangTimeout:     15 * time.Minute,
			HangKillDelay:   10 * time.Second,
			BreakerFailures: 3,
		},
		Lock: LockConfig{
			TaskTTL:    15 * time.Minute,
			SectionTTL: 120 * time.Minute,
		},
		Runner: RunnerConfig{
			HeartbeatInterval: 30 * time.Second,
			StaleAfter:        5 * time.Minute,
			RetryCap:          3,
			DisputeThreshold:  15,
			PollInterval:      5 * time.Second,
			WakeupDeadline:    30 * time.Second,
			HardKillDelay:     2 * time.Second,
		},
		Health: HealthConfig{
			OrphanedTaskTimeout:    time.Hour,
			MaxCoderDuration:       30 * time.Minute,
			MaxReviewerDuration:    15 * time.Minute,
			RunnerHeartbeatTimeout: 5 * time.Minute,
			InvocationStaleness:    10 * time.Minute,
		},
		Retain: RetentionConfig{
			InvocationLogDays: 7,
			TextLogDays:       7,
			BackupFloorDays:   30,
		},
		Log:   LogConfig{Level: "info"},
		Hooks: HooksConfig{Timeout: 10 * time.Second},
	}
}

// Load loads configuration using the real environment.
func Load() (*Config, error) {
	return LoadWithEnv(os.Getenv)
}

// LoadWithEnv loads configuration using the provided environment lookup
// function, so tests can supply isolated environment values.
func LoadWithEnv(getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	configPath := getConfigPathWithEnv(getenv)
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.AutoMigrate = cfg.AutoMigrate || isTruthy(getenv("STEROIDS_AUTO_MIGRATE"))
	cfg.ColorEnabled = computeColorEnabled(getenv)

	return cfg, nil
}

// isTruthy accepts the truthy set spec.md §6 names, case-insensitively.
func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func getConfigPath() string {
	return getConfigPathWithEnv(os.Getenv)
}

func getConfigPathWithEnv(getenv func(string) string) string {
	if xdgConfig := getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "steroids", "config.yaml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "steroids", "config.yaml")
}

// ProjectStoreDir returns <project>/.steroids for the given project path.
func ProjectStoreDir(projectPath string) string {
	return filepath.Join(projectPath, ".steroids")
}

// GlobalStoreDir returns <home>/.steroids.
func GlobalStoreDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".steroids"), nil
}
