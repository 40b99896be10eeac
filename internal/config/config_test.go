package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// mockEnv creates an environment lookup function from a map.
func mockEnv(env map[string]string) func(string) string {
	return func(key string) string {
		return env[key]
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig() returned nil")
	}
	if cfg.Lock.TaskTTL != 15*time.Minute {
		t.Errorf("Lock.TaskTTL = %v, want 15m", cfg.Lock.TaskTTL)
	}
	if cfg.Lock.SectionTTL != 120*time.Minute {
		t.Errorf("Lock.SectionTTL = %v, want 120m", cfg.Lock.SectionTTL)
	}
	if cfg.Runner.DisputeThreshold != 15 {
		t.Errorf("Runner.DisputeThreshold = %d, want 15", cfg.Runner.DisputeThreshold)
	}
	if cfg.Runner.RetryCap != 3 {
		t.Errorf("Runner.RetryCap = %d, want 3", cfg.Runner.RetryCap)
	}
	if cfg.Runner.HeartbeatInterval != 30*time.Second {
		t.Errorf("Runner.HeartbeatInterval = %v, want 30s", cfg.Runner.HeartbeatInterval)
	}
	if cfg.Runner.StaleAfter != 5*time.Minute {
		t.Errorf("Runner.StaleAfter = %v, want 5m", cfg.Runner.StaleAfter)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.AutoMigrate {
		t.Error("AutoMigrate should default to false")
	}
}

func TestLoadWithConfigFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "steroids")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	configContent := `
runner:
  dispute_threshold: 20
  retry_cap: 5
lock:
  task_ttl: 10m
health:
  max_coder_duration: 45m
log:
  level: debug
  file: /var/log/steroids.log
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.Runner.DisputeThreshold != 20 {
		t.Errorf("Runner.DisputeThreshold = %d, want 20", cfg.Runner.DisputeThreshold)
	}
	if cfg.Runner.RetryCap != 5 {
		t.Errorf("Runner.RetryCap = %d, want 5", cfg.Runner.RetryCap)
	}
	if cfg.Lock.TaskTTL != 10*time.Minute {
		t.Errorf("Lock.TaskTTL = %v, want 10m", cfg.Lock.TaskTTL)
	}
	if cfg.Health.MaxCoderDuration != 45*time.Minute {
		t.Errorf("Health.MaxCoderDuration = %v, want 45m", cfg.Health.MaxCoderDuration)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.File != "/var/log/steroids.log" {
		t.Errorf("Log.File = %q, want %q", cfg.Log.File, "/var/log/steroids.log")
	}
	// Values not present in the file keep their defaults.
	if cfg.Lock.SectionTTL != 120*time.Minute {
		t.Errorf("Lock.SectionTTL = %v, want default 120m", cfg.Lock.SectionTTL)
	}
}

func TestLoadWithEnv_AutoMigrateTruthySet(t *testing.T) {
	t.Parallel()
	cases := []struct {
		value string
		want  bool
	}{
		{"1", true},
		{"true", true},
		{"TRUE", true},
		{"Yes", true},
		{"on", true},
		{"0", false},
		{"false", false},
		{"", false},
		{"nope", false},
	}

	for _, c := range cases {
		tmpDir := t.TempDir()
		env := mockEnv(map[string]string{
			"XDG_CONFIG_HOME":       tmpDir,
			"STEROIDS_AUTO_MIGRATE": c.value,
		})
		cfg, err := LoadWithEnv(env)
		if err != nil {
			t.Fatalf("LoadWithEnv(%q): %v", c.value, err)
		}
		if cfg.AutoMigrate != c.want {
			t.Errorf("AutoMigrate for %q = %v, want %v", c.value, cfg.AutoMigrate, c.want)
		}
	}
}

func TestLoadNoConfigFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.Lock.TaskTTL != 15*time.Minute {
		t.Errorf("LoadWithEnv() without file should use default Lock.TaskTTL, got %v", cfg.Lock.TaskTTL)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("LoadWithEnv() without file should use default Log.Level, got %q", cfg.Log.Level)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "steroids")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	invalidContent := `
runner: [this is invalid yaml
lock:
  task_ttl: not a duration
`
	if err := os.WriteFile(configPath, []byte(invalidContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	_, err := LoadWithEnv(env)
	if err == nil {
		t.Error("LoadWithEnv() with invalid YAML should return error")
	}
}

func TestGetConfigPathXDG(t *testing.T) {
	t.Parallel()
	tmpDir := "/custom/config/path"

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	path := getConfigPathWithEnv(env)
	expected := filepath.Join(tmpDir, "steroids", "config.yaml")
	if path != expected {
		t.Errorf("getConfigPathWithEnv() = %q, want %q", path, expected)
	}
}

func TestGetConfigPathFallback(t *testing.T) {
	t.Parallel()
	env := mockEnv(map[string]string{})

	path := getConfigPathWithEnv(env)
	home, _ := os.UserHomeDir()
	expected := filepath.Join(home, ".config", "steroids", "config.yaml")
	if path != expected {
		t.Errorf("getConfigPathWithEnv() = %q, want %q", path, expected)
	}
}

func TestLoadPartialConfig(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "steroids")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	configContent := `
lock:
  task_ttl: 5m
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.Lock.TaskTTL != 5*time.Minute {
		t.Errorf("LoadWithEnv() Lock.TaskTTL = %v, want %v", cfg.Lock.TaskTTL, 5*time.Minute)
	}
	// Sibling defaults preserved (partial struct merge is how YAML unmarshaling
	// works against a pre-initialized struct).
	if cfg.Lock.SectionTTL != 120*time.Minute {
		t.Errorf("LoadWithEnv() Lock.SectionTTL = %v, want 120m (default)", cfg.Lock.SectionTTL)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("LoadWithEnv() Log.Level = %q, want %q (default)", cfg.Log.Level, "info")
	}
}

func TestLoadWithEnv_ColorDisabledByNoColor(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	env := mockEnv(map[string]string{"XDG_CONFIG_HOME": tmpDir, "NO_COLOR": "1"})
	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ColorEnabled {
		t.Error("ColorEnabled = true, want false when NO_COLOR is set")
	}
}

func TestLoadWithEnv_ColorDisabledBySteroidsNoColor(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	env := mockEnv(map[string]string{"XDG_CONFIG_HOME": tmpDir, "STEROIDS_NO_COLOR": "1"})
	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ColorEnabled {
		t.Error("ColorEnabled = true, want false when STEROIDS_NO_COLOR is set")
	}
}
