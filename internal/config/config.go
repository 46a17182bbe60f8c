// Package config loads and normalizes config.yaml from the home directory.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/task-mcp/internal/auditor"
	"github.com/basket/task-mcp/internal/otel"
)

// SnapshotConfig tunes snapshot writing and degraded-read fallback.
type SnapshotConfig struct {
	// IntervalMinutes between periodic snapshot writes. 0 disables.
	IntervalMinutes int `yaml:"interval_minutes"`
	// MaxAgeMinutes bounds how old a snapshot may be and still serve
	// stale reads. Older snapshots are treated as unavailable.
	MaxAgeMinutes int `yaml:"max_age_minutes"`
	// Keep is the number of snapshot files retained per project.
	Keep int `yaml:"keep"`
}

// AuditConfig tunes the contamination audit scheduler.
type AuditConfig struct {
	// Schedule is the default cron expression for periodic audits of
	// registered projects. Per-project schedules in the registry override
	// it. Empty disables scheduled audits.
	Schedule string `yaml:"schedule"`
	// CheckGitRepo enables the git root heuristic for scheduled audits.
	CheckGitRepo bool `yaml:"check_git_repo"`

	Heuristics auditor.Config `yaml:"heuristics"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// BusyTimeoutMS is the SQLite busy timeout applied to every connection.
	BusyTimeoutMS int `yaml:"busy_timeout_ms"`

	Snapshot SnapshotConfig `yaml:"snapshot"`
	Audit    AuditConfig    `yaml:"audit"`
	OTel     otel.Config    `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|busy=%d|snap=%d/%d/%d|audit=%s|git=%t",
		c.LogLevel, c.BusyTimeoutMS,
		c.Snapshot.IntervalMinutes, c.Snapshot.MaxAgeMinutes, c.Snapshot.Keep,
		c.Audit.Schedule, c.Audit.CheckGitRepo)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:      "info",
		BusyTimeoutMS: int((5 * time.Second).Milliseconds()),
		Snapshot: SnapshotConfig{
			IntervalMinutes: 60,
			MaxAgeMinutes:   24 * 60,
			Keep:            5,
		},
		Audit: AuditConfig{
			Schedule:     "0 3 * * *",
			CheckGitRepo: true,
		},
	}
}

// HomeDir returns the task store home directory, honoring TASKMCP_HOME.
func HomeDir() string {
	if override := os.Getenv("TASKMCP_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskmcp")
}

// Load reads config.yaml from the home directory, creating the directory
// if needed. A missing file yields the defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskmcp home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BusyTimeoutMS <= 0 {
		cfg.BusyTimeoutMS = int((5 * time.Second).Milliseconds())
	}
	if cfg.Snapshot.IntervalMinutes < 0 {
		cfg.Snapshot.IntervalMinutes = 0
	}
	if cfg.Snapshot.MaxAgeMinutes <= 0 {
		cfg.Snapshot.MaxAgeMinutes = 24 * 60
	}
	if cfg.Snapshot.Keep <= 0 {
		cfg.Snapshot.Keep = 5
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKMCP_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKMCP_BUSY_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.BusyTimeoutMS = v
		}
	}
	if raw := os.Getenv("TASKMCP_AUDIT_SCHEDULE"); raw != "" {
		cfg.Audit.Schedule = raw
	}
	if raw := os.Getenv("TASKMCP_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
		cfg.OTel.Enabled = true
	}
}
