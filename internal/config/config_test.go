package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/task-mcp/internal/config"
)

func TestLoad_FromTaskmcpHome(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"),
		[]byte("log_level: debug\nbusy_timeout_ms: 2500\nsnapshot:\n  keep: 3\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TASKMCP_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log_level=debug got %q", cfg.LogLevel)
	}
	if cfg.BusyTimeoutMS != 2500 {
		t.Fatalf("expected busy_timeout_ms=2500 got %d", cfg.BusyTimeoutMS)
	}
	if cfg.Snapshot.Keep != 3 {
		t.Fatalf("expected snapshot keep=3 got %d", cfg.Snapshot.Keep)
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected HomeDir=%s got %s", home, cfg.HomeDir)
	}
}

func TestLoad_DefaultsWhenNoConfig(t *testing.T) {
	t.Setenv("TASKMCP_HOME", t.TempDir())

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected default log_level=info got %q", cfg.LogLevel)
	}
	if cfg.BusyTimeoutMS != 5000 {
		t.Fatalf("expected default busy_timeout_ms=5000 got %d", cfg.BusyTimeoutMS)
	}
	if cfg.Snapshot.MaxAgeMinutes != 24*60 {
		t.Fatalf("expected default max_age_minutes=1440 got %d", cfg.Snapshot.MaxAgeMinutes)
	}
	if cfg.Audit.Schedule == "" {
		t.Fatal("expected a default audit schedule")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TASKMCP_HOME", t.TempDir())
	t.Setenv("TASKMCP_LOG_LEVEL", "warn")
	t.Setenv("TASKMCP_AUDIT_SCHEDULE", "*/5 * * * *")
	t.Setenv("TASKMCP_OTEL_ENDPOINT", "collector:4318")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected log_level=warn got %q", cfg.LogLevel)
	}
	if cfg.Audit.Schedule != "*/5 * * * *" {
		t.Fatalf("unexpected audit schedule %q", cfg.Audit.Schedule)
	}
	if !cfg.OTel.Enabled || cfg.OTel.Endpoint != "collector:4318" {
		t.Fatalf("expected OTel enabled with endpoint, got %+v", cfg.OTel)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("log_level: [oops\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TASKMCP_HOME", home)

	if _, err := config.Load(); err == nil {
		t.Fatal("expected parse error for malformed config")
	}
}

func TestFingerprint_Stable(t *testing.T) {
	t.Setenv("TASKMCP_HOME", t.TempDir())
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	a := cfg.Fingerprint()
	b := cfg.Fingerprint()
	if a != b {
		t.Fatalf("fingerprint not stable: %s vs %s", a, b)
	}
	cfg.LogLevel = "debug"
	if cfg.Fingerprint() == a {
		t.Fatal("fingerprint should change with config")
	}
}
