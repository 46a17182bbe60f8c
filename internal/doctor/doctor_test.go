package doctor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/task-mcp/internal/config"
	"github.com/basket/task-mcp/internal/registry"
	"github.com/basket/task-mcp/internal/store"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("TASKMCP_HOME", t.TempDir())
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &cfg
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(t.TempDir(), nil)
	if err := reg.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func registerProject(t *testing.T, reg *registry.Registry) registry.Project {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "proj")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	p, err := reg.Register(dir, "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return p
}

func TestRun_AllChecksPresent(t *testing.T) {
	cfg := newTestConfig(t)
	reg := newTestRegistry(t)

	d := Run(context.Background(), cfg, reg, "test")
	if len(d.Results) != 6 {
		t.Fatalf("expected 6 check results, got %d", len(d.Results))
	}
	if d.System.Version != "test" {
		t.Fatalf("expected version stamped, got %q", d.System.Version)
	}
	if d.Failed() {
		t.Fatalf("clean environment should not fail: %+v", d.Results)
	}
}

func TestCheckConfig_NilConfig(t *testing.T) {
	result := checkConfig(context.Background(), nil, nil)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for nil config, got %s", result.Status)
	}
}

func TestCheckConfig_RedactsEnvOverrides(t *testing.T) {
	cfg := newTestConfig(t)
	t.Setenv("TASKMCP_API_TOKEN", "super-secret-value")

	result := checkConfig(context.Background(), cfg, nil)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s", result.Status)
	}
	if !strings.Contains(result.Detail, "TASKMCP_API_TOKEN=[REDACTED]") {
		t.Fatalf("expected env token redacted in detail: %s", result.Detail)
	}
	if strings.Contains(result.Detail, "super-secret-value") {
		t.Fatalf("secret leaked into detail: %s", result.Detail)
	}
}

func TestCheckHomePermissions(t *testing.T) {
	cfg := newTestConfig(t)
	result := checkHomePermissions(context.Background(), cfg, nil)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}

	cfg.HomeDir = filepath.Join(cfg.HomeDir, "does-not-exist")
	result = checkHomePermissions(context.Background(), cfg, nil)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for unwritable home, got %s", result.Status)
	}
}

func TestCheckRegistry_WarnsOnMissingWorkspace(t *testing.T) {
	reg := newTestRegistry(t)
	p := registerProject(t, reg)

	result := checkRegistry(context.Background(), nil, reg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}

	if err := os.RemoveAll(p.Path); err != nil {
		t.Fatalf("remove workspace: %v", err)
	}
	result = checkRegistry(context.Background(), nil, reg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN for missing workspace, got %s", result.Status)
	}
}

func TestCheckDatabases(t *testing.T) {
	reg := newTestRegistry(t)
	p := registerProject(t, reg)
	ctx := context.Background()

	// No database yet: still a PASS, the project simply has no records.
	result := checkDatabases(ctx, nil, reg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS without database, got %s: %s", result.Status, result.Detail)
	}

	dbPath := reg.DBPath(p.ID)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	s, err := store.Open(dbPath, p.Path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	result = checkDatabases(ctx, nil, reg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Detail)
	}

	// Corrupt the file so Open fails.
	if err := os.WriteFile(dbPath, []byte("not a database"), 0o600); err != nil {
		t.Fatalf("corrupt db: %v", err)
	}
	result = checkDatabases(ctx, nil, reg)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for corrupted database, got %s", result.Status)
	}
}

func TestCheckAuditSchedules(t *testing.T) {
	cfg := newTestConfig(t)
	reg := newTestRegistry(t)
	p := registerProject(t, reg)

	result := checkAuditSchedules(context.Background(), cfg, reg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS for default schedule, got %s: %s", result.Status, result.Detail)
	}

	if _, err := reg.SetAuditSchedule(p.ID, "not a cron expression"); err != nil {
		t.Fatalf("set schedule: %v", err)
	}
	result = checkAuditSchedules(context.Background(), cfg, reg)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for invalid schedule, got %s", result.Status)
	}
}

func TestCheckSnapshots(t *testing.T) {
	cfg := newTestConfig(t)
	reg := newTestRegistry(t)
	p := registerProject(t, reg)
	ctx := context.Background()

	// No snapshots yet is fine.
	result := checkSnapshots(ctx, cfg, reg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS without snapshots, got %s", result.Status)
	}

	snapDir := reg.SnapshotDir(p.ID)
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	snap := filepath.Join(snapDir, "tasks-20260801T000000Z.db")
	if err := os.WriteFile(snap, []byte("snapshot"), 0o600); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	old := time.Now().Add(-time.Duration(cfg.Snapshot.MaxAgeMinutes+60) * time.Minute)
	if err := os.Chtimes(snap, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	result = checkSnapshots(ctx, cfg, reg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN for stale snapshot, got %s", result.Status)
	}
}

func TestCheckSnapshots_Disabled(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Snapshot.IntervalMinutes = 0
	reg := newTestRegistry(t)

	result := checkSnapshots(context.Background(), cfg, reg)
	if result.Status != "PASS" || result.Message != "Snapshots disabled" {
		t.Fatalf("expected disabled PASS, got %+v", result)
	}
}
