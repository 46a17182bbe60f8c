// Package doctor runs environment diagnostics for the task store: home
// directory, configuration, registry, per-project databases, audit
// schedules, and snapshot freshness.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/task-mcp/internal/config"
	"github.com/basket/task-mcp/internal/registry"
	"github.com/basket/task-mcp/internal/sched"
	"github.com/basket/task-mcp/internal/shared"
	"github.com/basket/task-mcp/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed outright.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, reg *registry.Registry, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config, *registry.Registry) CheckResult{
		checkConfig,
		checkHomePermissions,
		checkRegistry,
		checkDatabases,
		checkAuditSchedules,
		checkSnapshots,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg, reg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config, _ *registry.Registry) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	details := []string{cfg.Fingerprint()}
	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(key, "TASKMCP_") {
			continue
		}
		details = append(details, fmt.Sprintf("%s=%s", key, shared.RedactEnvValue(key, value)))
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  strings.Join(details, "; "),
	}
}

func checkHomePermissions(_ context.Context, cfg *config.Config, _ *registry.Registry) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkRegistry(_ context.Context, _ *config.Config, reg *registry.Registry) CheckResult {
	if reg == nil {
		return CheckResult{Name: "Registry", Status: "SKIP", Message: "Registry not loaded"}
	}
	projects := reg.Projects()
	missing := 0
	var details []string
	for _, p := range projects {
		if _, err := os.Stat(p.Path); err != nil {
			missing++
			details = append(details, fmt.Sprintf("%s: workspace path %s missing", p.Name, p.Path))
		}
	}
	if missing > 0 {
		return CheckResult{
			Name:    "Registry",
			Status:  "WARN",
			Message: fmt.Sprintf("%d of %d registered workspaces missing on disk", missing, len(projects)),
			Detail:  strings.Join(details, "; "),
		}
	}
	return CheckResult{Name: "Registry", Status: "PASS", Message: fmt.Sprintf("%d projects registered", len(projects))}
}

func checkDatabases(ctx context.Context, _ *config.Config, reg *registry.Registry) CheckResult {
	if reg == nil {
		return CheckResult{Name: "Databases", Status: "SKIP", Message: "Registry not loaded"}
	}
	projects := reg.Projects()
	if len(projects) == 0 {
		return CheckResult{Name: "Databases", Status: "PASS", Message: "No project databases yet"}
	}

	opened := 0
	var details []string
	status := "PASS"
	for _, p := range projects {
		dbPath := reg.DBPath(p.ID)
		if _, err := os.Stat(dbPath); err != nil {
			// A registered project with no database simply has no records.
			details = append(details, fmt.Sprintf("%s: no database", p.Name))
			continue
		}
		s, err := store.Open(dbPath, p.Path)
		if err != nil {
			status = "FAIL"
			details = append(details, fmt.Sprintf("%s: %v", p.Name, err))
			continue
		}
		if _, err := s.ActiveTasks(ctx); err != nil {
			status = "FAIL"
			details = append(details, fmt.Sprintf("%s: query failed: %v", p.Name, err))
		} else {
			opened++
		}
		_ = s.Close()
	}
	return CheckResult{
		Name:    "Databases",
		Status:  status,
		Message: fmt.Sprintf("%d of %d project databases healthy", opened, len(projects)),
		Detail:  strings.Join(details, "; "),
	}
}

func checkAuditSchedules(_ context.Context, cfg *config.Config, reg *registry.Registry) CheckResult {
	if reg == nil {
		return CheckResult{Name: "Audit Schedules", Status: "SKIP", Message: "Registry not loaded"}
	}
	now := time.Now()
	var details []string
	status := "PASS"
	checked := 0
	for _, p := range reg.Projects() {
		expr := p.AuditSchedule
		if expr == "" && cfg != nil {
			expr = cfg.Audit.Schedule
		}
		if expr == "" {
			continue
		}
		checked++
		if _, err := sched.NextRunTime(expr, now); err != nil {
			status = "FAIL"
			details = append(details, fmt.Sprintf("%s: invalid cron expression %q", p.Name, expr))
		}
	}
	return CheckResult{
		Name:    "Audit Schedules",
		Status:  status,
		Message: fmt.Sprintf("%d schedules parse", checked),
		Detail:  strings.Join(details, "; "),
	}
}

func checkSnapshots(_ context.Context, cfg *config.Config, reg *registry.Registry) CheckResult {
	if cfg == nil || reg == nil {
		return CheckResult{Name: "Snapshots", Status: "SKIP", Message: "Config or registry missing"}
	}
	if cfg.Snapshot.IntervalMinutes <= 0 {
		return CheckResult{Name: "Snapshots", Status: "PASS", Message: "Snapshots disabled"}
	}
	maxAge := time.Duration(cfg.Snapshot.MaxAgeMinutes) * time.Minute

	stale := 0
	none := 0
	var details []string
	projects := reg.Projects()
	for _, p := range projects {
		age, ok := newestSnapshotAge(reg.SnapshotDir(p.ID))
		if !ok {
			none++
			continue
		}
		if age > maxAge {
			stale++
			details = append(details, fmt.Sprintf("%s: newest snapshot is %s old", p.Name, age.Round(time.Minute)))
		}
	}
	if stale > 0 {
		return CheckResult{
			Name:    "Snapshots",
			Status:  "WARN",
			Message: fmt.Sprintf("%d projects with stale snapshots", stale),
			Detail:  strings.Join(details, "; "),
		}
	}
	return CheckResult{
		Name:    "Snapshots",
		Status:  "PASS",
		Message: fmt.Sprintf("%d projects covered, %d without snapshots yet", len(projects)-none, none),
	}
}

func newestSnapshotAge(dir string) (time.Duration, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, false
	}
	var newest time.Time
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".db") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	if newest.IsZero() {
		return 0, false
	}
	return time.Since(newest), true
}
