package registry_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/task-mcp/internal/registry"
)

func newTestRegistry(t *testing.T) (*registry.Registry, string) {
	t.Helper()
	home := t.TempDir()
	reg := registry.New(home, nil)
	if err := reg.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg, home
}

func TestRegister_DefaultsNameToBasename(t *testing.T) {
	reg, _ := newTestRegistry(t)
	dir := filepath.Join(t.TempDir(), "my-service")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	p, err := reg.Register(dir, "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if p.Name != "my-service" {
		t.Fatalf("expected basename default, got %q", p.Name)
	}
	if p.ID == "" || p.Path == "" {
		t.Fatalf("expected id and canonical path set: %+v", p)
	}
	if p.Basename() != "my-service" {
		t.Fatalf("expected basename my-service, got %q", p.Basename())
	}
}

func TestProjectID_StableForEquivalentPaths(t *testing.T) {
	dir := t.TempDir()
	a, err := registry.ProjectID(dir)
	if err != nil {
		t.Fatalf("project id: %v", err)
	}
	b, err := registry.ProjectID(dir + string(os.PathSeparator))
	if err != nil {
		t.Fatalf("project id: %v", err)
	}
	if a != b {
		t.Fatalf("expected stable id for equivalent paths, got %q vs %q", a, b)
	}

	other, err := registry.ProjectID(t.TempDir())
	if err != nil {
		t.Fatalf("project id: %v", err)
	}
	if a == other {
		t.Fatalf("distinct paths must not collide")
	}
}

func TestRegister_RefreshKeepsAuditSchedule(t *testing.T) {
	reg, _ := newTestRegistry(t)
	dir := t.TempDir()

	p, err := reg.Register(dir, "first")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.SetAuditSchedule(p.ID, "0 4 * * *"); err != nil {
		t.Fatalf("set schedule: %v", err)
	}

	refreshed, err := reg.Register(dir, "renamed")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if refreshed.ID != p.ID {
		t.Fatalf("expected stable id across re-register")
	}
	if refreshed.Name != "renamed" {
		t.Fatalf("expected refreshed name, got %q", refreshed.Name)
	}
	if refreshed.AuditSchedule != "0 4 * * *" {
		t.Fatalf("expected audit schedule preserved, got %q", refreshed.AuditSchedule)
	}
}

func TestSetAuditSchedule_UnknownProject(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.SetAuditSchedule("deadbeef", "0 3 * * *"); err == nil {
		t.Fatalf("expected error for unknown project")
	}
}

func TestLookupAndLookupPath(t *testing.T) {
	reg, _ := newTestRegistry(t)
	dir := t.TempDir()
	p, err := reg.Register(dir, "svc")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	got, ok := reg.Lookup(p.ID)
	if !ok || got.Path != p.Path {
		t.Fatalf("lookup by id failed: %+v ok=%v", got, ok)
	}
	if _, ok := reg.Lookup("missing"); ok {
		t.Fatalf("unknown id must not resolve")
	}

	got, ok = reg.LookupPath(dir)
	if !ok || got.ID != p.ID {
		t.Fatalf("lookup by path failed: %+v ok=%v", got, ok)
	}
	if _, ok := reg.LookupPath(t.TempDir()); ok {
		t.Fatalf("unregistered path must not resolve")
	}
}

func TestRegistry_PersistsAcrossInstances(t *testing.T) {
	home := t.TempDir()
	reg := registry.New(home, nil)
	if err := reg.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	dir := t.TempDir()
	p, err := reg.Register(dir, "durable")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.SetAuditSchedule(p.ID, "30 2 * * 1"); err != nil {
		t.Fatalf("set schedule: %v", err)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	fresh := registry.New(home, nil)
	if err := fresh.Initialize(context.Background()); err != nil {
		t.Fatalf("reinitialize: %v", err)
	}
	t.Cleanup(func() { _ = fresh.Close() })

	got, ok := fresh.Lookup(p.ID)
	if !ok {
		t.Fatalf("project lost across restart")
	}
	if got.Name != "durable" || got.AuditSchedule != "30 2 * * 1" {
		t.Fatalf("project fields lost: %+v", got)
	}
}

func TestProjects_SortedByName(t *testing.T) {
	reg, _ := newTestRegistry(t)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if _, err := reg.Register(t.TempDir(), name); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	projects := reg.Projects()
	if len(projects) != 3 {
		t.Fatalf("expected 3 projects, got %d", len(projects))
	}
	for i := 1; i < len(projects); i++ {
		if projects[i].Name < projects[i-1].Name {
			t.Fatalf("projects not sorted by name: %+v", projects)
		}
	}
}

func TestPaths_DerivedFromHome(t *testing.T) {
	reg, home := newTestRegistry(t)
	db := reg.DBPath("abc123")
	if !strings.HasPrefix(db, home) || filepath.Base(db) != "abc123.db" {
		t.Fatalf("unexpected db path %q", db)
	}
	snap := reg.SnapshotDir("abc123")
	if !strings.HasPrefix(snap, home) || filepath.Base(snap) != "abc123" {
		t.Fatalf("unexpected snapshot dir %q", snap)
	}
}

func TestInitialize_MissingFileIsEmptyRegistry(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if got := reg.Projects(); len(got) != 0 {
		t.Fatalf("expected empty registry, got %+v", got)
	}
}
