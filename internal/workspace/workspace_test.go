package workspace_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/task-mcp/internal/workspace"
)

func TestCanonicalize_RejectsEmpty(t *testing.T) {
	if _, err := workspace.Canonicalize(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestCanonicalize_CleansAndAbsolutizes(t *testing.T) {
	dir := t.TempDir()
	got, err := workspace.Canonicalize(dir + "/sub/..")
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want, err := workspace.Canonicalize(dir)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if !filepath.IsAbs(got) {
		t.Fatalf("expected absolute path, got %q", got)
	}
}

func TestCanonicalize_ResolvesSymlinks(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	if err := os.MkdirAll(real, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	got, err := workspace.Canonicalize(link)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want, err := workspace.Canonicalize(real)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if got != want {
		t.Fatalf("expected symlink resolved to %q, got %q", want, got)
	}
}

func TestCanonicalize_NonexistentPathStillResolves(t *testing.T) {
	got, err := workspace.Canonicalize(filepath.Join(t.TempDir(), "does", "not", "exist"))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if !filepath.IsAbs(got) {
		t.Fatalf("expected absolute path, got %q", got)
	}
}

func TestCapture_FillsContext(t *testing.T) {
	dir := t.TempDir()
	ctx, err := workspace.Capture(dir)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if ctx.IsZero() {
		t.Fatalf("expected populated context")
	}
	if ctx.ProjectName != filepath.Base(ctx.WorkspacePath) {
		t.Fatalf("expected project name from basename, got %q", ctx.ProjectName)
	}
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if ctx.CWD != cwd {
		t.Fatalf("expected cwd %q, got %q", cwd, ctx.CWD)
	}
}

func TestResolveGitRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatalf("mkdir .git: %v", err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir nested: %v", err)
	}

	if got := workspace.ResolveGitRoot(nested); got != root {
		t.Fatalf("expected git root %q, got %q", root, got)
	}
	if got := workspace.ResolveGitRoot(t.TempDir()); got != "" {
		t.Fatalf("expected empty root outside a repo, got %q", got)
	}
}

func TestResolveGitRoot_WorktreeFileMarker(t *testing.T) {
	root := t.TempDir()
	// Worktrees mark the root with a .git file, not a directory.
	if err := os.WriteFile(filepath.Join(root, ".git"), []byte("gitdir: elsewhere\n"), 0o644); err != nil {
		t.Fatalf("write .git file: %v", err)
	}
	if got := workspace.ResolveGitRoot(root); got != root {
		t.Fatalf("expected worktree root %q, got %q", root, got)
	}
}

func TestContext_IsZero(t *testing.T) {
	var zero workspace.Context
	if !zero.IsZero() {
		t.Fatalf("zero context must report zero")
	}
	if (workspace.Context{WorkspacePath: "/x"}).IsZero() {
		t.Fatalf("populated context must not report zero")
	}
}
