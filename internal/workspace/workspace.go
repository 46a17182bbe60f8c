// Package workspace captures the creation context of a record: the workspace
// path it belongs to, the enclosing git root, the working directory of the
// caller, and the project's display name. The captured context is stamped
// onto tasks and entities exactly once, at creation.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// Context is the workspace metadata captured at record creation.
type Context struct {
	WorkspacePath string `json:"workspace_path"`
	GitRoot       string `json:"git_root,omitempty"`
	CWD           string `json:"cwd_at_creation"`
	ProjectName   string `json:"project_name"`
}

// IsZero reports whether no metadata was captured. Records created before
// workspace tracking existed carry a zero Context.
func (c Context) IsZero() bool {
	return c.WorkspacePath == "" && c.GitRoot == "" && c.CWD == "" && c.ProjectName == ""
}

// Canonicalize resolves path to an absolute, symlink-free form. The path does
// not need to exist; unresolvable symlink chains fall back to the absolute path.
func Canonicalize(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("workspace: empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("workspace: resolve %q: %w", path, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return filepath.Clean(abs), nil
	}
	return resolved, nil
}

// Capture records the creation context for a workspace rooted at dir.
func Capture(dir string) (Context, error) {
	canonical, err := Canonicalize(dir)
	if err != nil {
		return Context{}, err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return Context{}, fmt.Errorf("workspace: getwd: %w", err)
	}
	return Context{
		WorkspacePath: canonical,
		GitRoot:       ResolveGitRoot(canonical),
		CWD:           cwd,
		ProjectName:   filepath.Base(canonical),
	}, nil
}

// ResolveGitRoot walks up from dir looking for a .git entry and returns the
// containing directory, or "" when dir is not inside a git repository.
func ResolveGitRoot(dir string) string {
	current := dir
	for {
		// .git may be a directory or, in worktrees, a file; both mark the root.
		if _, err := os.Stat(filepath.Join(current, ".git")); err == nil {
			return current
		}
		parent := filepath.Dir(current)
		if parent == current {
			return ""
		}
		current = parent
	}
}
