// Package registry maps opaque project ids to workspace paths and display
// names. One registry file is shared across all workspaces; each project's
// record store lives in its own database keyed by a stable hash of the
// canonical workspace path. The registry is an explicit service instance
// with an Initialize/Close lifecycle; there is no ambient singleton.
package registry

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/basket/task-mcp/internal/workspace"
)

const registryFileName = "registry.yaml"

// Project is one registered workspace.
type Project struct {
	ID            string `yaml:"-" json:"id"`
	Path          string `yaml:"path" json:"path"`
	Name          string `yaml:"name" json:"name"`
	AuditSchedule string `yaml:"audit_schedule,omitempty" json:"audit_schedule,omitempty"` // 5-field cron expression
}

// Basename returns the project directory's basename, the token the
// contamination auditor matches suspicious tags against.
func (p Project) Basename() string {
	return filepath.Base(p.Path)
}

type registryFile struct {
	Projects map[string]Project `yaml:"projects"`
}

// Registry is the shared project-id to workspace-path mapping.
type Registry struct {
	homeDir string
	logger  *slog.Logger

	mu       sync.RWMutex
	projects map[string]Project

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Registry rooted at homeDir. Call Initialize before use.
func New(homeDir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		homeDir:  homeDir,
		logger:   logger,
		projects: make(map[string]Project),
	}
}

func (r *Registry) filePath() string {
	return filepath.Join(r.homeDir, registryFileName)
}

// Initialize loads the registry file and starts watching it for changes.
// A missing file is an empty registry, not an error.
func (r *Registry) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(r.homeDir, 0o755); err != nil {
		return fmt.Errorf("registry: create home dir: %w", err)
	}
	if err := r.reload(); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("registry: create watcher: %w", err)
	}
	// Watch the directory: editors replace the file on save.
	if err := fsw.Add(r.homeDir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("registry: watch %s: %w", r.homeDir, err)
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != registryFileName {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.reload(); err != nil {
					// Keep the last good snapshot on a malformed reload.
					r.logger.Warn("registry reload failed, keeping previous snapshot", "error", err)
					continue
				}
				r.logger.Info("registry reloaded", "path", ev.Name)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				r.logger.Error("registry watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher. The in-memory snapshot stays readable.
func (r *Registry) Close() error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
		r.cancel = nil
	}
	return nil
}

func (r *Registry) reload() error {
	data, err := os.ReadFile(r.filePath())
	if os.IsNotExist(err) {
		r.mu.Lock()
		r.projects = make(map[string]Project)
		r.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("registry: read %s: %w", r.filePath(), err)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("registry: parse %s: %w", r.filePath(), err)
	}
	projects := make(map[string]Project, len(file.Projects))
	for id, p := range file.Projects {
		p.ID = id
		projects[id] = p
	}
	r.mu.Lock()
	r.projects = projects
	r.mu.Unlock()
	return nil
}

func (r *Registry) persist() error {
	r.mu.RLock()
	file := registryFile{Projects: make(map[string]Project, len(r.projects))}
	for id, p := range r.projects {
		file.Projects[id] = p
	}
	r.mu.RUnlock()

	data, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("registry: encode: %w", err)
	}
	tmp := r.filePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("registry: write temp file: %w", err)
	}
	if err := os.Rename(tmp, r.filePath()); err != nil {
		return fmt.Errorf("registry: replace %s: %w", r.filePath(), err)
	}
	return nil
}

// ProjectID derives the stable id for a workspace path: the fnv-64a hash of
// its canonical form, in hex.
func ProjectID(path string) (string, error) {
	canonical, err := workspace.Canonicalize(path)
	if err != nil {
		return "", err
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(canonical))
	return strconv.FormatUint(h.Sum64(), 16), nil
}

// Register adds (or refreshes) a project for the workspace at path and
// persists the registry file. Name defaults to the directory basename.
func (r *Registry) Register(path, name string) (Project, error) {
	canonical, err := workspace.Canonicalize(path)
	if err != nil {
		return Project{}, err
	}
	id, err := ProjectID(canonical)
	if err != nil {
		return Project{}, err
	}
	if name == "" {
		name = filepath.Base(canonical)
	}
	project := Project{ID: id, Path: canonical, Name: name}

	r.mu.Lock()
	if existing, ok := r.projects[id]; ok && existing.AuditSchedule != "" {
		project.AuditSchedule = existing.AuditSchedule
	}
	r.projects[id] = project
	r.mu.Unlock()

	if err := r.persist(); err != nil {
		return Project{}, err
	}
	return project, nil
}

// SetAuditSchedule records the cron expression for a project's scheduled
// audits. Empty clears it, falling back to the global default.
func (r *Registry) SetAuditSchedule(projectID, cronExpr string) (Project, error) {
	r.mu.Lock()
	p, ok := r.projects[projectID]
	if !ok {
		r.mu.Unlock()
		return Project{}, fmt.Errorf("project %s not registered", projectID)
	}
	p.AuditSchedule = cronExpr
	r.projects[projectID] = p
	r.mu.Unlock()

	if err := r.persist(); err != nil {
		return Project{}, err
	}
	return p, nil
}

// Lookup resolves a project id. Missing ids return ok=false; the registry
// never guesses.
func (r *Registry) Lookup(projectID string) (Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[projectID]
	return p, ok
}

// LookupPath resolves a workspace path to its registered project.
func (r *Registry) LookupPath(path string) (Project, bool) {
	canonical, err := workspace.Canonicalize(path)
	if err != nil {
		return Project{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.projects {
		if p.Path == canonical {
			return p, true
		}
	}
	return Project{}, false
}

// Projects returns all registered projects, ordered by name for stable
// output.
func (r *Registry) Projects() []Project {
	r.mu.RLock()
	out := make([]Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DBPath returns the database file for a project id.
func (r *Registry) DBPath(projectID string) string {
	return filepath.Join(r.homeDir, "dbs", projectID+".db")
}

// SnapshotDir returns the snapshot directory for a project id.
func (r *Registry) SnapshotDir(projectID string) string {
	return filepath.Join(r.homeDir, "snapshots", projectID)
}
