// Package auditor detects cross-workspace contamination: records whose
// content indicates they were created in, or reference, a workspace other
// than their own. It is strictly read-only; contamination is an expected,
// recoverable condition reported for the caller to remediate, never an
// error of the audit call itself.
package auditor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/task-mcp/internal/registry"
	"github.com/basket/task-mcp/internal/store"
	"github.com/basket/task-mcp/internal/workspace"
)

// Heuristic names. Each finding reports which heuristic fired.
const (
	HeuristicFileReferenceMismatch    = "file_reference_mismatches"
	HeuristicSuspiciousTag            = "suspicious_tags"
	HeuristicGitRepoMismatch          = "git_repo_mismatches"
	HeuristicEntityIdentifierMismatch = "entity_identifier_mismatches"
	HeuristicDescriptionPathReference = "description_path_references"
)

// defaultPathPattern matches absolute, at-least-two-segment filesystem paths
// inside free text. Group 1 is the path.
const defaultPathPattern = `(?:^|[\s"'(=:])(/[A-Za-z0-9._+-]+(?:/[A-Za-z0-9._+-]+)+)`

// Finding is one record flagged by one heuristic.
type Finding struct {
	RecordID    int64  `json:"record_id"`
	RecordKind  string `json:"record_kind"` // "task" or "entity"
	TitleOrName string `json:"title_or_name"`
	Reason      string `json:"reason"`
	Heuristic   string `json:"heuristic"`
}

// Statistics summarizes a completed scan. Contaminated counts are distinct
// records appearing in any finding category.
type Statistics struct {
	TasksScanned         int `json:"tasks_scanned"`
	EntitiesScanned      int `json:"entities_scanned"`
	ContaminatedTasks    int `json:"contaminated_tasks"`
	ContaminatedEntities int `json:"contaminated_entities"`
}

// Report is the always-returned result of a workspace integrity audit.
type Report struct {
	ReportID           string               `json:"report_id"`
	WorkspacePath      string               `json:"workspace_path"`
	GeneratedAt        time.Time            `json:"generated_at"`
	ContaminationFound bool                 `json:"contamination_found"`
	Findings           map[string][]Finding `json:"findings"`
	Statistics         Statistics           `json:"statistics"`
	Recommendations    []string             `json:"recommendations"`
}

// FindingCount returns the total number of findings across all heuristics.
func (r *Report) FindingCount() int {
	n := 0
	for _, findings := range r.Findings {
		n += len(findings)
	}
	return n
}

// Options tune a single audit call.
type Options struct {
	IncludeDeleted bool
	CheckGitRepo   bool
}

// DefaultOptions matches the documented defaults: active records only, git
// root verification on.
func DefaultOptions() Options {
	return Options{IncludeDeleted: false, CheckGitRepo: true}
}

// Scan is the material a heuristic inspects: the records of one workspace
// plus the audit-time context they are compared against.
type Scan struct {
	WorkspacePath  string
	GitRoot        string // resolved for WorkspacePath at audit time
	OtherBasenames []string
	Tasks          []store.Task
	Entities       []store.Entity
	PathPattern    *regexp.Regexp
}

// Heuristic is one named contamination predicate. New heuristics slot in
// without touching the aggregation logic.
type Heuristic struct {
	Name      string
	Check     func(scan *Scan) []Finding
	Recommend func(f Finding) string
}

// Config tunes the fuzzy heuristics per deployment.
type Config struct {
	// PathPattern overrides the regex used to find path-like substrings in
	// descriptions. Empty uses the default.
	PathPattern string `yaml:"path_pattern"`
	// TagAllowlist lists tag tokens never reported as suspicious even when
	// they collide with another project's basename.
	TagAllowlist []string `yaml:"tag_allowlist"`
}

// Auditor runs contamination heuristics over one workspace's store.
type Auditor struct {
	store      *store.Store
	registry   *registry.Registry
	logger     *slog.Logger
	heuristics []Heuristic
	pattern    *regexp.Regexp
	allowlist  map[string]struct{}
}

// New creates an Auditor with the five built-in heuristics.
func New(s *store.Store, reg *registry.Registry, cfg Config, logger *slog.Logger) (*Auditor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	patternSrc := cfg.PathPattern
	if patternSrc == "" {
		patternSrc = defaultPathPattern
	}
	pattern, err := regexp.Compile(patternSrc)
	if err != nil {
		return nil, fmt.Errorf("auditor: compile path pattern: %w", err)
	}
	allowlist := make(map[string]struct{}, len(cfg.TagAllowlist))
	for _, tag := range cfg.TagAllowlist {
		allowlist[strings.ToLower(tag)] = struct{}{}
	}
	a := &Auditor{
		store:     s,
		registry:  reg,
		logger:    logger,
		pattern:   pattern,
		allowlist: allowlist,
	}
	a.heuristics = []Heuristic{
		{Name: HeuristicFileReferenceMismatch, Check: checkFileReferences, Recommend: recommendFileReference},
		{Name: HeuristicSuspiciousTag, Check: a.checkSuspiciousTags, Recommend: recommendSuspiciousTag},
		{Name: HeuristicGitRepoMismatch, Check: checkGitRoots, Recommend: recommendGitRoot},
		{Name: HeuristicEntityIdentifierMismatch, Check: checkEntityIdentifiers, Recommend: recommendEntityIdentifier},
		{Name: HeuristicDescriptionPathReference, Check: checkDescriptionPaths, Recommend: recommendDescriptionPath},
	}
	return a, nil
}

// AddHeuristic registers an extra predicate alongside the built-ins.
func (a *Auditor) AddHeuristic(h Heuristic) {
	a.heuristics = append(a.heuristics, h)
}

// underPath reports whether path sits at or below root.
func underPath(path, root string) bool {
	if root == "" {
		return false
	}
	path = strings.TrimSuffix(path, "/")
	root = strings.TrimSuffix(root, "/")
	return path == root || strings.HasPrefix(path, root+"/")
}

// AuditWorkspaceIntegrity scans the workspace's records against every
// registered heuristic and returns a report. It never mutates and it never
// reports contamination as an error.
func (a *Auditor) AuditWorkspaceIntegrity(ctx context.Context, workspacePath string, opts Options) (*Report, error) {
	canonical, err := workspace.Canonicalize(workspacePath)
	if err != nil {
		return nil, err
	}

	tasks, err := a.store.AllTasks(ctx, opts.IncludeDeleted)
	if err != nil {
		return nil, err
	}
	entities, err := a.store.AllEntities(ctx, opts.IncludeDeleted)
	if err != nil {
		return nil, err
	}

	scan := &Scan{
		WorkspacePath: canonical,
		Tasks:         tasks,
		Entities:      entities,
		PathPattern:   a.pattern,
	}
	if opts.CheckGitRepo {
		scan.GitRoot = workspace.ResolveGitRoot(canonical)
	}
	ownBasename := strings.ToLower(filepath.Base(canonical))
	for _, p := range a.registry.Projects() {
		basename := strings.ToLower(p.Basename())
		if basename == ownBasename {
			continue
		}
		if _, allowed := a.allowlist[basename]; allowed {
			continue
		}
		scan.OtherBasenames = append(scan.OtherBasenames, basename)
	}
	sort.Strings(scan.OtherBasenames)

	report := &Report{
		ReportID:      uuid.NewString(),
		WorkspacePath: canonical,
		GeneratedAt:   time.Now().UTC(),
		Findings:      make(map[string][]Finding, len(a.heuristics)),
		Statistics: Statistics{
			TasksScanned:    len(tasks),
			EntitiesScanned: len(entities),
		},
	}

	contaminatedTasks := make(map[int64]struct{})
	contaminatedEntities := make(map[int64]struct{})
	for _, h := range a.heuristics {
		if h.Name == HeuristicGitRepoMismatch && !opts.CheckGitRepo {
			report.Findings[h.Name] = nil
			continue
		}
		findings := h.Check(scan)
		for i := range findings {
			findings[i].Heuristic = h.Name
			switch findings[i].RecordKind {
			case "task":
				contaminatedTasks[findings[i].RecordID] = struct{}{}
			case "entity":
				contaminatedEntities[findings[i].RecordID] = struct{}{}
			}
			if h.Recommend != nil {
				report.Recommendations = append(report.Recommendations, h.Recommend(findings[i]))
			}
		}
		report.Findings[h.Name] = findings
	}

	report.Statistics.ContaminatedTasks = len(contaminatedTasks)
	report.Statistics.ContaminatedEntities = len(contaminatedEntities)
	report.ContaminationFound = report.FindingCount() > 0

	a.logger.Info("workspace integrity audit finished",
		"workspace", canonical,
		"report_id", report.ReportID,
		"findings", report.FindingCount(),
		"contamination_found", report.ContaminationFound,
	)
	return report, nil
}

// ValidationResult is the outcome of ValidateTaskWorkspace.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Warnings []string `json:"warnings,omitempty"`
}

// ValidateTaskWorkspace checks one task's captured workspace metadata
// against the supplied current workspace. A task created before workspace
// tracking existed is valid with a legacy warning: absence of evidence is
// not evidence of contamination. The result is deterministic for a given
// task and workspace.
func (a *Auditor) ValidateTaskWorkspace(ctx context.Context, taskID int64, currentWorkspace string) (ValidationResult, error) {
	canonical, err := workspace.Canonicalize(currentWorkspace)
	if err != nil {
		return ValidationResult{}, err
	}
	task, err := a.store.GetTaskAny(ctx, taskID)
	if err != nil {
		return ValidationResult{}, err
	}

	if task.Workspace.IsZero() {
		return ValidationResult{
			Valid:    true,
			Warnings: []string{fmt.Sprintf("legacy task: task %d predates workspace tracking and carries no workspace metadata", taskID)},
		}, nil
	}

	result := ValidationResult{Valid: true}
	if task.Workspace.WorkspacePath != canonical {
		result.Valid = false
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("task %d was created in workspace %s, not %s", taskID, task.Workspace.WorkspacePath, canonical))
	}
	if task.Workspace.GitRoot != "" {
		currentRoot := workspace.ResolveGitRoot(canonical)
		if currentRoot != "" && currentRoot != task.Workspace.GitRoot {
			result.Valid = false
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("task %d was created under git root %s, not %s", taskID, task.Workspace.GitRoot, currentRoot))
		}
	}
	return result, nil
}
