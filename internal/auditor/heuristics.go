package auditor

import (
	"fmt"
	"strings"

	"github.com/basket/task-mcp/internal/store"
)

// checkFileReferences flags tasks whose recorded file references are
// absolute paths outside the workspace.
func checkFileReferences(scan *Scan) []Finding {
	var findings []Finding
	for _, task := range scan.Tasks {
		for _, ref := range task.FileReferences {
			if !strings.HasPrefix(ref, "/") {
				continue
			}
			if underPath(ref, scan.WorkspacePath) {
				continue
			}
			findings = append(findings, Finding{
				RecordID:    task.ID,
				RecordKind:  "task",
				TitleOrName: task.Title,
				Reason:      fmt.Sprintf("file reference %s is outside workspace %s", ref, scan.WorkspacePath),
			})
		}
	}
	return findings
}

// record is the heuristic-facing view common to tasks and entities. The
// cross-cutting heuristics (tags, git roots, description paths) scan both
// kinds; type-specific fields stay on the concrete checks.
type record struct {
	ID          int64
	Kind        string
	TitleOrName string
	Description string
	Tags        []string
	GitRoot     string
}

func (s *Scan) records() []record {
	out := make([]record, 0, len(s.Tasks)+len(s.Entities))
	for _, t := range s.Tasks {
		out = append(out, record{
			ID: t.ID, Kind: "task", TitleOrName: t.Title,
			Description: t.Description, Tags: t.Tags, GitRoot: t.Workspace.GitRoot,
		})
	}
	for _, e := range s.Entities {
		out = append(out, record{
			ID: e.ID, Kind: "entity", TitleOrName: e.Name,
			Description: e.Description, Tags: e.Tags, GitRoot: e.Workspace.GitRoot,
		})
	}
	return out
}

// checkSuspiciousTags flags records carrying a tag that matches another
// registered project's directory basename. Tag comparison is
// case-insensitive; allowlisted tags were removed from OtherBasenames
// before the scan.
func (a *Auditor) checkSuspiciousTags(scan *Scan) []Finding {
	if len(scan.OtherBasenames) == 0 {
		return nil
	}
	other := make(map[string]struct{}, len(scan.OtherBasenames))
	for _, name := range scan.OtherBasenames {
		other[name] = struct{}{}
	}
	var findings []Finding
	for _, rec := range scan.records() {
		for _, tag := range rec.Tags {
			lowered := strings.ToLower(tag)
			if _, allowed := a.allowlist[lowered]; allowed {
				continue
			}
			if _, hit := other[lowered]; !hit {
				continue
			}
			findings = append(findings, Finding{
				RecordID:    rec.ID,
				RecordKind:  rec.Kind,
				TitleOrName: rec.TitleOrName,
				Reason:      fmt.Sprintf("tag %q matches another registered project's directory name", tag),
			})
		}
	}
	return findings
}

// checkGitRoots flags records whose captured git root differs from the git
// root resolved for the workspace at audit time. Records with no captured
// git root are skipped: absence of evidence is not contamination.
func checkGitRoots(scan *Scan) []Finding {
	if scan.GitRoot == "" {
		return nil
	}
	var findings []Finding
	for _, rec := range scan.records() {
		if rec.GitRoot == "" || rec.GitRoot == scan.GitRoot {
			continue
		}
		findings = append(findings, Finding{
			RecordID:    rec.ID,
			RecordKind:  rec.Kind,
			TitleOrName: rec.TitleOrName,
			Reason:      fmt.Sprintf("captured git root %s differs from current git root %s", rec.GitRoot, scan.GitRoot),
		})
	}
	return findings
}

// checkEntityIdentifiers flags file entities whose identifier is an
// absolute path outside the workspace.
func checkEntityIdentifiers(scan *Scan) []Finding {
	var findings []Finding
	for _, ent := range scan.Entities {
		if ent.EntityType != store.EntityTypeFile || ent.Identifier == "" {
			continue
		}
		id := ent.Identifier
		if !strings.HasPrefix(id, "/") {
			continue
		}
		if underPath(id, scan.WorkspacePath) {
			continue
		}
		findings = append(findings, Finding{
			RecordID:    ent.ID,
			RecordKind:  "entity",
			TitleOrName: ent.Name,
			Reason:      fmt.Sprintf("file identifier %s is outside workspace %s", id, scan.WorkspacePath),
		})
	}
	return findings
}

// checkDescriptionPaths flags records whose description text contains an
// absolute path outside the workspace. This heuristic is fuzzy: prose can
// legitimately mention foreign paths, so findings here carry less weight
// than structured-field mismatches.
func checkDescriptionPaths(scan *Scan) []Finding {
	var findings []Finding
	for _, rec := range scan.records() {
		if rec.Description == "" {
			continue
		}
		seen := make(map[string]struct{})
		for _, match := range scan.PathPattern.FindAllStringSubmatch(rec.Description, -1) {
			path := match[1]
			if underPath(path, scan.WorkspacePath) {
				continue
			}
			if _, dup := seen[path]; dup {
				continue
			}
			seen[path] = struct{}{}
			findings = append(findings, Finding{
				RecordID:    rec.ID,
				RecordKind:  rec.Kind,
				TitleOrName: rec.TitleOrName,
				Reason:      fmt.Sprintf("description mentions path %s outside workspace %s", path, scan.WorkspacePath),
			})
		}
	}
	return findings
}

func recommendFileReference(f Finding) string {
	return fmt.Sprintf("task %d (%s): remove or correct the out-of-workspace file reference, or move the task to the workspace it belongs to", f.RecordID, f.TitleOrName)
}

func recommendSuspiciousTag(f Finding) string {
	return fmt.Sprintf("%s %d (%s): verify the tag names this project and not another registered one; add it to the tag allowlist if intentional", f.RecordKind, f.RecordID, f.TitleOrName)
}

func recommendGitRoot(f Finding) string {
	return fmt.Sprintf("%s %d (%s): the record was captured under a different git repository; confirm it was created in the right workspace", f.RecordKind, f.RecordID, f.TitleOrName)
}

func recommendEntityIdentifier(f Finding) string {
	return fmt.Sprintf("entity %d (%s): the file identifier points outside this workspace; relink or re-create the entity in the owning workspace", f.RecordID, f.TitleOrName)
}

func recommendDescriptionPath(f Finding) string {
	return fmt.Sprintf("%s %d (%s): review the foreign path mentioned in the description; this heuristic is advisory", f.RecordKind, f.RecordID, f.TitleOrName)
}
