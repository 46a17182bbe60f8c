package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"sort"
	"time"

	"github.com/basket/task-mcp/internal/auditor"
	"github.com/basket/task-mcp/internal/bus"
	"github.com/basket/task-mcp/internal/store"
)

func (a *app) runAudit(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	deleted := fs.Bool("deleted", false, "include soft-deleted records in the scan")
	noGit := fs.Bool("no-git", false, "skip the git root heuristic")
	record := fs.Bool("record", true, "record the run in audit history")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	p, st, err := a.openCurrent(ctx)
	if err != nil {
		return a.fail(err)
	}
	defer st.Close()

	aud, err := a.newAuditor(st)
	if err != nil {
		return a.fail(err)
	}

	start := time.Now()
	report, err := aud.AuditWorkspaceIntegrity(ctx, p.Path, auditor.Options{
		IncludeDeleted: *deleted,
		CheckGitRepo:   !*noGit,
	})
	if err != nil {
		return a.fail(err)
	}

	if *record {
		payload, merr := json.Marshal(report)
		if merr != nil {
			payload = nil
		}
		if err := st.RecordAuditRun(ctx, store.AuditRun{
			ReportID:           report.ReportID,
			WorkspacePath:      report.WorkspacePath,
			ContaminationFound: report.ContaminationFound,
			FindingCount:       report.FindingCount(),
			Report:             payload,
			StartedAt:          start.UTC(),
			FinishedAt:         time.Now().UTC(),
		}); err != nil {
			a.logger.Warn("failed to record audit run", "error", err)
		}
		a.bus.Publish(bus.TopicAuditCompleted, bus.AuditEvent{
			ReportID:           report.ReportID,
			WorkspacePath:      report.WorkspacePath,
			ContaminationFound: report.ContaminationFound,
			FindingCount:       report.FindingCount(),
		})
	}

	if a.json {
		return a.emit(report)
	}
	a.printReport(report)
	if report.ContaminationFound {
		return 4
	}
	return 0
}

func (a *app) printReport(report *auditor.Report) {
	fmt.Printf("audit %s for %s\n", report.ReportID, report.WorkspacePath)
	fmt.Printf("scanned %d tasks, %d entities\n",
		report.Statistics.TasksScanned, report.Statistics.EntitiesScanned)

	if !report.ContaminationFound {
		fmt.Println("no contamination found")
		return
	}

	names := make([]string, 0, len(report.Findings))
	for name := range report.Findings {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		findings := report.Findings[name]
		if len(findings) == 0 {
			continue
		}
		fmt.Printf("\n%s (%d):\n", name, len(findings))
		for _, f := range findings {
			fmt.Printf("  %s #%d %s: %s\n", f.RecordKind, f.RecordID, f.TitleOrName, f.Reason)
		}
	}
	fmt.Printf("\n%d contaminated tasks, %d contaminated entities\n",
		report.Statistics.ContaminatedTasks, report.Statistics.ContaminatedEntities)
	if len(report.Recommendations) > 0 {
		fmt.Println("\nrecommendations:")
		for _, rec := range report.Recommendations {
			fmt.Printf("  - %s\n", rec)
		}
	}
}

func (a *app) runValidate(ctx context.Context, args []string) int {
	id, err := parseID(args)
	if err != nil {
		return a.fail(err)
	}

	p, st, err := a.openCurrent(ctx)
	if err != nil {
		return a.fail(err)
	}
	defer st.Close()

	aud, err := a.newAuditor(st)
	if err != nil {
		return a.fail(err)
	}
	result, err := aud.ValidateTaskWorkspace(ctx, id, p.Path)
	if err != nil {
		return a.fail(err)
	}
	if a.json {
		return a.emit(result)
	}
	if result.Valid {
		fmt.Printf("task #%d belongs to this workspace\n", id)
	} else {
		fmt.Printf("task #%d does NOT belong to this workspace\n", id)
	}
	for _, w := range result.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	if !result.Valid {
		return 4
	}
	return 0
}

func (a *app) runAuditRuns(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "maximum results")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	_, st, err := a.openCurrent(ctx)
	if err != nil {
		return a.fail(err)
	}
	defer st.Close()

	runs, err := st.ListAuditRuns(ctx, *limit)
	if err != nil {
		return a.fail(err)
	}
	if a.json {
		return a.emit(runs)
	}
	if len(runs) == 0 {
		fmt.Println("no audit runs recorded")
		return 0
	}
	for _, r := range runs {
		verdict := "clean"
		if r.ContaminationFound {
			verdict = fmt.Sprintf("%d findings", r.FindingCount)
		}
		fmt.Printf("%s  %s  %s\n", r.FinishedAt.Format("2006-01-02 15:04"), r.ReportID, verdict)
	}
	return 0
}
