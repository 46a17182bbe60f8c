package store_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/basket/task-mcp/internal/store"
)

func TestRecordAuditRun_RoundTrip(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Add(-2 * time.Second)
	run := store.AuditRun{
		ReportID:           "report-1",
		WorkspacePath:      s.Workspace().WorkspacePath,
		ContaminationFound: true,
		FindingCount:       3,
		Report:             []byte(`{"findings":{"suspicious_tags":[]}}`),
		StartedAt:          started,
		FinishedAt:         time.Now().UTC(),
	}
	if err := s.RecordAuditRun(ctx, run); err != nil {
		t.Fatalf("record audit run: %v", err)
	}

	runs, err := s.ListAuditRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list audit runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	got := runs[0]
	if got.ReportID != "report-1" || !got.ContaminationFound || got.FindingCount != 3 {
		t.Fatalf("run fields lost: %+v", got)
	}
	if !json.Valid(got.Report) {
		t.Fatalf("stored report is not valid JSON: %s", got.Report)
	}
	if got.FinishedAt.Before(got.StartedAt) {
		t.Fatalf("finished_at before started_at: %+v", got)
	}
}

func TestRecordAuditRun_EmptyReportDefaultsToObject(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	run := store.AuditRun{
		ReportID:      "report-empty",
		WorkspacePath: "/ws",
		StartedAt:     time.Now().UTC(),
		FinishedAt:    time.Now().UTC(),
	}
	if err := s.RecordAuditRun(ctx, run); err != nil {
		t.Fatalf("record audit run: %v", err)
	}
	runs, err := s.ListAuditRuns(ctx, 1)
	if err != nil {
		t.Fatalf("list audit runs: %v", err)
	}
	if string(runs[0].Report) != "{}" {
		t.Fatalf("expected empty report stored as {}, got %s", runs[0].Report)
	}
}

func TestRecordAuditRun_DuplicateReportIDRejected(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	run := store.AuditRun{
		ReportID:      "report-dup",
		WorkspacePath: "/ws",
		StartedAt:     time.Now().UTC(),
		FinishedAt:    time.Now().UTC(),
	}
	if err := s.RecordAuditRun(ctx, run); err != nil {
		t.Fatalf("record audit run: %v", err)
	}
	if err := s.RecordAuditRun(ctx, run); err == nil {
		t.Fatalf("expected duplicate report_id rejection")
	}
}

func TestListAuditRuns_NewestFirstWithLimit(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		run := store.AuditRun{
			ReportID:      fmt.Sprintf("report-%d", i),
			WorkspacePath: "/ws",
			StartedAt:     base.Add(time.Duration(i) * time.Minute),
			FinishedAt:    base.Add(time.Duration(i)*time.Minute + 30*time.Second),
		}
		if err := s.RecordAuditRun(ctx, run); err != nil {
			t.Fatalf("record run %d: %v", i, err)
		}
	}

	runs, err := s.ListAuditRuns(ctx, 3)
	if err != nil {
		t.Fatalf("list audit runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].ReportID != "report-4" {
		t.Fatalf("expected newest run first, got %q", runs[0].ReportID)
	}
	for i := 1; i < len(runs); i++ {
		if runs[i].FinishedAt.After(runs[i-1].FinishedAt) {
			t.Fatalf("runs not ordered newest first at index %d", i)
		}
	}
}
