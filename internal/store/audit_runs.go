package store

import (
	"context"
	"fmt"
	"time"
)

// AuditRun is one recorded integrity scan. The auditor itself never writes;
// only the scheduler records runs here.
type AuditRun struct {
	ReportID           string    `json:"report_id"`
	WorkspacePath      string    `json:"workspace_path"`
	ContaminationFound bool      `json:"contamination_found"`
	FindingCount       int       `json:"finding_count"`
	Report             []byte    `json:"report"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
}

// RecordAuditRun persists the outcome of a completed integrity scan.
func (s *Store) RecordAuditRun(ctx context.Context, run AuditRun) error {
	report := run.Report
	if len(report) == 0 {
		report = []byte(`{}`)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_runs (report_id, workspace_path, contamination_found, finding_count, report, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, run.ReportID, run.WorkspacePath, run.ContaminationFound, run.FindingCount, string(report), run.StartedAt, run.FinishedAt); err != nil {
		return fmt.Errorf("record audit run: %w", err)
	}
	return nil
}

// ListAuditRuns returns the most recent audit runs, newest first.
func (s *Store) ListAuditRuns(ctx context.Context, limit int) ([]AuditRun, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT report_id, workspace_path, contamination_found, finding_count, report, started_at, finished_at
		FROM audit_runs
		ORDER BY finished_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit runs: %w", err)
	}
	defer rows.Close()

	var out []AuditRun
	for rows.Next() {
		var run AuditRun
		var report string
		if err := rows.Scan(&run.ReportID, &run.WorkspacePath, &run.ContaminationFound, &run.FindingCount, &report, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan audit run: %w", err)
		}
		run.Report = []byte(report)
		out = append(out, run)
	}
	return out, rows.Err()
}
