// Package sched runs periodic workspace integrity audits for registered
// projects on their cron schedules, and writes periodic snapshots for
// degraded-read fallback.
package sched

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/task-mcp/internal/auditor"
	"github.com/basket/task-mcp/internal/bus"
	"github.com/basket/task-mcp/internal/otel"
	"github.com/basket/task-mcp/internal/registry"
	"github.com/basket/task-mcp/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// OpenStore opens the store for a registered project. The scheduler closes
// it after each audit.
type OpenStore func(ctx context.Context, p registry.Project) (*store.Store, error)

// Config holds the dependencies for the audit scheduler.
type Config struct {
	Registry  *registry.Registry
	OpenStore OpenStore
	Logger    *slog.Logger
	Bus       *bus.Bus
	Metrics   *otel.Metrics
	Tracer    trace.Tracer

	// DefaultSchedule is used for projects without a per-project schedule.
	// Empty skips those projects.
	DefaultSchedule string
	// CheckGitRepo enables the git root heuristic for scheduled audits.
	CheckGitRepo bool
	// Heuristics tunes the contamination heuristics.
	Heuristics auditor.Config

	// SnapshotEvery writes a snapshot for each project at this interval.
	// Zero disables snapshots.
	SnapshotEvery time.Duration
	// SnapshotKeep is the number of snapshot files retained per project
	// after each snapshot pass. Zero or negative keeps everything.
	SnapshotKeep int

	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler ticks at a fixed interval, fires audits whose cron schedule
// has come due, and writes periodic snapshots.
type Scheduler struct {
	cfg      Config
	logger   *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	nextRun  map[string]time.Time // project id -> next audit fire time
	nextSnap time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		logger:   logger,
		interval: interval,
		nextRun:  make(map[string]time.Time),
	}
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	if s.cfg.SnapshotEvery > 0 {
		s.nextSnap = time.Now().Add(s.cfg.SnapshotEvery)
	}
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("audit scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("audit scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// schedule returns the effective cron expression for a project.
func (s *Scheduler) schedule(p registry.Project) string {
	if p.AuditSchedule != "" {
		return p.AuditSchedule
	}
	return s.cfg.DefaultSchedule
}

// tick fires every due project audit and, when due, the snapshot pass.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	for _, p := range s.cfg.Registry.Projects() {
		expr := s.schedule(p)
		if expr == "" {
			continue
		}

		s.mu.Lock()
		next, known := s.nextRun[p.ID]
		s.mu.Unlock()
		if !known {
			// First sighting: arm the schedule without firing.
			computed, err := NextRunTime(expr, now)
			if err != nil {
				s.logger.Error("sched: invalid audit schedule",
					"project_id", p.ID, "cron_expr", expr, "error", err)
				continue
			}
			s.mu.Lock()
			s.nextRun[p.ID] = computed
			s.mu.Unlock()
			continue
		}
		if now.Before(next) {
			continue
		}

		s.fire(ctx, p, now)

		computed, err := NextRunTime(expr, now)
		if err != nil {
			s.logger.Error("sched: invalid audit schedule",
				"project_id", p.ID, "cron_expr", expr, "error", err)
			continue
		}
		s.mu.Lock()
		s.nextRun[p.ID] = computed
		s.mu.Unlock()
	}

	if s.cfg.SnapshotEvery > 0 && !now.Before(s.nextSnap) {
		s.snapshotAll(ctx)
		s.nextSnap = now.Add(s.cfg.SnapshotEvery)
	}
}

// fire audits one project and records the run in its store.
func (s *Scheduler) fire(ctx context.Context, p registry.Project, now time.Time) {
	if s.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = otel.StartSpan(ctx, s.cfg.Tracer, "sched.audit",
			otel.AttrProjectID.String(p.ID),
			otel.AttrWorkspace.String(p.Path))
		defer span.End()
	}

	st, err := s.cfg.OpenStore(ctx, p)
	if err != nil {
		s.logger.Error("sched: open store for audit",
			"project_id", p.ID, "error", err)
		return
	}
	defer st.Close()

	aud, err := auditor.New(st, s.cfg.Registry, s.cfg.Heuristics, s.logger)
	if err != nil {
		s.logger.Error("sched: build auditor", "project_id", p.ID, "error", err)
		return
	}

	start := time.Now()
	report, err := aud.AuditWorkspaceIntegrity(ctx, p.Path, auditor.Options{
		CheckGitRepo: s.cfg.CheckGitRepo,
	})
	if err != nil {
		s.logger.Error("sched: audit failed", "project_id", p.ID, "error", err)
		return
	}

	payload, err := json.Marshal(report)
	if err != nil {
		s.logger.Error("sched: marshal audit report", "project_id", p.ID, "error", err)
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
		s.logger.Error("sched: record audit run", "project_id", p.ID, "error", err)
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.AuditRuns.Add(ctx, 1)
		s.cfg.Metrics.AuditDuration.Record(ctx, time.Since(start).Seconds())
		s.cfg.Metrics.ContaminationFindings.Add(ctx, int64(report.FindingCount()))
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicAuditCompleted, bus.AuditEvent{
			ReportID:           report.ReportID,
			WorkspacePath:      report.WorkspacePath,
			ContaminationFound: report.ContaminationFound,
			FindingCount:       report.FindingCount(),
		})
	}

	s.logger.Info("sched: audit fired",
		"project_id", p.ID,
		"report_id", report.ReportID,
		"findings", report.FindingCount(),
		"fired_at", now,
	)
}

// snapshotAll writes a snapshot for every registered project.
func (s *Scheduler) snapshotAll(ctx context.Context) {
	for _, p := range s.cfg.Registry.Projects() {
		st, err := s.cfg.OpenStore(ctx, p)
		if err != nil {
			s.logger.Error("sched: open store for snapshot",
				"project_id", p.ID, "error", err)
			continue
		}

		dir := s.cfg.Registry.SnapshotDir(p.ID)
		start := time.Now()
		path, err := st.WriteSnapshot(ctx, dir)
		st.Close()
		if err != nil {
			s.logger.Error("sched: snapshot failed", "project_id", p.ID, "error", err)
			continue
		}
		if err := store.PruneSnapshots(dir, s.cfg.SnapshotKeep); err != nil {
			s.logger.Error("sched: prune snapshots", "project_id", p.ID, "error", err)
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.SnapshotDuration.Record(ctx, time.Since(start).Seconds())
		}
		s.logger.Info("sched: snapshot written", "project_id", p.ID, "path", path)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
