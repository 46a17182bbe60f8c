package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all task store metric instruments.
type Metrics struct {
	TasksCreated          metric.Int64Counter
	TasksCompleted        metric.Int64Counter
	TasksSoftDeleted      metric.Int64Counter
	ResolveDuration       metric.Float64Histogram
	AuditDuration         metric.Float64Histogram
	AuditRuns             metric.Int64Counter
	ContaminationFindings metric.Int64Counter
	SnapshotDuration      metric.Float64Histogram
	StaleReads            metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksCreated, err = meter.Int64Counter("taskmcp.tasks.created",
		metric.WithDescription("Tasks created"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("taskmcp.tasks.completed",
		metric.WithDescription("Tasks transitioned to done"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksSoftDeleted, err = meter.Int64Counter("taskmcp.tasks.soft_deleted",
		metric.WithDescription("Tasks soft-deleted"),
	)
	if err != nil {
		return nil, err
	}

	m.ResolveDuration, err = meter.Float64Histogram("taskmcp.resolve.duration",
		metric.WithDescription("Dependency resolution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AuditDuration, err = meter.Float64Histogram("taskmcp.audit.duration",
		metric.WithDescription("Workspace integrity audit duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AuditRuns, err = meter.Int64Counter("taskmcp.audit.runs",
		metric.WithDescription("Workspace integrity audits executed"),
	)
	if err != nil {
		return nil, err
	}

	m.ContaminationFindings, err = meter.Int64Counter("taskmcp.audit.findings",
		metric.WithDescription("Contamination findings reported"),
	)
	if err != nil {
		return nil, err
	}

	m.SnapshotDuration, err = meter.Float64Histogram("taskmcp.snapshot.duration",
		metric.WithDescription("Snapshot write duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StaleReads, err = meter.Int64Counter("taskmcp.store.stale_reads",
		metric.WithDescription("Reads served from a stale snapshot"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
