package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for task store spans.
var (
	AttrTaskID    = attribute.Key("taskmcp.task.id")
	AttrEntityID  = attribute.Key("taskmcp.entity.id")
	AttrProjectID = attribute.Key("taskmcp.project.id")
	AttrWorkspace = attribute.Key("taskmcp.workspace.path")
	AttrReportID  = attribute.Key("taskmcp.audit.report_id")
	AttrHeuristic = attribute.Key("taskmcp.audit.heuristic")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
