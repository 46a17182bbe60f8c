package otel

import (
	"context"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.TasksCreated == nil || m.AuditDuration == nil || m.ContaminationFindings == nil {
		t.Fatal("expected all instruments to be created")
	}

	// Noop instruments accept records without error.
	m.TasksCreated.Add(context.Background(), 1)
	m.AuditDuration.Record(context.Background(), 0.25)
}
