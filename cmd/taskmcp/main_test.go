package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/basket/task-mcp/internal/bus"
)

func TestSplitCSV(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"  ", nil},
		{"a,b,c", []string{"a", "b", "c"}},
		{" a , ,b ", []string{"a", "b"}},
	}
	for _, tc := range cases {
		got := splitCSV(tc.in)
		if len(got) != len(tc.want) {
			t.Fatalf("splitCSV(%q) = %v, want %v", tc.in, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("splitCSV(%q)[%d] = %q, want %q", tc.in, i, got[i], tc.want[i])
			}
		}
	}
}

func TestSplitIDs(t *testing.T) {
	ids, err := splitIDs("1, 2,3")
	if err != nil {
		t.Fatalf("splitIDs: %v", err)
	}
	if len(ids) != 3 || ids[0] != 1 || ids[2] != 3 {
		t.Fatalf("unexpected ids %v", ids)
	}
	if _, err := splitIDs("1,x"); err == nil {
		t.Fatal("expected error for non-numeric id")
	}
}

func TestParseID(t *testing.T) {
	if _, err := parseID(nil); err == nil {
		t.Fatal("expected error for missing id")
	}
	id, err := parseID([]string{"42"})
	if err != nil || id != 42 {
		t.Fatalf("parseID = %d, %v", id, err)
	}
	if _, err := parseID([]string{"nope"}); err == nil {
		t.Fatal("expected error for invalid id")
	}
}

func TestLogAuditEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	b := bus.New()
	sub := b.Subscribe("audit.")
	done := make(chan struct{})
	go func() {
		logAuditEvents(sub, logger)
		close(done)
	}()

	b.Publish(bus.TopicAuditCompleted, bus.AuditEvent{
		ReportID:           "audit-123",
		WorkspacePath:      "/srv/app",
		ContaminationFound: true,
		FindingCount:       2,
	})
	b.Unsubscribe(sub)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscriber did not exit after unsubscribe")
	}

	out := buf.String()
	for _, want := range []string{"audit completed", "audit-123", "/srv/app"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q: %s", want, out)
		}
	}
}
