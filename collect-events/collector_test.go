package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
)

func TestCollectorAggregatesBoardEvents(t *testing.T) {
	c := newCollector(boardEventName, boardEventDomain)

	lines := []string{
		`{"event.name":"board.request","event.domain":"ecb-maintenance","severity_text":"INFO","severity_number":9,"attributes":{"http.route":"/api/actions","http.status_code":200,"board.request.total_ms":4.5,"board.request.auth_ms":0.5,"board.request.dispatch_ms":1.2,"board.request.actions":3,"board.request.applied":1,"board.request.rejected":1,"board.request.duplicates":1}}`,
		`non-json line`,
		`api-1 | {"event.name":"board.request","event.domain":"ecb-maintenance","severity_text":"WARN","severity_number":13,"attributes":{"http.route":"/api/drag/hover","http.status_code":409,"board.request.total_ms":1.5,"board.request.error_stage":"drag"}}`,
		`{"event.name":"other.event","event.domain":"ecb-maintenance","severity_text":"INFO"}`,
	}
	for _, line := range lines {
		c.ingest(line)
	}

	summary := c.summary()
	if summary.TotalEvents != 2 || summary.SkippedLines != 1 {
		t.Fatalf("unexpected totals: %+v", summary)
	}
	if summary.SeverityCounts["INFO"] != 1 || summary.WarnEvents != 1 {
		t.Fatalf("unexpected severities: %#v", summary.SeverityCounts)
	}
	if summary.StatusCounts["200"] != 1 || summary.StatusCounts["409"] != 1 {
		t.Fatalf("unexpected status counts: %#v", summary.StatusCounts)
	}
	if summary.RouteCounts["/api/actions"] != 1 || summary.RouteCounts["/api/drag/hover"] != 1 {
		t.Fatalf("unexpected route counts: %#v", summary.RouteCounts)
	}
	total := summary.DurationMs["total"]
	if total.Count != 2 || total.Min != 1.5 || total.Max != 4.5 || total.Avg != 3 {
		t.Fatalf("unexpected total durations: %#v", total)
	}
	if summary.Actions != (actionCounts{Total: 3, Applied: 1, Rejected: 1, Duplicates: 1}) {
		t.Fatalf("unexpected action counts: %#v", summary.Actions)
	}
	if summary.ErrorStages["drag"] != 1 {
		t.Fatalf("expected drag error stage, got %#v", summary.ErrorStages)
	}
	if s := summary.ShortString(); !strings.Contains(s, "actions=3") || !strings.Contains(s, "/api/actions=1") {
		t.Fatalf("unexpected short summary: %s", s)
	}
}

func TestWriteSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "summary.json")
	c := newCollector(boardEventName, boardEventDomain)
	if err := writeSummary(path, c.summary()); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out summaryOutput
	if err := sonic.Unmarshal(data, &out); err != nil || out.EventName != boardEventName {
		t.Fatalf("unexpected summary %s: %v", data, err)
	}
}
