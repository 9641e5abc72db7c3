package report

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/psantana5/hazardsync/internal/runner"
	"github.com/psantana5/hazardsync/pkg/logging"
)

func sampleSummary() *Summary {
	start := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
	s := &Summary{
		RunID:         "b6c1",
		Label:         "HazardUpdates_20240301_0600",
		State:         "done",
		WorkspaceRoot: "/data/HazardUpdates_20240301_0600",
		PublishPath:   "/data/HazardUpdates_20240301_0600/HazardUpdates_20240301_0600.gpkg",
		Backend:       "package",
		StartTime:     start,
		Outcomes: []runner.Outcome{
			{Task: "Faults", Status: runner.StatusSuccess, Duration: 2 * time.Second},
			{Task: "Wells", Status: runner.StatusFailure, Error: "HTTP 503", Duration: time.Second, EndTime: start.Add(time.Minute)},
			{Task: "Zones", Status: runner.StatusNone},
		},
		Harvested: 4,
		Published: 4,
	}
	s.Finish(start.Add(90 * time.Second))
	return s
}

func TestSummaryLine(t *testing.T) {
	s := sampleSummary()
	line := s.Line()
	for _, want := range []string{
		"RUN HazardUpdates_20240301_0600",
		"state=done",
		"tasks=3 success=1 none=1 failed=1",
		"layers=4",
		"runtime=90s",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("Line() = %q, missing %q", line, want)
		}
	}

	var buf bytes.Buffer
	log := logging.NewLogger(logging.INFO, false)
	log.SetOutput(&buf)
	s.Error = "provisioning failed"
	s.LogSummary(log)
	if !strings.Contains(buf.String(), "ERROR: RUN ") {
		t.Errorf("failed run should log at ERROR:\n%s", buf.String())
	}
}

func TestFailureLogRing(t *testing.T) {
	f := NewFailureLog(2)
	f.Record("r1", runner.Outcome{Task: "ok", Status: runner.StatusSuccess})
	for _, name := range []string{"a", "b", "c"} {
		f.Record("r1", runner.Outcome{Task: name, Status: runner.StatusFailure, Err: errors.New("x")})
	}

	if f.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", f.Count())
	}
	recent := f.Recent(0)
	if recent[0].Task != "c" || recent[1].Task != "b" {
		t.Errorf("Recent() = %+v, want newest first", recent)
	}
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics()
	s := sampleSummary()
	for _, o := range s.Outcomes {
		m.RecordTask(s.Label, o)
	}
	m.RecordRun(s)

	if m.Failures.Count() != 1 {
		t.Errorf("expected one failure sample, got %d", m.Failures.Count())
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`hazardsync_tasks_total{outcome="failure",task="Wells"} 1`,
		`hazardsync_runs_total{backend="package",state="done"} 1`,
		`hazardsync_last_run_published_layers 4`,
		`hazardsync_layers_total{phase="harvest",result="imported"} 4`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q:\n%s", want, body)
		}
	}
}

func TestWriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.RecordRun(sampleSummary())

	path := filepath.Join(t.TempDir(), "hazardsync.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hazardsync_last_run_published_layers 4") {
		t.Errorf("textfile missing gauge:\n%s", data)
	}
}
