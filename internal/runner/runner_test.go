package runner

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/psantana5/hazardsync/pkg/logging"
)

func newTestRunner(cfg Config) (*Runner, *bytes.Buffer) {
	var buf bytes.Buffer
	log := logging.NewLogger(logging.INFO, false)
	log.SetOutput(&buf)
	return New(cfg, log, nil), &buf
}

func outcomeLines(buf *bytes.Buffer) []string {
	var lines []string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, "| outcome=") {
			lines = append(lines, line)
		}
	}
	return lines
}

func TestRunOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		plugin   Plugin
		want     Status
		contains string
	}{
		{
			name:     "success",
			plugin:   func(ctx context.Context, p Params) Result { return Ok([]string{"Faults"}) },
			want:     StatusSuccess,
			contains: "result=[Faults]",
		},
		{
			name:     "none",
			plugin:   func(ctx context.Context, p Params) Result { return None() },
			want:     StatusNone,
			contains: "completed with no result",
		},
		{
			name:     "empty value is none",
			plugin:   func(ctx context.Context, p Params) Result { return Ok([]string{}) },
			want:     StatusNone,
			contains: "completed with no result",
		},
		{
			name:     "failure",
			plugin:   func(ctx context.Context, p Params) Result { return Fail(errors.New("HTTP 503")) },
			want:     StatusFailure,
			contains: "error=HTTP 503",
		},
		{
			name:     "panic",
			plugin:   func(ctx context.Context, p Params) Result { panic("index out of range") },
			want:     StatusFailure,
			contains: "task panicked: index out of range",
		},
		{
			name:     "missing plugin",
			plugin:   nil,
			want:     StatusFailure,
			contains: "has no plugin",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, buf := newTestRunner(Config{Timeout: time.Second})
			out := r.Run(context.Background(), Task{Name: "Faults", Plugin: tt.plugin})

			if out.Status != tt.want {
				t.Errorf("Status = %s, want %s (err %v)", out.Status, tt.want, out.Err)
			}
			lines := outcomeLines(buf)
			if len(lines) != 1 {
				t.Fatalf("expected exactly one outcome line, got %d:\n%s", len(lines), buf.String())
			}
			if !strings.Contains(lines[0], `TASK "Faults"`) || !strings.Contains(lines[0], tt.contains) {
				t.Errorf("outcome line %q missing %q", lines[0], tt.contains)
			}
			if tt.want != StatusSuccess && !strings.Contains(lines[0], "WARN:") {
				t.Errorf("non-success outcome should be a warning: %q", lines[0])
			}
		})
	}
}

func TestRunPanicKeepsStack(t *testing.T) {
	r, _ := newTestRunner(Config{})
	out := r.Run(context.Background(), Task{Name: "p", Plugin: func(ctx context.Context, p Params) Result {
		var m map[string]int
		m["x"] = 1
		return None()
	}})

	var pe *PanicError
	if !errors.As(out.Err, &pe) {
		t.Fatalf("expected a PanicError, got %v", out.Err)
	}
	if len(pe.Stack) == 0 {
		t.Error("expected a captured stack")
	}
}

func TestRunTimeoutCooperative(t *testing.T) {
	r, buf := newTestRunner(Config{Timeout: 20 * time.Millisecond, Grace: time.Second})
	out := r.Run(context.Background(), Task{Name: "slow", Plugin: func(ctx context.Context, p Params) Result {
		<-ctx.Done()
		return Ok("late value")
	}})

	if !errors.Is(out.Err, ErrTaskTimeout) {
		t.Fatalf("expected ErrTaskTimeout, got %v", out.Err)
	}
	if !out.TimedOut || out.Abandoned {
		t.Errorf("TimedOut = %v, Abandoned = %v", out.TimedOut, out.Abandoned)
	}
	if out.Value != nil {
		t.Errorf("late value should be discarded, got %v", out.Value)
	}
	if n := len(outcomeLines(buf)); n != 1 {
		t.Errorf("expected one outcome line, got %d", n)
	}
}

func TestRunTimeoutAbandoned(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	r, _ := newTestRunner(Config{Timeout: 10 * time.Millisecond, Grace: 20 * time.Millisecond})
	start := time.Now()
	out := r.Run(context.Background(), Task{Name: "stuck", Plugin: func(ctx context.Context, p Params) Result {
		<-release
		return None()
	}})

	if !out.Abandoned || !errors.Is(out.Err, ErrTaskTimeout) {
		t.Fatalf("expected an abandoned timeout, got %+v", out)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Run blocked for %s on a stuck plugin", elapsed)
	}
}

func TestRunPerTaskTimeoutOverride(t *testing.T) {
	r, _ := newTestRunner(Config{Timeout: time.Hour, Grace: time.Second})
	out := r.Run(context.Background(), Task{
		Name:    "quick",
		Timeout: 10 * time.Millisecond,
		Plugin: func(ctx context.Context, p Params) Result {
			<-ctx.Done()
			return Fail(ctx.Err())
		},
	})
	if !out.TimedOut {
		t.Errorf("expected the per-task timeout to apply, got %+v", out)
	}
}

func TestRunParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	r, _ := newTestRunner(Config{})
	out := r.Run(ctx, Task{Name: "x", Plugin: func(ctx context.Context, p Params) Result {
		called = true
		return None()
	}})
	if called {
		t.Error("plugin should not start under a cancelled context")
	}
	if out.Status != StatusFailure || !errors.Is(out.Err, context.Canceled) {
		t.Errorf("unexpected outcome %+v", out)
	}
}

func TestRunPassesParams(t *testing.T) {
	var got Params
	r, buf := newTestRunner(Config{})
	r.Run(context.Background(), Task{
		Name:   "Faults",
		Params: Params{Destination: "/tmp/run.gpkg", StagingDir: "/tmp/raw/Faults"},
		Plugin: func(ctx context.Context, p Params) Result {
			got = p
			p.Log.Info("Downloading")
			return None()
		},
	})

	if got.Destination != "/tmp/run.gpkg" || got.StagingDir != "/tmp/raw/Faults" {
		t.Errorf("params not passed through: %+v", got)
	}
	if !strings.Contains(buf.String(), "Downloading task=Faults") {
		t.Errorf("plugin logger should carry the task field:\n%s", buf.String())
	}
}

func TestTally(t *testing.T) {
	c := Tally([]Outcome{
		{Status: StatusSuccess}, {Status: StatusNone}, {Status: StatusFailure}, {Status: StatusSuccess},
	})
	want := Counts{Total: 4, Success: 2, None: 1, Failure: 1}
	if c != want {
		t.Errorf("Tally() = %+v, want %+v", c, want)
	}
}

func TestSummaryTruncatesOnRuneBoundary(t *testing.T) {
	tests := []struct {
		name    string
		outcome Outcome
		suffix  string
	}{
		{
			name:    "multi-byte rune at the cut",
			outcome: Outcome{Task: "Wells", Status: StatusSuccess, Value: strings.Repeat("a", 159) + "é"},
			suffix:  strings.Repeat("a", 159) + "...",
		},
		{
			name:    "ascii",
			outcome: Outcome{Task: "Wells", Status: StatusSuccess, Value: strings.Repeat("b", 200)},
			suffix:  strings.Repeat("b", 160) + "...",
		},
		{
			name:    "long error",
			outcome: Outcome{Task: "Wells", Status: StatusFailure, Error: strings.Repeat("ü", 200)},
			suffix:  strings.Repeat("ü", 120) + "...",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := tt.outcome.Summary()
			if !utf8.ValidString(line) {
				t.Fatalf("summary is not valid UTF-8: %q", line)
			}
			if !strings.HasSuffix(line, tt.suffix) {
				t.Errorf("summary = %q, want suffix %q", line, tt.suffix)
			}
		})
	}
}
