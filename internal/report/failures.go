package report

import (
	"sync"
	"time"

	"github.com/psantana5/hazardsync/internal/runner"
)

// FailureSample is one failed task, kept for quick inspection from the API
type FailureSample struct {
	Run      string    `json:"run"`
	Task     string    `json:"task"`
	Error    string    `json:"error"`
	Duration float64   `json:"duration_seconds"`
	TimedOut bool      `json:"timed_out,omitempty"`
	At       time.Time `json:"at"`
}

// FailureLog is a ring buffer of the most recent task failures
type FailureLog struct {
	samples []FailureSample
	maxSize int
	mu      sync.RWMutex
}

// NewFailureLog creates a failure log holding at most maxSize samples
func NewFailureLog(maxSize int) *FailureLog {
	if maxSize <= 0 {
		maxSize = 50
	}
	return &FailureLog{
		samples: make([]FailureSample, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record adds the outcome if it is a failure
func (f *FailureLog) Record(run string, o runner.Outcome) {
	if o.Status != runner.StatusFailure {
		return
	}
	sample := FailureSample{
		Run:      run,
		Task:     o.Task,
		Error:    o.Error,
		Duration: o.Duration.Seconds(),
		TimedOut: o.TimedOut,
		At:       o.EndTime,
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.samples) >= f.maxSize {
		f.samples = f.samples[1:]
	}
	f.samples = append(f.samples, sample)
}

// Recent returns up to n samples, newest first
func (f *FailureLog) Recent(n int) []FailureSample {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if n <= 0 || n > len(f.samples) {
		n = len(f.samples)
	}
	out := make([]FailureSample, n)
	for i := 0; i < n; i++ {
		out[i] = f.samples[len(f.samples)-1-i]
	}
	return out
}

// Count returns the number of samples held
func (f *FailureLog) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.samples)
}
