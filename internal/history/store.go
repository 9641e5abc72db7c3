// Package history persists run summaries so past runs can be listed and
// inspected after their logs have rotated away.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/psantana5/hazardsync/internal/report"
)

// ErrNotFound is returned when no run matches the requested ID or label
var ErrNotFound = errors.New("run not found")

// ErrUnsupportedDatabase is returned for an unknown store type
var ErrUnsupportedDatabase = errors.New("unsupported database type")

// TaskRecord is the stored form of one task outcome
type TaskRecord struct {
	Task     string  `json:"task"`
	Status   string  `json:"status"`
	Error    string  `json:"error,omitempty"`
	Result   string  `json:"result,omitempty"`
	Duration float64 `json:"duration_seconds"`
	TimedOut bool    `json:"timed_out,omitempty"`
}

// Run is the stored form of a run summary
type Run struct {
	ID            string       `json:"id"`
	Label         string       `json:"label"`
	State         string       `json:"state"`
	Backend       string       `json:"backend"`
	WorkspaceRoot string       `json:"workspace_root"`
	PublishPath   string       `json:"publish_path"`
	StartedAt     time.Time    `json:"started_at"`
	FinishedAt    time.Time    `json:"finished_at"`
	TaskCount     int          `json:"tasks"`
	Succeeded     int          `json:"succeeded"`
	NoResult      int          `json:"no_result"`
	Failed        int          `json:"failed"`
	Layers        int          `json:"layers"`
	Error         string       `json:"error,omitempty"`
	Tasks         []TaskRecord `json:"task_outcomes,omitempty"`
}

// FromSummary converts a finished run summary into a history record
func FromSummary(s *report.Summary) *Run {
	r := &Run{
		ID:            s.RunID,
		Label:         s.Label,
		State:         s.State,
		Backend:       s.Backend,
		WorkspaceRoot: s.WorkspaceRoot,
		PublishPath:   s.PublishPath,
		StartedAt:     s.StartTime.UTC(),
		FinishedAt:    s.EndTime.UTC(),
		TaskCount:     s.Counts.Total,
		Succeeded:     s.Counts.Success,
		NoResult:      s.Counts.None,
		Failed:        s.Counts.Failure,
		Layers:        s.Published,
		Error:         s.Error,
	}
	for _, o := range s.Outcomes {
		rec := TaskRecord{
			Task:     o.Task,
			Status:   string(o.Status),
			Error:    o.Error,
			Duration: o.Duration.Seconds(),
			TimedOut: o.TimedOut,
		}
		if o.Value != nil {
			rec.Result = fmt.Sprint(o.Value)
		}
		r.Tasks = append(r.Tasks, rec)
	}
	return r
}

// Store persists run records. SQLite, PostgreSQL and an in-memory store
// implement it.
type Store interface {
	// SaveRun inserts or replaces the run with the same ID
	SaveRun(ctx context.Context, run *Run) error
	// GetRun looks a run up by ID or label, newest first on label clashes
	GetRun(ctx context.Context, idOrLabel string) (*Run, error)
	// ListRuns returns up to limit runs, newest first, without task records
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	HealthCheck(ctx context.Context) error
	Close() error
}

// Config holds database configuration
type Config struct {
	Type string // "sqlite", "postgres" or "memory"
	DSN  string

	// PostgreSQL pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// SQLite file, used when DSN is empty
	Path string
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "hazardsync.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDatabase, config.Type)
	}
}
