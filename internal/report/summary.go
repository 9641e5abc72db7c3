// Package report holds the immutable run summary, the recent-failure log
// and the Prometheus metrics derived from them.
package report

import (
	"fmt"
	"time"

	"github.com/psantana5/hazardsync/internal/runner"
	"github.com/psantana5/hazardsync/pkg/logging"
)

// Summary is the run-level record written once when a run ends. Metrics,
// history rows and the final log line are all projections of it.
type Summary struct {
	RunID          string           `json:"run_id"`
	Label          string           `json:"label"`
	State          string           `json:"state"`
	WorkspaceRoot  string           `json:"workspace_root"`
	ProcessingPath string           `json:"processing_path"`
	PublishPath    string           `json:"publish_path"`
	Backend        string           `json:"backend"`
	NativeFallback bool             `json:"native_fallback,omitempty"`
	StartTime      time.Time        `json:"start_time"`
	EndTime        time.Time        `json:"end_time"`
	Duration       time.Duration    `json:"duration"`
	Outcomes       []runner.Outcome `json:"outcomes"`
	Counts         runner.Counts    `json:"counts"`
	Harvested      int              `json:"harvested"`
	HarvestFailed  int              `json:"harvest_failed"`
	Published      int              `json:"published"`
	PublishFailed  int              `json:"publish_failed"`
	Error          string           `json:"error,omitempty"`
}

// Finish stamps the end time and derives the outcome counts
func (s *Summary) Finish(end time.Time) {
	s.EndTime = end
	s.Duration = end.Sub(s.StartTime)
	s.Counts = runner.Tally(s.Outcomes)
}

// Line renders the one-line run record
func (s *Summary) Line() string {
	line := fmt.Sprintf("RUN %s | state=%s | backend=%s | tasks=%d success=%d none=%d failed=%d | layers=%d | runtime=%.0fs | publish=%s",
		s.Label,
		s.State,
		s.Backend,
		s.Counts.Total,
		s.Counts.Success,
		s.Counts.None,
		s.Counts.Failure,
		s.Published,
		s.Duration.Seconds(),
		s.PublishPath,
	)
	if s.Error != "" {
		line += " | error=" + s.Error
	}
	return line
}

// LogSummary writes the run record plus the workspace location
func (s *Summary) LogSummary(log *logging.Logger) {
	log.Info(fmt.Sprintf("Workspace: %s", s.WorkspaceRoot))
	if s.Error != "" {
		log.Error(s.Line())
		return
	}
	log.Info(s.Line())
}
