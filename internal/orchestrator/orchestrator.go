// Package orchestrator drives one hazard update run: provision the
// workspace, run every selected task in order, harvest loose artifacts,
// publish, and write the summary.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/hazardsync/internal/harvest"
	"github.com/psantana5/hazardsync/internal/history"
	"github.com/psantana5/hazardsync/internal/publish"
	"github.com/psantana5/hazardsync/internal/report"
	"github.com/psantana5/hazardsync/internal/runner"
	"github.com/psantana5/hazardsync/internal/workspace"
	"github.com/psantana5/hazardsync/pkg/container"
	"github.com/psantana5/hazardsync/pkg/logging"
	"github.com/psantana5/hazardsync/pkg/tracing"
)

// Options configures a run
type Options struct {
	BaseDir string
	// Label names the run; when empty it is derived from the clock and Tag
	Label string
	Tag   string

	Workspace   workspace.Options
	Runner      runner.Config
	Filter      *harvest.FilterConfig
	FallbackCRS container.CRS
	ToolPath    string

	LogLevel logging.Level
	// Console receives a copy of every run log line; nil for none
	Console io.Writer
	// MetricsTextfile, when set, receives the metrics after the run
	MetricsTextfile string
}

// Deps are the optional collaborators of a run
type Deps struct {
	Tracer  *tracing.Provider
	Metrics *report.Metrics
	History history.Store
}

// Orchestrator runs hazard updates. One run at a time.
type Orchestrator struct {
	opts Options
	deps Deps
	now  func() time.Time

	mu      sync.Mutex
	state   State
	label   string
	running bool
}

// ErrRunInProgress is returned when Run is called while another run is active
var ErrRunInProgress = errors.New("a run is already in progress")

// New creates an orchestrator
func New(opts Options, deps Deps) *Orchestrator {
	now := opts.Workspace.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{opts: opts, deps: deps, now: now, state: StateInit}
}

// Status reports the current (or last) run label and state
func (o *Orchestrator) Status() (label string, state State, running bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.label, o.state, o.running
}

func (o *Orchestrator) transition(log *logging.Logger, to State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := ValidateTransition(o.state, to); err != nil {
		return err
	}
	log.Debug(fmt.Sprintf("Run state %s -> %s", o.state, to))
	o.state = to
	return nil
}

// Run executes tasks in order and always returns a summary. The error is
// non-nil only when the run went fatal before any task executed.
func (o *Orchestrator) Run(ctx context.Context, tasks []runner.Task) (*report.Summary, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, ErrRunInProgress
	}
	o.running = true
	o.state = StateInit
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	ctx, span := o.deps.Tracer.StartRun(ctx, len(tasks))
	defer span.End()

	summary := &report.Summary{
		RunID:     uuid.NewString(),
		State:     string(StateInit),
		StartTime: o.now(),
	}

	// Provisioning logs are buffered until the run log exists
	var early bytes.Buffer
	earlyLog := logging.NewLogger(o.opts.LogLevel, false)
	if o.opts.Console != nil {
		earlyLog.SetOutput(io.MultiWriter(&early, o.opts.Console))
	} else {
		earlyLog.SetOutput(&early)
	}
	earlyLog.SetClock(o.now)

	wsOpts := o.opts.Workspace
	wsOpts.Logger = earlyLog
	manager := workspace.NewManager(wsOpts)

	label := o.opts.Label
	if label == "" {
		label = manager.NextLabel(o.opts.Tag)
	}
	summary.Label = label
	o.mu.Lock()
	o.label = label
	o.mu.Unlock()
	tracing.Annotate(ctx, tracing.RunLabel.String(label), tracing.RunID.String(summary.RunID))

	ws, err := manager.Provision(ctx, o.opts.BaseDir, label)
	if err != nil {
		return o.fatal(ctx, earlyLog, summary, fmt.Errorf("provisioning failed: %w", err))
	}
	summary.WorkspaceRoot = ws.Root
	summary.ProcessingPath = ws.ProcessingPath
	summary.PublishPath = ws.PublishPath
	summary.Backend = string(ws.ProcessingBackend)
	tracing.Annotate(ctx, tracing.RunBackend.String(summary.Backend))
	summary.NativeFallback = ws.NativeFallback
	if err := o.transition(earlyLog, StateProvisioned); err != nil {
		return o.fatal(ctx, earlyLog, summary, err)
	}

	log, err := o.openRunLog(ws.LogPath, early.Bytes())
	if err != nil {
		return o.fatal(ctx, earlyLog, summary, fmt.Errorf("failed to open run log: %w", err))
	}
	defer log.Close()

	o.logHeader(log, summary, ws, tasks)

	if err := o.transition(log, StateTasksRunning); err != nil {
		return summary, err
	}
	summary.Outcomes = o.runTasks(ctx, log, ws, tasks, summary.Label)

	if err := o.transition(log, StateHarvesting); err != nil {
		return summary, err
	}
	o.harvest(ctx, log, ws, summary)

	if err := o.transition(log, StatePublishing); err != nil {
		return summary, err
	}
	o.publish(ctx, log, ws, summary)

	if err := o.transition(log, StateDone); err != nil {
		return summary, err
	}
	summary.State = string(StateDone)
	summary.Finish(o.now())
	summary.LogSummary(log)
	o.record(ctx, log, summary)
	return summary, nil
}

func (o *Orchestrator) fatal(ctx context.Context, log *logging.Logger, summary *report.Summary, err error) (*report.Summary, error) {
	o.mu.Lock()
	o.state = StateFatal
	o.mu.Unlock()

	tracing.SetError(ctx, err)
	summary.State = string(StateFatal)
	summary.Error = err.Error()
	summary.Finish(o.now())
	summary.LogSummary(log)
	o.record(ctx, log, summary)
	return summary, err
}

// openRunLog opens the run log in append mode and replays the lines
// buffered during provisioning into it
func (o *Orchestrator) openRunLog(path string, buffered []byte) (*logging.Logger, error) {
	if len(buffered) > 0 {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		_, werr := f.Write(buffered)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return nil, werr
		}
	}
	log, err := logging.NewFileLogger(path, o.opts.Console, o.opts.LogLevel)
	if err != nil {
		return nil, err
	}
	log.SetClock(o.now)
	return log, nil
}

func (o *Orchestrator) logHeader(log *logging.Logger, summary *report.Summary, ws *workspace.Workspace, tasks []runner.Task) {
	log.Info(fmt.Sprintf("### Hazard Update Run %s ###", summary.Label))
	log.Info(fmt.Sprintf("Run ID: %s", summary.RunID))
	log.Info(fmt.Sprintf("Backend: %s (processing %s, publish %s)",
		ws.ProcessingBackend, filepath.Base(ws.ProcessingPath), filepath.Base(ws.PublishPath)))

	if len(tasks) == 0 {
		log.Info("Selected tasks: --- No Tasks Selected ---")
		return
	}
	names := make([]string, len(tasks))
	for i, t := range tasks {
		names[i] = t.Name
	}
	log.Info(fmt.Sprintf("Selected tasks (%d): %s", len(tasks), strings.Join(names, ", ")))
}

func (o *Orchestrator) runTasks(ctx context.Context, log *logging.Logger, ws *workspace.Workspace, tasks []runner.Task, label string) []runner.Outcome {
	r := runner.New(o.opts.Runner, log, o.deps.Tracer)
	caps := o.opts.Workspace.Capabilities

	outcomes := make([]runner.Outcome, 0, len(tasks))
	for _, task := range tasks {
		log.Info(fmt.Sprintf("### %s ###", strings.ToUpper(task.Name)))

		task.Params.WorkspaceRoot = ws.Root
		task.Params.ToolPath = o.opts.ToolPath
		task.Params.LogPath = ws.LogPath
		task.Params.Destination = ws.ProcessingPath
		task.Params.Capabilities = caps
		task.Params.Log = log

		staging, err := ws.StagingDir(task.Name)
		if err != nil {
			// still goes through the runner so the failure is recorded once
			task.Plugin = func(context.Context, runner.Params) runner.Result { return runner.Fail(err) }
		}
		task.Params.StagingDir = staging

		out := r.Run(ctx, task)
		outcomes = append(outcomes, out)
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordTask(label, out)
		}
	}
	return outcomes
}

func (o *Orchestrator) harvest(ctx context.Context, log *logging.Logger, ws *workspace.Workspace, summary *report.Summary) {
	ctx, span := o.deps.Tracer.StartPhase(ctx, "harvest")
	defer span.End()
	log.Info("### HARVESTING ###")

	caps := o.opts.Workspace.Capabilities
	target, err := container.Open(ws.ProcessingPath, caps)
	if err != nil {
		log.Error(fmt.Sprintf("Cannot open processing container %s: %v", ws.ProcessingPath, err))
		tracing.SetError(ctx, err)
		return
	}
	defer target.Close()

	opts := harvest.Options{
		Filter:       o.opts.Filter,
		FallbackCRS:  o.opts.FallbackCRS,
		Capabilities: caps,
	}
	if ws.MirrorRequired {
		opts.Exclude = []string{ws.PublishPath}
	}
	rep, err := harvest.New(opts, log).Harvest(ctx, ws.Root, target)
	if rep != nil {
		summary.Harvested = len(rep.Imported)
		summary.HarvestFailed = len(rep.Failed)
	}
	if err != nil {
		log.Warn(fmt.Sprintf("Harvest incomplete: %v", err))
		tracing.SetError(ctx, err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, log *logging.Logger, ws *workspace.Workspace, summary *report.Summary) {
	ctx, span := o.deps.Tracer.StartPhase(ctx, "publish")
	defer span.End()
	log.Info("### PUBLISHING ###")

	caps := o.opts.Workspace.Capabilities
	pub := publish.New(publish.Options{FallbackCRS: o.opts.FallbackCRS}, log)

	src, err := container.Open(ws.ProcessingPath, caps)
	if err != nil {
		log.Error(fmt.Sprintf("Cannot open processing container %s: %v", ws.ProcessingPath, err))
		tracing.SetError(ctx, err)
		return
	}
	defer src.Close()

	dst := src
	if ws.MirrorRequired {
		dst, err = container.Open(ws.PublishPath, caps)
		if err != nil {
			log.Error(fmt.Sprintf("Cannot open publish container %s: %v", ws.PublishPath, err))
			tracing.SetError(ctx, err)
			return
		}
		defer dst.Close()
	}

	res, err := pub.Mirror(ctx, src, dst)
	if res != nil {
		summary.PublishFailed = len(res.Failed)
	}
	switch {
	case errors.Is(err, publish.ErrEmptySource):
		// already logged as a warning
	case err != nil:
		log.Error(fmt.Sprintf("Publishing failed: %v", err))
		tracing.SetError(ctx, err)
	}

	names, err := dst.ListLayers(ctx)
	if err != nil {
		log.Warn(fmt.Sprintf("FINAL: cannot inspect %s: %v", ws.PublishPath, err))
		return
	}
	summary.Published = len(names)
	log.Info(fmt.Sprintf("FINAL: %s has %d layer(s): %s", filepath.Base(ws.PublishPath), len(names), strings.Join(names, ", ")))
}

// record pushes the finished summary to metrics and history. Failures here
// are logged and never change the run's result.
func (o *Orchestrator) record(ctx context.Context, log *logging.Logger, summary *report.Summary) {
	if m := o.deps.Metrics; m != nil {
		m.RecordRun(summary)
		if o.opts.MetricsTextfile != "" {
			if err := m.WriteTextfile(o.opts.MetricsTextfile); err != nil {
				log.Warn(fmt.Sprintf("Failed to write metrics textfile: %v", err))
			}
		}
	}
	if o.deps.History != nil {
		// the run context may already be cancelled by a shutdown signal
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := o.deps.History.SaveRun(saveCtx, history.FromSummary(summary)); err != nil {
			log.Warn(fmt.Sprintf("Failed to save run history: %v", err))
		}
	}
}
