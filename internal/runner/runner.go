// Package runner invokes task plugins and turns whatever they do (return,
// fail, panic or hang) into exactly one recorded outcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/psantana5/hazardsync/pkg/container"
	"github.com/psantana5/hazardsync/pkg/logging"
	"github.com/psantana5/hazardsync/pkg/tracing"
)

// Params are the fixed arguments every plugin receives
type Params struct {
	WorkspaceRoot string
	ToolPath      string // auxiliary tool (e.g. a browser driver) for plugins that need one
	LogPath       string
	Destination   string // processing container path
	StagingDir    string // raw/<task>, private to the task
	Capabilities  container.Capabilities
	Extra         map[string]any
	Log           *logging.Logger
}

// Plugin is the task contract. Plugins must honour ctx cancellation.
type Plugin func(ctx context.Context, p Params) Result

// Task is one unit of work
type Task struct {
	Name    string
	Kind    string
	Plugin  Plugin
	Params  Params
	Timeout time.Duration // overrides the runner default when positive
}

// Config holds runner settings
type Config struct {
	// Timeout bounds each task; zero disables it
	Timeout time.Duration
	// Grace is how long a timed-out task may take to return before it is
	// abandoned
	Grace time.Duration
}

// DefaultConfig returns the runner defaults
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Minute, Grace: 10 * time.Second}
}

// Runner executes tasks one at a time
type Runner struct {
	cfg    Config
	log    *logging.Logger
	tracer *tracing.Provider
	now    func() time.Time
}

// New creates a runner
func New(cfg Config, log *logging.Logger, tracer *tracing.Provider) *Runner {
	if log == nil {
		log = logging.Discard()
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultConfig().Grace
	}
	return &Runner{cfg: cfg, log: log, tracer: tracer, now: time.Now}
}

// Run invokes the task's plugin and records exactly one outcome line in
// the log before returning. Errors and panics become failures; a nil or
// empty value becomes none; a task still running at its deadline becomes
// a failure with ErrTaskTimeout.
func (r *Runner) Run(ctx context.Context, task Task) Outcome {
	ctx, span := r.tracer.StartTask(ctx, task.Name, task.Kind)
	defer span.End()

	start := r.now()
	out := r.execute(ctx, task)
	out.Task = task.Name
	out.Kind = task.Kind
	out.StartTime = start
	out.EndTime = r.now()
	out.Duration = out.EndTime.Sub(start)
	if out.Err != nil {
		out.Error = out.Err.Error()
		tracing.SetError(ctx, out.Err)
	}
	tracing.Annotate(ctx, tracing.TaskOutcome.String(string(out.Status)))

	if out.Status == StatusSuccess {
		r.log.Info(out.Summary())
	} else {
		r.log.Warn(out.Summary())
	}
	return out
}

func (r *Runner) execute(ctx context.Context, task Task) Outcome {
	if task.Plugin == nil {
		return failure(fmt.Errorf("task %q has no plugin", task.Name))
	}
	if err := ctx.Err(); err != nil {
		return failure(fmt.Errorf("not started: %w", err))
	}

	timeout := r.cfg.Timeout
	if task.Timeout > 0 {
		timeout = task.Timeout
	}

	taskCtx, cancel := context.WithCancel(ctx)
	if timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	params := task.Params
	if params.Log == nil {
		params.Log = r.log
	}
	params.Log = params.Log.WithField("task", task.Name)

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- Fail(&PanicError{Value: v, Stack: debug.Stack()})
			}
		}()
		done <- task.Plugin(taskCtx, params)
	}()

	select {
	case res := <-done:
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			return timedOut(timeout, false)
		}
		return fromResult(res)
	case <-taskCtx.Done():
	}

	// Cancelled or past the deadline: give the plugin a grace period to
	// return, then abandon it. A result that arrives after the deadline is
	// discarded.
	var res Result
	returned := false
	select {
	case res = <-done:
		returned = true
	case <-time.After(r.cfg.Grace):
	}

	if errors.Is(taskCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return timedOut(timeout, !returned)
	}
	if returned {
		return fromResult(res)
	}
	out := failure(fmt.Errorf("cancelled: %w", ctx.Err()))
	out.Abandoned = true
	return out
}

func fromResult(res Result) Outcome {
	switch res.status() {
	case StatusFailure:
		return failure(res.err)
	case StatusNone:
		return Outcome{Status: StatusNone}
	default:
		return Outcome{Status: StatusSuccess, Value: res.value}
	}
}

func failure(err error) Outcome {
	return Outcome{Status: StatusFailure, Err: err}
}

func timedOut(after time.Duration, abandoned bool) Outcome {
	return Outcome{
		Status:    StatusFailure,
		Err:       fmt.Errorf("%w after %s", ErrTaskTimeout, after),
		TimedOut:  true,
		Abandoned: abandoned,
	}
}
