package runner

import (
	"errors"
	"fmt"
	"reflect"
	"time"
	"unicode/utf8"
)

// Status is the kind of a task outcome
type Status string

const (
	StatusSuccess Status = "success"
	StatusNone    Status = "none" // completed with no result
	StatusFailure Status = "failure"
)

// ErrTaskTimeout is the failure recorded for a task that overran its
// deadline, whether or not it eventually returned
var ErrTaskTimeout = errors.New("task timed out")

// Result is what a plugin returns: Ok(value), None() or Fail(err)
type Result struct {
	value any
	err   error
}

// Ok reports a completed task with a value, e.g. the layer names written.
// A nil or empty value is treated as None.
func Ok(value any) Result { return Result{value: value} }

// None reports a task that completed without producing anything
func None() Result { return Result{} }

// Fail reports a failed task
func Fail(err error) Result {
	if err == nil {
		err = errors.New("task failed without an error")
	}
	return Result{err: err}
}

// Failf reports a failed task with a formatted error
func Failf(format string, args ...any) Result {
	return Fail(fmt.Errorf(format, args...))
}

// Value returns the success value
func (r Result) Value() any { return r.value }

// Err returns the failure, if any
func (r Result) Err() error { return r.err }

func (r Result) status() Status {
	switch {
	case r.err != nil:
		return StatusFailure
	case isEmpty(r.value):
		return StatusNone
	default:
		return StatusSuccess
	}
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// PanicError wraps a value recovered from a panicking plugin
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Outcome is the single recorded result of running one task. Set once,
// never changed.
type Outcome struct {
	Task      string        `json:"task"`
	Kind      string        `json:"kind,omitempty"`
	Status    Status        `json:"status"`
	Value     any           `json:"value,omitempty"`
	Err       error         `json:"-"`
	Error     string        `json:"error,omitempty"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	Abandoned bool          `json:"abandoned,omitempty"`
}

// Succeeded reports success or none; only failures count against a run
func (o Outcome) Succeeded() bool {
	return o.Status != StatusFailure
}

// Summary renders the one-line outcome record
func (o Outcome) Summary() string {
	line := fmt.Sprintf("TASK %q | outcome=%s | runtime=%.1fs", o.Task, o.Status, o.Duration.Seconds())
	switch o.Status {
	case StatusSuccess:
		line += " | result=" + truncate(fmt.Sprint(o.Value), 160)
	case StatusNone:
		line += " | completed with no result"
	case StatusFailure:
		line += " | error=" + truncate(o.Error, 240)
		if o.Abandoned {
			line += " | abandoned"
		}
	}
	return line
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// Counts tallies outcomes by status
type Counts struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	None    int `json:"none"`
	Failure int `json:"failure"`
}

// Tally counts outcomes by status
func Tally(outcomes []Outcome) Counts {
	c := Counts{Total: len(outcomes)}
	for _, o := range outcomes {
		switch o.Status {
		case StatusSuccess:
			c.Success++
		case StatusNone:
			c.None++
		case StatusFailure:
			c.Failure++
		}
	}
	return c
}
