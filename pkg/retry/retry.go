// Package retry runs flaky operations, mostly remote downloads, with
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxRetries     int           // attempts after the first one
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// OnRetry, when set, is called before each wait
	OnRetry func(attempt int, wait time.Duration, err error)
}

// DefaultConfig retries three times, starting at one second
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// Delayer is implemented by errors that carry a server-requested wait,
// such as an HTTP 429 with Retry-After
type Delayer interface {
	RetryAfter() time.Duration
}

type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent wraps err so Do returns it (unwrapped) without retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// wait picks the delay before the next attempt: the server's request when
// the error carries one, else the backoff, both capped at MaxBackoff
func (c Config) wait(backoff time.Duration, err error) time.Duration {
	d := backoff
	var dl Delayer
	if errors.As(err, &dl) && dl.RetryAfter() > 0 {
		d = dl.RetryAfter()
	}
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return d
}

// Do calls fn until it succeeds, returns a Permanent error, ctx ends or
// MaxRetries retries are spent
func Do(ctx context.Context, config Config, fn func() error) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		err := fn()
		if err == nil {
			return nil
		}
		var p *permanent
		if errors.As(err, &p) {
			return p.err
		}
		lastErr = err
		if attempt == config.MaxRetries {
			break
		}

		d := config.wait(backoff, err)
		if config.OnRetry != nil {
			config.OnRetry(attempt+1, d, err)
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * config.Multiplier)
		if config.MaxBackoff > 0 && backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", config.MaxRetries, lastErr)
}

var transientMessages = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"too many requests",
	"server closed idle connection",
	"eof",
	"broken pipe",
}

// IsRetryable reports whether err looks like a transient network failure.
// Cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
