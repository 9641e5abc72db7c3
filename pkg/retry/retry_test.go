package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
	"time"
)

func fastConfig() Config {
	return Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}
}

func TestDo(t *testing.T) {
	tests := []struct {
		name      string
		failUntil int
		permanent bool
		wantCalls int
		wantErr   bool
	}{
		{"succeeds first time", 0, false, 1, false},
		{"succeeds after retries", 2, false, 3, false},
		{"exhausts retries", 10, false, 4, true},
		{"permanent error stops immediately", 10, true, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fastConfig(), func() error {
				calls++
				if calls <= tt.failUntil {
					if tt.permanent {
						return Permanent(errors.New("400 bad request"))
					}
					return errors.New("503 service unavailable")
				}
				return nil
			})
			if (err != nil) != tt.wantErr {
				t.Errorf("Do() error = %v, wantErr %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestDoCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, fastConfig(), func() error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("unexpected status 429 Too Many Requests"), true},
		{errors.New("unexpected status 404"), false},
		{fmt.Errorf("reading body: %w", io.ErrUnexpectedEOF), true},
		{fmt.Errorf("dial: %w", syscall.ECONNRESET), true},
		{context.Canceled, false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

type throttled struct{ after time.Duration }

func (e throttled) Error() string             { return "429 too many requests" }
func (e throttled) RetryAfter() time.Duration { return e.after }

func TestOnRetryAndRetryAfter(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxBackoff = 20 * time.Millisecond
	var waits []time.Duration
	var attempts []int
	cfg.OnRetry = func(attempt int, wait time.Duration, err error) {
		attempts = append(attempts, attempt)
		waits = append(waits, wait)
	}

	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		switch calls {
		case 1:
			return throttled{after: 10 * time.Millisecond}
		case 2:
			return throttled{after: time.Hour}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("attempts = %v", attempts)
	}
	if waits[0] != 10*time.Millisecond {
		t.Errorf("Retry-After should replace the backoff, waited %v", waits[0])
	}
	if waits[1] != cfg.MaxBackoff {
		t.Errorf("Retry-After should be capped at MaxBackoff, waited %v", waits[1])
	}
}

func TestDoReturnsUnwrappedPermanent(t *testing.T) {
	sentinel := errors.New("404 not found")
	err := Do(context.Background(), fastConfig(), func() error { return Permanent(sentinel) })
	if err != sentinel {
		t.Errorf("Do() = %v, want the wrapped error itself", err)
	}
}
