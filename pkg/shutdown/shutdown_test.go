package shutdown

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"
)

func TestShutdownRunsLIFO(t *testing.T) {
	m := New(time.Second, nil)

	var order []string
	for _, name := range []string{"history", "api", "metrics"} {
		name := name
		m.Register(name, func(ctx context.Context) error {
			order = append(order, name)
			if name == "api" {
				return errors.New("boom")
			}
			return nil
		})
	}

	if failed := m.Shutdown(); failed != 1 {
		t.Errorf("Shutdown() failed = %d, want 1", failed)
	}
	want := []string{"metrics", "api", "history"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}

	select {
	case <-m.Done():
	default:
		t.Error("Done() should be closed after Shutdown")
	}
}

func TestContextCancelledOnSignal(t *testing.T) {
	m := New(time.Second, nil)
	m.signals = []os.Signal{syscall.SIGUSR1}

	ctx, cancel := m.Context(context.Background())
	defer cancel()

	// give the watcher goroutine time to install the handler
	time.Sleep(20 * time.Millisecond)
	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("failed to signal self: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context was not cancelled by the signal")
	}
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() was not closed by the signal")
	}
}
