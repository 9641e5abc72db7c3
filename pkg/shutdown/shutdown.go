package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/hazardsync/pkg/logging"
)

// Manager handles graceful shutdown
type Manager struct {
	shutdownFuncs []namedFunc
	mu            sync.Mutex
	timeout       time.Duration
	logger        *logging.Logger
	doneChan      chan struct{}
	once          sync.Once
	signals       []os.Signal
}

type namedFunc struct {
	name string
	fn   func(context.Context) error
}

// New creates a new shutdown manager
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		timeout:  timeout,
		logger:   logger,
		doneChan: make(chan struct{}),
		signals:  []os.Signal{syscall.SIGTERM, syscall.SIGINT},
	}
}

// Register adds a shutdown function
// Functions are called in reverse order (LIFO)
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownFuncs = append(m.shutdownFuncs, namedFunc{name: name, fn: fn})
}

// Context returns a context cancelled on the first SIGINT/SIGTERM. A
// running pipeline sees the cancellation at its next task boundary.
func (m *Manager) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, m.signals...)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			m.logger.Warn(fmt.Sprintf("Received signal %v, initiating graceful shutdown", sig))
			m.trigger()
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (m *Manager) trigger() {
	m.once.Do(func() {
		close(m.doneChan)
	})
}

// Done returns a channel that is closed when shutdown is initiated
func (m *Manager) Done() <-chan struct{} {
	return m.doneChan
}

// Shutdown executes all registered shutdown functions and returns the
// number that failed
func (m *Manager) Shutdown() int {
	m.trigger()

	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	failed := 0
	for i := len(m.shutdownFuncs) - 1; i >= 0; i-- {
		nf := m.shutdownFuncs[i]
		if err := nf.fn(ctx); err != nil {
			failed++
			m.logger.Error(fmt.Sprintf("Shutdown of %s failed: %v", nf.name, err))
			continue
		}
		m.logger.Debug(fmt.Sprintf("%s stopped", nf.name))
	}
	m.shutdownFuncs = nil
	return failed
}

// StopHTTPServer creates a shutdown function for http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return server.Shutdown(ctx)
	}
}

// CloseResource creates a shutdown function for io.Closer
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return closer.Close()
	}
}
