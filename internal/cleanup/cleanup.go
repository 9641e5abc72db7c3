// Package cleanup prunes old run directories under the base directory and
// drops their history records.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/psantana5/hazardsync/internal/history"
	"github.com/psantana5/hazardsync/internal/workspace"
	"github.com/psantana5/hazardsync/pkg/logging"
)

// Config defines the retention policy and how often it is applied
type Config struct {
	Enabled bool
	// MaxAge is the age beyond which a run may be removed; zero removes
	// every run beyond KeepLast
	MaxAge time.Duration
	// KeepLast runs are always kept, however old
	KeepLast     int
	Interval     time.Duration
	InitialDelay time.Duration
	DryRun       bool
}

// DefaultConfig returns the default retention policy
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxAge:       30 * 24 * time.Hour,
		KeepLast:     5,
		Interval:     24 * time.Hour,
		InitialDelay: time.Minute,
	}
}

// RunDir is one run directory under the base directory
type RunDir struct {
	Label     string    `json:"label"`
	Path      string    `json:"path"`
	StartedAt time.Time `json:"started_at"`
	SizeBytes int64     `json:"size_bytes"`
}

// Stats tracks prune operations
type Stats struct {
	LastPruneTime     time.Time
	LastPruneDuration time.Duration
	TotalRunsRemoved  int64
	TotalBytesFreed   int64
}

// Manager applies the retention policy, once or periodically
type Manager struct {
	config  Config
	baseDir string
	store   history.Store
	log     *logging.Logger
	now     func() time.Time
	active  func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// NewManager creates a manager for runs under baseDir. store may be nil.
func NewManager(config Config, baseDir string, store history.Store, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:  config,
		baseDir: baseDir,
		store:   store,
		log:     log.WithField("component", "cleanup"),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetActive registers a function returning the label of the run in
// progress, which is never pruned
func (m *Manager) SetActive(f func() string) {
	m.active = f
}

// labelTime parses the timestamp embedded in a run label
func labelTime(label string) (time.Time, bool) {
	rest := strings.TrimPrefix(label, workspace.LabelPrefix+"_")
	if len(rest) < len("20060102_1504") {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("20060102_1504", rest[:len("20060102_1504")], time.Local)
	return t, err == nil
}

// ListRuns returns the run directories under baseDir, newest first. A
// label without a readable timestamp falls back to the directory's
// modification time.
func ListRuns(baseDir string) ([]RunDir, error) {
	entries, err := os.ReadDir(baseDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var runs []RunDir
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), workspace.LabelPrefix+"_") {
			continue
		}
		started, ok := labelTime(e.Name())
		if !ok {
			info, err := e.Info()
			if err != nil {
				continue
			}
			started = info.ModTime()
		}
		runs = append(runs, RunDir{
			Label:     e.Name(),
			Path:      filepath.Join(baseDir, e.Name()),
			StartedAt: started,
		})
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].Label > runs[j].Label
	})
	return runs, nil
}

func dirSize(path string) int64 {
	var size int64
	filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			if info, err := d.Info(); err == nil {
				size += info.Size()
			}
		}
		return nil
	})
	return size
}

// Candidates returns the runs the policy would remove right now
func (m *Manager) Candidates() ([]RunDir, error) {
	runs, err := ListRuns(m.baseDir)
	if err != nil {
		return nil, err
	}
	active := ""
	if m.active != nil {
		active = m.active()
	}

	cutoff := m.now().Add(-m.config.MaxAge)
	var out []RunDir
	for i, r := range runs {
		if i < m.config.KeepLast || r.Label == active {
			continue
		}
		if m.config.MaxAge > 0 && !r.StartedAt.Before(cutoff) {
			continue
		}
		r.SizeBytes = dirSize(r.Path)
		out = append(out, r)
	}
	return out, nil
}

// PruneNow applies the policy once and returns the runs removed (or, in
// dry-run mode, that would be removed)
func (m *Manager) PruneNow(ctx context.Context) ([]RunDir, error) {
	start := time.Now()
	candidates, err := m.Candidates()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	var removed []RunDir
	var freed int64
	for _, r := range candidates {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if m.config.DryRun {
			m.log.Info(fmt.Sprintf("Would remove %s (%s)", r.Label, formatBytes(r.SizeBytes)))
			removed = append(removed, r)
			continue
		}
		if err := os.RemoveAll(r.Path); err != nil {
			m.log.Warn(fmt.Sprintf("Failed to remove %s: %v", r.Path, err))
			continue
		}
		m.forget(ctx, r.Label)
		m.log.Info(fmt.Sprintf("Removed %s (%s)", r.Label, formatBytes(r.SizeBytes)))
		removed = append(removed, r)
		freed += r.SizeBytes
	}

	duration := time.Since(start)
	m.mu.Lock()
	m.stats.LastPruneTime = m.now()
	m.stats.LastPruneDuration = duration
	if !m.config.DryRun {
		m.stats.TotalRunsRemoved += int64(len(removed))
		m.stats.TotalBytesFreed += freed
	}
	m.mu.Unlock()

	m.log.Info(fmt.Sprintf("Prune complete: %d run(s), %s freed in %v", len(removed), formatBytes(freed), duration.Round(time.Millisecond)))
	return removed, nil
}

// forget drops every history record carrying the label
func (m *Manager) forget(ctx context.Context, label string) {
	if m.store == nil {
		return
	}
	for {
		run, err := m.store.GetRun(ctx, label)
		if errors.Is(err, history.ErrNotFound) {
			return
		}
		if err != nil {
			m.log.Warn(fmt.Sprintf("Failed to look up history for %s: %v", label, err))
			return
		}
		if err := m.store.DeleteRun(ctx, run.ID); err != nil {
			m.log.Warn(fmt.Sprintf("Failed to delete history for %s: %v", label, err))
			return
		}
	}
}

// Start applies the policy every Interval until Stop
func (m *Manager) Start() {
	if !m.config.Enabled || m.config.Interval <= 0 {
		m.log.Info("Retention disabled")
		return
	}
	m.log.Info(fmt.Sprintf("Starting retention (max age %v, keep last %d, every %v)",
		m.config.MaxAge, m.config.KeepLast, m.config.Interval))

	m.wg.Add(1)
	go m.loop()
}

func (m *Manager) loop() {
	defer m.wg.Done()

	select {
	case <-m.ctx.Done():
		return
	case <-time.After(m.config.InitialDelay):
		m.prune()
	}

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.prune()
		}
	}
}

func (m *Manager) prune() {
	if _, err := m.PruneNow(m.ctx); err != nil && m.ctx.Err() == nil {
		m.log.Error(fmt.Sprintf("Prune failed: %v", err))
	}
}

// Stop halts the periodic prune and waits for an in-flight one
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// GetStats returns prune statistics
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
