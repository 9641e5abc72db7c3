// Package workspace provisions the per-run directory tree and decides which
// container backends a run processes and publishes with.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/psantana5/hazardsync/pkg/container"
	"github.com/psantana5/hazardsync/pkg/logging"
)

var (
	// ErrIOFailure means the run tree could not be created. It is fatal to
	// the run and surfaces before any task executes.
	ErrIOFailure = errors.New("workspace I/O failure")
	// ErrRunExists is returned under the reject policy when the run root
	// already exists
	ErrRunExists = errors.New("run already exists")
)

// OnExisting is the policy for a run label whose root already exists
type OnExisting string

const (
	Overwrite OnExisting = "overwrite"
	Reject    OnExisting = "reject"
)

const (
	LabelPrefix = "HazardUpdates"
	RawDirName  = "raw"
	LogFileName = "run.log"
)

// Options configures a Manager
type Options struct {
	Capabilities   container.Capabilities
	PreferNative   bool
	PublishBackend container.Backend // defaults to package
	OnExisting     OnExisting        // defaults to overwrite
	MinFreeBytes   uint64            // zero disables the free-space check
	Now            func() time.Time
	Logger         *logging.Logger
}

// Manager builds run workspaces
type Manager struct {
	opts Options
}

// Workspace holds the paths of one provisioned run
type Workspace struct {
	Label             string
	Root              string
	RawDir            string
	LogPath           string
	ProcessingPath    string
	ProcessingBackend container.Backend
	PublishPath       string
	PublishBackend    container.Backend
	// MirrorRequired is set when processing and publish containers differ
	MirrorRequired bool
	// NativeFallback is set when the native backend was preferred but the
	// runtime is absent
	NativeFallback bool
	// Reused is set when an existing run root was overwritten
	Reused bool
}

// NewManager creates a workspace manager
func NewManager(opts Options) *Manager {
	if opts.PublishBackend == "" {
		opts.PublishBackend = container.BackendPackage
	}
	if opts.OnExisting == "" {
		opts.OnExisting = Overwrite
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Manager{opts: opts}
}

// Capabilities returns the injected backend capabilities
func (m *Manager) Capabilities() container.Capabilities {
	return m.opts.Capabilities
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// RunLabel returns HazardUpdates_YYYYMMDD_HHMM with an optional _tag suffix
func RunLabel(now time.Time, tag string) string {
	label := fmt.Sprintf("%s_%s", LabelPrefix, now.Format("20060102_1504"))
	tag = strings.Trim(unsafeChars.ReplaceAllString(strings.TrimSpace(tag), "_"), "_")
	if tag != "" {
		label += "_" + tag
	}
	return label
}

// NextLabel returns a run label for the manager's clock
func (m *Manager) NextLabel(tag string) string {
	return RunLabel(m.opts.Now(), tag)
}

// Plan computes the workspace paths and backends without touching disk
func (m *Manager) Plan(baseDir, label string) *Workspace {
	caps := m.opts.Capabilities
	root := filepath.Join(baseDir, label)

	processing := container.SelectBackend(caps, m.opts.PreferNative)
	publish := m.opts.PublishBackend
	if !caps.Supports(publish) {
		publish = container.BackendPackage
	}

	ws := &Workspace{
		Label:             label,
		Root:              root,
		RawDir:            filepath.Join(root, RawDirName),
		LogPath:           filepath.Join(root, LogFileName),
		ProcessingBackend: processing,
		PublishBackend:    publish,
		PublishPath:       filepath.Join(root, label+publish.Ext()),
		NativeFallback:    m.opts.PreferNative && !caps.Native,
	}
	if processing == publish {
		ws.ProcessingPath = ws.PublishPath
	} else {
		ws.ProcessingPath = filepath.Join(root, label+"_processing"+processing.Ext())
		ws.MirrorRequired = true
	}
	return ws
}

// Provision creates baseDir/label with its raw/ staging area and both
// containers. Directory or disk-space failures are reported as
// ErrIOFailure.
func (m *Manager) Provision(ctx context.Context, baseDir, label string) (*Workspace, error) {
	if label == "" || strings.ContainsAny(label, `/\`) || label == "." || label == ".." {
		return nil, fmt.Errorf("%w: invalid run label %q", ErrIOFailure, label)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create base directory %s: %v", ErrIOFailure, baseDir, err)
	}
	if err := m.checkFreeSpace(ctx, baseDir); err != nil {
		return nil, err
	}

	ws := m.Plan(baseDir, label)
	log := m.opts.Logger

	if ws.NativeFallback {
		log.Warn(fmt.Sprintf("Native backend preferred but runtime %q is not present; processing with the %s backend",
			m.opts.Capabilities.NativeRuntime, ws.ProcessingBackend))
	}

	if info, err := os.Stat(ws.Root); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("%w: run root %s exists and is not a directory", ErrIOFailure, ws.Root)
		}
		if m.opts.OnExisting == Reject {
			return nil, fmt.Errorf("%w: %s", ErrRunExists, ws.Root)
		}
		if err := m.purge(ws); err != nil {
			return nil, err
		}
		ws.Reused = true
		log.Warn(fmt.Sprintf("Run root %s already exists; containers purged, raw data kept", ws.Root))
	}

	if err := os.MkdirAll(ws.RawDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create %s: %v", ErrIOFailure, ws.RawDir, err)
	}

	if err := m.createContainer(ws.ProcessingPath, ws.ProcessingBackend); err != nil {
		return nil, err
	}
	if ws.MirrorRequired {
		if err := m.createContainer(ws.PublishPath, ws.PublishBackend); err != nil {
			return nil, err
		}
	}

	log.Info(fmt.Sprintf("Workspace %s provisioned: processing=%s (%s) publish=%s (%s) mirror=%t",
		ws.Root, filepath.Base(ws.ProcessingPath), ws.ProcessingBackend,
		filepath.Base(ws.PublishPath), ws.PublishBackend, ws.MirrorRequired))
	return ws, nil
}

func (m *Manager) createContainer(path string, backend container.Backend) error {
	c, err := container.Create(path, backend, m.opts.Capabilities)
	if err != nil {
		return fmt.Errorf("%w: failed to create container %s: %v", ErrIOFailure, path, err)
	}
	return c.Close()
}

func (m *Manager) purge(ws *Workspace) error {
	paths := []string{ws.ProcessingPath}
	if ws.PublishPath != ws.ProcessingPath {
		paths = append(paths, ws.PublishPath)
	}
	for _, p := range paths {
		if err := container.Remove(p); err != nil {
			return fmt.Errorf("%w: failed to remove %s: %v", ErrIOFailure, p, err)
		}
	}
	return nil
}

func (m *Manager) checkFreeSpace(ctx context.Context, dir string) error {
	if m.opts.MinFreeBytes == 0 {
		return nil
	}
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return fmt.Errorf("%w: failed to read free space of %s: %v", ErrIOFailure, dir, err)
	}
	if usage.Free < m.opts.MinFreeBytes {
		return fmt.Errorf("%w: %s has %d MB free, %d MB required", ErrIOFailure, dir,
			usage.Free/(1<<20), m.opts.MinFreeBytes/(1<<20))
	}
	return nil
}

// StagingDir returns (and creates) raw/<task> for a task's downloads
func (w *Workspace) StagingDir(task string) (string, error) {
	name := strings.Trim(unsafeChars.ReplaceAllString(task, "_"), "_")
	if name == "" {
		name = "task"
	}
	dir := filepath.Join(w.RawDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory %s: %w", dir, err)
	}
	return dir, nil
}
