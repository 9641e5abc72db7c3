// Package harvest sweeps a run tree for loose spatial artifacts and imports
// every layer it finds into one target container.
package harvest

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/psantana5/hazardsync/pkg/container"
	"github.com/psantana5/hazardsync/pkg/logging"
)

// Options configures a Harvester
type Options struct {
	Filter *FilterConfig
	// Exclude lists paths skipped in addition to the target, e.g. the
	// publish container when it differs from the target
	Exclude []string
	// FallbackCRS is applied to layers that declare none
	FallbackCRS  container.CRS
	Capabilities container.Capabilities
}

// ImportedLayer records one successful layer import
type ImportedLayer struct {
	Source   string
	Layer    string
	Features int
}

// LayerFailure records one failed artifact or layer
type LayerFailure struct {
	Source string
	Layer  string // empty when the artifact itself could not be opened
	Err    error
}

// Report summarises a harvesting pass
type Report struct {
	Root      string
	Target    string
	Artifacts int
	Skipped   []string
	Imported  []ImportedLayer
	Failed    []LayerFailure
	Duration  time.Duration
}

// LayerNames returns the distinct imported layer names in import order
func (r *Report) LayerNames() []string {
	seen := make(map[string]bool, len(r.Imported))
	names := make([]string, 0, len(r.Imported))
	for _, l := range r.Imported {
		if !seen[l.Layer] {
			seen[l.Layer] = true
			names = append(names, l.Layer)
		}
	}
	return names
}

// Harvester imports loose artifacts into a target container
type Harvester struct {
	opts Options
	log  *logging.Logger
}

// New creates a harvester
func New(opts Options, log *logging.Logger) *Harvester {
	if log == nil {
		log = logging.Discard()
	}
	if opts.Filter == nil {
		opts.Filter = NewFilterConfig()
	}
	return &Harvester{opts: opts, log: log}
}

// Harvest scans root and imports every discovered layer into target under
// its own name. The target and excluded paths are never read. Per-artifact
// and per-layer failures are logged and recorded; only an unreadable root
// or cancellation returns an error.
func (h *Harvester) Harvest(ctx context.Context, root string, target container.Container) (*Report, error) {
	start := time.Now()
	report := &Report{Root: root, Target: target.Path()}

	scanner := NewScanner()
	scanner.SetFilter(h.opts.Filter)
	scanner.Exclude(target.Path())
	for _, p := range h.opts.Exclude {
		scanner.Exclude(p)
	}

	artifacts, err := scanner.Scan(ctx, root)
	report.Skipped = scanner.Skipped()
	if err != nil {
		report.Duration = time.Since(start)
		return report, err
	}
	report.Artifacts = len(artifacts)
	h.log.Info(fmt.Sprintf("Found %d artifact(s) under %s", len(artifacts), root))
	for _, p := range report.Skipped {
		h.log.Info(fmt.Sprintf("Skipping %s (harvest target or excluded)", p))
	}

	origin := make(map[string]string)
	importOpts := container.ImportOptions{FallbackCRS: h.opts.FallbackCRS}

	for _, a := range artifacts {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(start)
			return report, err
		}
		h.harvestArtifact(ctx, a, target, importOpts, origin, report)
	}

	report.Duration = time.Since(start)
	h.log.Info(fmt.Sprintf("Harvested %d layer(s) from %d artifact(s) into %s, %d failure(s)",
		len(report.Imported), report.Artifacts, filepath.Base(target.Path()), len(report.Failed)))
	return report, nil
}

func (h *Harvester) harvestArtifact(ctx context.Context, a Artifact, target container.Container,
	opts container.ImportOptions, origin map[string]string, report *Report) {

	src, closeFn, err := h.open(a)
	if err != nil {
		h.log.Warn(fmt.Sprintf("Cannot open %s artifact %s: %v", a.Kind, a.Path, err))
		report.Failed = append(report.Failed, LayerFailure{Source: a.Path, Err: err})
		return
	}
	defer closeFn()

	layers, err := src.ListLayers(ctx)
	if err != nil {
		h.log.Warn(fmt.Sprintf("Cannot list layers of %s: %v", a.Path, err))
		report.Failed = append(report.Failed, LayerFailure{Source: a.Path, Err: err})
		return
	}

	for _, name := range layers {
		n, err := container.Import(ctx, target, src, name, name, opts)
		if err != nil {
			h.log.Warn(fmt.Sprintf("Failed to import layer %q from %s: %v", name, a.Path, err))
			report.Failed = append(report.Failed, LayerFailure{Source: a.Path, Layer: name, Err: err})
			continue
		}
		if prev, ok := origin[name]; ok && prev != a.Path {
			h.log.Warn(fmt.Sprintf("Layer %q from %s replaces the copy imported from %s", name, a.Path, prev))
		}
		origin[name] = a.Path
		report.Imported = append(report.Imported, ImportedLayer{Source: a.Path, Layer: name, Features: n})
		h.log.Info(fmt.Sprintf("Imported layer %q from %s (%d features)", name, a.Path, n))
	}
}

func (h *Harvester) open(a Artifact) (container.Source, func(), error) {
	if a.Kind == KindFile {
		src, err := container.OpenFileSource(a.Path)
		return src, func() {}, err
	}
	c, err := container.Open(a.Path, h.opts.Capabilities)
	if err != nil {
		return nil, nil, err
	}
	return c, func() { c.Close() }, nil
}
