// Package publish copies layers between containers: the end-of-run mirror
// from the processing container to the publish container, and ad-hoc
// backups of named layers.
package publish

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/psantana5/hazardsync/pkg/container"
	"github.com/psantana5/hazardsync/pkg/logging"
)

// ErrEmptySource is returned when the mirror source holds no layers. The
// run treats it as a warning.
var ErrEmptySource = errors.New("source container has no layers")

// ErrMissingLayers is returned by a RequireAll backup when requested layers
// are absent from the source. Nothing is copied.
var ErrMissingLayers = errors.New("requested layers missing from source")

// Options configures a Publisher
type Options struct {
	// FallbackCRS is applied to source layers that declare none
	FallbackCRS container.CRS
	// RequireAll makes Backup refuse to copy anything unless every
	// requested layer exists in the source
	RequireAll bool
}

// Failure records a layer that could not be copied
type Failure struct {
	Layer string
	Err   error
}

// Result summarises a mirror or backup
type Result struct {
	Source   string
	Dest     string
	NoOp     bool
	Copied   []string
	Failed   []Failure
	Missing  []string // backup only: requested names absent from the source
	Features int
	Duration time.Duration
}

// Publisher copies layers between containers
type Publisher struct {
	opts Options
	log  *logging.Logger
}

// New creates a publisher
func New(opts Options, log *logging.Logger) *Publisher {
	if log == nil {
		log = logging.Discard()
	}
	return &Publisher{opts: opts, log: log}
}

// Mirror copies every layer of src into dst under its own name. It is a
// no-op when both are the same container. A source with no layers yields
// ErrEmptySource; a layer that fails to copy is logged and skipped.
func (p *Publisher) Mirror(ctx context.Context, src, dst container.Container) (*Result, error) {
	start := time.Now()
	res := &Result{Source: src.Path(), Dest: dst.Path()}

	if src.Backend() == dst.Backend() && container.SamePath(src.Path(), dst.Path()) {
		res.NoOp = true
		p.log.Info(fmt.Sprintf("Mirror skipped: %s is already the publish container", filepath.Base(src.Path())))
		return res, nil
	}

	names, err := src.ListLayers(ctx)
	if err != nil {
		return res, err
	}
	if len(names) == 0 {
		p.log.Warn(fmt.Sprintf("Nothing to mirror: %s has no layers", src.Path()))
		return res, fmt.Errorf("%w: %s", ErrEmptySource, src.Path())
	}

	p.log.Info(fmt.Sprintf("Mirroring %d layer(s) from %s (%s) to %s (%s)",
		len(names), filepath.Base(src.Path()), src.Backend(), filepath.Base(dst.Path()), dst.Backend()))
	if err := p.copyLayers(ctx, src, dst, names, res); err != nil {
		return res, err
	}
	res.Duration = time.Since(start)
	return res, nil
}

// Backup copies the named layers of src into dst, reporting names the
// source does not hold. With RequireAll, any missing name aborts the backup
// before the first copy.
func (p *Publisher) Backup(ctx context.Context, src container.Source, dst container.Container, names []string) (*Result, error) {
	start := time.Now()
	res := &Result{Source: src.Path(), Dest: dst.Path()}

	available, err := src.ListLayers(ctx)
	if err != nil {
		return res, err
	}
	have := make(map[string]bool, len(available))
	for _, n := range available {
		have[n] = true
	}

	var present []string
	for _, n := range names {
		if !have[n] {
			res.Missing = append(res.Missing, n)
			p.log.Warn(fmt.Sprintf("Layer %q not found in %s", n, src.Path()))
			continue
		}
		present = append(present, n)
	}
	if p.opts.RequireAll && len(res.Missing) > 0 {
		return res, fmt.Errorf("%w: %s", ErrMissingLayers, strings.Join(res.Missing, ", "))
	}

	if err := p.copyLayers(ctx, src, dst, present, res); err != nil {
		return res, err
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (p *Publisher) copyLayers(ctx context.Context, src container.Source, dst container.Container, names []string, res *Result) error {
	opts := container.ImportOptions{FallbackCRS: p.opts.FallbackCRS}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := container.Import(ctx, dst, src, name, name, opts)
		if err != nil {
			p.log.Warn(fmt.Sprintf("Failed to copy layer %q to %s: %v", name, filepath.Base(dst.Path()), err))
			res.Failed = append(res.Failed, Failure{Layer: name, Err: err})
			continue
		}
		res.Copied = append(res.Copied, name)
		res.Features += n
		p.log.Info(fmt.Sprintf("Copied layer %q (%d features)", name, n))
	}
	return nil
}

// OpenPair opens an existing source container and creates (or opens) the
// destination, with the destination backend taken from its extension
func OpenPair(srcPath, dstPath string, caps container.Capabilities) (src, dst container.Container, err error) {
	src, err = container.Open(srcPath, caps)
	if err != nil {
		return nil, nil, err
	}
	backend, ok := container.BackendForPath(dstPath)
	if !ok {
		src.Close()
		return nil, nil, fmt.Errorf("cannot infer backend of %s", dstPath)
	}
	dst, err = container.Create(dstPath, backend, caps)
	if err != nil {
		src.Close()
		return nil, nil, err
	}
	return src, dst, nil
}
