package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/psantana5/hazardsync/internal/runner"
	"github.com/psantana5/hazardsync/pkg/container"
	"github.com/psantana5/hazardsync/pkg/logging"
)

// CopyLayerParams configures a copy_layer task
type CopyLayerParams struct {
	Source      string `yaml:"source"`
	SourceLayer string `yaml:"source_layer"`
	// Layer defaults to the source layer name
	Layer          string   `yaml:"layer"`
	AssumeCRS      string   `yaml:"assume_crs"`
	RequiredFields []string `yaml:"required_fields"`
}

func newCopyLayer() Factory {
	return func(params map[string]any) (runner.Plugin, error) {
		var cp CopyLayerParams
		if err := decode(params, &cp); err != nil {
			return nil, err
		}
		if cp.Source == "" {
			return nil, errors.New("source is required")
		}
		assume, err := container.ParseCRS(cp.AssumeCRS)
		if err != nil {
			return nil, err
		}

		return func(ctx context.Context, p runner.Params) runner.Result {
			src, closeSrc, err := openSource(cp.Source, p.Capabilities)
			if err != nil {
				return runner.Fail(err)
			}
			defer closeSrc()

			layer, err := pickLayer(ctx, src, cp.SourceLayer)
			if err != nil {
				return runner.Fail(err)
			}
			name := cp.Layer
			if name == "" {
				name = layer
			}
			n, err := importLayer(ctx, p, src, layer, name, assume, cp.RequiredFields)
			if err != nil {
				return runner.Fail(err)
			}
			logger(p).Infof("Copied %d feature(s) from %s into %s", n, layer, name)
			return runner.Ok([]string{name})
		}, nil
	}
}

func logger(p runner.Params) *logging.Logger {
	if p.Log == nil {
		return logging.Discard()
	}
	return p.Log
}

// openSource opens a container or a loose artifact for reading
func openSource(path string, caps container.Capabilities) (container.Source, func(), error) {
	if container.IsFileSourcePath(path) {
		fs, err := container.OpenFileSource(path)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	}
	c, err := container.Open(path, caps)
	if err != nil {
		return nil, nil, err
	}
	return c, func() { c.Close() }, nil
}

// pickLayer returns name when given, otherwise the source's only layer
func pickLayer(ctx context.Context, src container.Source, name string) (string, error) {
	if name != "" {
		return name, nil
	}
	layers, err := src.ListLayers(ctx)
	if err != nil {
		return "", err
	}
	if len(layers) != 1 {
		return "", fmt.Errorf("%s holds %d layers; set source_layer", src.Path(), len(layers))
	}
	return layers[0], nil
}

// missingFields returns the required fields absent from the layer,
// compared case-insensitively
func missingFields(l *container.Layer, required []string) []string {
	have := make(map[string]struct{})
	for _, f := range l.Fields() {
		have[strings.ToLower(f)] = struct{}{}
	}
	var missing []string
	for _, r := range required {
		if _, ok := have[strings.ToLower(r)]; !ok {
			missing = append(missing, r)
		}
	}
	sort.Strings(missing)
	return missing
}

// importLayer copies one source layer into the task's destination
// container. Missing required fields are only warned about.
func importLayer(ctx context.Context, p runner.Params, src container.Source, srcLayer, dstLayer string, assume container.CRS, required []string) (int, error) {
	if p.Destination == "" {
		return 0, errors.New("no destination container")
	}
	dst, err := container.Open(p.Destination, p.Capabilities)
	if err != nil {
		return 0, err
	}
	defer dst.Close()

	if len(required) > 0 {
		l, err := src.ReadLayer(ctx, srcLayer)
		if err != nil {
			return 0, err
		}
		if missing := missingFields(l, required); len(missing) > 0 {
			logger(p).Warnf("%d required field(s) missing from %s: %s",
				len(missing), srcLayer, strings.Join(missing, ", "))
		}
	}
	return container.Import(ctx, dst, src, srcLayer, dstLayer, container.ImportOptions{FallbackCRS: assume})
}
