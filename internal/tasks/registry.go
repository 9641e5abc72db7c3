// Package tasks holds the task plugin kinds a run can be configured with
// and the registry that turns configured task descriptors into runnable
// tasks.
package tasks

import (
	"fmt"
	"sort"

	"github.com/psantana5/hazardsync/internal/config"
	"github.com/psantana5/hazardsync/internal/runner"
)

// Factory decodes a task's params block and returns its plugin
type Factory func(params map[string]any) (runner.Plugin, error)

// KindInfo describes a registered plugin kind
type KindInfo struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

type entry struct {
	info    KindInfo
	factory Factory
}

// Registry maps plugin kinds to factories
type Registry struct {
	kinds map[string]entry
}

// NewRegistry returns a registry with the built-in kinds
func NewRegistry(deps Deps) *Registry {
	deps = deps.withDefaults()
	r := &Registry{kinds: make(map[string]entry)}
	r.Register("archive", "extract a zip archive and optionally import one artifact as a layer", newArchive(deps))
	r.Register("feature_service", "page through an ArcGIS feature service query as GeoJSON", newFeatureService(deps))
	r.Register("csv_points", "build a point layer from a CSV with latitude and longitude columns", newCSVPoints(deps))
	r.Register("copy_layer", "copy a layer from an existing container or file", newCopyLayer())
	return r
}

// Register adds or replaces a kind
func (r *Registry) Register(kind, description string, f Factory) {
	r.kinds[kind] = entry{info: KindInfo{Kind: kind, Description: description}, factory: f}
}

// Kinds lists the registered kinds sorted by name
func (r *Registry) Kinds() []KindInfo {
	out := make([]KindInfo, 0, len(r.kinds))
	for _, e := range r.kinds {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Build turns enabled task descriptors into runnable tasks, preserving
// order. An unknown kind or invalid params fails the whole build so a
// misconfigured run never starts.
func (r *Registry) Build(cfgs []config.TaskConfig) ([]runner.Task, error) {
	tasks := make([]runner.Task, 0, len(cfgs))
	for _, c := range cfgs {
		if !c.IsEnabled() {
			continue
		}
		e, ok := r.kinds[c.Kind]
		if !ok {
			return nil, fmt.Errorf("task %q: unknown kind %q", c.Name, c.Kind)
		}
		plugin, err := e.factory(c.Params)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", c.Name, err)
		}
		tasks = append(tasks, runner.Task{
			Name:    c.Name,
			Kind:    c.Kind,
			Plugin:  plugin,
			Timeout: c.Timeout,
			Params:  runner.Params{Extra: c.Params},
		})
	}
	return tasks, nil
}

func decode(params map[string]any, out any) error {
	return config.DecodeParams(params, out)
}
