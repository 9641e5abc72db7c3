package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/paulmach/orb/geojson"
)

const (
	nativeManifest = "gdb.manifest"
	nativeLayerDir = "layers"
	nativeFormat   = "hazardsync-native"
	nativeVersion  = 1
)

type nativeManifestFile struct {
	Format  string `json:"format"`
	Version int    `json:"version"`
}

type nativeLayerFile struct {
	Name     string                     `json:"name"`
	CRS      CRS                        `json:"crs"`
	Features *geojson.FeatureCollection `json:"features"`
}

// NativeContainer is a directory container. Each layer lives in its own
// file under layers/, replaced atomically on write.
type NativeContainer struct {
	path string
	caps Capabilities
	mu   sync.Mutex
}

var _ Container = (*NativeContainer)(nil)

func createNative(path string, caps Capabilities) (*NativeContainer, error) {
	if _, err := os.Stat(path); err == nil {
		return openNative(path, caps)
	}

	if err := os.MkdirAll(filepath.Join(path, nativeLayerDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create native container %s: %w", path, err)
	}
	data, err := json.MarshalIndent(nativeManifestFile{Format: nativeFormat, Version: nativeVersion}, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := atomicWrite(filepath.Join(path, nativeManifest), data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	return &NativeContainer{path: path, caps: caps}, nil
}

func openNative(path string, caps Capabilities) (*NativeContainer, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, newError(KindUnreadable, "open", path, "", err)
	}
	if !info.IsDir() {
		return nil, newError(KindUnreadable, "open", path, "", errors.New("not a directory"))
	}

	data, err := os.ReadFile(filepath.Join(path, nativeManifest))
	if err != nil {
		return nil, newError(KindUnreadable, "open", path, "", err)
	}
	var m nativeManifestFile
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, newError(KindUnreadable, "open", path, "", fmt.Errorf("invalid manifest: %w", err))
	}
	if m.Format != nativeFormat || m.Version > nativeVersion {
		return nil, newError(KindUnreadable, "open", path, "",
			fmt.Errorf("unsupported manifest %s v%d", m.Format, m.Version))
	}
	return &NativeContainer{path: path, caps: caps}, nil
}

// Path returns the container directory
func (c *NativeContainer) Path() string { return c.path }

// Backend returns BackendNative
func (c *NativeContainer) Backend() Backend { return BackendNative }

// Close is a no-op; native containers hold no open handles
func (c *NativeContainer) Close() error { return nil }

func (c *NativeContainer) layerPath(name string) string {
	return filepath.Join(c.path, nativeLayerDir, url.PathEscape(name)+".json")
}

// ListLayers returns the stored layer names, sorted
func (c *NativeContainer) ListLayers(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(c.path, nativeLayerDir))
	if err != nil {
		return nil, newError(KindUnreadable, "list", c.path, "", err)
	}

	names := []string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name, err := url.PathUnescape(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ReadLayer loads the named layer file
func (c *NativeContainer) ReadLayer(ctx context.Context, name string) (*Layer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(c.layerPath(name))
	if os.IsNotExist(err) {
		return nil, newError(KindLayerNotFound, "read", c.path, name, nil)
	}
	if err != nil {
		return nil, newError(KindUnreadable, "read", c.path, name, err)
	}

	var lf nativeLayerFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, newError(KindUnreadable, "read", c.path, name, err)
	}
	if lf.Features == nil {
		lf.Features = geojson.NewFeatureCollection()
	}
	return &Layer{Name: name, CRS: lf.CRS, Features: lf.Features}, nil
}

// WriteLayer replaces the layer file. Requires the native runtime.
func (c *NativeContainer) WriteLayer(ctx context.Context, layer *Layer) error {
	if !c.caps.Native {
		return newError(KindBackendUnavailable, "write", c.path, layer.Name,
			errors.New("native runtime not present on this host"))
	}
	if layer.Name == "" {
		return newError(KindUnsupported, "write", c.path, layer.Name, errors.New("layer name is empty"))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	fc := layer.Features
	if fc == nil {
		fc = geojson.NewFeatureCollection()
	}
	data, err := json.Marshal(nativeLayerFile{Name: layer.Name, CRS: layer.CRS, Features: fc})
	if err != nil {
		return newError(KindUnsupported, "write", c.path, layer.Name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(c.path, nativeLayerDir), 0755); err != nil {
		return fmt.Errorf("failed to write layer %q to %s: %w", layer.Name, c.path, err)
	}
	if err := atomicWrite(c.layerPath(layer.Name), data, 0644); err != nil {
		return fmt.Errorf("failed to write layer %q to %s: %w", layer.Name, c.path, err)
	}
	return nil
}

// atomicWrite writes data to a temp file in the target directory and
// renames it into place
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
