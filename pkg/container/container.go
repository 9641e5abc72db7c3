// Package container implements the persistent layer containers a hazard run
// writes into.
//
// Two interchangeable backends share one interface:
//
//   - native: a directory (".gdb") holding one transactionally replaced file
//     per layer. Creating or writing requires the native runtime capability;
//     reading does not.
//   - package: a single SQLite file (".gpkg") in GeoPackage layout, usable on
//     any host.
//
// The backend of a path is inferred from its extension wherever a path rather
// than a live handle is passed around.
package container

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Backend identifies a container format
type Backend string

const (
	BackendNative  Backend = "native"
	BackendPackage Backend = "package"
)

// Path extensions for each backend
const (
	NativeExt  = ".gdb"
	PackageExt = ".gpkg"
)

// Ext returns the path extension used by the backend
func (b Backend) Ext() string {
	if b == BackendNative {
		return NativeExt
	}
	return PackageExt
}

// ParseBackend parses a backend name ("native"/"gdb" or "package"/"gpkg")
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "native", "gdb", ".gdb":
		return BackendNative, nil
	case "package", "gpkg", ".gpkg", "":
		return BackendPackage, nil
	default:
		return "", fmt.Errorf("unknown container backend %q", s)
	}
}

// BackendForPath infers the backend from a container path's extension
func BackendForPath(path string) (Backend, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case NativeExt:
		return BackendNative, true
	case PackageExt:
		return BackendPackage, true
	default:
		return "", false
	}
}

// Capabilities describes which backend runtimes are present on this host.
// It is detected once and passed by value to whatever needs it.
type Capabilities struct {
	Native        bool
	NativeRuntime string
}

// DetectCapabilities reports the native backend as available when the
// configured runtime path exists.
func DetectCapabilities(runtimePath string) Capabilities {
	caps := Capabilities{NativeRuntime: runtimePath}
	if runtimePath == "" {
		return caps
	}
	if _, err := os.Stat(runtimePath); err == nil {
		caps.Native = true
	}
	return caps
}

// Supports reports whether containers of the backend can be created here
func (c Capabilities) Supports(b Backend) bool {
	switch b {
	case BackendNative:
		return c.Native
	case BackendPackage:
		return true
	default:
		return false
	}
}

// SelectBackend picks the processing backend for a run: native when it is
// preferred and its runtime is present, package otherwise.
func SelectBackend(caps Capabilities, preferNative bool) Backend {
	if preferNative && caps.Native {
		return BackendNative
	}
	return BackendPackage
}

// Source is anything layers can be read from: a container or a loose
// single-layer artifact.
type Source interface {
	Path() string
	ListLayers(ctx context.Context) ([]string, error)
	ReadLayer(ctx context.Context, name string) (*Layer, error)
}

// Container is a persistent, named collection of layers
type Container interface {
	Source
	Backend() Backend
	// WriteLayer stores the layer under layer.Name, replacing any layer
	// with the same name.
	WriteLayer(ctx context.Context, layer *Layer) error
	Close() error
}

// Create creates an empty container at path, or opens it if one already
// exists there.
func Create(path string, backend Backend, caps Capabilities) (Container, error) {
	if !caps.Supports(backend) {
		return nil, newError(KindBackendUnavailable, "create", path, "",
			fmt.Errorf("%s runtime not present on this host", backend))
	}
	if want := backend.Ext(); !strings.EqualFold(filepath.Ext(path), want) {
		return nil, newError(KindUnsupported, "create", path, "",
			fmt.Errorf("%s containers must use the %s extension", backend, want))
	}

	switch backend {
	case BackendNative:
		return createNative(path, caps)
	default:
		return openPackage(path, true)
	}
}

// Open opens an existing container, inferring the backend from the path
func Open(path string, caps Capabilities) (Container, error) {
	backend, ok := BackendForPath(path)
	if !ok {
		return nil, newError(KindUnreadable, "open", path, "",
			fmt.Errorf("unrecognised container extension %q", filepath.Ext(path)))
	}

	switch backend {
	case BackendNative:
		return openNative(path, caps)
	default:
		return openPackage(path, false)
	}
}

// Remove deletes a container and any sidecar files it owns
func Remove(path string) error {
	backend, ok := BackendForPath(path)
	if !ok {
		return fmt.Errorf("refusing to remove %s: not a container path", path)
	}
	if backend == BackendNative {
		return os.RemoveAll(path)
	}
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// CanonicalPath returns the absolute, symlink-resolved form of path. Paths
// that do not exist yet are only made absolute.
func CanonicalPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// SamePath reports whether two paths refer to the same location
func SamePath(a, b string) bool {
	return CanonicalPath(a) == CanonicalPath(b)
}
