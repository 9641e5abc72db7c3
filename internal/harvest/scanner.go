package harvest

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/psantana5/hazardsync/pkg/container"
)

// ArtifactKind classifies what the scanner found
type ArtifactKind int

const (
	// KindFile is a loose single-layer artifact (.shp, .geojson)
	KindFile ArtifactKind = iota
	// KindPackage is a .gpkg file
	KindPackage
	// KindNative is a .gdb directory
	KindNative
)

func (k ArtifactKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindPackage:
		return "package"
	case KindNative:
		return "native"
	default:
		return "unknown"
	}
}

// Artifact is a discovered spatial artifact
type Artifact struct {
	Path string
	Kind ArtifactKind
}

// Scanner discovers spatial artifacts under a directory tree
type Scanner struct {
	filter   *FilterConfig
	excluded map[string]bool // canonical paths
	skipped  []string
}

// NewScanner creates a new artifact scanner
func NewScanner() *Scanner {
	return &Scanner{
		filter:   NewFilterConfig(),
		excluded: make(map[string]bool),
	}
}

// SetFilter sets the filtering rules for the scanner
func (s *Scanner) SetFilter(filter *FilterConfig) {
	if filter != nil {
		s.filter = filter
	}
}

// Exclude adds a path never reported or descended into
func (s *Scanner) Exclude(path string) {
	s.excluded[container.CanonicalPath(path)] = true
}

// Skipped returns the excluded paths encountered by the last scan
func (s *Scanner) Skipped() []string {
	return s.skipped
}

func classify(path string, isDir bool) (ArtifactKind, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	if isDir {
		return KindNative, ext == container.NativeExt
	}
	switch {
	case ext == container.PackageExt:
		return KindPackage, true
	case container.IsFileSourcePath(path):
		return KindFile, true
	}
	return 0, false
}

// Scan walks root in lexical order. Native containers are reported but not
// descended into. Unreadable subdirectories are skipped.
func (s *Scanner) Scan(ctx context.Context, root string) ([]Artifact, error) {
	s.skipped = nil
	var artifacts []Artifact

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return err
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		name := d.Name()
		if s.excluded[container.CanonicalPath(path)] {
			s.skipped = append(s.skipped, path)
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if path == root {
				return nil
			}
			if !s.filter.ShouldDescend(name) {
				return fs.SkipDir
			}
			if kind, ok := classify(path, true); ok {
				if s.filter.ShouldHarvest(name, container.NativeExt) {
					artifacts = append(artifacts, Artifact{Path: path, Kind: kind})
				}
				return fs.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() && d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		kind, ok := classify(path, false)
		if !ok || !s.filter.ShouldHarvest(name, strings.ToLower(filepath.Ext(name))) {
			return nil
		}
		artifacts = append(artifacts, Artifact{Path: path, Kind: kind})
		return nil
	})
	if err != nil {
		return artifacts, fmt.Errorf("failed to scan %s: %w", root, err)
	}
	return artifacts, nil
}
