package harvest

import (
	"strings"
)

// FilterConfig defines which parts of a search root are scanned
type FilterConfig struct {
	// Extensions the harvester picks up (empty = every supported kind).
	// Entries are matched case-insensitively and may omit the dot.
	AllowedExtensions []string
	// Directory base names never descended into
	BlockedDirs []string
	// Base-name prefixes skipped for files and directories alike
	BlockedPrefixes []string
}

// NewFilterConfig creates the default filter: every supported kind, with
// VCS metadata, archive extraction debris and hidden entries skipped
func NewFilterConfig() *FilterConfig {
	return &FilterConfig{
		AllowedExtensions: []string{},
		BlockedDirs:       []string{".git", "__MACOSX"},
		BlockedPrefixes:   []string{"."},
	}
}

// ShouldDescend reports whether a directory is walked
func (f *FilterConfig) ShouldDescend(name string) bool {
	for _, d := range f.BlockedDirs {
		if strings.EqualFold(d, name) {
			return false
		}
	}
	return !f.hasBlockedPrefix(name)
}

// ShouldHarvest reports whether an artifact with the given base name and
// extension is harvested
func (f *FilterConfig) ShouldHarvest(name, ext string) bool {
	if f.hasBlockedPrefix(name) {
		return false
	}
	if len(f.AllowedExtensions) == 0 {
		return true
	}
	for _, allowed := range f.AllowedExtensions {
		if strings.EqualFold(normalizeExt(allowed), ext) {
			return true
		}
	}
	return false
}

func (f *FilterConfig) hasBlockedPrefix(name string) bool {
	for _, p := range f.BlockedPrefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
