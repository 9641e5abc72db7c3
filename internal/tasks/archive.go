package tasks

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/psantana5/hazardsync/internal/runner"
	"github.com/psantana5/hazardsync/pkg/container"
)

// ArchiveParams configures an archive task. Without Layer the extracted
// artifacts stay in the staging area for the harvester; with Layer one
// member is imported directly and the extraction is removed.
type ArchiveParams struct {
	Source string `yaml:"source"`
	Layer  string `yaml:"layer"`
	// Member is a glob matched against the slash-separated path inside the
	// archive or against the base name
	Member         string   `yaml:"member"`
	SourceLayer    string   `yaml:"source_layer"`
	AssumeCRS      string   `yaml:"assume_crs"`
	RequiredFields []string `yaml:"required_fields"`
	KeepExtracted  bool     `yaml:"keep_extracted"`
}

func newArchive(deps Deps) Factory {
	return func(params map[string]any) (runner.Plugin, error) {
		var ap ArchiveParams
		if err := decode(params, &ap); err != nil {
			return nil, err
		}
		if ap.Source == "" {
			return nil, errors.New("source is required")
		}
		if ap.Layer != "" && ap.Member == "" {
			return nil, errors.New("member is required when layer is set")
		}
		if ap.Member != "" {
			if _, err := path.Match(ap.Member, ""); err != nil {
				return nil, fmt.Errorf("invalid member pattern %q: %w", ap.Member, err)
			}
		}
		assume, err := container.ParseCRS(ap.AssumeCRS)
		if err != nil {
			return nil, err
		}

		return func(ctx context.Context, p runner.Params) runner.Result {
			return ap.run(ctx, deps, p, assume)
		}, nil
	}
}

func (ap ArchiveParams) run(ctx context.Context, deps Deps, p runner.Params, assume container.CRS) runner.Result {
	log := logger(p)
	if p.StagingDir == "" {
		return runner.Failf("no staging directory")
	}

	log.Infof("Downloading %s", ap.Source)
	zipPath, err := deps.fetchSource(ctx, log, ap.Source, p.StagingDir, archiveName(ap.Source))
	if err != nil {
		return runner.Fail(err)
	}

	stem := strings.TrimSuffix(filepath.Base(zipPath), filepath.Ext(zipPath))
	dir := filepath.Join(p.StagingDir, stem)
	files, err := extractZip(ctx, zipPath, dir)
	if err != nil {
		return runner.Fail(err)
	}
	log.Infof("Extracted %d file(s) to %s", len(files), dir)
	if len(files) == 0 {
		return runner.None()
	}

	if ap.Layer == "" {
		return runner.Ok(files)
	}

	member, err := findMember(dir, ap.Member)
	if err != nil {
		return runner.Fail(err)
	}
	src, closeSrc, err := openSource(member, p.Capabilities)
	if err != nil {
		return runner.Fail(err)
	}
	layer, err := pickLayer(ctx, src, ap.SourceLayer)
	if err == nil {
		var n int
		n, err = importLayer(ctx, p, src, layer, ap.Layer, assume, ap.RequiredFields)
		if err == nil {
			log.Infof("Imported %d feature(s) from %s as %s", n, filepath.Base(member), ap.Layer)
		}
	}
	closeSrc()
	if err != nil {
		return runner.Fail(err)
	}

	if !ap.KeepExtracted {
		if err := os.RemoveAll(dir); err != nil {
			log.Warnf("Could not remove extraction directory %s: %v", dir, err)
		}
	}
	return runner.Ok([]string{ap.Layer})
}

// archiveName derives a local file name for a downloaded archive
func archiveName(source string) string {
	name := filepath.Base(source)
	if isURL(source) {
		name = "download.zip"
		if u, err := url.Parse(source); err == nil {
			if base := path.Base(u.Path); strings.EqualFold(path.Ext(base), ".zip") {
				name = base
			}
		}
	}
	return name
}

// extractZip unpacks every entry of the archive below dest and returns
// the extracted file paths relative to dest
func extractZip(ctx context.Context, zipPath, dest string) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", zipPath, err)
	}
	defer r.Close()

	root := filepath.Clean(dest)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}

	var files []string
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return nil, fmt.Errorf("archive entry %q escapes the extraction directory", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return nil, err
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return nil, err
		}
		rel, _ := filepath.Rel(root, target)
		files = append(files, filepath.ToSlash(rel))
	}
	sort.Strings(files)
	return files, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return out.Close()
}

// findMember returns the first artifact below root, in lexical order,
// whose relative path or base name matches pattern. Native container
// directories are matched as a whole.
func findMember(root, pattern string) (string, error) {
	var matches []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		isNative := d.IsDir() && strings.EqualFold(filepath.Ext(p), container.BackendNative.Ext())
		if d.IsDir() && !isNative {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		rel = filepath.ToSlash(rel)
		if ok, _ := path.Match(pattern, rel); ok {
			matches = append(matches, p)
		} else if ok, _ := path.Match(pattern, d.Name()); ok {
			matches = append(matches, p)
		}
		if isNative {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no archive member matches %q", pattern)
	}
	sort.Strings(matches)
	return matches[0], nil
}
