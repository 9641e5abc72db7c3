package publish

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/psantana5/hazardsync/pkg/container"
	"github.com/psantana5/hazardsync/pkg/logging"
)

var nativeCaps = container.Capabilities{Native: true, NativeRuntime: "/opt/native"}

func seed(t *testing.T, c container.Container, layers map[string]container.CRS) {
	t.Helper()
	for name, crs := range layers {
		l := container.NewLayer(name, crs)
		l.Features.Append(geojson.NewFeature(orb.Point{1, 2}))
		if err := c.WriteLayer(context.Background(), l); err != nil {
			t.Fatal(err)
		}
	}
}

func names(t *testing.T, c container.Container) []string {
	t.Helper()
	n, err := c.ListLayers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestMirrorCopiesAllButFailingLayer(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	src, err := container.Create(filepath.Join(dir, "run_processing.gdb"), container.BackendNative, nativeCaps)
	if err != nil {
		t.Fatal(err)
	}
	dst, err := container.Create(filepath.Join(dir, "run.gpkg"), container.BackendPackage, nativeCaps)
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()

	seed(t, src, map[string]container.CRS{
		"Faults":      container.EPSG(4326),
		"FloodZones":  container.EPSG(26912),
		"Wells":       container.EPSG(4326),
		"Unprojected": {},
	})

	var buf bytes.Buffer
	log := logging.NewLogger(logging.INFO, false)
	log.SetOutput(&buf)

	res, err := New(Options{}, log).Mirror(ctx, src, dst)
	if err != nil {
		t.Fatalf("Mirror() error = %v", err)
	}

	want := []string{"Faults", "FloodZones", "Wells"}
	if got := names(t, dst); !reflect.DeepEqual(got, want) {
		t.Errorf("dst layers = %v, want %v", got, want)
	}
	if len(res.Failed) != 1 || res.Failed[0].Layer != "Unprojected" {
		t.Fatalf("expected Unprojected to fail, got %+v", res.Failed)
	}
	if !errors.Is(res.Failed[0].Err, container.ErrUndefinedProjection) {
		t.Errorf("unexpected failure %v", res.Failed[0].Err)
	}
	if !strings.Contains(buf.String(), `WARN: Failed to copy layer "Unprojected"`) {
		t.Errorf("failure not logged as warning:\n%s", buf.String())
	}

	// Mirroring again overwrites rather than duplicating
	if _, err := New(Options{}, nil).Mirror(ctx, src, dst); err != nil {
		t.Fatal(err)
	}
	l, err := dst.ReadLayer(ctx, "Wells")
	if err != nil {
		t.Fatal(err)
	}
	if l.Len() != 1 {
		t.Errorf("expected 1 feature after re-mirror, got %d", l.Len())
	}
}

func TestMirrorNoOpWhenSameContainer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.gpkg")
	c, err := container.Create(path, container.BackendPackage, container.Capabilities{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	res, err := New(Options{}, nil).Mirror(context.Background(), c, c)
	if err != nil {
		t.Fatalf("Mirror() error = %v", err)
	}
	if !res.NoOp {
		t.Error("expected a no-op mirror")
	}
}

func TestMirrorEmptySource(t *testing.T) {
	dir := t.TempDir()
	src, _ := container.Create(filepath.Join(dir, "a.gpkg"), container.BackendPackage, container.Capabilities{})
	defer src.Close()
	dst, _ := container.Create(filepath.Join(dir, "b.gpkg"), container.BackendPackage, container.Capabilities{})
	defer dst.Close()

	_, err := New(Options{}, nil).Mirror(context.Background(), src, dst)
	if !errors.Is(err, ErrEmptySource) {
		t.Errorf("expected ErrEmptySource, got %v", err)
	}
}

func TestBackup(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	src, err := container.Create(filepath.Join(dir, "live.gpkg"), container.BackendPackage, container.Capabilities{})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	seed(t, src, map[string]container.CRS{
		"Faults": container.EPSG(4326),
		"Wells":  container.EPSG(4326),
		"Zones":  container.EPSG(4326),
	})
	src.Close()

	srcC, dst, err := OpenPair(filepath.Join(dir, "live.gpkg"), filepath.Join(dir, "backup", "bak.gpkg"), container.Capabilities{})
	if err != nil {
		t.Fatalf("OpenPair() error = %v", err)
	}
	defer srcC.Close()
	defer dst.Close()

	res, err := New(Options{}, nil).Backup(ctx, srcC, dst, []string{"Wells", "Missing", "Faults"})
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if !reflect.DeepEqual(res.Copied, []string{"Wells", "Faults"}) {
		t.Errorf("Copied = %v", res.Copied)
	}
	if !reflect.DeepEqual(res.Missing, []string{"Missing"}) {
		t.Errorf("Missing = %v", res.Missing)
	}
	if got := names(t, dst); !reflect.DeepEqual(got, []string{"Faults", "Wells"}) {
		t.Errorf("dst layers = %v", got)
	}
}

func TestBackupRequireAll(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	src, err := container.Create(filepath.Join(dir, "updates.gpkg"), container.BackendPackage, container.Capabilities{})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	seed(t, src, map[string]container.CRS{
		"Faults": container.EPSG(4326),
		"Wells":  container.EPSG(4326),
	})
	dst, err := container.Create(filepath.Join(dir, "live.gpkg"), container.BackendPackage, container.Capabilities{})
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()

	p := New(Options{RequireAll: true}, nil)
	res, err := p.Backup(ctx, src, dst, []string{"Faults", "Landslides", "Wells"})
	if !errors.Is(err, ErrMissingLayers) {
		t.Fatalf("expected ErrMissingLayers, got %v", err)
	}
	if !reflect.DeepEqual(res.Missing, []string{"Landslides"}) {
		t.Errorf("Missing = %v", res.Missing)
	}
	if len(res.Copied) != 0 {
		t.Errorf("nothing should be copied, got %v", res.Copied)
	}
	if got := names(t, dst); len(got) != 0 {
		t.Errorf("dst layers = %v, want none", got)
	}

	res, err = p.Backup(ctx, src, dst, []string{"Faults", "Wells"})
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if !reflect.DeepEqual(res.Copied, []string{"Faults", "Wells"}) {
		t.Errorf("Copied = %v", res.Copied)
	}
}

func TestMirrorCaseOnlyNameCollision(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	src, err := container.Create(filepath.Join(dir, "run_processing.gdb"), container.BackendNative, nativeCaps)
	if err != nil {
		t.Fatal(err)
	}
	dst, err := container.Create(filepath.Join(dir, "run.gpkg"), container.BackendPackage, nativeCaps)
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()

	upper := container.NewLayer("Flood", container.EPSG(4326))
	upper.Features.Append(geojson.NewFeature(orb.Point{1, 2}))
	upper.Features.Append(geojson.NewFeature(orb.Point{3, 4}))
	if err := src.WriteLayer(ctx, upper); err != nil {
		t.Fatal(err)
	}
	seed(t, src, map[string]container.CRS{"flood": container.EPSG(4326)})

	res, err := New(Options{}, nil).Mirror(ctx, src, dst)
	if err != nil {
		t.Fatalf("Mirror() error = %v", err)
	}
	if !reflect.DeepEqual(res.Copied, []string{"Flood"}) {
		t.Errorf("Copied = %v, want [Flood]", res.Copied)
	}
	if len(res.Failed) != 1 || res.Failed[0].Layer != "flood" {
		t.Fatalf("expected flood to fail, got %+v", res.Failed)
	}
	if !errors.Is(res.Failed[0].Err, container.ErrNameConflict) {
		t.Errorf("unexpected failure %v", res.Failed[0].Err)
	}

	// The first layer survives intact
	if got := names(t, dst); !reflect.DeepEqual(got, []string{"Flood"}) {
		t.Errorf("dst layers = %v, want [Flood]", got)
	}
	l, err := dst.ReadLayer(ctx, "Flood")
	if err != nil {
		t.Fatal(err)
	}
	if l.Len() != 2 {
		t.Errorf("Flood features = %d, want 2", l.Len())
	}
}
