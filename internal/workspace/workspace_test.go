package workspace

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/psantana5/hazardsync/pkg/container"
	"github.com/psantana5/hazardsync/pkg/logging"
)

var fixedNow = time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

func TestRunLabel(t *testing.T) {
	tests := []struct {
		tag  string
		want string
	}{
		{"", "HazardUpdates_20240601_0930"},
		{"nightly", "HazardUpdates_20240601_0930_nightly"},
		{" state wide/2024 ", "HazardUpdates_20240601_0930_state_wide_2024"},
		{"///", "HazardUpdates_20240601_0930"},
	}
	for _, tt := range tests {
		if got := RunLabel(fixedNow, tt.tag); got != tt.want {
			t.Errorf("RunLabel(%q) = %q, want %q", tt.tag, got, tt.want)
		}
	}
}

func TestPlan(t *testing.T) {
	native := container.Capabilities{Native: true, NativeRuntime: "/opt/runtime"}

	tests := []struct {
		name           string
		opts           Options
		wantProcessing string
		wantPublish    string
		wantMirror     bool
		wantFallback   bool
	}{
		{
			name:           "native processing with package publish",
			opts:           Options{Capabilities: native, PreferNative: true},
			wantProcessing: "L_processing.gdb",
			wantPublish:    "L.gpkg",
			wantMirror:     true,
		},
		{
			name:           "native unavailable falls back to package",
			opts:           Options{PreferNative: true},
			wantProcessing: "L.gpkg",
			wantPublish:    "L.gpkg",
			wantFallback:   true,
		},
		{
			name:           "package only",
			opts:           Options{Capabilities: native},
			wantProcessing: "L.gpkg",
			wantPublish:    "L.gpkg",
		},
		{
			name:           "native publish without runtime",
			opts:           Options{PublishBackend: container.BackendNative},
			wantProcessing: "L.gpkg",
			wantPublish:    "L.gpkg",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := NewManager(tt.opts).Plan("/data", "L")
			if filepath.Base(ws.ProcessingPath) != tt.wantProcessing {
				t.Errorf("processing = %s, want %s", ws.ProcessingPath, tt.wantProcessing)
			}
			if filepath.Base(ws.PublishPath) != tt.wantPublish {
				t.Errorf("publish = %s, want %s", ws.PublishPath, tt.wantPublish)
			}
			if ws.MirrorRequired != tt.wantMirror {
				t.Errorf("MirrorRequired = %v, want %v", ws.MirrorRequired, tt.wantMirror)
			}
			if ws.NativeFallback != tt.wantFallback {
				t.Errorf("NativeFallback = %v, want %v", ws.NativeFallback, tt.wantFallback)
			}
		})
	}
}

func TestProvisionNativeFallback(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.DEBUG, false)
	logger.SetOutput(&buf)

	m := NewManager(Options{
		Capabilities: container.DetectCapabilities(filepath.Join(t.TempDir(), "no-runtime")),
		PreferNative: true,
		Now:          func() time.Time { return fixedNow },
		Logger:       logger,
	})
	base := t.TempDir()
	ws, err := m.Provision(context.Background(), base, m.NextLabel(""))
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	if !strings.HasSuffix(ws.PublishPath, ".gpkg") {
		t.Errorf("publish path %s should use the package extension", ws.PublishPath)
	}
	if ws.ProcessingBackend != container.BackendPackage {
		t.Errorf("processing backend = %s, want package", ws.ProcessingBackend)
	}
	if !strings.Contains(buf.String(), "Native backend preferred") {
		t.Errorf("fallback was not logged: %s", buf.String())
	}
	for _, p := range []string{ws.RawDir, ws.PublishPath} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected %s to exist: %v", p, err)
		}
	}

	c, err := container.Open(ws.PublishPath, container.Capabilities{})
	if err != nil {
		t.Fatalf("publish container not openable: %v", err)
	}
	c.Close()
}

func TestProvisionNativeWithMirror(t *testing.T) {
	runtime := t.TempDir()
	m := NewManager(Options{
		Capabilities: container.DetectCapabilities(runtime),
		PreferNative: true,
	})
	ws, err := m.Provision(context.Background(), t.TempDir(), "HazardUpdates_test")
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if !ws.MirrorRequired {
		t.Fatal("expected MirrorRequired")
	}
	if info, err := os.Stat(ws.ProcessingPath); err != nil || !info.IsDir() {
		t.Errorf("native processing container should be a directory: %v", err)
	}
	if info, err := os.Stat(ws.PublishPath); err != nil || info.IsDir() {
		t.Errorf("package publish container should be a file: %v", err)
	}
}

func TestProvisionExistingRun(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	label := "HazardUpdates_20240601_0930"

	first, err := NewManager(Options{}).Provision(ctx, base, label)
	if err != nil {
		t.Fatal(err)
	}
	keep := filepath.Join(first.RawDir, "Wells", "download.zip")
	os.MkdirAll(filepath.Dir(keep), 0755)
	os.WriteFile(keep, []byte("data"), 0644)

	c, err := container.Open(first.PublishPath, container.Capabilities{})
	if err != nil {
		t.Fatal(err)
	}
	c.WriteLayer(ctx, container.NewLayer("Stale", container.EPSG(4326)))
	c.Close()

	if _, err := NewManager(Options{OnExisting: Reject}).Provision(ctx, base, label); !errors.Is(err, ErrRunExists) {
		t.Fatalf("expected ErrRunExists, got %v", err)
	}

	again, err := NewManager(Options{}).Provision(ctx, base, label)
	if err != nil {
		t.Fatalf("Provision() overwrite error = %v", err)
	}
	if !again.Reused {
		t.Error("expected Reused")
	}
	if _, err := os.Stat(keep); err != nil {
		t.Errorf("raw data should be kept: %v", err)
	}

	c, err = container.Open(again.PublishPath, container.Capabilities{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	names, _ := c.ListLayers(ctx)
	if len(names) != 0 {
		t.Errorf("expected purged container, got layers %v", names)
	}
}

func TestProvisionIOFailure(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "file")
	os.WriteFile(blocker, []byte("x"), 0644)

	tests := []struct {
		name string
		opts Options
		base string
	}{
		{"base is a file", Options{}, filepath.Join(blocker, "runs")},
		{"insufficient disk", Options{MinFreeBytes: 1 << 62}, base},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(tt.opts).Provision(context.Background(), tt.base, "L")
			if !errors.Is(err, ErrIOFailure) {
				t.Errorf("expected ErrIOFailure, got %v", err)
			}
		})
	}
}

func TestStagingDir(t *testing.T) {
	ws := &Workspace{RawDir: t.TempDir()}
	dir, err := ws.StagingDir("Flood Zones (FEMA)")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(dir) != "Flood_Zones_FEMA" {
		t.Errorf("unexpected staging dir %s", dir)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("staging dir not created: %v", err)
	}
}
