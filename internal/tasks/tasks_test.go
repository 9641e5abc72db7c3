package tasks

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/psantana5/hazardsync/internal/config"
	"github.com/psantana5/hazardsync/internal/runner"
	"github.com/psantana5/hazardsync/pkg/container"
	"github.com/psantana5/hazardsync/pkg/logging"
	"github.com/psantana5/hazardsync/pkg/ratelimit"
	"github.com/psantana5/hazardsync/pkg/retry"
)

const floodGeoJSON = `{"type":"FeatureCollection","features":[
{"type":"Feature","geometry":{"type":"Polygon","coordinates":[[[-112,40],[-111,40],[-111,41],[-112,40]]]},"properties":{"FLD_ZONE":"AE","SFHA_TF":"T"}}]}`

func testDeps(client *http.Client) Deps {
	return Deps{
		Client:  client,
		Limiter: ratelimit.NewLimiter(1000, 1000),
		Retry: retry.Config{
			MaxRetries:     2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
			Multiplier:     2,
		},
	}
}

// testParams returns params pointing at a fresh package container and
// staging directory, plus a buffer holding the task log
func testParams(t *testing.T) (runner.Params, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	dst := filepath.Join(dir, "proc.gpkg")
	c, err := container.Create(dst, container.BackendPackage, container.Capabilities{})
	if err != nil {
		t.Fatal(err)
	}
	c.Close()
	staging := filepath.Join(dir, "raw")
	if err := os.MkdirAll(staging, 0755); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	log := logging.NewLogger(logging.DEBUG, false)
	log.SetOutput(&buf)
	return runner.Params{Destination: dst, StagingDir: staging, Log: log}, &buf
}

func readLayer(t *testing.T, path, name string) *container.Layer {
	t.Helper()
	c, err := container.Open(path, container.Capabilities{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	l, err := c.ReadLayer(context.Background(), name)
	if err != nil {
		t.Fatalf("ReadLayer(%s) error = %v", name, err)
	}
	return l
}

func build(t *testing.T, deps Deps, kind string, params map[string]any) runner.Plugin {
	t.Helper()
	tasks, err := NewRegistry(deps).Build([]config.TaskConfig{{Name: "t", Kind: kind, Params: params}})
	if err != nil {
		t.Fatalf("Build(%s) error = %v", kind, err)
	}
	return tasks[0].Plugin
}

func TestRegistryBuild(t *testing.T) {
	r := NewRegistry(Deps{})
	var kinds []string
	for _, k := range r.Kinds() {
		kinds = append(kinds, k.Kind)
	}
	if got := strings.Join(kinds, ","); got != "archive,copy_layer,csv_points,feature_service" {
		t.Errorf("Kinds() = %s", got)
	}

	off := false
	tasks, err := r.Build([]config.TaskConfig{
		{Name: "Faults", Kind: "copy_layer", Timeout: time.Minute, Params: map[string]any{"source": "faults.shp"}},
		{Name: "Skipped", Kind: "copy_layer", Enabled: &off, Params: map[string]any{"source": "x.shp"}},
		{Name: "Wells", Kind: "csv_points", Params: map[string]any{"source": "wells.csv", "layer": "Wells"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 || tasks[0].Name != "Faults" || tasks[1].Name != "Wells" {
		t.Fatalf("unexpected tasks %+v", tasks)
	}
	if tasks[0].Timeout != time.Minute || tasks[0].Kind != "copy_layer" {
		t.Errorf("task fields not carried over: %+v", tasks[0])
	}

	tests := []struct {
		name string
		cfg  config.TaskConfig
	}{
		{"unknown kind", config.TaskConfig{Name: "x", Kind: "ftp"}},
		{"unknown param", config.TaskConfig{Name: "x", Kind: "copy_layer", Params: map[string]any{"source": "a.shp", "sauce": 1}}},
		{"missing source", config.TaskConfig{Name: "x", Kind: "archive"}},
		{"layer without member", config.TaskConfig{Name: "x", Kind: "archive", Params: map[string]any{"source": "a.zip", "layer": "L"}}},
		{"bad crs", config.TaskConfig{Name: "x", Kind: "copy_layer", Params: map[string]any{"source": "a.shp", "assume_crs": "mars"}}},
		{"missing url", config.TaskConfig{Name: "x", Kind: "feature_service", Params: map[string]any{"layer": "L"}}},
		{"long delimiter", config.TaskConfig{Name: "x", Kind: "csv_points", Params: map[string]any{"source": "a.csv", "layer": "L", "delimiter": ";;"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Build([]config.TaskConfig{tt.cfg}); err == nil {
				t.Error("expected a build error")
			}
		})
	}
}

func TestFeatureServicePaging(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/arcgis/FeatureServer/0/query" {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		queries = append(queries, q.Get("resultOffset"))
		if q.Get("outSR") != "3857" || q.Get("where") != "1=1" || q.Get("f") != "geojson" {
			http.Error(w, "bad query "+r.URL.RawQuery, http.StatusBadRequest)
			return
		}
		switch q.Get("resultOffset") {
		case "0":
			fmt.Fprint(w, `{"type":"FeatureCollection","exceededTransferLimit":true,"features":[
{"type":"Feature","geometry":{"type":"Point","coordinates":[1,2]},"properties":{"NAME":"a"}},
{"type":"Feature","geometry":{"type":"Point","coordinates":[3,4]},"properties":{"NAME":"b"}}]}`)
		case "2":
			fmt.Fprint(w, `{"type":"FeatureCollection","features":[
{"type":"Feature","geometry":{"type":"Point","coordinates":[5,6]},"properties":{"NAME":"c"}}]}`)
		default:
			http.Error(w, "unexpected offset", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	plugin := build(t, testDeps(srv.Client()), "feature_service", map[string]any{
		"url":             srv.URL + "/arcgis/FeatureServer/0/",
		"layer":           "Quakes",
		"page_size":       2,
		"expected_fields": []string{"name"},
	})
	p, _ := testParams(t)
	res := plugin(context.Background(), p)
	if res.Err() != nil {
		t.Fatalf("plugin failed: %v", res.Err())
	}
	if got := strings.Join(queries, ","); got != "0,2" {
		t.Errorf("offsets requested = %s, want 0,2", got)
	}

	l := readLayer(t, p.Destination, "Quakes")
	if l.Len() != 3 {
		t.Errorf("features = %d, want 3", l.Len())
	}
	if l.CRS.EPSGCode() != 3857 {
		t.Errorf("CRS = %s, want EPSG:3857", l.CRS)
	}
}

func TestFeatureServiceFailures(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "missing fields",
			body:    `{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[1,2]},"properties":{"NAME":"a"}}]}`,
			wantErr: "2 Missing Fields in Input Data: MAG, SOURCE",
		},
		{
			name:    "service error",
			body:    `{"error":{"code":400,"message":"Invalid query","details":["where clause"]}}`,
			wantErr: "feature service error 400: Invalid query: where clause",
		},
		{
			name:    "not geojson",
			body:    `<html>maintenance</html>`,
			wantErr: "invalid GeoJSON page",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			plugin := build(t, testDeps(srv.Client()), "feature_service", map[string]any{
				"url":             srv.URL,
				"layer":           "Quakes",
				"expected_fields": []string{"SOURCE", "NAME", "MAG"},
			})
			p, _ := testParams(t)
			res := plugin(context.Background(), p)
			if res.Err() == nil || !strings.Contains(res.Err().Error(), tt.wantErr) {
				t.Errorf("error = %v, want %q", res.Err(), tt.wantErr)
			}
		})
	}
}

func TestFeatureServiceEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"type":"FeatureCollection","features":[]}`)
	}))
	defer srv.Close()

	plugin := build(t, testDeps(srv.Client()), "feature_service", map[string]any{"url": srv.URL, "layer": "Quakes"})
	p, _ := testParams(t)
	res := plugin(context.Background(), p)
	if res.Err() != nil || res.Value() != nil {
		t.Errorf("expected no result, got value=%v err=%v", res.Value(), res.Err())
	}
}

func TestFetchRetries(t *testing.T) {
	tests := []struct {
		name      string
		codes     []int
		wantCalls int32
		wantErr   bool
	}{
		{"recovers from 503", []int{503, 200}, 2, false},
		{"recovers from 429", []int{429, 429, 200}, 3, false},
		{"gives up after max retries", []int{502, 502, 502, 502}, 3, true},
		{"404 is permanent", []int{404, 200}, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt32(&calls, 1)
				code := tt.codes[n-1]
				if code != http.StatusOK {
					http.Error(w, "nope", code)
					return
				}
				fmt.Fprint(w, "ok")
			}))
			defer srv.Close()

			body, err := testDeps(srv.Client()).getBytes(context.Background(), nil, srv.URL)
			if (err != nil) != tt.wantErr {
				t.Fatalf("getBytes() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && string(body) != "ok" {
				t.Errorf("body = %q", body)
			}
			if got := atomic.LoadInt32(&calls); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := map[string]time.Duration{
		"":                              0,
		"3":                             3 * time.Second,
		"-1":                            0,
		"soon":                          0,
		"Sat, 01 Jun 2024 12:00:30 GMT": 30 * time.Second,
		"Sat, 01 Jun 2024 11:00:00 GMT": 0,
	}
	for in, want := range tests {
		if got := retryAfter(in, now); got != want {
			t.Errorf("retryAfter(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFetchLogsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	var buf bytes.Buffer
	log := logging.NewLogger(logging.DEBUG, false)
	log.SetOutput(&buf)
	deps := testDeps(srv.Client())
	deps.Retry.MaxBackoff = 5 * time.Millisecond
	if _, err := deps.getBytes(context.Background(), log, srv.URL); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "Retrying") || !strings.Contains(buf.String(), "(1/2)") {
		t.Errorf("retry not logged:\n%s", buf.String())
	}
}

func TestFetchSetsUserAgent(t *testing.T) {
	var agent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	if _, err := testDeps(srv.Client()).getBytes(context.Background(), nil, srv.URL); err != nil {
		t.Fatal(err)
	}
	if agent != "hazardsync" {
		t.Errorf("User-Agent = %q", agent)
	}
}

func TestNormalizeHeader(t *testing.T) {
	tests := map[string]string{
		"Name":      "Name",
		" 2020Pop ": "_2020Pop",
		"\ufeffLat": "Lat",
		"":          "",
	}
	for in, want := range tests {
		if got := normalizeHeader(in); got != want {
			t.Errorf("normalizeHeader(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCSVPoints(t *testing.T) {
	p, logBuf := testParams(t)
	src := filepath.Join(t.TempDir(), "wells.csv")
	csvData := "Name,2020Depth,LAT,LON\n" +
		"Alpha,10,40.5,-111.9\n" +
		"Bravo,,41.0,-112.0\n" +
		"Charlie,5,unknown,-112.1\n" +
		"Delta,7\n"
	if err := os.WriteFile(src, []byte(csvData), 0644); err != nil {
		t.Fatal(err)
	}

	plugin := build(t, Deps{}, "csv_points", map[string]any{
		"source":    src,
		"layer":     "Wells",
		"lat_field": "lat",
		"lon_field": "lon",
	})
	res := plugin(context.Background(), p)
	if res.Err() != nil {
		t.Fatalf("plugin failed: %v", res.Err())
	}

	l := readLayer(t, p.Destination, "Wells")
	if l.Len() != 2 {
		t.Fatalf("points = %d, want 2", l.Len())
	}
	f := l.Features.Features[0]
	if f.Properties["Name"] != "Alpha" || f.Properties["_2020Depth"] != "10" {
		t.Errorf("properties = %v", f.Properties)
	}
	if _, ok := f.Properties["LAT"]; ok {
		t.Error("coordinate columns should not be copied as attributes")
	}

	missed, err := os.ReadFile(filepath.Join(p.StagingDir, "Wells_missed.csv"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(missed)), "\n")
	if len(lines) != 3 || lines[0] != "Name,_2020Depth,LAT,LON" || !strings.HasPrefix(lines[2], "Delta,7,,") {
		t.Errorf("missed file = %q", missed)
	}
	if !strings.Contains(logBuf.String(), "2 row(s) without usable coordinates") {
		t.Errorf("missed rows should be warned about:\n%s", logBuf)
	}
}

func TestCSVPointsMissingColumns(t *testing.T) {
	p, _ := testParams(t)
	src := filepath.Join(t.TempDir(), "wells.csv")
	if err := os.WriteFile(src, []byte("Name,X,Y\nA,1,2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	res := build(t, Deps{}, "csv_points", map[string]any{"source": src, "layer": "Wells"})(context.Background(), p)
	if res.Err() == nil {
		t.Error("expected failure for missing coordinate columns")
	}
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestArchiveExtractOnly(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "NFHL_49.zip")
	writeZip(t, zipPath, map[string]string{
		"NFHL/S_FLD_HAZ_AR.geojson": floodGeoJSON,
		"NFHL/readme.txt":           "flood data",
	})

	p, _ := testParams(t)
	res := build(t, Deps{}, "archive", map[string]any{"source": zipPath})(context.Background(), p)
	if res.Err() != nil {
		t.Fatal(res.Err())
	}
	files, _ := res.Value().([]string)
	if strings.Join(files, ",") != "NFHL/S_FLD_HAZ_AR.geojson,NFHL/readme.txt" {
		t.Errorf("extracted = %v", files)
	}
	if _, err := os.Stat(filepath.Join(p.StagingDir, "NFHL_49", "NFHL", "S_FLD_HAZ_AR.geojson")); err != nil {
		t.Errorf("artifact should stay in staging for the harvester: %v", err)
	}
}

func TestArchiveImportMemberOverHTTP(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "src.zip")
	writeZip(t, zipPath, map[string]string{
		"NFHL/S_FLD_HAZ_AR.geojson": floodGeoJSON,
		"NFHL/S_FIRM_PAN.geojson":   floodGeoJSON,
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, zipPath)
	}))
	defer srv.Close()

	p, logBuf := testParams(t)
	plugin := build(t, testDeps(srv.Client()), "archive", map[string]any{
		"source":          srv.URL + "/data/NFHL_49.zip",
		"layer":           "FloodZones",
		"member":          "S_FLD_HAZ_AR.*",
		"required_fields": []string{"SFHA_TF", "STATIC_BFE"},
	})
	res := plugin(context.Background(), p)
	if res.Err() != nil {
		t.Fatalf("plugin failed: %v", res.Err())
	}

	if l := readLayer(t, p.Destination, "FloodZones"); l.Len() != 1 {
		t.Errorf("features = %d, want 1", l.Len())
	}
	if _, err := os.Stat(filepath.Join(p.StagingDir, "NFHL_49.zip")); err != nil {
		t.Errorf("downloaded archive should be kept in staging: %v", err)
	}
	if _, err := os.Stat(filepath.Join(p.StagingDir, "NFHL_49")); !os.IsNotExist(err) {
		t.Error("extraction directory should be removed after import")
	}
	if !strings.Contains(logBuf.String(), "1 required field(s) missing from S_FLD_HAZ_AR: STATIC_BFE") {
		t.Errorf("missing required field should be warned about:\n%s", logBuf)
	}
}

func TestArchiveMemberNotFound(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "a.zip")
	writeZip(t, zipPath, map[string]string{"x.geojson": floodGeoJSON})

	p, _ := testParams(t)
	res := build(t, Deps{}, "archive", map[string]any{
		"source": zipPath, "layer": "L", "member": "*.shp",
	})(context.Background(), p)
	if res.Err() == nil || !strings.Contains(res.Err().Error(), "no archive member matches") {
		t.Errorf("error = %v", res.Err())
	}
}

func TestExtractZipRejectsTraversal(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "evil.zip")
	writeZip(t, zipPath, map[string]string{"../../escape.txt": "boom"})

	dest := filepath.Join(t.TempDir(), "out")
	if _, err := extractZip(context.Background(), zipPath, dest); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dest), "..", "escape.txt")); !os.IsNotExist(err) {
		t.Error("entry escaped the extraction directory")
	}
}

func TestArchiveName(t *testing.T) {
	tests := map[string]string{
		"/data/flood.zip":                        "flood.zip",
		"https://example.com/dl/NFHL_49.zip?x=1": "NFHL_49.zip",
		"https://example.com/download?id=7":      "download.zip",
	}
	for in, want := range tests {
		if got := archiveName(in); got != want {
			t.Errorf("archiveName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCopyLayer(t *testing.T) {
	src := filepath.Join(t.TempDir(), "S_FLD_HAZ_AR.geojson")
	if err := os.WriteFile(src, []byte(floodGeoJSON), 0644); err != nil {
		t.Fatal(err)
	}

	p, _ := testParams(t)
	res := build(t, Deps{}, "copy_layer", map[string]any{"source": src})(context.Background(), p)
	if res.Err() != nil {
		t.Fatal(res.Err())
	}
	if got, _ := res.Value().([]string); len(got) != 1 || got[0] != "S_FLD_HAZ_AR" {
		t.Errorf("value = %v", res.Value())
	}
	l := readLayer(t, p.Destination, "S_FLD_HAZ_AR")
	if l.Len() != 1 || l.CRS.EPSGCode() != 4326 {
		t.Errorf("layer = %d features, CRS %s", l.Len(), l.CRS)
	}
}

func TestCopyLayerFromContainer(t *testing.T) {
	srcPath := filepath.Join(t.TempDir(), "upstream.gpkg")
	c, err := container.Create(srcPath, container.BackendPackage, container.Capabilities{})
	if err != nil {
		t.Fatal(err)
	}
	fl, err := container.ParseGeoJSON("Flood", []byte(floodGeoJSON))
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"Flood", "Panels"} {
		if err := c.WriteLayer(context.Background(), fl.Clone(name)); err != nil {
			t.Fatal(err)
		}
	}
	c.Close()

	p, _ := testParams(t)
	res := build(t, Deps{}, "copy_layer", map[string]any{"source": srcPath})(context.Background(), p)
	if res.Err() == nil || !strings.Contains(res.Err().Error(), "set source_layer") {
		t.Errorf("ambiguous source should fail, got %v", res.Err())
	}

	res = build(t, Deps{}, "copy_layer", map[string]any{
		"source": srcPath, "source_layer": "Panels", "layer": "FirmPanels",
	})(context.Background(), p)
	if res.Err() != nil {
		t.Fatal(res.Err())
	}
	if l := readLayer(t, p.Destination, "FirmPanels"); l.Len() != 1 {
		t.Errorf("features = %d", l.Len())
	}
}

func TestExampleConfigBuilds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(config.Example), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	tasks, err := NewRegistry(Deps{}).Build(cfg.Tasks)
	if err != nil {
		t.Fatalf("example tasks should build: %v", err)
	}
	if len(tasks) != 4 {
		t.Errorf("built %d tasks, want 4 enabled", len(tasks))
	}
}
