package tasks

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/psantana5/hazardsync/internal/runner"
	"github.com/psantana5/hazardsync/pkg/container"
)

// CSVPointsParams configures a csv_points task
type CSVPointsParams struct {
	Source    string `yaml:"source"`
	Layer     string `yaml:"layer"`
	LatField  string `yaml:"lat_field"`
	LonField  string `yaml:"lon_field"`
	SRID      int    `yaml:"srid"`
	Delimiter string `yaml:"delimiter"`
}

func newCSVPoints(deps Deps) Factory {
	return func(params map[string]any) (runner.Plugin, error) {
		var cp CSVPointsParams
		if err := decode(params, &cp); err != nil {
			return nil, err
		}
		if cp.Source == "" || cp.Layer == "" {
			return nil, errors.New("source and layer are required")
		}
		if cp.LatField == "" {
			cp.LatField = "latitude"
		}
		if cp.LonField == "" {
			cp.LonField = "longitude"
		}
		if cp.SRID == 0 {
			cp.SRID = 4326
		}
		if utf8.RuneCountInString(cp.Delimiter) > 1 {
			return nil, fmt.Errorf("delimiter must be a single character, got %q", cp.Delimiter)
		}

		return func(ctx context.Context, p runner.Params) runner.Result {
			return cp.run(ctx, deps, p)
		}, nil
	}
}

// normalizeHeader makes a CSV header usable as a field name: a name
// starting with a digit gets a leading underscore
func normalizeHeader(h string) string {
	h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	if r, _ := utf8.DecodeRuneInString(h); unicode.IsDigit(r) {
		return "_" + h
	}
	return h
}

func findColumn(headers []string, name string) int {
	for i, h := range headers {
		if strings.EqualFold(h, name) {
			return i
		}
	}
	return -1
}

// pointTable is the parsed CSV: located rows as features, the rest as
// raw rows for the missed file
type pointTable struct {
	headers []string
	points  []*geojson.Feature
	missed  [][]string
}

func (cp CSVPointsParams) parse(r io.Reader) (*pointTable, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	if cp.Delimiter != "" {
		reader.Comma, _ = utf8.DecodeRuneInString(cp.Delimiter)
	}

	raw, err := reader.Read()
	if err == io.EOF {
		return nil, errors.New("empty CSV")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	t := &pointTable{headers: make([]string, len(raw))}
	for i, h := range raw {
		t.headers[i] = normalizeHeader(h)
	}
	latIdx := findColumn(t.headers, normalizeHeader(cp.LatField))
	lonIdx := findColumn(t.headers, normalizeHeader(cp.LonField))
	if latIdx < 0 || lonIdx < 0 {
		return nil, fmt.Errorf("CSV has no %q/%q columns", cp.LatField, cp.LonField)
	}

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV: %w", err)
		}
		for len(row) < len(t.headers) {
			row = append(row, "")
		}
		row = row[:len(t.headers)]

		lat, errLat := strconv.ParseFloat(strings.TrimSpace(row[latIdx]), 64)
		lon, errLon := strconv.ParseFloat(strings.TrimSpace(row[lonIdx]), 64)
		if errLat != nil || errLon != nil {
			t.missed = append(t.missed, row)
			continue
		}

		f := geojson.NewFeature(orb.Point{lon, lat})
		for i, h := range t.headers {
			if i == latIdx || i == lonIdx {
				continue
			}
			f.Properties[h] = row[i]
		}
		t.points = append(t.points, f)
	}
	return t, nil
}

func (cp CSVPointsParams) run(ctx context.Context, deps Deps, p runner.Params) runner.Result {
	log := logger(p)
	if p.StagingDir == "" {
		return runner.Failf("no staging directory")
	}

	path, err := deps.fetchSource(ctx, log, cp.Source, p.StagingDir, cp.Layer+".csv")
	if err != nil {
		return runner.Fail(err)
	}
	f, err := os.Open(path)
	if err != nil {
		return runner.Fail(err)
	}
	table, err := cp.parse(f)
	f.Close()
	if err != nil {
		return runner.Fail(err)
	}

	if len(table.missed) > 0 {
		missedPath := filepath.Join(p.StagingDir, cp.Layer+"_missed.csv")
		if err := writeMissed(missedPath, table.headers, table.missed); err != nil {
			log.Warnf("Could not write missed rows: %v", err)
		}
		log.Warnf("%d row(s) without usable coordinates written to %s", len(table.missed), missedPath)
	}
	if len(table.points) == 0 {
		return runner.None()
	}

	if p.Destination == "" {
		return runner.Failf("no destination container")
	}
	dst, err := container.Open(p.Destination, p.Capabilities)
	if err != nil {
		return runner.Fail(err)
	}
	defer dst.Close()

	layer := container.NewLayer(cp.Layer, container.EPSG(cp.SRID))
	layer.Features.Features = table.points
	if err := dst.WriteLayer(ctx, layer); err != nil {
		return runner.Fail(err)
	}
	log.Infof("Built %d point(s) in %s", layer.Len(), cp.Layer)
	return runner.Ok([]string{cp.Layer})
}

func writeMissed(path string, headers []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	w.Write(headers)
	w.WriteAll(rows)
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
