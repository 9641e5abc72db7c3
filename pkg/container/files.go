package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Loose single-layer artifact extensions
const (
	ShapefileExt = ".shp"
	GeoJSONExt   = ".geojson"
)

// IsFileSourcePath reports whether path names a loose single-layer artifact
func IsFileSourcePath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ShapefileExt, GeoJSONExt:
		return true
	}
	return false
}

// FileSource is a read-only single-layer artifact: an ESRI shapefile or a
// GeoJSON file. Its one layer is named after the file stem.
type FileSource struct {
	path  string
	layer string
	ext   string
}

var _ Source = (*FileSource)(nil)

// OpenFileSource opens a shapefile or GeoJSON file
func OpenFileSource(path string) (*FileSource, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ShapefileExt && ext != GeoJSONExt {
		return nil, newError(KindUnsupported, "open", path, "",
			fmt.Errorf("unsupported artifact extension %q", filepath.Ext(path)))
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, newError(KindUnreadable, "open", path, "", err)
	}
	if info.IsDir() {
		return nil, newError(KindUnreadable, "open", path, "", errors.New("path is a directory"))
	}
	base := filepath.Base(path)
	return &FileSource{
		path:  path,
		layer: strings.TrimSuffix(base, filepath.Ext(base)),
		ext:   ext,
	}, nil
}

// Path returns the artifact path
func (s *FileSource) Path() string { return s.path }

// ListLayers returns the single layer name
func (s *FileSource) ListLayers(ctx context.Context) ([]string, error) {
	return []string{s.layer}, nil
}

// ReadLayer parses the artifact
func (s *FileSource) ReadLayer(ctx context.Context, name string) (*Layer, error) {
	if name != s.layer {
		return nil, newError(KindLayerNotFound, "read", s.path, name, nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.ext == ShapefileExt {
		return readShapefile(s.path, s.layer)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, newError(KindUnreadable, "read", s.path, name, err)
	}
	layer, err := ParseGeoJSON(name, data)
	if err != nil {
		return nil, newError(KindUnreadable, "read", s.path, name, err)
	}
	return layer, nil
}

// ParseGeoJSON builds a layer from a FeatureCollection, a single Feature or
// a bare geometry. The CRS is EPSG:4326 unless a legacy "crs" member names
// another.
func ParseGeoJSON(name string, data []byte) (*Layer, error) {
	var head struct {
		Type string `json:"type"`
		CRS  *struct {
			Properties struct {
				Name string `json:"name"`
			} `json:"properties"`
		} `json:"crs"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("invalid geojson: %w", err)
	}

	crs := EPSG(4326)
	if head.CRS != nil && head.CRS.Properties.Name != "" {
		parsed, err := ParseCRS(head.CRS.Properties.Name)
		if err != nil {
			return nil, err
		}
		crs = parsed
	}

	layer := NewLayer(name, crs)
	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("invalid feature collection: %w", err)
		}
		layer.Features = fc
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("invalid feature: %w", err)
		}
		layer.Features.Append(f)
	case "":
		return nil, errors.New("invalid geojson: missing type")
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("invalid geometry: %w", err)
		}
		layer.Features.Append(geojson.NewFeature(g.Geometry()))
	}
	return layer, nil
}

func readShapefile(path, name string) (layer *Layer, err error) {
	// go-shp panics on some truncated inputs
	defer func() {
		if r := recover(); r != nil {
			layer = nil
			err = newError(KindUnreadable, "read", path, name, fmt.Errorf("malformed shapefile: %v", r))
		}
	}()

	// shp.Open derives sibling names by lower-case suffix and ignores a
	// missing .dbf, so both files are resolved here
	dbfPath, ok := sibling(path, ".dbf")
	if !ok {
		return nil, newError(KindUnreadable, "read", path, name,
			errors.New("attribute table (.dbf) not found next to the shapefile"))
	}
	shpFile, err := os.Open(path)
	if err != nil {
		return nil, newError(KindUnreadable, "read", path, name, err)
	}
	dbfFile, err := os.Open(dbfPath)
	if err != nil {
		shpFile.Close()
		return nil, newError(KindUnreadable, "read", path, name, err)
	}

	reader := shp.SequentialReaderFromExt(shpFile, dbfFile)
	defer reader.Close()
	if err := reader.Err(); err != nil {
		return nil, newError(KindUnreadable, "read", path, name, err)
	}

	crs, err := readPrj(path)
	if err != nil {
		return nil, newError(KindUnreadable, "read", path, name, err)
	}

	fields := reader.Fields()
	layer = NewLayer(name, crs)
	for reader.Next() {
		_, shape := reader.Shape()

		f := geojson.NewFeature(shapeGeometry(shape))
		for k, field := range fields {
			if v := fieldValue(field, reader.Attribute(k)); v != nil {
				f.Properties[field.String()] = v
			}
		}
		layer.Features.Append(f)
	}
	if err := reader.Err(); err != nil {
		return nil, newError(KindUnreadable, "read", path, name, err)
	}
	return layer, nil
}

// sibling finds the file with the shapefile's stem and extension ext.
// Archives mix cases (WELLS.SHP next to wells.dbf), so an exact match is
// preferred and a case-insensitive one accepted.
func sibling(shpPath, ext string) (string, bool) {
	dir := filepath.Dir(shpPath)
	base := filepath.Base(shpPath)
	want := strings.TrimSuffix(base, filepath.Ext(base)) + ext

	exact := filepath.Join(dir, want)
	if info, err := os.Stat(exact); err == nil && !info.IsDir() {
		return exact, true
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(e.Name(), want) {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return "", false
}

// readPrj returns the CRS declared by the sibling .prj file, or an
// undefined CRS when there is none
func readPrj(shpPath string) (CRS, error) {
	prj, ok := sibling(shpPath, ".prj")
	if !ok {
		return CRS{}, nil
	}
	data, err := os.ReadFile(prj)
	if err != nil {
		return CRS{}, err
	}
	wkt := strings.TrimSpace(string(data))
	if wkt == "" {
		return CRS{}, nil
	}
	return ParseCRS(wkt)
}

func fieldValue(field shp.Field, raw string) any {
	raw = strings.TrimRight(strings.TrimSpace(raw), "\x00")
	switch field.Fieldtype {
	case 'N', 'F':
		if raw == "" || strings.Trim(raw, "*") == "" {
			return nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return raw
		}
		return v
	case 'L':
		switch strings.ToUpper(raw) {
		case "T", "Y":
			return true
		case "F", "N":
			return false
		default:
			return nil
		}
	default:
		if raw == "" {
			return nil
		}
		return raw
	}
}

func shapeGeometry(shape shp.Shape) orb.Geometry {
	switch s := shape.(type) {
	case *shp.Point:
		return orb.Point{s.X, s.Y}
	case *shp.PointZ:
		return orb.Point{s.X, s.Y}
	case *shp.PointM:
		return orb.Point{s.X, s.Y}
	case *shp.MultiPoint:
		return multiPoint(s.Points)
	case *shp.MultiPointZ:
		return multiPoint(s.Points)
	case *shp.MultiPointM:
		return multiPoint(s.Points)
	case *shp.PolyLine:
		return lines(s.Parts, s.Points)
	case *shp.PolyLineZ:
		return lines(s.Parts, s.Points)
	case *shp.PolyLineM:
		return lines(s.Parts, s.Points)
	case *shp.Polygon:
		return polygons(s.Parts, s.Points)
	case *shp.PolygonZ:
		return polygons(s.Parts, s.Points)
	case *shp.PolygonM:
		return polygons(s.Parts, s.Points)
	default:
		return nil
	}
}

func multiPoint(pts []shp.Point) orb.Geometry {
	mp := make(orb.MultiPoint, len(pts))
	for i, p := range pts {
		mp[i] = orb.Point{p.X, p.Y}
	}
	return mp
}

func splitParts(parts []int32, pts []shp.Point) [][]orb.Point {
	out := make([][]orb.Point, 0, len(parts))
	for i, start := range parts {
		end := int32(len(pts))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || end > int32(len(pts)) || start >= end {
			continue
		}
		seg := make([]orb.Point, 0, end-start)
		for _, p := range pts[start:end] {
			seg = append(seg, orb.Point{p.X, p.Y})
		}
		out = append(out, seg)
	}
	return out
}

func lines(parts []int32, pts []shp.Point) orb.Geometry {
	segs := splitParts(parts, pts)
	if len(segs) == 1 {
		return orb.LineString(segs[0])
	}
	mls := make(orb.MultiLineString, len(segs))
	for i, s := range segs {
		mls[i] = orb.LineString(s)
	}
	return mls
}

// polygons groups shapefile rings: clockwise rings are outer shells,
// counter-clockwise rings are holes of the preceding shell.
func polygons(parts []int32, pts []shp.Point) orb.Geometry {
	var mp orb.MultiPolygon
	for _, seg := range splitParts(parts, pts) {
		ring := orb.Ring(seg)
		if ring.Orientation() == orb.CW || len(mp) == 0 {
			mp = append(mp, orb.Polygon{ring})
			continue
		}
		last := len(mp) - 1
		mp[last] = append(mp[last], ring)
	}
	if len(mp) == 1 {
		return mp[0]
	}
	return mp
}
