package container

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

const (
	gpkgApplicationID = 0x47504B47 // "GPKG"
	gpkgUserVersion   = 10400

	// srs ids at or above this value are allocated for CRS definitions
	// that carry no EPSG code
	customSRSBase = 100000

	wgs84WKT = `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563,AUTHORITY["EPSG","7030"]],AUTHORITY["EPSG","6326"]],PRIMEM["Greenwich",0,AUTHORITY["EPSG","8901"]],UNIT["degree",0.0174532925199433,AUTHORITY["EPSG","9122"]],AUTHORITY["EPSG","4326"]]`
)

// PackageContainer is a single-file container in GeoPackage layout
type PackageContainer struct {
	path string
	db   *sql.DB
	mu   sync.Mutex
}

var _ Container = (*PackageContainer)(nil)

func packageDSN(path string, create bool) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	mode := "rw"
	if create {
		mode = "rwc"
	}
	u := url.URL{
		Scheme:   "file",
		Path:     filepath.ToSlash(abs),
		RawQuery: "mode=" + mode + "&_busy_timeout=10000",
	}
	return u.String(), nil
}

func openPackage(path string, create bool) (*PackageContainer, error) {
	op := "open"
	if create {
		op = "create"
	}

	info, err := os.Stat(path)
	switch {
	case err == nil && info.IsDir():
		return nil, newError(KindUnreadable, op, path, "", errors.New("path is a directory"))
	case err != nil && !os.IsNotExist(err):
		return nil, newError(KindUnreadable, op, path, "", err)
	case err != nil && !create:
		return nil, newError(KindUnreadable, op, path, "", err)
	}

	if create {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create parent directory: %w", err)
		}
	}

	dsn, err := packageDSN(path, create)
	if err != nil {
		return nil, newError(KindUnreadable, op, path, "", err)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, newError(KindUnreadable, op, path, "", err)
	}

	// One connection per container keeps a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	c := &PackageContainer{path: path, db: db}
	if create {
		err = c.initSchema()
	} else {
		err = c.verify()
	}
	if err != nil {
		db.Close()
		return nil, newError(KindUnreadable, op, path, "", err)
	}
	return c, nil
}

// initSchema creates the GeoPackage metadata tables when missing
func (c *PackageContainer) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS gpkg_spatial_ref_sys (
		srs_name TEXT NOT NULL,
		srs_id INTEGER NOT NULL PRIMARY KEY,
		organization TEXT NOT NULL,
		organization_coordsys_id INTEGER NOT NULL,
		definition TEXT NOT NULL,
		description TEXT
	);

	CREATE TABLE IF NOT EXISTS gpkg_contents (
		table_name TEXT NOT NULL PRIMARY KEY,
		data_type TEXT NOT NULL,
		identifier TEXT UNIQUE,
		description TEXT DEFAULT '',
		last_change DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
		min_x DOUBLE,
		min_y DOUBLE,
		max_x DOUBLE,
		max_y DOUBLE,
		srs_id INTEGER
	);

	CREATE TABLE IF NOT EXISTS gpkg_geometry_columns (
		table_name TEXT NOT NULL,
		column_name TEXT NOT NULL,
		geometry_type_name TEXT NOT NULL,
		srs_id INTEGER NOT NULL,
		z TINYINT NOT NULL,
		m TINYINT NOT NULL,
		CONSTRAINT pk_geom_cols PRIMARY KEY (table_name, column_name),
		CONSTRAINT uk_gc_table_name UNIQUE (table_name)
	);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return err
	}

	_, err := c.db.Exec(`
		INSERT OR IGNORE INTO gpkg_spatial_ref_sys
		(srs_name, srs_id, organization, organization_coordsys_id, definition, description)
		VALUES
		('Undefined cartesian SRS', -1, 'NONE', -1, 'undefined', 'undefined cartesian coordinate reference system'),
		('Undefined geographic SRS', 0, 'NONE', 0, 'undefined', 'undefined geographic coordinate reference system'),
		('WGS 84 geodetic', 4326, 'EPSG', 4326, ?, 'longitude/latitude coordinates in decimal degrees on the WGS 84 spheroid')
	`, wgs84WKT)
	if err != nil {
		return err
	}

	var appID int64
	if err := c.db.QueryRow("PRAGMA application_id").Scan(&appID); err != nil {
		return err
	}
	if appID == 0 {
		if _, err := c.db.Exec(fmt.Sprintf("PRAGMA application_id = %d", gpkgApplicationID)); err != nil {
			return err
		}
		if _, err := c.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", gpkgUserVersion)); err != nil {
			return err
		}
	}
	return nil
}

// verify fails for files that are not SQLite databases or lack the
// GeoPackage contents table
func (c *PackageContainer) verify() error {
	var n int
	return c.db.QueryRow("SELECT count(*) FROM gpkg_contents").Scan(&n)
}

// Path returns the container file path
func (c *PackageContainer) Path() string { return c.path }

// Backend returns BackendPackage
func (c *PackageContainer) Backend() Backend { return BackendPackage }

// Close closes the underlying database
func (c *PackageContainer) Close() error {
	return c.db.Close()
}

// ListLayers returns the feature and attribute tables, sorted by name
func (c *PackageContainer) ListLayers(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT table_name FROM gpkg_contents
		WHERE data_type IN ('features', 'attributes')
	`)
	if err != nil {
		return nil, newError(KindUnreadable, "list", c.path, "", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, newError(KindUnreadable, "list", c.path, "", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, newError(KindUnreadable, "list", c.path, "", err)
	}
	sort.Strings(names)
	return names, nil
}

// ReadLayer loads every feature of the named layer
func (c *PackageContainer) ReadLayer(ctx context.Context, name string) (*Layer, error) {
	var dataType string
	err := c.db.QueryRowContext(ctx,
		"SELECT data_type FROM gpkg_contents WHERE table_name = ?", name).Scan(&dataType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError(KindLayerNotFound, "read", c.path, name, nil)
	}
	if err != nil {
		return nil, newError(KindUnreadable, "read", c.path, name, err)
	}

	var geomCol string
	var srsID int64 = -1
	err = c.db.QueryRowContext(ctx,
		"SELECT column_name, srs_id FROM gpkg_geometry_columns WHERE table_name = ?", name).
		Scan(&geomCol, &srsID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, newError(KindUnreadable, "read", c.path, name, err)
	}

	crs, err := c.lookupCRS(ctx, srsID)
	if err != nil {
		return nil, newError(KindUnreadable, "read", c.path, name, err)
	}

	// Resolved before the row query: the single connection is held until
	// rows are closed.
	pk, err := c.primaryKey(ctx, name)
	if err != nil {
		return nil, newError(KindUnreadable, "read", c.path, name, err)
	}

	layer := NewLayer(name, crs)
	query := "SELECT * FROM " + quoteIdent(name)
	if pk != "" {
		query += " ORDER BY " + quoteIdent(pk)
	}
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, newError(KindUnreadable, "read", c.path, name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, newError(KindUnreadable, "read", c.path, name, err)
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, newError(KindUnreadable, "read", c.path, name, err)
		}

		var geom orb.Geometry
		props := geojson.Properties{}
		for i, col := range cols {
			v := values[i]
			switch {
			case col == pk:
				continue
			case geomCol != "" && strings.EqualFold(col, geomCol):
				blob, ok := v.([]byte)
				if !ok || len(blob) == 0 {
					continue
				}
				geom, err = decodeGeometry(blob)
				if err != nil {
					return nil, newError(KindUnsupported, "read", c.path, name, err)
				}
			case v == nil:
				continue
			default:
				if t, ok := v.(time.Time); ok {
					v = t.UTC().Format(time.RFC3339)
				}
				props[col] = v
			}
		}

		f := geojson.NewFeature(geom)
		f.Properties = props
		layer.Features.Append(f)
	}
	if err := rows.Err(); err != nil {
		return nil, newError(KindUnreadable, "read", c.path, name, err)
	}
	return layer, nil
}

func (c *PackageContainer) primaryKey(ctx context.Context, table string) (string, error) {
	rows, err := c.db.QueryContext(ctx, "PRAGMA table_info("+quoteIdent(table)+")")
	if err != nil {
		return "", err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return "", err
		}
		if pk == 1 && strings.EqualFold(typ, "INTEGER") {
			return name, nil
		}
	}
	return "", rows.Err()
}

func (c *PackageContainer) lookupCRS(ctx context.Context, srsID int64) (CRS, error) {
	if srsID == -1 || srsID == 0 {
		return CRS{}, nil
	}

	var org, def string
	var code int64
	err := c.db.QueryRowContext(ctx, `
		SELECT organization, organization_coordsys_id, definition
		FROM gpkg_spatial_ref_sys WHERE srs_id = ?
	`, srsID).Scan(&org, &code, &def)
	if errors.Is(err, sql.ErrNoRows) {
		return CRS{}, nil
	}
	if err != nil {
		return CRS{}, err
	}

	crs := CRS{}
	if !strings.EqualFold(def, "undefined") {
		crs.WKT = def
	}
	if strings.EqualFold(org, "EPSG") {
		crs.Code = int(code)
	}
	return crs, nil
}

// WriteLayer replaces the named layer in a single transaction.
//
// SQLite table names are case-insensitive. Writing a layer whose name
// differs from an existing one only by case fails with ErrNameConflict and
// leaves the existing layer untouched.
func (c *PackageContainer) WriteLayer(ctx context.Context, layer *Layer) error {
	if err := validPackageLayerName(layer.Name); err != nil {
		return newError(KindUnsupported, "write", c.path, layer.Name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return newError(KindUnreadable, "write", c.path, layer.Name, err)
	}
	if err := c.writeLayerTx(ctx, tx, layer); err != nil {
		tx.Rollback()
		var cerr *Error
		if errors.As(err, &cerr) {
			return err
		}
		return fmt.Errorf("failed to write layer %q to %s: %w", layer.Name, c.path, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit layer %q to %s: %w", layer.Name, c.path, err)
	}
	return nil
}

func (c *PackageContainer) writeLayerTx(ctx context.Context, tx *sql.Tx, layer *Layer) error {
	var existing string
	err := tx.QueryRowContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type IN ('table', 'view') AND lower(name) = lower(?) AND name <> ?
	`, layer.Name, layer.Name).Scan(&existing)
	switch {
	case err == nil:
		return newError(KindNameConflict, "write", c.path, layer.Name,
			fmt.Errorf("table %q already exists and names differing only by case share a table", existing))
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	srsID, err := resolveSRS(ctx, tx, layer.CRS)
	if err != nil {
		return err
	}

	table := quoteIdent(layer.Name)
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return err
	}
	for _, meta := range []string{"gpkg_geometry_columns", "gpkg_contents"} {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM "+meta+" WHERE table_name = ?", layer.Name); err != nil {
			return err
		}
	}

	columns := planColumns(layer)
	defs := []string{"fid INTEGER PRIMARY KEY AUTOINCREMENT", "geom BLOB"}
	for _, col := range columns {
		defs = append(defs, quoteIdent(col.name)+" "+col.sqlType)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(defs, ", "))); err != nil {
		return err
	}

	bound, hasBound := layerBound(layer)
	var minX, minY, maxX, maxY any
	if hasBound {
		minX, minY, maxX, maxY = bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1]
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO gpkg_contents (table_name, data_type, identifier, last_change, min_x, min_y, max_x, max_y, srs_id)
		VALUES (?, 'features', ?, ?, ?, ?, ?, ?, ?)
	`, layer.Name, layer.Name, time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		minX, minY, maxX, maxY, srsID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO gpkg_geometry_columns (table_name, column_name, geometry_type_name, srs_id, z, m)
		VALUES (?, 'geom', ?, ?, 0, 0)
	`, layer.Name, geometryTypeName(layer), srsID)
	if err != nil {
		return err
	}

	if layer.Len() == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(columns)+1)
	names := make([]string, 0, len(columns)+1)
	names = append(names, "geom")
	placeholders = append(placeholders, "?")
	for _, col := range columns {
		names = append(names, quoteIdent(col.name))
		placeholders = append(placeholders, "?")
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(names, ", "), strings.Join(placeholders, ", ")))
	if err != nil {
		return err
	}
	defer stmt.Close()

	args := make([]any, len(names))
	for i, f := range layer.Features.Features {
		if err := ctx.Err(); err != nil {
			return err
		}
		args[0] = nil
		if f.Geometry != nil {
			blob, err := encodeGeometry(f.Geometry, int32(srsID))
			if err != nil {
				return newError(KindUnsupported, "write", c.path, layer.Name,
					fmt.Errorf("feature %d: %w", i, err))
			}
			args[0] = blob
		}
		for j, col := range columns {
			args[j+1] = col.value(f.Properties[col.property])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return err
		}
	}
	return nil
}

func validPackageLayerName(name string) error {
	lower := strings.ToLower(name)
	switch {
	case strings.TrimSpace(name) == "":
		return errors.New("layer name is empty")
	case strings.HasPrefix(lower, "gpkg_"), strings.HasPrefix(lower, "sqlite_"), strings.HasPrefix(lower, "rtree_"):
		return fmt.Errorf("layer name %q uses a reserved prefix", name)
	}
	return nil
}

// resolveSRS returns the srs_id for a CRS, registering it when needed
func resolveSRS(ctx context.Context, tx *sql.Tx, crs CRS) (int64, error) {
	if !crs.Defined() {
		return -1, nil
	}

	def := crs.WKT
	if def == "" {
		def = "undefined"
	}

	if code := crs.EPSGCode(); code > 0 {
		var id int64
		err := tx.QueryRowContext(ctx, `
			SELECT srs_id FROM gpkg_spatial_ref_sys
			WHERE upper(organization) = 'EPSG' AND organization_coordsys_id = ?
		`, code).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}

		id = int64(code)
		var taken int
		if err := tx.QueryRowContext(ctx,
			"SELECT count(*) FROM gpkg_spatial_ref_sys WHERE srs_id = ?", id).Scan(&taken); err != nil {
			return 0, err
		}
		if taken > 0 {
			if id, err = nextCustomSRS(ctx, tx); err != nil {
				return 0, err
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO gpkg_spatial_ref_sys (srs_name, srs_id, organization, organization_coordsys_id, definition)
			VALUES (?, ?, 'EPSG', ?, ?)
		`, fmt.Sprintf("EPSG:%d", code), id, code, def)
		return id, err
	}

	var id int64
	err := tx.QueryRowContext(ctx, `
		SELECT srs_id FROM gpkg_spatial_ref_sys
		WHERE organization = 'CUSTOM' AND definition = ?
	`, def).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if id, err = nextCustomSRS(ctx, tx); err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO gpkg_spatial_ref_sys (srs_name, srs_id, organization, organization_coordsys_id, definition)
		VALUES (?, ?, 'CUSTOM', ?, ?)
	`, fmt.Sprintf("custom_%d", id), id, id, def)
	return id, err
}

func nextCustomSRS(ctx context.Context, tx *sql.Tx) (int64, error) {
	var maxID sql.NullInt64
	if err := tx.QueryRowContext(ctx, "SELECT max(srs_id) FROM gpkg_spatial_ref_sys").Scan(&maxID); err != nil {
		return 0, err
	}
	if !maxID.Valid || maxID.Int64 < customSRSBase {
		return customSRSBase, nil
	}
	return maxID.Int64 + 1, nil
}

type column struct {
	property string
	name     string
	sqlType  string
}

func (c column) value(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
	if c.sqlType == "TEXT" {
		switch v.(type) {
		case string, []byte:
			return v
		default:
			return fmt.Sprint(v)
		}
	}
	return v
}

// planColumns maps property keys to SQL columns. Keys clashing with the
// fixed fid/geom columns get an "attr_" prefix; keys clashing with each
// other case-insensitively get a numeric suffix.
func planColumns(layer *Layer) []column {
	fields := layer.Fields()
	used := map[string]bool{"fid": true, "geom": true}
	columns := make([]column, 0, len(fields))

	for _, field := range fields {
		name := field
		if strings.TrimSpace(name) == "" {
			name = "field"
		}
		if used[strings.ToLower(name)] {
			if l := strings.ToLower(name); l == "fid" || l == "geom" {
				name = "attr_" + name
			}
		}
		base := name
		for n := 2; used[strings.ToLower(name)]; n++ {
			name = fmt.Sprintf("%s_%d", base, n)
		}
		used[strings.ToLower(name)] = true

		columns = append(columns, column{
			property: field,
			name:     name,
			sqlType:  columnType(layer, field),
		})
	}
	return columns
}

func columnType(layer *Layer, field string) string {
	typ := ""
	for _, f := range layer.Features.Features {
		v, ok := f.Properties[field]
		if !ok || v == nil {
			continue
		}
		var t string
		switch v.(type) {
		case float32, float64:
			t = "REAL"
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			t = "INTEGER"
		case bool:
			t = "BOOLEAN"
		default:
			t = "TEXT"
		}
		switch {
		case typ == "":
			typ = t
		case typ == t:
		case (typ == "REAL" && t == "INTEGER") || (typ == "INTEGER" && t == "REAL"):
			typ = "REAL"
		default:
			return "TEXT"
		}
	}
	if typ == "" {
		return "TEXT"
	}
	return typ
}

func geometryTypeName(layer *Layer) string {
	name := ""
	for _, f := range layer.Features.Features {
		if f.Geometry == nil {
			continue
		}
		t := strings.ToUpper(f.Geometry.GeoJSONType())
		if name == "" {
			name = t
		} else if name != t {
			return "GEOMETRY"
		}
	}
	if name == "" {
		return "GEOMETRY"
	}
	return name
}

func layerBound(layer *Layer) (orb.Bound, bool) {
	var bound orb.Bound
	found := false
	for _, f := range layer.Features.Features {
		if f.Geometry == nil {
			continue
		}
		b := f.Geometry.Bound()
		if !found {
			bound = b
			found = true
			continue
		}
		bound = bound.Union(b)
	}
	return bound, found
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
