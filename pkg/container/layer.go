package container

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb/geojson"
)

// CRS is a coordinate reference system declaration. Either field may be
// empty; a CRS with neither is undefined.
type CRS struct {
	Code int    `json:"code,omitempty"` // EPSG code
	WKT  string `json:"wkt,omitempty"`
}

var authorityRe = regexp.MustCompile(`AUTHORITY\[\s*"EPSG"\s*,\s*"?(\d+)"?\s*\]\s*\]\s*$`)

// EPSG returns the CRS for an EPSG code
func EPSG(code int) CRS {
	return CRS{Code: code}
}

// ParseCRS accepts "EPSG:4326", "4326", a URN such as
// "urn:ogc:def:crs:EPSG::4326", "CRS84" or a WKT string.
func ParseCRS(s string) (CRS, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return CRS{}, nil
	}

	upper := strings.ToUpper(s)
	if strings.HasSuffix(upper, "CRS84") {
		return EPSG(4326), nil
	}
	if idx := strings.LastIndex(upper, "EPSG:"); idx >= 0 {
		rest := strings.TrimLeft(s[idx+len("EPSG:"):], ":")
		code, err := strconv.Atoi(rest)
		if err != nil {
			return CRS{}, fmt.Errorf("invalid EPSG code %q", s)
		}
		return EPSG(code), nil
	}
	if code, err := strconv.Atoi(s); err == nil {
		return EPSG(code), nil
	}
	if strings.Contains(upper, "[") {
		crs := CRS{WKT: s}
		crs.Code = crs.EPSGCode()
		return crs, nil
	}
	return CRS{}, fmt.Errorf("unrecognised CRS %q", s)
}

// Defined reports whether the CRS declares anything at all
func (c CRS) Defined() bool {
	return c.Code > 0 || strings.TrimSpace(c.WKT) != ""
}

// EPSGCode returns the EPSG code, parsed from the WKT's top-level AUTHORITY
// clause when no code was set. Zero means unknown.
func (c CRS) EPSGCode() int {
	if c.Code > 0 {
		return c.Code
	}
	m := authorityRe.FindStringSubmatch(strings.TrimSpace(c.WKT))
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}

// Equal compares by EPSG code when both sides have one, by WKT otherwise
func (c CRS) Equal(o CRS) bool {
	a, b := c.EPSGCode(), o.EPSGCode()
	if a > 0 && b > 0 {
		return a == b
	}
	return strings.TrimSpace(c.WKT) == strings.TrimSpace(o.WKT) && a == b
}

func (c CRS) String() string {
	if code := c.EPSGCode(); code > 0 {
		return fmt.Sprintf("EPSG:%d", code)
	}
	if c.WKT != "" {
		return "WKT"
	}
	return "undefined"
}

// Layer is a named table of geometries and attributes with a declared CRS
type Layer struct {
	Name     string
	CRS      CRS
	Features *geojson.FeatureCollection
}

// NewLayer returns an empty layer
func NewLayer(name string, crs CRS) *Layer {
	return &Layer{Name: name, CRS: crs, Features: geojson.NewFeatureCollection()}
}

// Len returns the number of features
func (l *Layer) Len() int {
	if l == nil || l.Features == nil {
		return 0
	}
	return len(l.Features.Features)
}

// Fields returns the sorted union of attribute names across all features
func (l *Layer) Fields() []string {
	if l == nil || l.Features == nil {
		return nil
	}
	seen := make(map[string]struct{})
	for _, f := range l.Features.Features {
		for k := range f.Properties {
			seen[k] = struct{}{}
		}
	}
	fields := make([]string, 0, len(seen))
	for k := range seen {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

// Clone returns a copy of the layer under a new name. Features are shared.
func (l *Layer) Clone(name string) *Layer {
	out := &Layer{Name: name, CRS: l.CRS, Features: geojson.NewFeatureCollection()}
	if l.Features != nil {
		out.Features.Features = append(out.Features.Features, l.Features.Features...)
	}
	return out
}
