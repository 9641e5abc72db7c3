package container

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

// GeoPackage binary geometry header:
//
//	magic "GP" | version | flags | srs_id int32 | envelope | WKB
//
// flags bit 0 is the byte order of srs_id and envelope (1 = little endian),
// bits 1-3 the envelope layout, bit 4 marks an empty geometry.
const (
	gpMagic0     = 'G'
	gpMagic1     = 'P'
	gpHeaderSize = 8

	flagLittleEndian = 0x01
	flagEnvelopeXY   = 0x01 << 1
	flagEmpty        = 0x01 << 4
)

var errShortGeometry = errors.New("geometry blob too short")

// envelopeSize maps the envelope indicator to its byte length
func envelopeSize(indicator byte) (int, error) {
	switch indicator {
	case 0:
		return 0, nil
	case 1:
		return 32, nil
	case 2, 3:
		return 48, nil
	case 4:
		return 64, nil
	default:
		return 0, fmt.Errorf("invalid envelope indicator %d", indicator)
	}
}

func encodeGeometry(g orb.Geometry, srsID int32) ([]byte, error) {
	body, err := wkb.Marshal(g, binary.LittleEndian)
	if err != nil {
		return nil, err
	}

	flags := byte(flagLittleEndian)
	bound := g.Bound()
	empty := isEmpty(g)
	if empty {
		flags |= flagEmpty
	} else {
		flags |= flagEnvelopeXY
	}

	var buf bytes.Buffer
	buf.Grow(gpHeaderSize + 32 + len(body))
	buf.Write([]byte{gpMagic0, gpMagic1, 0, flags})
	binary.Write(&buf, binary.LittleEndian, srsID)
	if !empty {
		for _, v := range []float64{bound.Min[0], bound.Max[0], bound.Min[1], bound.Max[1]} {
			binary.Write(&buf, binary.LittleEndian, v)
		}
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

// decodeGeometry accepts GeoPackage binary and, for tolerance of other
// writers, bare WKB
func decodeGeometry(b []byte) (orb.Geometry, error) {
	if len(b) < 2 || b[0] != gpMagic0 || b[1] != gpMagic1 {
		return wkb.Unmarshal(b)
	}
	if len(b) < gpHeaderSize {
		return nil, errShortGeometry
	}

	flags := b[3]
	size, err := envelopeSize((flags >> 1) & 0x07)
	if err != nil {
		return nil, err
	}
	offset := gpHeaderSize + size
	if len(b) < offset {
		return nil, errShortGeometry
	}
	if flags&flagEmpty != 0 && len(b) == offset {
		return nil, nil
	}
	return wkb.Unmarshal(b[offset:])
}

func isEmpty(g orb.Geometry) bool {
	switch v := g.(type) {
	case orb.Point:
		return math.IsNaN(v[0]) && math.IsNaN(v[1])
	case orb.MultiPoint:
		return len(v) == 0
	case orb.LineString:
		return len(v) == 0
	case orb.MultiLineString:
		return len(v) == 0
	case orb.Ring:
		return len(v) == 0
	case orb.Polygon:
		return len(v) == 0
	case orb.MultiPolygon:
		return len(v) == 0
	case orb.Collection:
		return len(v) == 0
	}
	return false
}
