package interp2d

import (
	"errors"
	"fmt"
	"slices"
)

var errParse = errors.New("parse error")

// A GeoKey identifies an entry in a GeoTIFF GeoKey directory.
type GeoKey uint16

// GeoKeys read by this package. Other keys are parsed and kept in
// ParsedGeoKeys but have no names here.
const (
	// GeoKeyGTModelType is the model type: projected, geographic, or
	// geocentric.
	GeoKeyGTModelType GeoKey = 1024
	// GeoKeyGTRasterType says whether pixels are areas or points.
	GeoKeyGTRasterType GeoKey = 1025
	// GeoKeyGTCitation is a free-text description of the raster's CRS.
	GeoKeyGTCitation GeoKey = 1026
	// GeoKeyGeodeticCRS is the EPSG code of a geographic CRS.
	GeoKeyGeodeticCRS GeoKey = 2048
	// GeoKeyProjectedCRS is the EPSG code of a projected CRS.
	GeoKeyProjectedCRS GeoKey = 3072
)

const (
	modelTypeProjected  = 1
	modelTypeGeographic = 2
	userDefined         = 32767
)

// Locations of GeoKey values, as TIFF tags.
const (
	locationInline       = 0
	locationDoubleParams = 34736
	locationASCIIParams  = 34737
)

const geoKeyEntrySize = 4

// ParsedGeoKeys are the values of a GeoKey directory, by type.
type ParsedGeoKeys struct {
	Params       map[GeoKey]int
	DoubleParams map[GeoKey]float64
	ASCIIParams  map[GeoKey]string
}

// ParseGeoKeys parses a GeoKey directory and its parameter tags.
func ParseGeoKeys(directory []uint16, doubleParams []float64, asciiParams []byte) (*ParsedGeoKeys, error) {
	if len(directory) < geoKeyEntrySize {
		return nil, errParse
	}
	header, entries := directory[:geoKeyEntrySize], directory[geoKeyEntrySize:]
	switch version, revision, minorRevision, count := header[0], header[1], header[2], int(header[3]); {
	case version != 1 || revision != 1:
		return nil, fmt.Errorf("version %d.%d: %w", version, revision, errParse)
	case minorRevision > 1:
		return nil, fmt.Errorf("minor revision %d: %w", minorRevision, errParse)
	case len(entries) != geoKeyEntrySize*count:
		return nil, fmt.Errorf("%d keys in %d values: %w", count, len(entries), errParse)
	}

	k := &ParsedGeoKeys{
		Params:       make(map[GeoKey]int),
		DoubleParams: make(map[GeoKey]float64),
		ASCIIParams:  make(map[GeoKey]string),
	}
	for entry := range slices.Chunk(entries, geoKeyEntrySize) {
		if err := k.parseEntry(entry, doubleParams, asciiParams); err != nil {
			return nil, fmt.Errorf("GeoKey %d: %w", entry[0], err)
		}
	}
	return k, nil
}

// parseEntry parses a single directory entry of key, location, count, and
// value or offset.
func (k *ParsedGeoKeys) parseEntry(entry []uint16, doubleParams []float64, asciiParams []byte) error {
	key, location, count, offset := GeoKey(entry[0]), entry[1], int(entry[2]), int(entry[3])
	switch location {
	case locationInline:
		if count != 1 {
			return errParse
		}
		k.Params[key] = offset
	case locationDoubleParams:
		switch {
		case count != 1:
			return errors.ErrUnsupported
		case offset >= len(doubleParams):
			return errParse
		}
		k.DoubleParams[key] = doubleParams[offset]
	case locationASCIIParams:
		if offset+count > len(asciiParams) {
			return errParse
		}
		k.ASCIIParams[key] = string(asciiParams[offset : offset+count])
	default:
		return errors.ErrUnsupported
	}
	return nil
}

// SRID returns the EPSG code of the CRS described by k, or zero if the CRS is
// user-defined or missing.
func (k *ParsedGeoKeys) SRID() int {
	switch modelType := k.Params[GeoKeyGTModelType]; modelType {
	case modelTypeProjected:
		return epsgCode(k.Params[GeoKeyProjectedCRS])
	case modelTypeGeographic:
		return epsgCode(k.Params[GeoKeyGeodeticCRS])
	default:
		return 0
	}
}

func epsgCode(code int) int {
	if code <= 0 || code >= userDefined {
		return 0
	}
	return code
}
