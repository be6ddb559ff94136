package interp2d

import (
	"context"
	"errors"
	"io/fs"
	"strconv"

	"github.com/twpayne/go-proj/v11"
)

var errUnknownSRID = errors.New("unknown SRID")

// A Service interpolates a GeoTIFF grid at coordinates given in either the
// grid's CRS or in EPSG:4326.
type Service struct {
	geoTIFFTile        *GeoTIFFTile
	pj                 *proj.PJ
	srid               int
	geoTIFFTileOptions []GeoTIFFTileOption
}

// A ServiceOption sets an option on a Service.
type ServiceOption func(*Service)

// WithSRID sets the SRID of the grid, overriding any SRID found in the file.
func WithSRID(srid int) ServiceOption {
	return func(s *Service) {
		s.srid = srid
	}
}

// WithGeoTIFFTileOptions sets the options used to open the GeoTIFF file.
func WithGeoTIFFTileOptions(geoTIFFTileOptions ...GeoTIFFTileOption) ServiceOption {
	return func(s *Service) {
		s.geoTIFFTileOptions = geoTIFFTileOptions
	}
}

// NewService returns a new Service for the GeoTIFF file filename in fsys.
func NewService(fsys fs.FS, filename string, options ...ServiceOption) (*Service, error) {
	s := &Service{}
	for _, option := range options {
		option(s)
	}

	geoTIFFTile, err := NewGeoTIFFTile(fsys, filename, s.geoTIFFTileOptions...)
	if err != nil {
		return nil, err
	}
	if s.srid == 0 {
		s.srid = geoTIFFTile.SRID()
	}
	if s.srid == 0 {
		_ = geoTIFFTile.Close()
		return nil, errUnknownSRID
	}
	pj, err := newPJ(s.srid)
	if err != nil {
		_ = geoTIFFTile.Close()
		return nil, err
	}

	s.geoTIFFTile = geoTIFFTile
	s.pj = pj
	return s, nil
}

// Close releases the resources associated with s.
func (s *Service) Close() error {
	s.pj.Destroy()
	return s.geoTIFFTile.Close()
}

// SRID returns the SRID of s's grid.
func (s *Service) SRID() int {
	return s.srid
}

// Samples returns the values at coords, which are in s's SRID.
func (s *Service) Samples(ctx context.Context, coords [][]float64) ([]float64, error) {
	return s.geoTIFFTile.Samples(ctx, coords)
}

// Samples4326 returns the values at coords4326, which are [longitude,
// latitude] pairs. coords4326 is not modified.
func (s *Service) Samples4326(ctx context.Context, coords4326 [][]float64) ([]float64, error) {
	coords := cloneCoords(coords4326)
	if err := s.pj.ForwardFloat64Slices(coords); err != nil {
		return nil, err
	}
	return s.Samples(ctx, coords)
}

// newPJ returns a transformation from EPSG:4326 to srid with the
// longitude-first, easting-first axis order used by Samples.
func newPJ(srid int) (*proj.PJ, error) {
	pj, err := proj.NewCRSToCRS("epsg:4326", "epsg:"+strconv.Itoa(srid), nil)
	if err != nil {
		return nil, err
	}
	defer pj.Destroy()
	return pj.NormalizeForVisualization()
}

func cloneCoords(coords [][]float64) [][]float64 {
	clonedCoordsFlat := make([]float64, 2*len(coords))
	clonedCoords := make([][]float64, len(coords))
	for i, coord := range coords {
		copy(clonedCoordsFlat[2*i:2*i+2], coord)
		clonedCoords[i] = clonedCoordsFlat[2*i : 2*i+2]
	}
	return clonedCoords
}
