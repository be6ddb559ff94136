package interp2d

import (
	"context"
	"errors"
	"math"
)

// A Surface returns values at coordinates. Coordinates are [x, y] pairs.
// Coordinates outside the surface are represented by NaNs.
type Surface interface {
	Samples(ctx context.Context, coords [][]float64) ([]float64, error)
}

var (
	_ Surface = &GeoTIFFTile{}
	_ Surface = &Interpolator{}
	_ Surface = &Service{}
)

// bilinear returns the bilinear interpolation of the four corners of a cell at
// the fractional position (tx, ty) within the cell.
func bilinear(z00, z10, z01, z11, tx, ty float64) float64 {
	return 0 +
		z00*(1-tx)*(1-ty) +
		z10*tx*(1-ty) +
		z01*(1-tx)*ty +
		z11*tx*ty
}

// Samples returns the values of i at coords. Coordinates outside i's bounds
// are represented by NaNs. Sorting coords along the x axis makes Samples
// faster.
func (i *Interpolator) Samples(ctx context.Context, coords [][]float64) ([]float64, error) {
	result := make([]float64, len(coords))
	for index, coord := range coords {
		switch value, err := i.Calculate(coord[0], coord[1]); {
		case errors.Is(err, ErrOutOfRange):
			result[index] = math.NaN()
		case err != nil:
			return nil, err
		default:
			result[index] = value
		}
	}
	return result, nil
}
