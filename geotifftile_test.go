package interp2d

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"math/rand/v2"
	"os"
	"sync"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/maypok86/otter/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const (
	testScaleX     = 25
	testScaleY     = 20
	testTranslateX = 1000
	testTranslateY = 2000
)

// newTestGeoTIFFTile returns a GeoTIFFTile whose decoded tiles are already in
// its cache, so no file is needed.
func newTestGeoTIFFTile(t *testing.T, imageWidth, imageLength, tileWidth, tileLength int, sample func(c, r int) float32, options ...GeoTIFFTileOption) *GeoTIFFTile {
	t.Helper()
	f := newGeoTIFFTile(options...)
	f.imageWidth = imageWidth
	f.imageLength = imageLength
	f.tileWidth = tileWidth
	f.tileLength = tileLength
	f.tilesAcross = (imageWidth + tileWidth - 1) / tileWidth
	f.tilesDown = (imageLength + tileLength - 1) / tileLength
	f.tileSampleCount = tileWidth * tileLength
	f.tileByteCountUncompressed = 4 * f.tileSampleCount
	f.scaleX = testScaleX
	f.scaleY = testScaleY
	f.translateX = testTranslateX
	f.translateY = testTranslateY
	assert.NoError(t, f.initCaches())

	for tr := range f.tilesDown {
		for tc := range f.tilesAcross {
			tileSamples := make([]float32, f.tileSampleCount)
			for i := range tileSamples {
				c := tc*tileWidth + i%tileWidth
				r := tr*tileLength + i/tileWidth
				if c < imageWidth && r < imageLength {
					tileSamples[i] = sample(c, r)
				} else {
					tileSamples[i] = f.noData
				}
			}
			f.tileSamplesCache.Set(TileCoord{C: tc, R: tr}, tileSamples)
		}
	}
	return f
}

func linearSample(c, r int) float32 {
	return float32(2*c + 3*r)
}

// modelCoord returns the model coordinate of the fractional pixel position
// (col, row).
func modelCoord(col, row float64) []float64 {
	return []float64{testTranslateX + col*testScaleX, testTranslateY - row*testScaleY}
}

func TestGeoTIFFTileBounds(t *testing.T) {
	f := newTestGeoTIFFTile(t, 10, 7, 4, 4, linearSample)
	assert.Equal(t, Bounds{
		MinX: testTranslateX,
		MinY: testTranslateY - 6*testScaleY,
		MaxX: testTranslateX + 9*testScaleX,
		MaxY: testTranslateY,
	}, f.Bounds())
}

func TestGeoTIFFTileSamples(t *testing.T) {
	f := newTestGeoTIFFTile(t, 10, 7, 4, 4, linearSample)

	for _, tc := range []struct {
		name     string
		col      float64
		row      float64
		expected float64
	}{
		{name: "origin", col: 0, row: 0, expected: 0},
		{name: "last_node", col: 9, row: 6, expected: 36},
		{name: "node", col: 3, row: 2, expected: 12},
		{name: "cell", col: 1.5, row: 2.25, expected: 9.75},
		{name: "tile_seam_column", col: 4, row: 1.5, expected: 12.5},
		{name: "before_tile_seam_column", col: 3.5, row: 1.5, expected: 11.5},
		{name: "tile_seam_row", col: 2.5, row: 4, expected: 17},
		{name: "tile_seam_corner", col: 4, row: 4, expected: 20},
		{name: "last_partial_tile", col: 8.75, row: 5.5, expected: 34},
		{name: "outside_left", col: -0.5, row: 1, expected: math.NaN()},
		{name: "outside_right", col: 9.5, row: 1, expected: math.NaN()},
		{name: "outside_top", col: 1, row: -0.5, expected: math.NaN()},
		{name: "outside_bottom", col: 1, row: 6.5, expected: math.NaN()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			coord := modelCoord(tc.col, tc.row)
			actual, err := f.Sample(t.Context(), coord[0], coord[1])
			assert.NoError(t, err)
			if math.IsNaN(tc.expected) {
				assert.True(t, math.IsNaN(actual))
			} else {
				assert.True(t, math.Abs(tc.expected-actual) < 1e-9, "expected %g, got %g", tc.expected, actual)
			}
		})
	}
}

func TestGeoTIFFTileNoData(t *testing.T) {
	noData := math.Float32frombits(defaultNoDataBits)
	f := newTestGeoTIFFTile(t, 8, 8, 4, 4, func(c, r int) float32 {
		if c == 5 && r == 5 {
			return noData
		}
		return 1
	})
	for _, tc := range []struct {
		col      float64
		row      float64
		expected float64
	}{
		{col: 4.5, row: 4.5, expected: math.NaN()},
		{col: 5.5, row: 5.5, expected: math.NaN()},
		{col: 5, row: 5, expected: math.NaN()},
		{col: 2.5, row: 2.5, expected: 1},
		{col: 6.5, row: 4.5, expected: 1},
		{col: 7, row: 7, expected: 1},
	} {
		coord := modelCoord(tc.col, tc.row)
		actual, err := f.Sample(t.Context(), coord[0], coord[1])
		assert.NoError(t, err)
		if math.IsNaN(tc.expected) {
			assert.True(t, math.IsNaN(actual), "col=%g row=%g", tc.col, tc.row)
		} else {
			assert.Equal(t, tc.expected, actual, "col=%g row=%g", tc.col, tc.row)
		}
	}
}

func TestGeoTIFFTileInterpolator(t *testing.T) {
	f := newTestGeoTIFFTile(t, 10, 7, 4, 4, linearSample)
	for _, tc := range []struct {
		tileCoord      TileCoord
		expectedNX     int
		expectedNY     int
		expectedBounds Bounds
	}{
		{
			tileCoord:      TileCoord{C: 0, R: 0},
			expectedNX:     5,
			expectedNY:     5,
			expectedBounds: Bounds{MinX: 0, MinY: -4, MaxX: 4, MaxY: 0},
		},
		{
			tileCoord:      TileCoord{C: 1, R: 1},
			expectedNX:     5,
			expectedNY:     3,
			expectedBounds: Bounds{MinX: 4, MinY: -6, MaxX: 8, MaxY: -4},
		},
		{
			tileCoord:      TileCoord{C: 2, R: 1},
			expectedNX:     2,
			expectedNY:     3,
			expectedBounds: Bounds{MinX: 8, MinY: -6, MaxX: 9, MaxY: -4},
		},
	} {
		interpolator, err := f.Interpolator(t.Context(), tc.tileCoord)
		assert.NoError(t, err)
		assert.Equal(t, tc.expectedNX, interpolator.NX())
		assert.Equal(t, tc.expectedNY, interpolator.NY())
		assert.Equal(t, tc.expectedBounds, interpolator.Bounds())
		interpolator.Destroy()
	}

	for _, tileCoord := range []TileCoord{
		{C: -1, R: 0},
		{C: 3, R: 0},
		{C: 0, R: -1},
		{C: 0, R: 2},
	} {
		_, err := f.Interpolator(t.Context(), tileCoord)
		assert.IsError(t, err, ErrOutOfRange)
	}
}

func TestGeoTIFFTileInterpolatorRemnantTiles(t *testing.T) {
	// The last tile column and row each hold a single pixel.
	f := newTestGeoTIFFTile(t, 9, 5, 4, 4, linearSample)
	assert.Equal(t, 3, f.tilesAcross)
	assert.Equal(t, 2, f.tilesDown)

	for _, tileCoord := range []TileCoord{
		{C: 2, R: 0},
		{C: 0, R: 1},
		{C: 2, R: 1},
	} {
		_, err := f.Interpolator(t.Context(), tileCoord)
		assert.IsError(t, err, ErrOutOfRange)
	}

	// Their pixels are covered by the previous windows.
	interpolator, err := f.Interpolator(t.Context(), TileCoord{C: 1, R: 0})
	assert.NoError(t, err)
	defer interpolator.Destroy()
	assert.Equal(t, Bounds{MinX: 4, MinY: -4, MaxX: 8, MaxY: 0}, interpolator.Bounds())
	for _, tc := range []struct {
		col      float64
		row      float64
		expected float64
	}{
		{col: 8, row: 1, expected: 19},
		{col: 8, row: 4, expected: 28},
		{col: 2, row: 4, expected: 16},
	} {
		coord := modelCoord(tc.col, tc.row)
		actual, err := f.Sample(t.Context(), coord[0], coord[1])
		assert.NoError(t, err)
		assert.Equal(t, tc.expected, actual)
	}
}

func TestGeoTIFFTileInterpolatorOwnedByCaller(t *testing.T) {
	f := newTestGeoTIFFTile(t, 8, 8, 4, 4, linearSample)

	first, err := f.Interpolator(t.Context(), TileCoord{C: 0, R: 0})
	assert.NoError(t, err)
	second, err := f.Interpolator(t.Context(), TileCoord{C: 0, R: 0})
	assert.NoError(t, err)
	assert.False(t, first == second)

	coord := modelCoord(1.5, 2.5)
	expected, err := f.Sample(t.Context(), coord[0], coord[1])
	assert.NoError(t, err)
	actual, err := first.Calculate(1.5, -2.5)
	assert.NoError(t, err)
	assert.Equal(t, expected, actual)

	// Destroying a returned interpolator does not affect f.
	first.Destroy()
	actual, err = second.Calculate(1.5, -2.5)
	assert.NoError(t, err)
	assert.Equal(t, expected, actual)
	second.Destroy()
	actual, err = f.Sample(t.Context(), coord[0], coord[1])
	assert.NoError(t, err)
	assert.Equal(t, expected, actual)
}

func TestGeoTIFFTileInterpolatorCache(t *testing.T) {
	f := newTestGeoTIFFTile(t, 8, 8, 4, 4, linearSample, WithInterpolatorCacheSize(1))

	hits := testutil.ToFloat64(interpolatorCacheHits)
	misses := testutil.ToFloat64(interpolatorCacheMisses)
	evictions := testutil.ToFloat64(interpolatorCacheEvictions)

	sample := func(col, row float64) {
		t.Helper()
		coord := modelCoord(col, row)
		actual, err := f.Sample(t.Context(), coord[0], coord[1])
		assert.NoError(t, err)
		assert.Equal(t, 2*col+3*row, actual)
	}

	sample(1, 1)
	cached, ok := f.interpolatorCache.Peek(TileCoord{C: 0, R: 0})
	assert.True(t, ok)
	sample(2.5, 3)
	assert.True(t, cached.Initialized())

	sample(5, 1)
	assert.False(t, cached.Initialized())
	_, ok = f.interpolatorCache.Peek(TileCoord{C: 0, R: 0})
	assert.False(t, ok)

	assert.Equal(t, 1.0, testutil.ToFloat64(interpolatorCacheHits)-hits)
	assert.Equal(t, 2.0, testutil.ToFloat64(interpolatorCacheMisses)-misses)
	assert.Equal(t, 1.0, testutil.ToFloat64(interpolatorCacheEvictions)-evictions)
}

func TestGeoTIFFTileConcurrentInterpolatorAndSample(t *testing.T) {
	f := newTestGeoTIFFTile(t, 8, 8, 4, 4, linearSample, WithInterpolatorCacheSize(1))

	// Run with -race.
	const n = 256
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 4 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			interpolator, err := f.Interpolator(context.Background(), TileCoord{C: 0, R: 0})
			if err != nil {
				errs <- err
				return
			}
			defer interpolator.Destroy()
			for k := range n {
				col, row := float64(k%5), float64(k%4)+0.5
				switch actual, err := interpolator.Calculate(col, -row); {
				case err != nil:
					errs <- err
					return
				case actual != 2*col+3*row:
					errs <- fmt.Errorf("Calculate(%g, %g): got %g", col, -row, actual)
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			for k := range n {
				// Alternate windows to force evictions.
				col, row := float64(k%8), float64(k%4)+0.5
				coord := modelCoord(col, row)
				switch actual, err := f.Sample(context.Background(), coord[0], coord[1]); {
				case err != nil:
					errs <- err
					return
				case actual != 2*col+3*row:
					errs <- fmt.Errorf("Sample(%g, %g): got %g", col, row, actual)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestGeoTIFFTileSampleSamplesEquivalence(t *testing.T) {
	f := newTestGeoTIFFTile(t, 37, 23, 8, 8, func(c, r int) float32 {
		return float32(math.Sin(float64(c)) * math.Cos(float64(r)))
	}, WithInterpolatorCacheSize(3))
	testSampleSamplesEquivalence(t, f)
}

func TestGeoTIFFTileTileSample(t *testing.T) {
	f := newGeoTIFFTile()
	f.tileWidth = 2
	f.tileLength = 2
	tileSamples := []float32{1, 2, 3, f.noData}
	assert.Equal(t, 1.0, f.tileSample(tileSamples, 4, 6))
	assert.Equal(t, 2.0, f.tileSample(tileSamples, 5, 6))
	assert.Equal(t, 3.0, f.tileSample(tileSamples, 4, 7))
	assert.True(t, math.IsNaN(f.tileSample(tileSamples, 5, 7)))
}

func TestGeoTIFFTileDecodeTileData(t *testing.T) {
	f := newGeoTIFFTile()
	f.tileSampleCount = 2
	tileData := []byte{
		0x00, 0x00, 0x80, 0x3f, // 1.
		0x00, 0x00, 0x20, 0xc1, // -10.
	}
	assert.Equal(t, []float32{1, -10}, f.decodeTileData(tileData))
}

func TestNewGeoTIFFTile(t *testing.T) {
	f, err := NewGeoTIFFTile(os.DirFS("testdata/eu_dem"), "eu_dem_v11_E00N20.TIF")
	if errors.Is(err, fs.ErrNotExist) {
		t.Skip(err)
	}
	assert.NoError(t, err)
	defer func() {
		assert.NoError(t, f.Close())
	}()

	visitAllTiles(t, f)

	testSampleSamplesEquivalence(t, f)
	testNodesMatchPixels(t, f)
}

func TestNewGeoTIFFTileNotExist(t *testing.T) {
	_, err := NewGeoTIFFTile(os.DirFS(t.TempDir()), "missing.TIF")
	assert.IsError(t, err, fs.ErrNotExist)
}

func visitAllTiles(t *testing.T, f *GeoTIFFTile) {
	t.Helper()
	for r := range f.tilesDown {
		for c := range f.tilesAcross {
			_, err := f.getTileSamplesCached(t.Context(), TileCoord{C: c, R: r})
			if !errors.Is(err, otter.ErrNotFound) {
				assert.NoError(t, err)
			}
		}
	}
}

func testSampleSamplesEquivalence(t *testing.T, f *GeoTIFFTile) {
	t.Helper()
	r := rand.New(rand.NewPCG(0, 0))
	bounds := f.Bounds()
	for range 1024 {
		n := r.IntN(16)
		coords := make([][]float64, n)
		for i := range coords {
			// Include points slightly outside f.
			coords[i] = []float64{
				bounds.MinX + (bounds.MaxX-bounds.MinX)*(1.02*r.Float64()-0.01),
				bounds.MinY + (bounds.MaxY-bounds.MinY)*(1.02*r.Float64()-0.01),
			}
		}
		sampleCoords := make([]float64, n)
		for i, coord := range coords {
			var err error
			sampleCoords[i], err = f.Sample(t.Context(), coord[0], coord[1])
			assert.NoError(t, err)
		}
		samplesCoords, err := f.Samples(t.Context(), coords)
		assert.NoError(t, err)
		assert.Equal(t, len(sampleCoords), len(samplesCoords))
		for i := range sampleCoords {
			if math.IsNaN(sampleCoords[i]) {
				assert.True(t, math.IsNaN(samplesCoords[i]))
			} else {
				assert.Equal(t, sampleCoords[i], samplesCoords[i])
			}
		}
	}
}

// testNodesMatchPixels checks that interpolating at a grid node returns the
// pixel's sample.
func testNodesMatchPixels(t *testing.T, f *GeoTIFFTile) {
	t.Helper()
	r := rand.New(rand.NewPCG(0, 0))
	for range 1024 {
		c, row := r.IntN(f.imageWidth), r.IntN(f.imageLength)
		expected, err := f.pixelSample(t.Context(), c, row)
		assert.NoError(t, err)
		x := f.translateX + float64(c)*f.scaleX
		y := f.translateY - float64(row)*f.scaleY
		actual, err := f.Sample(t.Context(), x, y)
		assert.NoError(t, err)
		// Cells next to missing data are NaN even at their nodes.
		if math.IsNaN(expected) || math.IsNaN(actual) {
			continue
		}
		assert.True(t, math.Abs(expected-actual) < 1e-6*max(1, math.Abs(expected)), "c=%d r=%d", c, row)
	}
}
