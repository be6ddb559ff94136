package interp2d

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
	_ "github.com/google/tiff/geotiff"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maypok86/otter/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/image/tiff/lzw"
)

const defaultNoDataBits = 0xff7fffff

var (
	errShortRead = errors.New("short read")

	interpolatorCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interp2d_geotiff_interpolator_cache_hits_total",
		Help: "The total number of hits on the GeoTIFF window interpolator cache",
	})
	interpolatorCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interp2d_geotiff_interpolator_cache_misses_total",
		Help: "The total number of misses on the GeoTIFF window interpolator cache",
	})
	interpolatorCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interp2d_geotiff_interpolator_cache_evictions_total",
		Help: "The total number of evictions from the GeoTIFF window interpolator cache",
	})
	emptyTiles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interp2d_geotiff_empty_tiles_total",
		Help: "The total number of reads of GeoTIFF tiles that contain only no data",
	})
)

// A TileCoord is a tile coordinate.
type TileCoord struct {
	C int // Column.
	R int // Row.
}

// A GeoTIFFTile is an open GeoTIFF file whose samples are interpolated
// bilinearly. Grid nodes are at the pixel corners given by the file's model
// tiepoint and pixel scale.
//
// A GeoTIFFTile is safe for concurrent use.
type GeoTIFFTile struct {
	mutex                     sync.Mutex
	file                      *os.File
	imageWidth                int
	imageLength               int
	tileWidth                 int
	tileLength                int
	tilesAcross               int
	tilesDown                 int
	tileOffsets               []uint64
	tileByteCounts            []uint64
	smallestTileByteCount     uint64
	tileSampleCount           int
	tileByteCountUncompressed int
	tileCacheSizeBytes        int
	tileSamplesCache          *otter.Cache[TileCoord, []float32]
	emptyTileBytes            []byte
	noData                    float32
	interpolatorCacheSize     int
	interpolatorCache         *lru.Cache[TileCoord, *Interpolator]
	geoKeys                   *ParsedGeoKeys
	scaleX                    float64
	scaleY                    float64
	translateX                float64
	translateY                float64
}

// A GeoTIFFTileOption sets an option on a GeoTIFFTile.
type GeoTIFFTileOption func(*GeoTIFFTile)

// A geoTIFFIFD is a struct into which github.com/google/tiff can unmarshal an
// IFD.
type geoTIFFIFD struct {
	ImageWidth                uint16    `tiff:"field,tag=256"`
	ImageLength               uint16    `tiff:"field,tag=257"`
	BitsPerSample             uint16    `tiff:"field,tag=258"`
	Compression               uint16    `tiff:"field,tag=259"`
	PhotometricInterpretation uint16    `tiff:"field,tag=262"`
	SamplesPerPixel           uint16    `tiff:"field,tag=277"`
	PlanarConfiguration       uint16    `tiff:"field,tag=284"`
	Predictor                 uint16    `tiff:"field,tag=317"`
	TileWidth                 uint16    `tiff:"field,tag=322"`
	TileLength                uint16    `tiff:"field,tag=323"`
	TileOffsets               []uint64  `tiff:"field,tag=324"`
	TileByteCounts            []uint64  `tiff:"field,tag=325"`
	SampleFormat              uint16    `tiff:"field,tag=339"`
	ModelPixelScaleTag        []float64 `tiff:"field,tag=33550"`
	ModelTiepointTag          []float64 `tiff:"field,tag=33922"`
	GeoKeyDirectoryTag        []uint16  `tiff:"field,tag=34735"`
	GeoDoubleParamsTag        []float64 `tiff:"field,tag=34736"`
	GeoASCIIParamsTag         string    `tiff:"field,tag=34737"`
	GDALMetadata              string    `tiff:"field,tag=42112"`
	GDALNoData                string    `tiff:"field,tag=42113"`
}

// NewGeoTIFFTile returns a new GeoTIFFTile.
func NewGeoTIFFTile(fsys fs.FS, filename string, options ...GeoTIFFTileOption) (*GeoTIFFTile, error) {
	var err error
	ok := false

	f := newGeoTIFFTile(options...)

	file, err := fsys.Open(filename)
	if err != nil {
		return nil, err
	}
	if _, ok := file.(*os.File); !ok {
		_ = file.Close()
		return nil, errors.ErrUnsupported
	}
	f.file = file.(*os.File)
	defer func() {
		if !ok {
			_ = f.file.Close()
		}
	}()

	tiffTIFF, err := tiff.Parse(f.file, tiff.GetTagSpace("GeoTIFF"), nil)
	if err != nil {
		return nil, err
	}

	if len(tiffTIFF.IFDs()) != 1 {
		return nil, fmt.Errorf("found %d IFDs, expected 1", len(tiffTIFF.IFDs()))
	}

	var ifd geoTIFFIFD
	if err := tiff.UnmarshalIFD(tiffTIFF.IFDs()[0], &ifd); err != nil {
		return nil, err
	}

	if ifd.BitsPerSample != 32 ||
		ifd.Compression != 5 ||
		ifd.PhotometricInterpretation != 1 ||
		ifd.SamplesPerPixel != 1 ||
		ifd.PlanarConfiguration != 1 ||
		ifd.Predictor != 1 ||
		ifd.SampleFormat != 3 ||
		len(ifd.ModelPixelScaleTag) != 3 || ifd.ModelPixelScaleTag[2] != 0 ||
		len(ifd.ModelTiepointTag) != 6 || ifd.ModelTiepointTag[2] != 0 || ifd.ModelTiepointTag[5] != 0 {
		return nil, errors.ErrUnsupported
	}

	if ifd.GDALNoData != "" {
		noData, err := strconv.ParseFloat(strings.TrimRight(ifd.GDALNoData, "\x00"), 32)
		if err != nil {
			return nil, fmt.Errorf("GDAL no data: %w", err)
		}
		f.noData = float32(noData)
	}

	if len(ifd.GeoKeyDirectoryTag) != 0 {
		f.geoKeys, err = ParseGeoKeys(ifd.GeoKeyDirectoryTag, ifd.GeoDoubleParamsTag, []byte(ifd.GeoASCIIParamsTag))
		if err != nil {
			return nil, err
		}
	}

	f.imageWidth = int(ifd.ImageWidth)
	f.imageLength = int(ifd.ImageLength)
	if f.imageWidth < 2 || f.imageLength < 2 {
		return nil, fmt.Errorf("%dx%d image: %w", f.imageWidth, f.imageLength, ErrDimensions)
	}
	f.tileWidth = int(ifd.TileWidth)
	f.tileLength = int(ifd.TileLength)
	if f.tileWidth == 0 || f.tileLength == 0 {
		return nil, errors.ErrUnsupported
	}
	f.tilesAcross = (f.imageWidth + f.tileWidth - 1) / f.tileWidth
	f.tilesDown = (f.imageLength + f.tileLength - 1) / f.tileLength
	tilesPerImage := f.tilesAcross * f.tilesDown
	if len(ifd.TileByteCounts) != tilesPerImage || len(ifd.TileOffsets) != tilesPerImage {
		return nil, errors.New("incorrect number of tile byte counts or offsets")
	}
	f.tileOffsets = ifd.TileOffsets
	f.tileByteCounts = ifd.TileByteCounts
	f.smallestTileByteCount = slices.Min(ifd.TileByteCounts)
	f.tileSampleCount = f.tileWidth * f.tileLength
	f.tileByteCountUncompressed = f.tileSampleCount * int(ifd.BitsPerSample) / 8

	scaleX, scaleY := ifd.ModelPixelScaleTag[0], ifd.ModelPixelScaleTag[1]
	if !(scaleX > 0) || !(scaleY > 0) {
		return nil, errors.ErrUnsupported
	}
	i, j, k := ifd.ModelTiepointTag[0], ifd.ModelTiepointTag[1], ifd.ModelTiepointTag[2]
	if i != 0 || j != 0 || k != 0 {
		return nil, errors.ErrUnsupported
	}
	f.scaleX = scaleX
	f.scaleY = scaleY
	f.translateX = ifd.ModelTiepointTag[3]
	f.translateY = ifd.ModelTiepointTag[4]

	if err := f.initCaches(); err != nil {
		return nil, err
	}

	ok = true
	return f, nil
}

// newGeoTIFFTile returns a GeoTIFFTile with its defaults and options set.
func newGeoTIFFTile(options ...GeoTIFFTileOption) *GeoTIFFTile {
	f := &GeoTIFFTile{
		tileCacheSizeBytes:    128 << 20, // 128MB.
		interpolatorCacheSize: 16,
		noData:                math.Float32frombits(defaultNoDataBits),
	}
	for _, option := range options {
		option(f)
	}
	return f
}

// initCaches creates f's caches. It must be called after f's tile geometry
// is known.
func (f *GeoTIFFTile) initCaches() error {
	var err error
	tileCacheCount := max(f.tileCacheSizeBytes/f.tileByteCountUncompressed, 1)
	f.tileSamplesCache, err = otter.New(&otter.Options[TileCoord, []float32]{
		MaximumSize: tileCacheCount,
	})
	if err != nil {
		return err
	}
	f.interpolatorCache, err = lru.NewWithEvict(f.interpolatorCacheSize, func(key TileCoord, value *Interpolator) {
		interpolatorCacheEvictions.Inc()
		value.Destroy()
	})
	return err
}

// WithTileCacheSize sets the size in bytes of the decoded tile cache.
func WithTileCacheSize(tileCacheSize int) GeoTIFFTileOption {
	return func(f *GeoTIFFTile) {
		f.tileCacheSizeBytes = tileCacheSize
	}
}

// WithInterpolatorCacheSize sets the number of window interpolators that are
// kept.
func WithInterpolatorCacheSize(interpolatorCacheSize int) GeoTIFFTileOption {
	return func(f *GeoTIFFTile) {
		f.interpolatorCacheSize = interpolatorCacheSize
	}
}

func (f *GeoTIFFTile) Close() error {
	f.mutex.Lock()
	f.interpolatorCache.Purge()
	f.mutex.Unlock()
	return f.file.Close()
}

// Bounds returns the bounding box of f's grid nodes.
func (f *GeoTIFFTile) Bounds() Bounds {
	return Bounds{
		MinX: f.translateX,
		MinY: f.translateY - float64(f.imageLength-1)*f.scaleY,
		MaxX: f.translateX + float64(f.imageWidth-1)*f.scaleX,
		MaxY: f.translateY,
	}
}

// GeoKeys returns f's parsed GeoKeys, or nil if f has none.
func (f *GeoTIFFTile) GeoKeys() *ParsedGeoKeys {
	return f.geoKeys
}

// SRID returns f's SRID, or zero if it is unknown.
func (f *GeoTIFFTile) SRID() int {
	if f.geoKeys == nil {
		return 0
	}
	return f.geoKeys.SRID()
}

// Sample returns the interpolated value at (x, y). Points outside f, or in
// cells with missing data, are NaN.
func (f *GeoTIFFTile) Sample(ctx context.Context, x, y float64) (float64, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	windowCoord, px, py, ok := f.pixelCoord(x, y)
	if !ok {
		return math.NaN(), nil
	}
	interpolator, err := f.getInterpolatorCached(ctx, windowCoord)
	if err != nil {
		return 0, err
	}
	return interpolator.Calculate(px, py)
}

// Samples returns the interpolated values at coords. It is significantly
// faster than calling [Sample] for each coordinate.
func (f *GeoTIFFTile) Samples(ctx context.Context, coords [][]float64) ([]float64, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	samples := make([]float64, len(coords))
	pixelCoords := make([][2]float64, len(coords))

	// Group indexes by window.
	indexesByWindowCoord := make(map[TileCoord][]int)
	for index, coord := range coords {
		windowCoord, px, py, ok := f.pixelCoord(coord[0], coord[1])
		if !ok {
			samples[index] = math.NaN()
			continue
		}
		pixelCoords[index] = [2]float64{px, py}
		indexesByWindowCoord[windowCoord] = append(indexesByWindowCoord[windowCoord], index)
	}

	// Populate samples one window at a time.
	for windowCoord, indexes := range indexesByWindowCoord {
		interpolator, err := f.getInterpolatorCached(ctx, windowCoord)
		if err != nil {
			return nil, err
		}
		for _, index := range indexes {
			samples[index], err = interpolator.Calculate(pixelCoords[index][0], pixelCoords[index][1])
			if err != nil {
				return nil, err
			}
		}
	}

	return samples, nil
}

// Interpolator returns a new interpolator for the window at tileCoord. The
// window covers the tile's pixels and the first column and row of its right
// and lower neighbours. Its nodes are in pixel space: x is the column and y is
// the negated row. The caller owns the returned Interpolator and should
// Destroy it when done.
//
// A last tile column or row that holds only the image's final pixel column or
// row has no window of its own; its pixels belong to the previous window and
// Interpolator returns ErrOutOfRange for it.
func (f *GeoTIFFTile) Interpolator(ctx context.Context, tileCoord TileCoord) (*Interpolator, error) {
	if tileCoord.C < 0 || tileCoord.C*f.tileWidth >= f.imageWidth-1 ||
		tileCoord.R < 0 || tileCoord.R*f.tileLength >= f.imageLength-1 {
		return nil, fmt.Errorf("tile %d,%d: %w", tileCoord.C, tileCoord.R, ErrOutOfRange)
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.getInterpolator(ctx, tileCoord)
}

// pixelCoord returns the window containing (x, y) and the position of (x, y)
// in pixel space.
func (f *GeoTIFFTile) pixelCoord(x, y float64) (TileCoord, float64, float64, bool) {
	col := (x - f.translateX) / f.scaleX
	row := (f.translateY - y) / f.scaleY
	if !(0 <= col && col <= float64(f.imageWidth-1) && 0 <= row && row <= float64(f.imageLength-1)) {
		return TileCoord{}, 0, 0, false
	}
	c := min(int(col), f.imageWidth-2)
	r := min(int(row), f.imageLength-2)
	return TileCoord{C: c / f.tileWidth, R: r / f.tileLength}, col, -row, true
}

// window returns the first and last columns and rows of the window at
// tileCoord.
func (f *GeoTIFFTile) window(tileCoord TileCoord) (c0, c1, r0, r1 int) {
	c0 = tileCoord.C * f.tileWidth
	c1 = min(c0+f.tileWidth, f.imageWidth-1)
	r0 = tileCoord.R * f.tileLength
	r1 = min(r0+f.tileLength, f.imageLength-1)
	return
}

// getInterpolator builds the interpolator for the window at tileCoord.
func (f *GeoTIFFTile) getInterpolator(ctx context.Context, tileCoord TileCoord) (*Interpolator, error) {
	c0, c1, r0, r1 := f.window(tileCoord)
	nx, ny := c1-c0+1, r1-r0+1

	xs := make([]float64, nx)
	for i := range xs {
		xs[i] = float64(c0 + i)
	}
	ys := make([]float64, ny)
	values := make([][]float64, ny)
	for j := range ys {
		r := r1 - j
		ys[j] = -float64(r)
		values[j] = make([]float64, nx)
		for i := range values[j] {
			sample, err := f.pixelSample(ctx, c0+i, r)
			if err != nil {
				return nil, err
			}
			values[j][i] = sample
		}
	}

	interpolator, err := New(nx, ny)
	if err != nil {
		return nil, err
	}
	if err := interpolator.Initialize(xs, ys, values); err != nil {
		return nil, err
	}
	return interpolator, nil
}

// getInterpolatorCached returns the interpolator for the window at tileCoord
// using f's cache. f.mutex must be held.
func (f *GeoTIFFTile) getInterpolatorCached(ctx context.Context, tileCoord TileCoord) (*Interpolator, error) {
	if interpolator, ok := f.interpolatorCache.Get(tileCoord); ok {
		interpolatorCacheHits.Inc()
		return interpolator, nil
	}
	interpolatorCacheMisses.Inc()
	interpolator, err := f.getInterpolator(ctx, tileCoord)
	if err != nil {
		return nil, err
	}
	f.interpolatorCache.Add(tileCoord, interpolator)
	return interpolator, nil
}

// pixelSample returns the sample of pixel (c, r).
func (f *GeoTIFFTile) pixelSample(ctx context.Context, c, r int) (float64, error) {
	localTileCoord := TileCoord{C: c / f.tileWidth, R: r / f.tileLength}
	switch tileSamples, err := f.getTileSamplesCached(ctx, localTileCoord); {
	case errors.Is(err, otter.ErrNotFound):
		return math.NaN(), nil
	case err != nil:
		return 0, err
	default:
		return f.tileSample(tileSamples, c, r), nil
	}
}

// getCompressedTileData returns the compressed tile data for the data at
// localTileCoord. If the tile is known to be empty, it returns the error
// otter.ErrNotFound.
func (f *GeoTIFFTile) getCompressedTileData(localTileCoord TileCoord) ([]byte, error) {
	tileIndex := localTileCoord.C + f.tilesAcross*localTileCoord.R
	tileByteCount := f.tileByteCounts[tileIndex]
	tileOffset := f.tileOffsets[tileIndex]
	compressedData := make([]byte, tileByteCount)
	switch n, err := f.file.ReadAt(compressedData, int64(tileOffset)); {
	case err != nil:
		return nil, err
	case n != int(tileByteCount):
		return nil, errShortRead
	case f.emptyTileBytes != nil && bytes.Equal(compressedData, f.emptyTileBytes):
		emptyTiles.Inc()
		return nil, otter.ErrNotFound
	default:
		return compressedData, nil
	}
}

// decompressTileData decompresses the tile data in compressedData.
func (f *GeoTIFFTile) decompressTileData(compressedData []byte) ([]byte, error) {
	tileData := make([]byte, f.tileByteCountUncompressed)
	r := lzw.NewReader(bytes.NewReader(compressedData), lzw.MSB, 8)
	defer r.Close()
	for bytesRead := 0; bytesRead < f.tileByteCountUncompressed; {
		n, err := r.Read(tileData[bytesRead:])
		if err != nil {
			return nil, err
		}
		bytesRead += n
	}
	return tileData, nil
}

// decodeTileData decodes tileData.
func (f *GeoTIFFTile) decodeTileData(tileData []byte) []float32 {
	tileSamples := make([]float32, f.tileSampleCount)
	for i := range f.tileSampleCount {
		b := binary.LittleEndian.Uint32(tileData[i*4 : (i+1)*4])
		tileSamples[i] = math.Float32frombits(b)
	}
	return tileSamples
}

// getTileSamples returns the tile samples at localTileCoord.
func (f *GeoTIFFTile) getTileSamples(ctx context.Context, localTileCoord TileCoord) ([]float32, error) {
	compressedTileData, err := f.getCompressedTileData(localTileCoord)
	if err != nil {
		return nil, err
	}

	tileData, err := f.decompressTileData(compressedTileData)
	if err != nil {
		return nil, err
	}
	tileSamples := f.decodeTileData(tileData)

	// The empty tile is assumed to be the smallest tile. Remember its
	// compressed bytes so later empty tiles are detected before they are
	// decompressed.
	if f.emptyTileBytes == nil && len(compressedTileData) == int(f.smallestTileByteCount) {
		if !slices.ContainsFunc(tileSamples, func(sample float32) bool {
			return sample != f.noData
		}) {
			f.emptyTileBytes = compressedTileData
			emptyTiles.Inc()
			return nil, otter.ErrNotFound
		}
	}

	return tileSamples, nil
}

// getTileSamplesCached returns the tile at localTileCoord using f's cache.
func (f *GeoTIFFTile) getTileSamplesCached(ctx context.Context, localTileCoord TileCoord) ([]float32, error) {
	return f.tileSamplesCache.Get(ctx, localTileCoord, otter.LoaderFunc[TileCoord, []float32](f.getTileSamples))
}

// tileSample returns the sample of pixel (c, r) from tileSamples.
func (f *GeoTIFFTile) tileSample(tileSamples []float32, c, r int) float64 {
	sample := tileSamples[c%f.tileWidth+(r%f.tileLength)*f.tileWidth]
	if sample == f.noData {
		return math.NaN()
	}
	return float64(sample)
}
