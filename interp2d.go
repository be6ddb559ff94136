// Package interp2d evaluates functions of two variables sampled on
// rectangular, non-uniform grids using bilinear interpolation.
package interp2d

import (
	"fmt"
	"math"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gonum.org/v1/gonum/mat"
)

var (
	calculations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interp2d_calculations_total",
		Help: "The total number of successful interpolations",
	})
	outOfRangeCalculations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interp2d_out_of_range_total",
		Help: "The total number of interpolations rejected because the point was out of range",
	})
	validationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interp2d_validation_failures_total",
		Help: "The total number of grid initializations rejected by validation",
	})
)

// A Bounds is a bounding box.
type Bounds struct {
	MinX float64
	MinY float64
	MaxX float64
	MaxY float64
}

// Contains returns if b contains (x, y). Points on the boundary are contained.
func (b Bounds) Contains(x, y float64) bool {
	return b.MinX <= x && x <= b.MaxX && b.MinY <= y && y <= b.MaxY
}

// An Interpolator is a bilinear interpolator over a rectangular grid.
//
// An Interpolator is not safe for concurrent use, even for Calculate, as each
// call updates the interpolator's cached lookup state.
type Interpolator struct {
	nx          int
	ny          int
	x           []float64
	y           []float64
	z           []float64 // z[j*nx+i] is the value at (x[i], y[j]).
	xAccel      accel
	yAccel      accel
	initialized bool
	destroyed   bool
}

// New returns a new Interpolator for a grid of nx by ny nodes. The
// Interpolator must be initialized with Initialize or InitializeMatrix before
// use.
func New(nx, ny int) (*Interpolator, error) {
	if nx < 2 || ny < 2 {
		return nil, fmt.Errorf("%dx%d: %w", nx, ny, ErrDimensions)
	}
	if nx > math.MaxInt/ny {
		return nil, &AllocationError{NX: nx, NY: ny}
	}
	return allocate(nx, ny)
}

// allocate allocates all of an Interpolator's storage at once, converting
// failed allocations into errors.
func allocate(nx, ny int) (i *Interpolator, err error) {
	defer func() {
		if r := recover(); r != nil {
			runtimeErr, ok := r.(runtime.Error)
			if !ok {
				panic(r)
			}
			i = nil
			err = &AllocationError{NX: nx, NY: ny, Err: runtimeErr}
		}
	}()
	return &Interpolator{
		nx:     nx,
		ny:     ny,
		x:      make([]float64, nx),
		y:      make([]float64, ny),
		z:      make([]float64, nx*ny),
		xAccel: newAccel(),
		yAccel: newAccel(),
	}, nil
}

// NX returns the number of nodes along i's x axis.
func (i *Interpolator) NX() int {
	return i.nx
}

// NY returns the number of nodes along i's y axis.
func (i *Interpolator) NY() int {
	return i.ny
}

// Initialized returns if i has been successfully initialized.
func (i *Interpolator) Initialized() bool {
	return i.initialized
}

// Bounds returns i's bounding box. It is only meaningful once i is
// initialized.
func (i *Interpolator) Bounds() Bounds {
	if !i.initialized {
		return Bounds{}
	}
	return Bounds{
		MinX: i.x[0],
		MinY: i.y[0],
		MaxX: i.x[i.nx-1],
		MaxY: i.y[i.ny-1],
	}
}

// Initialize sets i's grid. xs and ys are the node coordinates and must be
// strictly increasing. values[j][k] is the value at (xs[k], ys[j]). i keeps
// copies of xs, ys, and values.
//
// If Initialize returns an error then i is left uninitialized, even if it was
// previously initialized.
func (i *Interpolator) Initialize(xs, ys []float64, values [][]float64) error {
	if err := i.checkShape(xs, ys, len(values)); err != nil {
		return err
	}
	for j, row := range values {
		if len(row) != i.nx {
			return i.invalidate(&ValidationError{
				Axis:   "values",
				Index:  j,
				Reason: fmt.Sprintf("row %d has %d values, expected %d", j, len(row), i.nx),
			})
		}
	}
	if err := i.setAxes(xs, ys); err != nil {
		return err
	}
	for j, row := range values {
		copy(i.z[j*i.nx:(j+1)*i.nx], row)
	}
	i.reset()
	return nil
}

// InitializeMatrix is like Initialize but reads the values from a matrix with
// one row per y node and one column per x node.
func (i *Interpolator) InitializeMatrix(xs, ys []float64, values mat.Matrix) error {
	rows, cols := values.Dims()
	if err := i.checkShape(xs, ys, rows); err != nil {
		return err
	}
	if cols != i.nx {
		return i.invalidate(&ValidationError{
			Axis:   "values",
			Index:  -1,
			Reason: fmt.Sprintf("matrix has %d columns, expected %d", cols, i.nx),
		})
	}
	if err := i.setAxes(xs, ys); err != nil {
		return err
	}
	for j := range i.ny {
		for k := range i.nx {
			i.z[j*i.nx+k] = values.At(j, k)
		}
	}
	i.reset()
	return nil
}

// Calculate returns the value at (x, y). The point must lie within i's bounds,
// boundaries included.
func (i *Interpolator) Calculate(x, y float64) (float64, error) {
	switch {
	case i.destroyed:
		return 0, ErrDestroyed
	case !i.initialized:
		return 0, ErrNotInitialized
	}
	if bounds := i.Bounds(); !bounds.Contains(x, y) {
		outOfRangeCalculations.Inc()
		return 0, &OutOfRangeError{X: x, Y: y, Bounds: bounds}
	}

	xi := i.xAccel.locate(i.x, x)
	yj := i.yAccel.locate(i.y, y)
	tx := (x - i.x[xi]) / (i.x[xi+1] - i.x[xi])
	ty := (y - i.y[yj]) / (i.y[yj+1] - i.y[yj])
	z00 := i.z[yj*i.nx+xi]
	z10 := i.z[yj*i.nx+xi+1]
	z01 := i.z[(yj+1)*i.nx+xi]
	z11 := i.z[(yj+1)*i.nx+xi+1]

	calculations.Inc()
	return bilinear(z00, z10, z01, z11, tx, ty), nil
}

// Destroy releases i's storage. i must not be used after Destroy is called,
// but calling Destroy more than once is safe.
func (i *Interpolator) Destroy() {
	i.x = nil
	i.y = nil
	i.z = nil
	i.xAccel.reset()
	i.yAccel.reset()
	i.initialized = false
	i.destroyed = true
}

// checkShape checks that xs, ys, and the number of rows of values match i's
// dimensions.
func (i *Interpolator) checkShape(xs, ys []float64, rows int) error {
	if i.destroyed {
		return ErrDestroyed
	}
	switch {
	case len(xs) != i.nx:
		return i.invalidate(&ValidationError{
			Axis:   "x",
			Index:  -1,
			Reason: fmt.Sprintf("got %d nodes, expected %d", len(xs), i.nx),
		})
	case len(ys) != i.ny:
		return i.invalidate(&ValidationError{
			Axis:   "y",
			Index:  -1,
			Reason: fmt.Sprintf("got %d nodes, expected %d", len(ys), i.ny),
		})
	case rows != i.ny:
		return i.invalidate(&ValidationError{
			Axis:   "values",
			Index:  -1,
			Reason: fmt.Sprintf("got %d rows, expected %d", rows, i.ny),
		})
	}
	return nil
}

// setAxes copies xs and ys into i, checking that they are strictly increasing.
func (i *Interpolator) setAxes(xs, ys []float64) error {
	if err := setAxis("x", i.x, xs); err != nil {
		return i.invalidate(err)
	}
	if err := setAxis("y", i.y, ys); err != nil {
		return i.invalidate(err)
	}
	return nil
}

// setAxis copies src into dst. The first element is copied unconditionally,
// every following element must be greater than its predecessor.
func setAxis(axis string, dst, src []float64) error {
	dst[0] = src[0]
	for k := 1; k < len(src); k++ {
		if !(src[k] > dst[k-1]) {
			return &ValidationError{
				Axis:     axis,
				Index:    k,
				Value:    src[k],
				Previous: dst[k-1],
			}
		}
		dst[k] = src[k]
	}
	return nil
}

// invalidate marks i as uninitialized and returns err.
func (i *Interpolator) invalidate(err error) error {
	i.initialized = false
	validationFailures.Inc()
	return err
}

// reset marks i as initialized with fresh lookup state.
func (i *Interpolator) reset() {
	i.xAccel.reset()
	i.yAccel.reset()
	i.initialized = true
}
