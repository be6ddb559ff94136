package interp2d

import (
	"errors"
	"fmt"
)

var (
	ErrAllocation     = errors.New("allocation error")
	ErrDestroyed      = errors.New("destroyed")
	ErrDimensions     = errors.New("invalid dimensions")
	ErrNotInitialized = errors.New("not initialized")
	ErrOutOfRange     = errors.New("out of range")
	ErrValidation     = errors.New("validation error")
)

// An AllocationError is returned when the storage for a grid cannot be
// obtained.
type AllocationError struct {
	NX  int
	NY  int
	Err error
}

func (e *AllocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%dx%d grid: %v: %v", e.NX, e.NY, ErrAllocation, e.Err)
	}
	return fmt.Sprintf("%dx%d grid: %v", e.NX, e.NY, ErrAllocation)
}

func (e *AllocationError) Unwrap() error {
	return ErrAllocation
}

// A ValidationError is returned when the data passed to Initialize is not a
// valid grid. If Index is non-negative then Axis[Index] is not strictly greater
// than Axis[Index-1].
type ValidationError struct {
	Axis     string
	Index    int
	Value    float64
	Previous float64
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %v: %s", e.Axis, ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s[%d]: %v: %g is not greater than %g", e.Axis, e.Index, ErrValidation, e.Value, e.Previous)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// An OutOfRangeError is returned when a query point lies outside a grid's
// bounding box.
type OutOfRangeError struct {
	X      float64
	Y      float64
	Bounds Bounds
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("(%g, %g): %v: bounds are [%g, %g]x[%g, %g]",
		e.X, e.Y, ErrOutOfRange, e.Bounds.MinX, e.Bounds.MaxX, e.Bounds.MinY, e.Bounds.MaxY)
}

func (e *OutOfRangeError) Unwrap() error {
	return ErrOutOfRange
}
