package align

import (
	"errors"
	"fmt"

	"particlestack/internal/raster"
)

var (
	// ErrShapeMismatch means an image does not have the reference's dimensions.
	ErrShapeMismatch = errors.New("image dimensions differ from reference")

	// ErrNonFinite means an image contains NaN or infinite intensities.
	ErrNonFinite = errors.New("image contains non-finite values")

	// ErrBatchDone is returned when ProcessBatch is called on an aligner that
	// already ran its batch.
	ErrBatchDone = errors.New("aligner already processed its batch")
)

// ShapeError reports which image broke the uniform-shape precondition.
// Index is -1 when the check happened outside a batch.
type ShapeError struct {
	Index int
	Want  raster.Size
	Got   raster.Size
}

func (e *ShapeError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%v: want %s, got %s", ErrShapeMismatch, e.Want, e.Got)
	}
	return fmt.Sprintf("image %d: %v: want %s, got %s", e.Index, ErrShapeMismatch, e.Want, e.Got)
}

func (e *ShapeError) Unwrap() error { return ErrShapeMismatch }
