package align

import (
	"fmt"

	"particlestack/internal/raster"
)

// Accumulator keeps the running mean of every image folded into it. It owns
// both the mean and the count, so the two can never disagree.
type Accumulator struct {
	mean  raster.Image
	count int
}

// NewAccumulator starts a running mean with initial as its only member.
func NewAccumulator(initial raster.Image) *Accumulator {
	return &Accumulator{mean: initial, count: 1}
}

// Update folds img into the mean:
//
//	mean = mean*(n/(n+1)) + img*(1/(n+1))
func (a *Accumulator) Update(img raster.Image) error {
	n := float64(a.count)
	next, err := raster.Blend(n/(n+1), a.mean, 1/(n+1), img)
	if err != nil {
		return fmt.Errorf("accumulate: %w", err)
	}
	a.mean = next
	a.count++
	return nil
}

// Current returns the running mean. The returned Image is never modified by
// later updates.
func (a *Accumulator) Current() raster.Image { return a.mean }

// Count is the number of images folded in, including the initial one.
func (a *Accumulator) Count() int { return a.count }
