// Package align implements reference-based translational alignment and
// running-average stacking of equally sized intensity images.
//
// Every image in a batch is aligned against the average of everything
// accepted before it, not against the static reference. Results therefore
// depend on input order; Aligner.Average exposes the evolving composite.
package align

import (
	"fmt"

	"particlestack/internal/raster"
)

// DefaultThreshold is the correlation score an image must exceed to be
// folded into the average.
const DefaultThreshold = 0.8

// Options configure an Aligner.
type Options struct {
	// Threshold is compared with the raw, unnormalized correlation peak.
	Threshold float64
	// ProgressInterval marks every n-th Record as a progress point; 0 never does.
	ProgressInterval int
	// Observer is notified after each image and after the batch. Nil means none.
	Observer Observer
}

// DefaultOptions returns the threshold of 0.8 with no progress interval.
func DefaultOptions() Options {
	return Options{Threshold: DefaultThreshold}
}

// Stats counts batch decisions. Total == Accepted + Rejected at all times.
type Stats struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Total    int `json:"total"`
}

// AcceptanceRate is Accepted/Total, or 0 before any image was processed.
func (s Stats) AcceptanceRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Accepted) / float64(s.Total)
}

// Result is the alignment of a single image.
type Result struct {
	ShiftX  int
	ShiftY  int
	Score   float64
	Aligned raster.Image
}

// State is the lifecycle of an Aligner.
type State int

const (
	StateAccumulating State = iota
	StateDone
)

func (s State) String() string {
	if s == StateDone {
		return "done"
	}
	return "accumulating"
}

// Aligner aligns a batch of images to an evolving average seeded by a
// reference image. It is not safe for concurrent use; independent Aligners
// share nothing and may run in parallel.
type Aligner struct {
	reference  raster.Image
	opts       Options
	observer   Observer
	correlator *Correlator
	acc        *Accumulator
	accepted   []raster.Image
	stats      Stats
	state      State
}

// NewAligner seeds an Aligner with reference as the first accepted image.
func NewAligner(reference raster.Image, opts Options) (*Aligner, error) {
	if reference.IsZero() {
		return nil, raster.ErrEmpty
	}
	if !reference.Finite() {
		return nil, fmt.Errorf("reference: %w", ErrNonFinite)
	}
	obs := opts.Observer
	if obs == nil {
		obs = NopObserver{}
	}
	return &Aligner{
		reference:  reference,
		opts:       opts,
		observer:   obs,
		correlator: NewCorrelator(reference.Size()),
		acc:        NewAccumulator(reference),
		accepted:   []raster.Image{reference},
		state:      StateAccumulating,
	}, nil
}

// Align estimates the shift of img against the current average and applies
// it. It does not change the aligner's state.
func (a *Aligner) Align(img raster.Image) (Result, error) {
	if !img.SameSize(a.reference) {
		return Result{}, &ShapeError{Index: -1, Want: a.reference.Size(), Got: img.Size()}
	}
	dx, dy, score, err := a.correlator.EstimateShift(a.acc.Current(), img)
	if err != nil {
		return Result{}, err
	}
	return Result{
		ShiftX:  dx,
		ShiftY:  dy,
		Score:   score,
		Aligned: ApplyShift(img, dx, dy),
	}, nil
}

// ProcessBatch aligns every image in order, folds those scoring above the
// threshold into the average, and returns the final average. The whole batch
// is validated first, so a shape or value error leaves the aligner unchanged.
func (a *Aligner) ProcessBatch(images []raster.Image) (raster.Image, error) {
	if a.state == StateDone {
		return raster.Image{}, ErrBatchDone
	}
	for i, img := range images {
		if !img.SameSize(a.reference) {
			return raster.Image{}, &ShapeError{Index: i, Want: a.reference.Size(), Got: img.Size()}
		}
		if !img.Finite() {
			return raster.Image{}, fmt.Errorf("image %d: %w", i, ErrNonFinite)
		}
	}

	for i, img := range images {
		res, err := a.Align(img)
		if err != nil {
			return raster.Image{}, fmt.Errorf("image %d: %w", i, err)
		}

		accepted := res.Score > a.opts.Threshold
		if accepted {
			if err := a.acc.Update(res.Aligned); err != nil {
				return raster.Image{}, fmt.Errorf("image %d: %w", i, err)
			}
			a.accepted = append(a.accepted, res.Aligned)
			a.stats.Accepted++
		} else {
			a.stats.Rejected++
		}
		a.stats.Total++

		a.observer.ImageProcessed(Record{
			Index:    i,
			ShiftX:   res.ShiftX,
			ShiftY:   res.ShiftY,
			Score:    res.Score,
			Accepted: accepted,
			Progress: a.opts.ProgressInterval > 0 && (i+1)%a.opts.ProgressInterval == 0,
			Stats:    a.stats,
			Average:  a.acc.Current(),
		})
	}

	a.state = StateDone
	a.observer.BatchCompleted(Summary{
		Stats:         a.stats,
		AcceptedCount: a.acc.Count(),
		Average:       a.acc.Current(),
	})
	return a.acc.Current(), nil
}

// Average is the current running average.
func (a *Aligner) Average() raster.Image { return a.acc.Current() }

// Stats returns the decisions made so far.
func (a *Aligner) Stats() Stats { return a.stats }

// State reports whether the batch has run.
func (a *Aligner) State() State { return a.state }

// Reference is the image the aligner was seeded with.
func (a *Aligner) Reference() raster.Image { return a.reference }

// Threshold is the acceptance threshold in use.
func (a *Aligner) Threshold() float64 { return a.opts.Threshold }

// Accepted returns the reference followed by every accepted, aligned image.
func (a *Aligner) Accepted() []raster.Image {
	out := make([]raster.Image, len(a.accepted))
	copy(out, a.accepted)
	return out
}
