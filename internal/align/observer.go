package align

import (
	"particlestack/internal/raster"
)

// Record describes one processed image. Average is the current average after
// the image was handled; it is immutable and safe to keep.
type Record struct {
	Index    int
	ShiftX   int
	ShiftY   int
	Score    float64
	Accepted bool
	// Progress is set on every ProgressInterval-th image (1-based count).
	Progress bool
	Stats    Stats
	Average  raster.Image
}

// Summary is emitted once a batch has been fully processed.
type Summary struct {
	Stats         Stats
	AcceptedCount int // images folded into the average, reference included
	Average       raster.Image
}

// Observer receives read-only notifications from an Aligner. Implementations
// must not block for long; they run inline with the batch.
type Observer interface {
	ImageProcessed(rec Record)
	BatchCompleted(sum Summary)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) ImageProcessed(Record)  {}
func (NopObserver) BatchCompleted(Summary) {}

type multiObserver []Observer

// MultiObserver fans notifications out to every non-nil observer in order.
func MultiObserver(observers ...Observer) Observer {
	var m multiObserver
	for _, o := range observers {
		if o != nil {
			m = append(m, o)
		}
	}
	return m
}

func (m multiObserver) ImageProcessed(rec Record) {
	for _, o := range m {
		o.ImageProcessed(rec)
	}
}

func (m multiObserver) BatchCompleted(sum Summary) {
	for _, o := range m {
		o.BatchCompleted(sum)
	}
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnImage func(Record)
	OnBatch func(Summary)
}

func (f ObserverFuncs) ImageProcessed(rec Record) {
	if f.OnImage != nil {
		f.OnImage(rec)
	}
}

func (f ObserverFuncs) BatchCompleted(sum Summary) {
	if f.OnBatch != nil {
		f.OnBatch(sum)
	}
}
