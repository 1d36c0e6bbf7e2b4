// Package convergence records how an alignment batch converges: raw
// correlation scores, a windowed running mean of those scores, the
// acceptance rate and the cumulative number of accepted images.
package convergence

import (
	"sync"

	"gonum.org/v1/gonum/stat"

	"particlestack/internal/align"
)

// DefaultWindow is the number of most recent correlations averaged into the
// running mean.
const DefaultWindow = 50

// Point is one tracked image.
type Point struct {
	Index          int     `json:"index"`
	Correlation    float64 `json:"correlation"`
	RunningMean    float64 `json:"running_mean"`
	AcceptanceRate float64 `json:"acceptance_rate"`
	Accepted       int     `json:"accepted"`
}

// Tracker is an align.Observer that collects one Point per processed image.
type Tracker struct {
	mu     sync.Mutex
	window int
	scores []float64
	points []Point
	final  *align.Summary
}

// NewTracker returns a Tracker averaging over window correlations; values
// below 1 fall back to DefaultWindow.
func NewTracker(window int) *Tracker {
	if window < 1 {
		window = DefaultWindow
	}
	return &Tracker{window: window}
}

func (t *Tracker) ImageProcessed(rec align.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.scores = append(t.scores, rec.Score)
	start := len(t.scores) - t.window
	if start < 0 {
		start = 0
	}
	t.points = append(t.points, Point{
		Index:          rec.Index,
		Correlation:    rec.Score,
		RunningMean:    stat.Mean(t.scores[start:], nil),
		AcceptanceRate: rec.Stats.AcceptanceRate(),
		Accepted:       rec.Stats.Accepted,
	})
}

func (t *Tracker) BatchCompleted(sum align.Summary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.final = &sum
}

// Points returns a copy of everything tracked so far.
func (t *Tracker) Points() []Point {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Point, len(t.points))
	copy(out, t.points)
	return out
}

// Done reports whether the batch completed.
func (t *Tracker) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.final != nil
}

// Len is the number of tracked images.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.points)
}
