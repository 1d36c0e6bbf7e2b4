package convergence

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// ErrNoData is returned by Plot when nothing has been tracked.
var ErrNoData = errors.New("convergence: no data to plot")

var (
	rawColor     = color.RGBA{B: 255, A: 80}
	runningColor = color.RGBA{R: 255, A: 255}
	rateColor    = color.RGBA{G: 160, A: 255}
)

// Plot writes three PNG charts into dir: correlation values with their
// running mean, the acceptance rate and the cumulative accepted count.
// A non-empty prefix labels titles and file names. It returns the written paths.
func (t *Tracker) Plot(dir, prefix string) ([]string, error) {
	points := t.Points()
	if len(points) == 0 {
		return nil, ErrNoData
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create plot directory: %w", err)
	}

	raw := make(plotter.XYs, len(points))
	running := make(plotter.XYs, len(points))
	rate := make(plotter.XYs, len(points))
	cumulative := make(plotter.XYs, len(points))
	for i, p := range points {
		x := float64(i)
		raw[i] = plotter.XY{X: x, Y: p.Correlation}
		running[i] = plotter.XY{X: x, Y: p.RunningMean}
		rate[i] = plotter.XY{X: x, Y: p.AcceptanceRate}
		cumulative[i] = plotter.XY{X: x, Y: float64(p.Accepted)}
	}

	pCorr := newPlot(titled(prefix, "Correlation Values Over Time"), "Correlation Value")
	if err := addLine(pCorr, raw, rawColor, "Raw Correlations"); err != nil {
		return nil, err
	}
	if err := addLine(pCorr, running, runningColor, "Running Average"); err != nil {
		return nil, err
	}
	pCorr.Legend.Top = true

	pRate := newPlot(titled(prefix, "Acceptance Rate Over Time"), "Acceptance Rate")
	if err := addLine(pRate, rate, rateColor, ""); err != nil {
		return nil, err
	}

	pCum := newPlot(titled(prefix, "Cumulative Accepted Images"), "Cumulative Accepted Images")
	if err := addLine(pCum, cumulative, runningColor, ""); err != nil {
		return nil, err
	}

	charts := []struct {
		name string
		p    *plot.Plot
	}{
		{"correlation.png", pCorr},
		{"acceptance_rate.png", pRate},
		{"cumulative_accepted.png", pCum},
	}
	var written []string
	for _, c := range charts {
		path := filepath.Join(dir, fileName(prefix, c.name))
		if err := c.p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
			return written, fmt.Errorf("failed to save %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}

func newPlot(title, ylabel string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Image Number"
	p.Y.Label.Text = ylabel
	p.Add(plotter.NewGrid())
	return p
}

func addLine(p *plot.Plot, pts plotter.XYs, c color.Color, label string) error {
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = c
	line.Width = vg.Points(1)
	p.Add(line)
	if label != "" {
		p.Legend.Add(label, line)
	}
	return nil
}

func titled(prefix, title string) string {
	if prefix == "" {
		return title
	}
	return prefix + ": " + title
}

func fileName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return sanitize(prefix) + "_" + name
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
