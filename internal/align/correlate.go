package align

import (
	"fmt"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"particlestack/internal/raster"
)

// Correlator computes unnormalized cross-correlation surfaces for images of
// one fixed size. It caches the FFT plans for that size and is not safe for
// concurrent use.
type Correlator struct {
	size raster.Size
	rows *fourier.CmplxFFT // length = width
	cols *fourier.CmplxFFT // length = height

	rowBuf []complex128
	colIn  []complex128
	colOut []complex128
}

// NewCorrelator prepares a Correlator for images of the given size.
func NewCorrelator(size raster.Size) *Correlator {
	return &Correlator{
		size:   size,
		rows:   fourier.NewCmplxFFT(size.Width),
		cols:   fourier.NewCmplxFFT(size.Height),
		rowBuf: make([]complex128, size.Width),
		colIn:  make([]complex128, size.Height),
		colOut: make([]complex128, size.Height),
	}
}

// Size is the image size the Correlator was built for.
func (c *Correlator) Size() raster.Size { return c.size }

// Correlate returns |IDFT(DFT(a) * conj(DFT(b)))| circularly shifted so the
// zero-lag term sits at (height/2, width/2).
func (c *Correlator) Correlate(a, b raster.Image) (raster.Image, error) {
	if a.Size() != c.size || b.Size() != c.size {
		return raster.Image{}, &ShapeError{Index: -1, Want: c.size, Got: mismatched(c.size, a, b)}
	}
	w, h := c.size.Width, c.size.Height

	fa := c.forward(a)
	fb := c.forward(b)
	for i := range fa {
		fa[i] *= cmplx.Conj(fb[i])
	}
	c.inverse(fa)

	// Sequence is unnormalized; scale so the result matches a spatial
	// circular cross-correlation.
	scale := 1 / float64(w*h)
	cy, cx := h/2, w/2
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		sy := (y + cy) % h
		for x := 0; x < w; x++ {
			sx := (x + cx) % w
			out[sy*w+sx] = cmplx.Abs(fa[y*w+x]) * scale
		}
	}
	return raster.New(w, h, out)
}

func (c *Correlator) forward(im raster.Image) []complex128 {
	w, h := c.size.Width, c.size.Height
	data := make([]complex128, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			data[y*w+x] = complex(im.At(x, y), 0)
		}
	}
	c.transform(data, false)
	return data
}

func (c *Correlator) inverse(data []complex128) {
	c.transform(data, true)
}

// transform runs the separable 2-D DFT in place: every row, then every column.
func (c *Correlator) transform(data []complex128, inverse bool) {
	w, h := c.size.Width, c.size.Height
	for y := 0; y < h; y++ {
		row := data[y*w : (y+1)*w]
		if inverse {
			c.rows.Sequence(c.rowBuf, row)
		} else {
			c.rows.Coefficients(c.rowBuf, row)
		}
		copy(row, c.rowBuf)
	}
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			c.colIn[y] = data[y*w+x]
		}
		if inverse {
			c.cols.Sequence(c.colOut, c.colIn)
		} else {
			c.cols.Coefficients(c.colOut, c.colIn)
		}
		for y := 0; y < h; y++ {
			data[y*w+x] = c.colOut[y]
		}
	}
}

// Correlate is a one-shot helper around Correlator.
func Correlate(a, b raster.Image) (raster.Image, error) {
	if !a.SameSize(b) {
		return raster.Image{}, &ShapeError{Index: -1, Want: a.Size(), Got: b.Size()}
	}
	return NewCorrelator(a.Size()).Correlate(a, b)
}

func mismatched(want raster.Size, a, b raster.Image) raster.Size {
	if a.Size() != want {
		return a.Size()
	}
	return b.Size()
}

// Peak is the location and height of a correlation maximum.
type Peak struct {
	Row   int
	Col   int
	Value float64
}

// FindPeak returns the maximum of the surface. Ties resolve to the first
// occurrence in row-major order.
func FindPeak(surface raster.Image) Peak {
	best := Peak{Value: surface.At(0, 0)}
	for y := 0; y < surface.Height(); y++ {
		for x := 0; x < surface.Width(); x++ {
			if v := surface.At(x, y); v > best.Value {
				best = Peak{Row: y, Col: x, Value: v}
			}
		}
	}
	return best
}

// EstimateShift correlates average against img and converts the peak into the
// translation that moves img onto average, plus the peak magnitude as score.
func (c *Correlator) EstimateShift(average, img raster.Image) (shiftX, shiftY int, score float64, err error) {
	surface, err := c.Correlate(average, img)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("correlate: %w", err)
	}
	p := FindPeak(surface)
	return p.Col - c.size.Width/2, p.Row - c.size.Height/2, p.Value, nil
}

// EstimateShift is a one-shot helper around Correlator.EstimateShift.
func EstimateShift(average, img raster.Image) (shiftX, shiftY int, score float64, err error) {
	if !average.SameSize(img) {
		return 0, 0, 0, &ShapeError{Index: -1, Want: average.Size(), Got: img.Size()}
	}
	return NewCorrelator(average.Size()).EstimateShift(average, img)
}
