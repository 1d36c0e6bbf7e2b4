package raster

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrEmpty is returned when an image would have no pixels.
var ErrEmpty = errors.New("raster: image has no pixels")

// Image is an immutable grid of real-valued intensities stored in row-major
// order. Operations that transform an Image return a new one.
type Image struct {
	width  int
	height int
	pix    []float64
}

// Size is the width and height of an Image.
type Size struct {
	Width  int
	Height int
}

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.Width, s.Height) }

// New copies values (row-major, len width*height) into a new Image.
func New(width, height int, values []float64) (Image, error) {
	if width <= 0 || height <= 0 {
		return Image{}, ErrEmpty
	}
	if len(values) != width*height {
		return Image{}, fmt.Errorf("raster: %d values for a %dx%d image", len(values), width, height)
	}
	pix := make([]float64, len(values))
	copy(pix, values)
	return Image{width: width, height: height, pix: pix}, nil
}

// FromRows builds an Image from rows of equal length.
func FromRows(rows [][]float64) (Image, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return Image{}, ErrEmpty
	}
	width := len(rows[0])
	pix := make([]float64, 0, width*len(rows))
	for y, row := range rows {
		if len(row) != width {
			return Image{}, fmt.Errorf("raster: row %d has %d values, want %d", y, len(row), width)
		}
		pix = append(pix, row...)
	}
	return Image{width: width, height: len(rows), pix: pix}, nil
}

// Generate builds an Image by evaluating fn at every pixel.
func Generate(width, height int, fn func(x, y int) float64) (Image, error) {
	if width <= 0 || height <= 0 {
		return Image{}, ErrEmpty
	}
	pix := make([]float64, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			pix[y*width+x] = fn(x, y)
		}
	}
	return Image{width: width, height: height, pix: pix}, nil
}

// Constant returns an image with every pixel set to v.
func Constant(width, height int, v float64) (Image, error) {
	return Generate(width, height, func(int, int) float64 { return v })
}

func (im Image) Width() int      { return im.width }
func (im Image) Height() int     { return im.height }
func (im Image) Size() Size      { return Size{Width: im.width, Height: im.height} }
func (im Image) Len() int        { return len(im.pix) }
func (im Image) IsZero() bool    { return im.pix == nil }
func (im Image) At(x, y int) float64 { return im.pix[y*im.width+x] }

// Values returns a copy of the pixels in row-major order.
func (im Image) Values() []float64 {
	out := make([]float64, len(im.pix))
	copy(out, im.pix)
	return out
}

// Row returns a copy of row y.
func (im Image) Row(y int) []float64 {
	out := make([]float64, im.width)
	copy(out, im.pix[y*im.width:(y+1)*im.width])
	return out
}

// SameSize reports whether both images have identical dimensions.
func (im Image) SameSize(other Image) bool {
	return im.width == other.width && im.height == other.height
}

// Finite reports whether every pixel is a finite number.
func (im Image) Finite() bool {
	for _, v := range im.pix {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Blend returns a*x + b*y, computed pixel-wise. The images must be the same size.
func Blend(a float64, x Image, b float64, y Image) (Image, error) {
	if !x.SameSize(y) {
		return Image{}, fmt.Errorf("raster: blend %s with %s", x.Size(), y.Size())
	}
	pix := make([]float64, len(x.pix))
	floats.ScaleTo(pix, a, x.pix)
	floats.AddScaled(pix, b, y.pix)
	return Image{width: x.width, height: x.height, pix: pix}, nil
}

// Mean returns the pixel-wise arithmetic mean of the images.
func Mean(images ...Image) (Image, error) {
	if len(images) == 0 {
		return Image{}, ErrEmpty
	}
	first := images[0]
	pix := make([]float64, len(first.pix))
	for i, im := range images {
		if !im.SameSize(first) {
			return Image{}, fmt.Errorf("raster: image %d is %s, want %s", i, im.Size(), first.Size())
		}
		floats.Add(pix, im.pix)
	}
	floats.Scale(1/float64(len(images)), pix)
	return Image{width: first.width, height: first.height, pix: pix}, nil
}

// EqualApprox reports whether the images have the same size and every pixel
// differs by at most tol.
func EqualApprox(a, b Image, tol float64) bool {
	return a.SameSize(b) && floats.EqualApprox(a.pix, b.pix, tol)
}

// Equal reports exact pixel equality.
func Equal(a, b Image) bool {
	return a.SameSize(b) && floats.Equal(a.pix, b.pix)
}

// Summary holds basic intensity statistics.
type Summary struct {
	Min    float64
	Max    float64
	Mean   float64
	StdDev float64
}

// Stats computes intensity statistics for the image.
func (im Image) Stats() Summary {
	if len(im.pix) == 0 {
		return Summary{}
	}
	mean, std := stat.MeanStdDev(im.pix, nil)
	return Summary{
		Min:    floats.Min(im.pix),
		Max:    floats.Max(im.pix),
		Mean:   mean,
		StdDev: std,
	}
}

func (im Image) String() string {
	s := im.Stats()
	return fmt.Sprintf("raster[%s, vals{%f,%f}]", im.Size(), s.Min, s.Max)
}
