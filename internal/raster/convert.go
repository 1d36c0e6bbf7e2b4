package raster

import (
	"image"
	"image/color"
	"math"
)

// FromImage converts a decoded image to intensities. Grayscale images keep
// their native range (0-255 for Gray, 0-65535 for Gray16); anything else is
// reduced to 8-bit luminance.
func FromImage(src image.Image) (Image, error) {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return Image{}, ErrEmpty
	}
	pix := make([]float64, w*h)

	switch img := src.(type) {
	case *image.Gray:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				pix[y*w+x] = float64(img.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	case *image.Gray16:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				pix[y*w+x] = float64(img.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				g := color.GrayModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
				pix[y*w+x] = float64(g.Y)
			}
		}
	}

	return Image{width: w, height: h, pix: pix}, nil
}

// ToGray16 maps the intensity range of the image linearly onto 0-65535.
// A flat image maps to mid-gray.
func (im Image) ToGray16() *image.Gray16 {
	out := image.NewGray16(image.Rect(0, 0, im.width, im.height))
	s := im.Stats()
	span := s.Max - s.Min
	for y := 0; y < im.height; y++ {
		for x := 0; x < im.width; x++ {
			v := 0.5
			if span > 0 {
				v = (im.At(x, y) - s.Min) / span
			}
			out.SetGray16(x, y, color.Gray16{Y: uint16(math.Round(v * 0xffff))})
		}
	}
	return out
}
