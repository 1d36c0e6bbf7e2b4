package align

import (
	"particlestack/internal/raster"
)

// ApplyShift translates img by dx columns and dy rows with periodic
// boundaries: pixels leaving one edge re-enter at the opposite edge.
func ApplyShift(img raster.Image, dx, dy int) raster.Image {
	if img.IsZero() {
		return img
	}
	w, h := img.Width(), img.Height()
	ox, oy := mod(dx, w), mod(dy, h)
	out, _ := raster.Generate(w, h, func(x, y int) float64 {
		return img.At(mod(x-ox, w), mod(y-oy, h))
	})
	return out
}

func mod(a, n int) int {
	r := a % n
	if r < 0 {
		r += n
	}
	return r
}
