package detect

import (
	"image"
	"math"
)

// Moments holds the spatial moments of a closed polygon up to first order.
type Moments struct {
	M00 float64
	M10 float64
	M01 float64
}

// ContourMoments integrates over the polygon outlined by the contour
// (Green's theorem), so M00 is the enclosed area. Orientation does not
// matter; degenerate contours (a point or a line) have zero area.
func ContourMoments(contour []image.Point) Moments {
	n := len(contour)
	if n < 3 {
		return Moments{}
	}
	var a00, a10, a01 float64
	prev := contour[n-1]
	for _, p := range contour {
		xp, yp := float64(prev.X), float64(prev.Y)
		x, y := float64(p.X), float64(p.Y)
		a := xp*y - x*yp
		a00 += a
		a10 += a * (xp + x)
		a01 += a * (yp + y)
		prev = p
	}
	if math.Abs(a00) < 1e-12 {
		return Moments{}
	}
	m := Moments{M00: a00 / 2, M10: a10 / 6, M01: a01 / 6}
	if m.M00 < 0 {
		m.M00, m.M10, m.M01 = -m.M00, -m.M10, -m.M01
	}
	return m
}

// Centroid truncates (M10/M00, M01/M00) toward zero.
func (m Moments) Centroid() (image.Point, bool) {
	if m.M00 == 0 {
		return image.Point{}, false
	}
	return image.Point{X: int(m.M10 / m.M00), Y: int(m.M01 / m.M00)}, true
}
