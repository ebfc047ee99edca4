package render

import (
	"image"

	"particle-roi-go/internal/frame"
)

// Levels is the display window applied to 16-bit data.
type Levels struct {
	Auto bool
	Min  int
	Max  int
}

// Level maps a plane to 8 bits for display. With Auto set the window is
// the plane's own min/max, and the levels actually used are returned so
// callers can report them back. Otherwise values are clamped to
// [Min, Max] and stretched linearly.
func Level(p frame.Plane, lv Levels) (*image.Gray, Levels) {
	g := image.NewGray(image.Rect(0, 0, p.Width, p.Height))
	if len(p.Pix) == 0 {
		return g, lv
	}
	lo, hi := lv.Min, lv.Max
	if lv.Auto {
		lo, hi = int(p.Pix[0]), int(p.Pix[0])
		for _, v := range p.Pix[1:] {
			if int(v) < lo {
				lo = int(v)
			}
			if int(v) > hi {
				hi = int(v)
			}
		}
	}
	used := Levels{Auto: lv.Auto, Min: lo, Max: hi}

	span := hi - lo
	for i, v := range p.Pix {
		x := int(v)
		switch {
		case span <= 0:
			if x > lo {
				g.Pix[i] = 255
			}
		case x <= lo:
		case x >= hi:
			g.Pix[i] = 255
		default:
			g.Pix[i] = uint8((x - lo) * 255 / span)
		}
	}
	return g, used
}
