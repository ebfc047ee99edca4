package roi

import (
	"errors"
	"fmt"
	"image"

	"particle-roi-go/internal/frame"
)

var ErrOutOfBounds = errors.New("roi window out of bounds")

// Window returns the square ROI window of side size centered at (cx, cy).
// size is the full side length; the origin is (cx - size/2, cy - size/2).
func Window(cx, cy, size int) image.Rectangle {
	x := cx - size/2
	y := cy - size/2
	return image.Rect(x, y, x+size, y+size)
}

// Inside reports whether the window keeps clear of the frame border: the
// origin must be past row/column 0 and the far edges must stay below
// width-1 and height-1. Detection and extraction share this test.
func Inside(w image.Rectangle, width, height int) bool {
	return w.Min.X > 0 && w.Min.Y > 0 && w.Max.X < width-1 && w.Max.Y < height-1
}

type ROI struct {
	Centroid image.Point
	Window   image.Rectangle
	Plane    frame.Plane
}

// Extract crops one size x size ROI per centroid from the plane, in input
// order. Centroids are expected to be pre-filtered by the detector; a window
// failing Inside is an error, never clipped.
func Extract(p frame.Plane, size int, centroids []image.Point) ([]ROI, error) {
	if size < 1 {
		return nil, fmt.Errorf("invalid roi size %d", size)
	}
	rois := make([]ROI, 0, len(centroids))
	for i, c := range centroids {
		w := Window(c.X, c.Y, size)
		if !Inside(w, p.Width, p.Height) {
			return nil, fmt.Errorf("%w: centroid %d at (%d,%d) window %v frame %dx%d", ErrOutOfBounds, i, c.X, c.Y, w, p.Width, p.Height)
		}
		rois = append(rois, ROI{
			Centroid: c,
			Window:   w,
			Plane:    crop(p, w),
		})
	}
	return rois, nil
}

// Centroids zips index-aligned x and y lists.
func Centroids(cx, cy []int) ([]image.Point, error) {
	if len(cx) != len(cy) {
		return nil, fmt.Errorf("centroid lists differ in length: %d vs %d", len(cx), len(cy))
	}
	out := make([]image.Point, len(cx))
	for i := range cx {
		out[i] = image.Point{X: cx[i], Y: cy[i]}
	}
	return out, nil
}

func crop(p frame.Plane, w image.Rectangle) frame.Plane {
	out := frame.NewPlane(w.Dx(), w.Dy())
	for row := 0; row < w.Dy(); row++ {
		src := (w.Min.Y+row)*p.Width + w.Min.X
		copy(out.Pix[row*out.Width:(row+1)*out.Width], p.Pix[src:src+w.Dx()])
	}
	return out
}
