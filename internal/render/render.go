package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"strconv"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"particle-roi-go/internal/detect"
	"particle-roi-go/internal/roi"
)

var (
	ContourColor   = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	FirstRoiColor  = color.RGBA{R: 255, G: 0, B: 0, A: 255}
	RoiColor       = color.RGBA{R: 0, G: 0, B: 255, A: 255}
	HighlightColor = color.RGBA{R: 255, G: 255, B: 0, A: 255}
	LabelColor     = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

const highlightWidth = 3

type Options struct {
	RoiSize   int
	Labels    bool // draw the detection index next to each ROI
	Highlight bool // yellow border marking the selected channel
}

// Render returns an RGB copy of gray annotated with the detections of
// state. gray and state are not modified.
func Render(gray *image.Gray, state detect.State, opts Options) *image.RGBA {
	b := gray.Bounds()
	dst := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := gray.GrayAt(x, y).Y
			dst.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}

	for i, d := range state.Detections {
		drawPolygon(dst, d.Contour, ContourColor)

		c := RoiColor
		if i == 0 {
			c = FirstRoiColor
		}
		w := roi.Window(d.Centroid.X, d.Centroid.Y, opts.RoiSize)
		// outline spans origin to origin+size inclusive
		drawRect(dst, w.Min, w.Max, c)

		if opts.Labels {
			drawLabel(dst, image.Point{X: w.Min.X + 2, Y: w.Min.Y - 2}, strconv.Itoa(i))
		}
	}

	if opts.Highlight {
		for i := 0; i < highlightWidth; i++ {
			drawRect(dst, b.Min.Add(image.Pt(i, i)), b.Max.Sub(image.Pt(i+1, i+1)), HighlightColor)
		}
	}
	return dst
}

// EncodePNG encodes an image to PNG bytes. Errors are ignored and may return an empty slice.
func EncodePNG(img image.Image) []byte {
	if img == nil {
		return nil
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

func drawRect(dst *image.RGBA, min, max image.Point, c color.RGBA) {
	for x := min.X; x <= max.X; x++ {
		set(dst, x, min.Y, c)
		set(dst, x, max.Y, c)
	}
	for y := min.Y; y <= max.Y; y++ {
		set(dst, min.X, y, c)
		set(dst, max.X, y, c)
	}
}

func drawPolygon(dst *image.RGBA, pts []image.Point, c color.RGBA) {
	switch len(pts) {
	case 0:
		return
	case 1:
		set(dst, pts[0].X, pts[0].Y, c)
		return
	}
	prev := pts[len(pts)-1]
	for _, p := range pts {
		drawLine(dst, prev, p, c)
		prev = p
	}
}

// drawLine is Bresenham's line between a and b, both ends included.
func drawLine(dst *image.RGBA, a, b image.Point, c color.RGBA) {
	dx := abs(b.X - a.X)
	dy := -abs(b.Y - a.Y)
	sx, sy := 1, 1
	if a.X > b.X {
		sx = -1
	}
	if a.Y > b.Y {
		sy = -1
	}
	e := dx + dy
	x, y := a.X, a.Y
	for {
		set(dst, x, y, c)
		if x == b.X && y == b.Y {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x += sx
		}
		if e2 <= dx {
			e += dx
			y += sy
		}
	}
}

func drawLabel(dst *image.RGBA, at image.Point, text string) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(LabelColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(at.X), Y: fixed.I(at.Y)},
	}
	d.DrawString(text)
}

func set(dst *image.RGBA, x, y int, c color.RGBA) {
	if !(image.Point{X: x, Y: y}.In(dst.Rect)) {
		return
	}
	dst.SetRGBA(x, y, c)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
