package detect

import "image"

// Neighbour offsets, counterclockwise on screen starting east.
var dirs = [8]image.Point{
	{X: 1, Y: 0},
	{X: 1, Y: -1},
	{X: 0, Y: -1},
	{X: -1, Y: -1},
	{X: -1, Y: 0},
	{X: -1, Y: 1},
	{X: 0, Y: 1},
	{X: 1, Y: 1},
}

func dirIndex(d image.Point) int {
	for i, v := range dirs {
		if v == d {
			return i
		}
	}
	return -1
}

// grid is a mask padded with a one-pixel background border.
type grid struct {
	w, h int
	fg   []bool
}

func newGrid(mask []bool, width, height int) grid {
	g := grid{w: width + 2, h: height + 2}
	g.fg = make([]bool, g.w*g.h)
	for y := 0; y < height; y++ {
		copy(g.fg[(y+1)*g.w+1:(y+1)*g.w+1+width], mask[y*width:(y+1)*width])
	}
	return g
}

func (g grid) idx(p image.Point) int {
	return p.Y*g.w + p.X
}

func (g grid) on(p image.Point) bool {
	return g.fg[g.idx(p)]
}

// ExternalContours returns the outer border of every 8-connected foreground
// region that is not enclosed by another region, ordered by the raster
// position of each border's first (top-left) pixel. Points are in mask
// coordinates and compressed to the corners of each border: pixels lying on
// a straight horizontal, vertical or diagonal run are dropped.
func ExternalContours(mask []bool, width, height int) [][]image.Point {
	if width < 1 || height < 1 || len(mask) != width*height {
		return nil
	}
	g := newGrid(mask, width, height)
	labels, starts := g.components()
	if len(starts) == 0 {
		return nil
	}
	outer := g.outermost(labels, len(starts))

	contours := make([][]image.Point, 0, len(starts))
	for i, start := range starts {
		if !outer[i] {
			continue
		}
		border := g.trace(start)
		for j := range border {
			border[j] = border[j].Sub(image.Point{X: 1, Y: 1})
		}
		contours = append(contours, compress(border))
	}
	return contours
}

// components labels 8-connected foreground pixels. Label l (1-based) has its
// raster-first pixel at starts[l-1].
func (g grid) components() ([]int32, []image.Point) {
	labels := make([]int32, len(g.fg))
	var starts []image.Point
	var stack []image.Point
	for y := 1; y < g.h-1; y++ {
		for x := 1; x < g.w-1; x++ {
			p := image.Point{X: x, Y: y}
			if !g.on(p) || labels[g.idx(p)] != 0 {
				continue
			}
			starts = append(starts, p)
			label := int32(len(starts))
			labels[g.idx(p)] = label
			stack = append(stack[:0], p)
			for len(stack) > 0 {
				cur := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				for _, d := range dirs {
					n := cur.Add(d)
					i := g.idx(n)
					if g.fg[i] && labels[i] == 0 {
						labels[i] = label
						stack = append(stack, n)
					}
				}
			}
		}
	}
	return labels, starts
}

// outermost marks regions touching the background that is 4-connected to
// the frame border. Regions sitting inside a hole of another region never
// touch it.
func (g grid) outermost(labels []int32, n int) []bool {
	outside := make([]bool, len(g.fg))
	stack := []image.Point{{}}
	outside[0] = true
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range [4]image.Point{{X: 1}, {X: -1}, {Y: 1}, {Y: -1}} {
			nb := cur.Add(d)
			if nb.X < 0 || nb.Y < 0 || nb.X >= g.w || nb.Y >= g.h {
				continue
			}
			i := g.idx(nb)
			if g.fg[i] || outside[i] {
				continue
			}
			outside[i] = true
			stack = append(stack, nb)
		}
	}

	outer := make([]bool, n)
	for y := 1; y < g.h-1; y++ {
		for x := 1; x < g.w-1; x++ {
			i := y*g.w + x
			l := labels[i]
			if l == 0 || outer[l-1] {
				continue
			}
			if outside[i-1] || outside[i+1] || outside[i-g.w] || outside[i+g.w] {
				outer[l-1] = true
			}
		}
	}
	return outer
}

// trace follows the outer border starting at the region's raster-first
// pixel (Suzuki & Abe border following).
func (g grid) trace(start image.Point) []image.Point {
	var p1 image.Point
	found := false
	for k := 0; k < 8; k++ {
		d := (4 - k + 8) % 8 // clockwise from west
		if n := start.Add(dirs[d]); g.on(n) {
			p1 = n
			found = true
			break
		}
	}
	if !found {
		return []image.Point{start}
	}

	var border []image.Point
	p2, p3 := p1, start
	for {
		d := dirIndex(p2.Sub(p3))
		var p4 image.Point
		for k := 1; k <= 8; k++ {
			n := p3.Add(dirs[(d+k)%8])
			if g.on(n) {
				p4 = n
				break
			}
		}
		border = append(border, p3)
		if p4 == start && p3 == p1 {
			return border
		}
		p2, p3 = p3, p4
	}
}

func compress(border []image.Point) []image.Point {
	n := len(border)
	if n < 3 {
		return border
	}
	out := make([]image.Point, 0, n)
	for i, p := range border {
		prev := border[(i-1+n)%n]
		next := border[(i+1)%n]
		if i == 0 || p.Sub(prev) != next.Sub(p) {
			out = append(out, p)
		}
	}
	return out
}
