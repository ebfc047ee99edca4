package detect

// Open performs a morphological opening of the mask with a k x k square
// element, eroding iterations times and then dilating iterations times.
// Pixels outside the mask never erode the border.
func Open(mask []bool, width, height, k, iterations int) []bool {
	if k < 1 || iterations < 1 {
		out := make([]bool, len(mask))
		copy(out, mask)
		return out
	}
	cur := mask
	for i := 0; i < iterations; i++ {
		cur = erode(cur, width, height, k)
	}
	for i := 0; i < iterations; i++ {
		cur = dilate(cur, width, height, k)
	}
	return cur
}

// erode keeps (x, y) when the k x k block anchored there is all foreground.
func erode(src []bool, width, height, k int) []bool {
	dst := make([]bool, len(src))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			on := true
			for dy := 0; dy < k && on; dy++ {
				yy := y + dy
				if yy >= height {
					break
				}
				row := yy * width
				for dx := 0; dx < k; dx++ {
					xx := x + dx
					if xx >= width {
						break
					}
					if !src[row+xx] {
						on = false
						break
					}
				}
			}
			dst[y*width+x] = on
		}
	}
	return dst
}

// dilate is the dual of erode: it paints the k x k block anchored at every
// foreground pixel, so erode followed by dilate does not shift objects.
func dilate(src []bool, width, height, k int) []bool {
	dst := make([]bool, len(src))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if !src[y*width+x] {
				continue
			}
			for dy := 0; dy < k && y+dy < height; dy++ {
				row := (y + dy) * width
				for dx := 0; dx < k && x+dx < width; dx++ {
					dst[row+x+dx] = true
				}
			}
		}
	}
	return dst
}
