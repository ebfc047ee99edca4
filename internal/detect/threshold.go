package detect

import "particle-roi-go/internal/frame"

// Downscale8 maps 16-bit pixels to 8 bits by dropping the low byte. It is a
// fixed contrast reduction, not a stretch.
func Downscale8(p frame.Plane) []uint8 {
	out := make([]uint8, len(p.Pix))
	for i, v := range p.Pix {
		out[i] = uint8(v >> 8)
	}
	return out
}

func histogram(pix []uint8) [256]int {
	var h [256]int
	for _, v := range pix {
		h[v]++
	}
	return h
}

// Otsu returns the threshold t maximizing the between-class variance of the
// classes {v <= t} and {v > t}. When only one intensity is present the
// result is 0.
func Otsu(pix []uint8) uint8 {
	if len(pix) == 0 {
		return 0
	}
	h := histogram(pix)
	total := float64(len(pix))

	var sumAll float64
	for i, n := range h {
		sumAll += float64(i) * float64(n)
	}

	var (
		w0       float64
		sum0     float64
		maxSigma float64
		best     int
	)
	for t := 0; t < 256; t++ {
		w0 += float64(h[t])
		sum0 += float64(t) * float64(h[t])
		w1 := total - w0
		if w0 == 0 || w1 == 0 {
			continue
		}
		m0 := sum0 / w0
		m1 := (sumAll - sum0) / w1
		sigma := w0 * w1 * (m0 - m1) * (m0 - m1)
		if sigma > maxSigma {
			maxSigma = sigma
			best = t
		}
	}
	return uint8(best)
}

// Binarize sets foreground (true) for pixels strictly above t.
func Binarize(pix []uint8, t uint8) []bool {
	out := make([]bool, len(pix))
	for i, v := range pix {
		out[i] = v > t
	}
	return out
}
