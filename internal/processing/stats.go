package processing

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"particle-roi-go/internal/frame"
	"particle-roi-go/internal/types"
)

// ChannelStats summarizes one plane. Saturated counts pixels at the top of
// the 16-bit range.
func ChannelStats(channel int, p frame.Plane) types.ChannelStats {
	out := types.ChannelStats{Channel: channel}
	if len(p.Pix) == 0 {
		return out
	}
	values := make([]float64, len(p.Pix))
	for i, v := range p.Pix {
		values[i] = float64(v)
		if v == math.MaxUint16 {
			out.Saturated++
		}
	}
	out.Min = floats.Min(values)
	out.Max = floats.Max(values)
	out.Mean, out.Std = stat.MeanStdDev(values, nil)
	if math.IsNaN(out.Std) {
		out.Std = 0
	}
	return out
}

// BufferStats returns ChannelStats for every written channel of buf.
func BufferStats(buf *frame.Buffer) []types.ChannelStats {
	out := make([]types.ChannelStats, 0, buf.Channels())
	for ch := 0; ch < buf.Channels(); ch++ {
		p, err := buf.Read(ch)
		if err != nil {
			continue
		}
		out = append(out, ChannelStats(ch, p))
	}
	return out
}
