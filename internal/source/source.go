package source

import (
	"context"
	"fmt"

	"particle-roi-go/internal/frame"
)

// Source delivers single-channel frames. A frame cycle is channel_num
// consecutive frames, one per channel in index order.
type Source interface {
	Start(ctx context.Context) error
	Stop() error
	Frame(ctx context.Context) (frame.Plane, error)
}

// ReadCycle reads one frame per channel. The context is checked between
// channels so a cancelled acquisition stops mid-cycle.
func ReadCycle(ctx context.Context, src Source, channels int) ([]frame.Plane, error) {
	planes := make([]frame.Plane, 0, channels)
	for ch := 0; ch < channels; ch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := src.Frame(ctx)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", ch, err)
		}
		planes = append(planes, p)
	}
	return planes, nil
}
