package processing

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"sync"
	"time"

	"particle-roi-go/internal/render"
	"particle-roi-go/internal/types"
)

type DisplayOptions struct {
	Period    time.Duration
	Levels    render.Levels
	Labels    bool
	Highlight bool
}

// Display renders the newest published cycle once per period and pushes
// the result to out without blocking.
type Display struct {
	in  *Latest[Cycle]
	out chan<- any

	mu       sync.Mutex
	opts     DisplayOptions
	used     render.Levels
	last     *types.FrameMessage
	rendered uint64
	dropped  uint64
}

func NewDisplay(in *Latest[Cycle], out chan<- any, opts DisplayOptions) *Display {
	return &Display{in: in, out: out, opts: opts, used: opts.Levels}
}

func (d *Display) Run(ctx context.Context) error {
	period := d.options().Period
	if period <= 0 {
		period = 100 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		c, ok := d.in.Take()
		if !ok {
			continue
		}
		msg, err := d.Render(c)
		if err != nil {
			log.Printf("render frame %d: %v", c.Index, err)
			continue
		}
		if d.out == nil {
			continue
		}
		select {
		case d.out <- msg:
		default:
			d.mu.Lock()
			d.dropped++
			d.mu.Unlock()
		}
	}
}

// Render turns a cycle into a FrameMessage showing the selected channel
// with the detection overlay.
func (d *Display) Render(c Cycle) (types.FrameMessage, error) {
	opts := d.options()
	buf := c.Snapshot.Buffer
	if buf == nil {
		return types.FrameMessage{}, fmt.Errorf("cycle %d has no buffer", c.Index)
	}
	plane, err := buf.Read(c.Selected)
	if err != nil {
		return types.FrameMessage{}, err
	}

	gray, used := render.Level(plane, opts.Levels)
	img := render.Render(gray, c.Snapshot.State, render.Options{
		RoiSize:   c.Snapshot.Params.RoiSize,
		Labels:    opts.Labels,
		Highlight: opts.Highlight,
	})

	objects := make([]types.Object, 0, c.Snapshot.State.Len())
	for _, det := range c.Snapshot.State.Detections {
		objects = append(objects, types.Object{CX: det.Centroid.X, CY: det.Centroid.Y, Area: det.Area})
	}
	msg := types.FrameMessage{
		Type:     "frame",
		Frame:    c.Index,
		Channel:  c.Selected,
		Width:    plane.Width,
		Height:   plane.Height,
		Image:    base64.StdEncoding.EncodeToString(render.EncodePNG(img)),
		Objects:  objects,
		Levels:   types.Levels{Auto: used.Auto, Min: used.Min, Max: used.Max},
		Stats:    BufferStats(buf),
		Progress: c.Progress,
	}

	d.mu.Lock()
	d.used = used
	d.last = &msg
	d.rendered++
	d.mu.Unlock()
	return msg, nil
}

func (d *Display) options() DisplayOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opts
}

func (d *Display) SetLevels(lv render.Levels) error {
	if !lv.Auto && lv.Max <= lv.Min {
		return fmt.Errorf("level_max %d must exceed level_min %d", lv.Max, lv.Min)
	}
	d.mu.Lock()
	d.opts.Levels = lv
	d.mu.Unlock()
	return nil
}

func (d *Display) SetOverlay(labels, highlight bool) {
	d.mu.Lock()
	d.opts.Labels = labels
	d.opts.Highlight = highlight
	d.mu.Unlock()
}

// Levels returns the configured levels and the levels the last frame was
// rendered with. They differ only in auto mode.
func (d *Display) Levels() (configured, used render.Levels) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opts.Levels, d.used
}

func (d *Display) Overlay() (labels, highlight bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opts.Labels, d.opts.Highlight
}

// Latest is the most recently rendered message, or nil before the first.
func (d *Display) Latest() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return nil
	}
	return *d.last
}

func (d *Display) Counters() (rendered, dropped uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rendered, d.dropped
}
