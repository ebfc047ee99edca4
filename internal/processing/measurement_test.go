package processing

import (
	"context"
	"fmt"
	"image"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"particle-roi-go/internal/config"
	"particle-roi-go/internal/detect"
	"particle-roi-go/internal/frame"
	"particle-roi-go/internal/output"
)

const (
	width  = 100
	height = 80
)

func testParams() detect.Params {
	return detect.Params{RoiSize: 10, MinArea: 50, MaxArea: 4000, KernelSize: 2, Iterations: 1}
}

// squares draws 11x11 squares of value v centered on each point.
func squares(v uint16, centers ...image.Point) frame.Plane {
	p := frame.NewPlane(width, height)
	for _, c := range centers {
		for y := c.Y - 5; y <= c.Y+5; y++ {
			for x := c.X - 5; x <= c.X+5; x++ {
				p.Set(x, y, v)
			}
		}
	}
	return p
}

func ramp() frame.Plane {
	p := frame.NewPlane(width, height)
	for i := range p.Pix {
		p.Pix[i] = uint16(i)
	}
	return p
}

var twoObjects = []image.Point{{X: 30, Y: 20}, {X: 70, Y: 50}}

// scriptedSource serves plane(n) for the n-th frame, counting from 1, and
// cancels after limit frames when limit is set.
type scriptedSource struct {
	mu      sync.Mutex
	n       int
	limit   int
	cancel  context.CancelFunc
	plane   func(n int) frame.Plane
	started bool
	stopped bool
}

func (s *scriptedSource) Start(context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *scriptedSource) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return nil
}

func (s *scriptedSource) Frame(ctx context.Context) (frame.Plane, error) {
	if err := ctx.Err(); err != nil {
		return frame.Plane{}, err
	}
	s.mu.Lock()
	s.n++
	n := s.n
	s.mu.Unlock()
	if s.limit > 0 && n >= s.limit && s.cancel != nil {
		s.cancel()
	}
	return s.plane(n), nil
}

// particlesAndRamp puts the objects in channel 0 and a ramp in channel 1.
func particlesAndRamp(n int) frame.Plane {
	if n%2 == 1 {
		return squares(50000, twoObjects...)
	}
	return ramp()
}

func testOptions(t *testing.T) Options {
	return Options{
		Channels:      2,
		FrameNum:      1,
		MaxRois:       100,
		ElementSizeUm: []float64{3, 0.5, 0.5},
		OutputDir:     t.TempDir(),
	}
}

func newMeasurement(t *testing.T, src *scriptedSource, opts Options, out *Latest[Cycle]) *Measurement {
	t.Helper()
	m, err := NewMeasurement(src, testParams(), opts, out)
	if err != nil {
		t.Fatalf("NewMeasurement error: %v", err)
	}
	return m
}

func containers(t *testing.T, dir, prefix string) []*output.File {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(dir, "*_"+prefix+"_*.bin"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	var files []*output.File
	for _, p := range paths {
		f, err := output.ReadContainer(p)
		if err != nil {
			t.Fatalf("ReadContainer(%s) error: %v", p, err)
		}
		files = append(files, f)
	}
	return files
}

func TestMeasurementSavesRoisUntilMax(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &scriptedSource{limit: 10, cancel: cancel, plane: particlesAndRamp}
	opts := testOptions(t)
	opts.MaxRois = 3
	m := newMeasurement(t, src, opts, NewLatest[Cycle]())
	m.SetDetect(true)
	m.SetSavingType(config.SaveRoi)

	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !src.started || !src.stopped {
		t.Fatalf("source not started and stopped: %+v", src)
	}
	st := m.Status()
	if st.CapturedObjects != 3 || st.SavingType != string(config.SaveNone) {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.Frames != 5 || st.ObjectsInFrame != 2 {
		t.Fatalf("unexpected counters %+v", st)
	}

	files := containers(t, opts.OutputDir, "roi")
	if len(files) != 1 {
		t.Fatalf("expected one roi container, got %d", len(files))
	}
	f := files[0]
	if !f.Closed || len(f.Datasets) != 6 {
		t.Fatalf("unexpected container: closed=%v datasets=%d", f.Closed, len(f.Datasets))
	}
	var keys []string
	for _, ds := range f.Datasets {
		keys = append(keys, ds.Key)
		if diff := cmp.Diff([]int{1, 10, 10}, ds.Shape); diff != "" {
			t.Fatalf("%s shape mismatch (-want +got):\n%s", ds.Key, diff)
		}
	}
	want := []string{"t0/c0/roi", "t0/c1/roi", "t1/c0/roi", "t1/c1/roi", "t2/c0/roi", "t2/c1/roi"}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Fatalf("dataset keys mismatch (-want +got):\n%s", diff)
	}

	// first object sits at (30, 20); its window starts at (25, 15)
	particle := f.Dataset("t0/c0/roi").Slices[0]
	for i, v := range particle.Pix {
		if v != 50000 {
			t.Fatalf("particle roi pixel %d = %d", i, v)
		}
	}
	ch1 := f.Dataset("t0/c1/roi").Slices[0]
	if ch1.At(0, 0) != 15*width+25 || ch1.At(9, 9) != 24*width+34 {
		t.Fatalf("channel 1 roi not cropped at the frozen centroid: %d %d", ch1.At(0, 0), ch1.At(9, 9))
	}
	// third capture is the first object of the second cycle
	if f.Dataset("t2/c1/roi").Slices[0].At(0, 0) != 15*width+25 {
		t.Fatalf("unexpected third roi")
	}
}

func TestMeasurementSavesStackAndEnds(t *testing.T) {
	src := &scriptedSource{plane: func(n int) frame.Plane {
		p := frame.NewPlane(width, height)
		for i := range p.Pix {
			p.Pix[i] = uint16(n)
		}
		return p
	}}
	opts := testOptions(t)
	opts.FrameNum = 3
	out := NewLatest[Cycle]()
	m := newMeasurement(t, src, opts, out)
	m.SetSavingType(config.SaveStack)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	st := m.Status()
	if st.SavingType != string(config.SaveNone) || st.Progress != 100 {
		t.Fatalf("unexpected status %+v", st)
	}
	if src.n != 8 {
		t.Fatalf("expected one live cycle and three stack cycles, read %d frames", src.n)
	}

	files := containers(t, opts.OutputDir, "stack")
	if len(files) != 1 {
		t.Fatalf("expected one stack container, got %d", len(files))
	}
	f := files[0]
	if !f.Closed {
		t.Fatalf("stack container not closed")
	}
	for ch := 0; ch < 2; ch++ {
		ds := f.Dataset(output.DatasetKey(0, ch, "stack"))
		if ds == nil {
			t.Fatalf("missing stack for channel %d", ch)
		}
		if diff := cmp.Diff([]int{3, height, width}, ds.Shape); diff != "" {
			t.Fatalf("shape mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]any{3.0, 0.5, 0.5}, ds.Attrs["element_size_um"]); diff != "" {
			t.Fatalf("element_size_um mismatch (-want +got):\n%s", diff)
		}
		for z := 0; z < 3; z++ {
			if !ds.Written[z] {
				t.Fatalf("slice %d of channel %d not written", z, ch)
			}
			if got, want := ds.Slices[z].Pix[0], uint16(3+2*z+ch); got != want {
				t.Fatalf("slice %d channel %d holds frame %d, want %d", z, ch, got, want)
			}
		}
	}

	c, ok := out.Take()
	if !ok || c.Progress != 100 {
		t.Fatalf("expected final cycle at 100%%, got %+v", c)
	}
}

func TestMeasurementDetectToggle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &scriptedSource{limit: 2, cancel: cancel, plane: particlesAndRamp}
	out := NewLatest[Cycle]()
	m := newMeasurement(t, src, testOptions(t), out)
	m.SetDetect(true)

	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if got := m.Engine().State().Len(); got != 2 {
		t.Fatalf("expected 2 detections, got %d", got)
	}
	// two grey levels: every split below 195 ties, Otsu keeps the first
	if st := m.Status(); st.Candidates != 2 || st.RejectedArea != 0 || st.RejectedEdge != 0 || st.Threshold != 0 {
		t.Fatalf("unexpected detection counters %+v", st)
	}
	c, ok := out.Take()
	if !ok || c.Snapshot.State.Len() != 2 {
		t.Fatalf("published cycle missing detections: %+v", c.Snapshot.State)
	}

	m.SetDetect(false)
	if !m.Engine().State().Empty() || m.Status().ObjectsInFrame != 0 {
		t.Fatalf("detections survived turning detection off")
	}
}

func TestMeasurementDetectsOnSelectedChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// objects only in channel 1
	src := &scriptedSource{limit: 2, cancel: cancel, plane: func(n int) frame.Plane {
		if n%2 == 0 {
			return squares(50000, twoObjects[0])
		}
		return frame.NewPlane(width, height)
	}}
	m := newMeasurement(t, src, testOptions(t), nil)
	m.SetDetect(true)
	if err := m.SetSelectedChannel(2); err == nil {
		t.Fatalf("expected channel range error")
	}
	if err := m.SetSelectedChannel(1); err != nil {
		t.Fatalf("SetSelectedChannel error: %v", err)
	}
	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	st := m.Engine().State()
	if diff := cmp.Diff([]image.Point{twoObjects[0]}, st.Centroids()); diff != "" {
		t.Fatalf("centroids mismatch (-want +got):\n%s", diff)
	}
}

func TestMeasurementRejectsFrameSizeChange(t *testing.T) {
	src := &scriptedSource{plane: func(n int) frame.Plane {
		if n > 2 {
			return frame.NewPlane(width+1, height)
		}
		return frame.NewPlane(width, height)
	}}
	m := newMeasurement(t, src, testOptions(t), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Run(ctx); err == nil {
		t.Fatalf("expected shape error")
	}
	if !src.stopped {
		t.Fatalf("source not stopped after error")
	}
}

func TestLatestKeepsNewest(t *testing.T) {
	l := NewLatest[int]()
	if _, ok := l.Take(); ok {
		t.Fatalf("empty mailbox returned a value")
	}
	if l.Offer(1) {
		t.Fatalf("first offer reported a drop")
	}
	if !l.Offer(2) {
		t.Fatalf("second offer should replace the first")
	}
	select {
	case <-l.Ready():
	default:
		t.Fatalf("ready not signalled")
	}
	v, ok := l.Take()
	if !ok || v != 2 {
		t.Fatalf("Take = %d, %v", v, ok)
	}
	if _, ok := l.Take(); ok {
		t.Fatalf("value taken twice")
	}
}

func TestMeasurementSavesTimeLapseAndEnds(t *testing.T) {
	src := &scriptedSource{plane: func(n int) frame.Plane {
		p := frame.NewPlane(width, height)
		for i := range p.Pix {
			p.Pix[i] = uint16(n)
		}
		return p
	}}
	opts := testOptions(t)
	opts.FrameNum = 2
	opts.TimeLapseNum = 2
	m := newMeasurement(t, src, opts, nil)
	m.SetSavingType(config.SaveImage)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if st := m.Status(); st.SavingType != string(config.SaveNone) || st.Progress != 100 {
		t.Fatalf("unexpected status %+v", st)
	}
	if src.n != 10 {
		t.Fatalf("expected one live cycle and four series cycles, read %d frames", src.n)
	}

	files := containers(t, opts.OutputDir, "image")
	if len(files) != 1 {
		t.Fatalf("expected one image container, got %d", len(files))
	}
	f := files[0]
	if got := fmt.Sprint(f.Meta["time_lapse_num"]); got != "2" {
		t.Fatalf("time_lapse_num = %s", got)
	}
	for tl := 0; tl < 2; tl++ {
		for ch := 0; ch < 2; ch++ {
			ds := f.Dataset(output.DatasetKey(tl, ch, "image"))
			if ds == nil {
				t.Fatalf("missing t%d/c%d/image", tl, ch)
			}
			if diff := cmp.Diff([]int{2, height, width}, ds.Shape); diff != "" {
				t.Fatalf("shape mismatch (-want +got):\n%s", diff)
			}
			for z := 0; z < 2; z++ {
				if !ds.Written[z] {
					t.Fatalf("slice t%d z%d c%d not written", tl, z, ch)
				}
				if got, want := ds.Slices[z].Pix[0], uint16(3+(tl*2+z)*2+ch); got != want {
					t.Fatalf("slice t%d z%d c%d holds frame %d, want %d", tl, z, ch, got, want)
				}
			}
		}
	}
	if f.Dataset(output.DatasetKey(0, 0, "stack")) != nil {
		t.Fatalf("image series must not write stack datasets")
	}
}

func TestMeasurementDetectOffStopsCapture(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var m *Measurement
	toggled := make(chan int, 1)
	atToggle := -1
	src := &scriptedSource{limit: 20, cancel: cancel}
	src.plane = func(n int) frame.Plane {
		switch n {
		case 5:
			// turned off from another goroutine while cycles keep coming
			go func() {
				m.SetDetect(false)
				toggled <- m.Status().CapturedObjects
			}()
		case 9:
			atToggle = <-toggled
		}
		return particlesAndRamp(n)
	}
	m = newMeasurement(t, src, testOptions(t), nil)
	m.SetDetect(true)
	m.SetSavingType(config.SaveRoi)

	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	st := m.Status()
	if atToggle < 4 || st.CapturedObjects != atToggle {
		t.Fatalf("captured %d objects, %d when detection was turned off", st.CapturedObjects, atToggle)
	}
	if !m.Engine().State().Empty() || st.ObjectsInFrame != 0 {
		t.Fatalf("detections survived turning detection off")
	}
}

func TestStackProgress(t *testing.T) {
	tests := []struct {
		z, c, frames, channels int
		want                   float64
	}{
		{0, 0, 1, 2, 50},
		{0, 1, 1, 2, 100},
		{1, 0, 4, 1, 50},
		{3, 1, 4, 2, 100},
		{0, 0, 0, 2, 0},
	}
	for _, tt := range tests {
		if got := StackProgress(tt.z, tt.c, tt.frames, tt.channels); got != tt.want {
			t.Fatalf("StackProgress(%d, %d, %d, %d) = %v, want %v", tt.z, tt.c, tt.frames, tt.channels, got, tt.want)
		}
	}
}

func TestSeriesProgress(t *testing.T) {
	tests := []struct {
		t, z, c, times, frames, channels int
		want                             float64
	}{
		{0, 0, 0, 2, 2, 2, 12.5},
		{0, 1, 1, 2, 2, 2, 50},
		{1, 0, 0, 2, 2, 2, 62.5},
		{1, 1, 1, 2, 2, 2, 100},
	}
	prev := 0.0
	for _, tt := range tests {
		got := SeriesProgress(tt.t, tt.z, tt.c, tt.times, tt.frames, tt.channels)
		if got != tt.want {
			t.Fatalf("SeriesProgress(%d, %d, %d) = %v, want %v", tt.t, tt.z, tt.c, got, tt.want)
		}
		if got <= prev {
			t.Fatalf("progress not increasing: %v after %v", got, prev)
		}
		prev = got
	}
	if got := SeriesProgress(0, 0, 0, 0, 2, 2); got != 0 {
		t.Fatalf("empty series progress = %v", got)
	}
}

func TestChannelStats(t *testing.T) {
	p := frame.Plane{Width: 2, Height: 2, Pix: []uint16{1, 2, 3, math.MaxUint16}}
	st := ChannelStats(1, p)
	if st.Channel != 1 || st.Min != 1 || st.Max != math.MaxUint16 || st.Saturated != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if want := (1.0 + 2 + 3 + math.MaxUint16) / 4; math.Abs(st.Mean-want) > 1e-9 {
		t.Fatalf("mean = %v, want %v", st.Mean, want)
	}

	flat := ChannelStats(0, frame.Plane{Width: 1, Height: 1, Pix: []uint16{7}})
	if flat.Std != 0 || flat.Mean != 7 {
		t.Fatalf("unexpected single pixel stats %+v", flat)
	}

	buf, err := frame.NewBuffer(3, 2, 2)
	if err != nil {
		t.Fatalf("NewBuffer error: %v", err)
	}
	if err := buf.Write(2, p); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	all := BufferStats(buf)
	if len(all) != 1 || all[0].Channel != 2 {
		t.Fatalf("expected stats for the written channel only, got %+v", all)
	}
}
