package processing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"particle-roi-go/internal/config"
	"particle-roi-go/internal/detect"
	"particle-roi-go/internal/engine"
	"particle-roi-go/internal/frame"
	"particle-roi-go/internal/output"
	"particle-roi-go/internal/roi"
	"particle-roi-go/internal/source"
)

type Options struct {
	Channels      int
	FrameNum      int
	TimeLapseNum  int // time points of an image series, 0 means 1
	MaxRois       int
	ElementSizeUm []float64 // [z, y, x]
	OutputDir     string
	DetectionLog  bool
	Meta          map[string]any // copied into every container header
}

// Cycle is published after every stored frame cycle.
type Cycle struct {
	Index    uint64
	Snapshot engine.Snapshot
	Selected int
	Progress float64
}

type Status struct {
	Frames          uint64  `json:"frames"`
	Detect          bool    `json:"detect"`
	SelectedChannel int     `json:"selected_channel"`
	SavingType      string  `json:"saving_type"`
	ObjectsInFrame  int     `json:"objects_in_frame"`
	CapturedObjects int     `json:"captured_objects"`
	Progress        float64 `json:"progress"`
	RoiFile         string  `json:"roi_file,omitempty"`
	LastError       string  `json:"last_error,omitempty"`

	// counters of the last detection pass
	Threshold    uint8 `json:"threshold"`
	Candidates   int   `json:"candidates"`
	RejectedArea int   `json:"rejected_area"`
	RejectedEdge int   `json:"rejected_edge"`
}

// Measurement acquires frame cycles from a source, optionally detects
// objects in the selected channel, and saves ROIs, a z stack or a time
// lapse of z stacks.
type Measurement struct {
	src  source.Source
	opts Options
	out  *Latest[Cycle]

	// held by SetDetect and by the loop while it detects and saves rois,
	// so no detection outlives turning detection off
	detectMu sync.Mutex
	detect   atomic.Bool
	selected atomic.Int64

	mu       sync.Mutex
	eng      *engine.Engine
	params   detect.Params
	saving   config.SavingType
	roiFile  *output.Container
	roiIndex int
	objects  int
	captured int
	progress float64
	frames   uint64
	lastErr  string
	detLog   *output.DetectionLog
}

func NewMeasurement(src source.Source, params detect.Params, opts Options, out *Latest[Cycle]) (*Measurement, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if opts.TimeLapseNum == 0 {
		opts.TimeLapseNum = 1
	}
	if opts.Channels < 1 || opts.FrameNum < 1 || opts.TimeLapseNum < 1 || opts.MaxRois < 1 {
		return nil, fmt.Errorf("invalid measurement options %+v", opts)
	}
	return &Measurement{
		src:    src,
		opts:   opts,
		out:    out,
		params: params,
		saving: config.SaveNone,
	}, nil
}

// Engine is nil until the first frame cycle has fixed the frame size.
func (m *Measurement) Engine() *engine.Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eng
}

// SetDetect toggles detection. Turning it off drops the current detections.
func (m *Measurement) SetDetect(on bool) {
	m.detectMu.Lock()
	defer m.detectMu.Unlock()
	m.detect.Store(on)
	if !on {
		if eng := m.Engine(); eng != nil {
			eng.Clear()
		}
		m.mu.Lock()
		m.objects = 0
		m.mu.Unlock()
	}
}

func (m *Measurement) SetSelectedChannel(ch int) error {
	if ch < 0 || ch >= m.opts.Channels {
		return fmt.Errorf("%w: %d not in [0, %d)", frame.ErrInvalidChannel, ch, m.opts.Channels)
	}
	m.selected.Store(int64(ch))
	return nil
}

func (m *Measurement) SetSavingType(t config.SavingType) {
	m.mu.Lock()
	m.saving = t
	m.mu.Unlock()
}

func (m *Measurement) SavingType() config.SavingType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saving
}

func (m *Measurement) Params() detect.Params {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.params
}

func (m *Measurement) SetParams(p detect.Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params = p
	m.objects = 0
	if m.eng != nil {
		return m.eng.SetParams(p)
	}
	return nil
}

func (m *Measurement) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Frames:          m.frames,
		Detect:          m.detect.Load(),
		SelectedChannel: int(m.selected.Load()),
		SavingType:      string(m.saving),
		ObjectsInFrame:  m.objects,
		CapturedObjects: m.captured,
		Progress:        m.progress,
		LastError:       m.lastErr,
	}
	if m.roiFile != nil {
		st.RoiFile = m.roiFile.Path()
	}
	if m.eng != nil {
		rep := m.eng.LastReport()
		st.Threshold = rep.Threshold
		st.Candidates = rep.Candidates
		st.RejectedArea = rep.RejectedArea
		st.RejectedEdge = rep.RejectedEdge
	}
	return st
}

// Run acquires until ctx is cancelled, a stack or time lapse has been
// saved, or a source or persistence error occurs. Cancellation is not an error.
func (m *Measurement) Run(ctx context.Context) (err error) {
	if err := m.src.Start(ctx); err != nil {
		return fmt.Errorf("start source: %w", err)
	}
	defer func() {
		err = multierr.Combine(err, m.src.Stop(), m.closeRoi(), m.closeDetectionLog())
	}()

	if m.opts.DetectionLog {
		l, err := output.NewDetectionLog(m.opts.OutputDir, Timestamp())
		if err != nil {
			return fmt.Errorf("detection log: %w", err)
		}
		m.mu.Lock()
		m.detLog = l
		m.mu.Unlock()
	}

	for {
		planes, err := source.ReadCycle(ctx, m.src, m.opts.Channels)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		eng, err := m.engineFor(planes)
		if err != nil {
			return err
		}
		if err := eng.WriteCycle(planes); err != nil {
			return err
		}

		m.mu.Lock()
		index := m.frames
		m.frames++
		m.mu.Unlock()

		saving := m.SavingType()
		if saving != config.SaveRoi {
			if err := m.closeRoi(); err != nil {
				return err
			}
		}
		if err := m.detectAndCapture(eng, index, saving == config.SaveRoi); err != nil {
			return err
		}
		switch saving {
		case config.SaveStack, config.SaveImage:
			m.mu.Lock()
			m.objects = 0
			m.mu.Unlock()
			kind, times := "stack", 1
			if saving == config.SaveImage {
				kind, times = "image", m.opts.TimeLapseNum
			}
			err := m.saveSeries(ctx, eng, kind, times)
			m.SetSavingType(config.SaveNone)
			if err != nil && ctx.Err() != nil {
				log.Printf("%s interrupted: %v", kind, err)
				return nil
			}
			return err
		}
		m.publish(eng, index)
	}
}

// engineFor sizes the engine from the first cycle.
func (m *Measurement) engineFor(planes []frame.Plane) (*engine.Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.eng != nil {
		return m.eng, nil
	}
	p := planes[0]
	eng, err := engine.New(m.opts.Channels, p.Width, p.Height, m.params)
	if err != nil {
		return nil, err
	}
	log.Printf("frame size %dx%d, %d channels", p.Width, p.Height, m.opts.Channels)
	m.eng = eng
	return eng, nil
}

func (m *Measurement) detectAndCapture(eng *engine.Engine, index uint64, capture bool) error {
	m.detectMu.Lock()
	defer m.detectMu.Unlock()
	st := m.detectObjects(eng, index)
	if !capture {
		return nil
	}
	return m.saveRoi(eng, st)
}

// detectObjects must be called with detectMu held.
func (m *Measurement) detectObjects(eng *engine.Engine, index uint64) detect.State {
	if !m.detect.Load() {
		eng.Clear()
		m.setObjects(0)
		return detect.State{}
	}
	ch := int(m.selected.Load())
	st, err := eng.Detect(ch)
	if err != nil {
		log.Printf("detect channel %d: %v", ch, err)
		m.setError(err)
		m.setObjects(0)
		return detect.State{}
	}
	m.setObjects(st.Len())

	m.mu.Lock()
	l := m.detLog
	m.mu.Unlock()
	if l != nil && !st.Empty() {
		if err := l.Append(int(index), ch, st); err != nil {
			log.Printf("detection log: %v", err)
		}
	}
	return st
}

func (m *Measurement) saveRoi(eng *engine.Engine, st detect.State) error {
	if st.Empty() {
		return nil
	}
	cx, cy := st.CX(), st.CY()
	rois := make([][]roi.ROI, m.opts.Channels)
	for ch := range rois {
		r, err := eng.ExtractROIs(ch, cx, cy)
		if err != nil {
			// detections made with different parameters than the current ones
			if errors.Is(err, roi.ErrOutOfBounds) {
				log.Printf("skipping roi capture: %v", err)
				return nil
			}
			return err
		}
		rois[ch] = r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roiFile == nil {
		c, err := output.Create(m.opts.OutputDir, "roi", m.metaLocked())
		if err != nil {
			return fmt.Errorf("create roi container: %w", err)
		}
		m.roiFile = c
		m.roiIndex = 0
		log.Printf("saving rois to %s", c.Path())
	}

	attrs := map[string]any{"element_size_um": m.opts.ElementSizeUm}
	for i := range cx {
		for ch := 0; ch < m.opts.Channels; ch++ {
			p := rois[ch][i].Plane
			key := output.DatasetKey(m.roiIndex, ch, "roi")
			ds, err := m.roiFile.CreateDataset(key, []int{1, p.Height, p.Width}, output.DTypeUint16, attrs)
			if err != nil {
				return m.failRoiLocked(err)
			}
			if err := ds.Write(0, p); err != nil {
				return m.failRoiLocked(err)
			}
		}
		m.roiIndex++
		m.captured++
		if err := m.roiFile.Flush(); err != nil {
			return m.failRoiLocked(err)
		}
		if m.roiIndex >= m.opts.MaxRois {
			log.Printf("captured %d rois, closing %s", m.roiIndex, m.roiFile.Path())
			err := m.roiFile.Close()
			m.roiFile = nil
			m.saving = config.SaveNone
			return err
		}
	}
	return nil
}

func (m *Measurement) failRoiLocked(err error) error {
	closeErr := m.roiFile.Close()
	m.roiFile = nil
	m.saving = config.SaveNone
	return multierr.Append(err, closeErr)
}

func (m *Measurement) closeRoi() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roiFile == nil {
		return nil
	}
	err := m.roiFile.Close()
	m.roiFile = nil
	return err
}

func (m *Measurement) closeDetectionLog() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.detLog == nil {
		return nil
	}
	err := m.detLog.Close()
	m.detLog = nil
	return err
}

// saveSeries records times x FrameNum fresh cycles into
// t{t}/c{ch}/{kind} datasets of shape [FrameNum, H, W], flushing after every
// slice. A stack is a series with one time point.
func (m *Measurement) saveSeries(ctx context.Context, eng *engine.Engine, kind string, times int) (err error) {
	m.mu.Lock()
	meta := m.metaLocked()
	m.mu.Unlock()
	meta["time_lapse_num"] = times

	c, err := output.Create(m.opts.OutputDir, kind, meta)
	if err != nil {
		return fmt.Errorf("create %s container: %w", kind, err)
	}
	defer func() {
		err = multierr.Append(err, c.Close())
	}()
	log.Printf("saving %d x %d frame %s to %s", times, m.opts.FrameNum, kind, c.Path())

	buf := eng.Buffer()
	shape := []int{m.opts.FrameNum, buf.Height(), buf.Width()}
	attrs := map[string]any{"element_size_um": m.opts.ElementSizeUm}
	datasets := make([][]*output.Dataset, times)
	for t := range datasets {
		datasets[t] = make([]*output.Dataset, m.opts.Channels)
		for ch := range datasets[t] {
			ds, err := c.CreateDataset(output.DatasetKey(t, ch, kind), shape, output.DTypeUint16, attrs)
			if err != nil {
				return err
			}
			datasets[t][ch] = ds
		}
	}

	m.setProgress(0)
	for t := 0; t < times; t++ {
		for z := 0; z < m.opts.FrameNum; z++ {
			planes := make([]frame.Plane, 0, m.opts.Channels)
			for ch := 0; ch < m.opts.Channels; ch++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				p, err := m.src.Frame(ctx)
				if err != nil {
					return err
				}
				if err := datasets[t][ch].Write(z, p); err != nil {
					return err
				}
				if err := c.Flush(); err != nil {
					return err
				}
				planes = append(planes, p)
				m.setProgress(SeriesProgress(t, z, ch, times, m.opts.FrameNum, m.opts.Channels))
			}
			if err := eng.WriteCycle(planes); err != nil {
				return err
			}
			m.mu.Lock()
			index := m.frames
			m.frames++
			m.mu.Unlock()
			m.publish(eng, index)
		}
	}
	return nil
}

func (m *Measurement) publish(eng *engine.Engine, index uint64) {
	if m.out == nil {
		return
	}
	m.mu.Lock()
	progress := m.progress
	m.mu.Unlock()
	m.out.Offer(Cycle{
		Index:    index,
		Snapshot: eng.Snapshot(),
		Selected: int(m.selected.Load()),
		Progress: progress,
	})
}

func (m *Measurement) metaLocked() map[string]any {
	meta := map[string]any{
		"channel_num":      m.opts.Channels,
		"frame_num":        m.opts.FrameNum,
		"time_lapse_num":   m.opts.TimeLapseNum,
		"roi_size":         m.params.RoiSize,
		"min_object_area":  m.params.MinArea,
		"max_object_area":  m.params.MaxArea,
		"selected_channel": int(m.selected.Load()),
		"element_size_um":  m.opts.ElementSizeUm,
	}
	for k, v := range m.opts.Meta {
		meta[k] = v
	}
	return meta
}

func (m *Measurement) setObjects(n int) {
	m.mu.Lock()
	m.objects = n
	m.mu.Unlock()
}

func (m *Measurement) setProgress(p float64) {
	m.mu.Lock()
	m.progress = p
	m.mu.Unlock()
}

func (m *Measurement) setError(err error) {
	m.mu.Lock()
	m.lastErr = err.Error()
	m.mu.Unlock()
}
