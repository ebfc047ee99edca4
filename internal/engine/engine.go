package engine

import (
	"sync"

	"particle-roi-go/internal/detect"
	"particle-roi-go/internal/frame"
	"particle-roi-go/internal/roi"
)

// Engine owns the frame buffer, the detector and the current detection
// state. Acquisition writes frame cycles, the measurement loop detects and
// extracts, and the display reads snapshots; all of it may run concurrently.
type Engine struct {
	buf *frame.Buffer

	mu    sync.Mutex
	det   *detect.Detector
	state detect.State
	last  detect.Report
}

func New(channels, width, height int, params detect.Params) (*Engine, error) {
	buf, err := frame.NewBuffer(channels, width, height)
	if err != nil {
		return nil, err
	}
	det, err := detect.NewDetector(params)
	if err != nil {
		return nil, err
	}
	return &Engine{buf: buf, det: det}, nil
}

func (e *Engine) Buffer() *frame.Buffer {
	return e.buf
}

func (e *Engine) Params() detect.Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.det.Params()
}

// SetParams replaces the detector and drops the current state, which was
// found with the old roi size and area bounds.
func (e *Engine) SetParams(params detect.Params) error {
	det, err := detect.NewDetector(params)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.det = det
	e.state = detect.State{}
	e.last = detect.Report{}
	e.mu.Unlock()
	return nil
}

func (e *Engine) WriteCycle(planes []frame.Plane) error {
	return e.buf.WriteCycle(planes)
}

// Detect runs the detector on a copy of one channel and replaces the state
// with the result. On error the state is cleared.
func (e *Engine) Detect(channel int) (detect.State, error) {
	p, err := e.buf.Copy(channel)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.state = detect.State{}
		e.last = detect.Report{}
		return detect.State{}, err
	}
	rep := e.det.DetectDetailed(p)
	e.state = rep.State
	e.last = rep
	return rep.State.Clone(), nil
}

// ExtractROIs crops ROIs around the given centroids from one channel. The
// centroid lists are taken as given, typically frozen from an earlier
// Detect on another channel.
func (e *Engine) ExtractROIs(channel int, cx, cy []int) ([]roi.ROI, error) {
	centroids, err := roi.Centroids(cx, cy)
	if err != nil {
		return nil, err
	}
	p, err := e.buf.Copy(channel)
	if err != nil {
		return nil, err
	}
	return roi.Extract(p, e.Params().RoiSize, centroids)
}

func (e *Engine) State() detect.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// LastReport returns the counters of the most recent Detect.
func (e *Engine) LastReport() detect.Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	rep := e.last
	rep.State = e.state.Clone()
	return rep
}

func (e *Engine) Clear() {
	e.mu.Lock()
	e.state = detect.State{}
	e.last = detect.Report{}
	e.mu.Unlock()
}

// Snapshot is a consistent copy of the buffer and state for display.
type Snapshot struct {
	Buffer *frame.Buffer
	State  detect.State
	Params detect.Params
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	state := e.state.Clone()
	params := e.det.Params()
	e.mu.Unlock()
	return Snapshot{Buffer: e.buf.Snapshot(), State: state, Params: params}
}
