package detect

import "image"

// Detection is one accepted object: its outer contour, truncated centroid and
// contour area (zeroth moment).
type Detection struct {
	Contour  []image.Point
	Centroid image.Point
	Area     float64
}

// State is the batch of detections from one Detect call, in contour discovery
// order. Contours and centroids live in the same record, so their lists can
// never drift apart.
type State struct {
	Detections []Detection
}

func (s State) Len() int {
	return len(s.Detections)
}

func (s State) Empty() bool {
	return len(s.Detections) == 0
}

func (s State) Contours() [][]image.Point {
	out := make([][]image.Point, len(s.Detections))
	for i, d := range s.Detections {
		out[i] = d.Contour
	}
	return out
}

func (s State) CX() []int {
	out := make([]int, len(s.Detections))
	for i, d := range s.Detections {
		out[i] = d.Centroid.X
	}
	return out
}

func (s State) CY() []int {
	out := make([]int, len(s.Detections))
	for i, d := range s.Detections {
		out[i] = d.Centroid.Y
	}
	return out
}

func (s State) Centroids() []image.Point {
	out := make([]image.Point, len(s.Detections))
	for i, d := range s.Detections {
		out[i] = d.Centroid
	}
	return out
}

// Clone deep-copies the detections, contours included.
func (s State) Clone() State {
	if s.Detections == nil {
		return State{}
	}
	out := make([]Detection, len(s.Detections))
	for i, d := range s.Detections {
		contour := make([]image.Point, len(d.Contour))
		copy(contour, d.Contour)
		out[i] = Detection{Contour: contour, Centroid: d.Centroid, Area: d.Area}
	}
	return State{Detections: out}
}
