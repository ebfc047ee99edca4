package detect

import (
	"fmt"

	"particle-roi-go/internal/frame"
	"particle-roi-go/internal/roi"
)

type Params struct {
	RoiSize    int // full side of the square ROI window
	MinArea    int // exclusive lower bound on contour area
	MaxArea    int // exclusive upper bound on contour area
	KernelSize int // side of the square opening element
	Iterations int // opening iterations
}

func DefaultParams() Params {
	return Params{
		RoiSize:    60,
		MinArea:    100,
		MaxArea:    4000,
		KernelSize: 2,
		Iterations: 1,
	}
}

func (p Params) Validate() error {
	if p.RoiSize < 2 {
		return fmt.Errorf("roi size must be >= 2, got %d", p.RoiSize)
	}
	if p.MinArea < 1 {
		return fmt.Errorf("min object area must be >= 1, got %d", p.MinArea)
	}
	if p.MaxArea <= p.MinArea {
		return fmt.Errorf("max object area %d must exceed min object area %d", p.MaxArea, p.MinArea)
	}
	if p.KernelSize < 1 || p.Iterations < 0 {
		return fmt.Errorf("invalid opening: kernel %d, iterations %d", p.KernelSize, p.Iterations)
	}
	return nil
}

// Detector finds bright, particle-like objects in a 16-bit plane.
type Detector struct {
	params Params
}

func NewDetector(params Params) (*Detector, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Detector{params: params}, nil
}

func (d *Detector) Params() Params {
	return d.params
}

// Report is the detailed outcome of one detection pass.
type Report struct {
	State        State
	Threshold    uint8
	Candidates   int
	RejectedArea int
	RejectedEdge int
}

// Mask returns the opened binary mask and the Otsu threshold used.
func (d *Detector) Mask(p frame.Plane) ([]bool, uint8) {
	gray := Downscale8(p)
	t := Otsu(gray)
	mask := Binarize(gray, t)
	return Open(mask, p.Width, p.Height, d.params.KernelSize, d.params.Iterations), t
}

// Detect returns the accepted detections of the plane. Rejections by area
// or by the ROI edge test are routine and are not errors.
func (d *Detector) Detect(p frame.Plane) State {
	return d.DetectDetailed(p).State
}

func (d *Detector) DetectDetailed(p frame.Plane) Report {
	mask, t := d.Mask(p)
	contours := ExternalContours(mask, p.Width, p.Height)

	rep := Report{Threshold: t, Candidates: len(contours)}
	var accepted []Detection
	for _, c := range contours {
		m := ContourMoments(c)
		if !(m.M00 > float64(d.params.MinArea) && m.M00 < float64(d.params.MaxArea)) {
			rep.RejectedArea++
			continue
		}
		centroid, ok := m.Centroid()
		if !ok {
			rep.RejectedArea++
			continue
		}
		if !roi.Inside(roi.Window(centroid.X, centroid.Y, d.params.RoiSize), p.Width, p.Height) {
			rep.RejectedEdge++
			continue
		}
		accepted = append(accepted, Detection{
			Contour:  c,
			Centroid: centroid,
			Area:     m.M00,
		})
	}
	rep.State = State{Detections: accepted}
	return rep
}
