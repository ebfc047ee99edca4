package output

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"

	"particle-roi-go/internal/detect"
)

// DetectionLog is a plain-text table of every accepted detection, one row
// per object and frame.
type DetectionLog struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

func NewDetectionLog(outputDir string, runTimestamp string) (*DetectionLog, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_detections.txt", runTimestamp))
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriter(f)
	_, _ = fmt.Fprintln(w, "frame, channel, index, cx, cy, area")
	return &DetectionLog{f: f, w: w}, nil
}

func (l *DetectionLog) Append(frameIndex, channel int, state detect.State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w == nil {
		return fmt.Errorf("detection log is closed")
	}
	for i, d := range state.Detections {
		if _, err := fmt.Fprintf(l.w, "%d, %d, %d, %d, %d, %.1f\n", frameIndex, channel, i, d.Centroid.X, d.Centroid.Y, d.Area); err != nil {
			return err
		}
	}
	return nil
}

func (l *DetectionLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w == nil {
		return nil
	}
	err := multierr.Append(l.w.Flush(), l.f.Close())
	l.w = nil
	return err
}
