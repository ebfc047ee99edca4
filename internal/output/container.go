package output

import (
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"particle-roi-go/internal/cborarray"
	"particle-roi-go/internal/frame"
)

const DTypeUint16 = "uint16"

// Record kinds stored in a container.
const (
	KindHeader  = "header"
	KindDataset = "dataset"
	KindSlice   = "slice"
	KindClose   = "close"
)

type record struct {
	Kind    string         `cbor:"kind"`
	RunID   string         `cbor:"run_id,omitempty"`
	Created string         `cbor:"created,omitempty"`
	Meta    map[string]any `cbor:"meta,omitempty"`
	Key     string         `cbor:"key,omitempty"`
	Shape   []int          `cbor:"shape,omitempty"`
	DType   string         `cbor:"dtype,omitempty"`
	Attrs   map[string]any `cbor:"attrs,omitempty"`
	Index   int            `cbor:"index"`
	Data    any            `cbor:"data,omitempty"`
}

// DatasetKey names a dataset the way the container is laid out:
// t{time}/c{channel}/{kind}.
func DatasetKey(timeIndex, channel int, kind string) string {
	return fmt.Sprintf("t%d/c%d/%s", timeIndex, channel, kind)
}

// Container is an append-only file of CBOR records holding named 3-D
// uint16 datasets. Datasets are declared with a fixed shape [z, y, x] and
// filled one z slice at a time.
type Container struct {
	rf    *recordFile
	runID uuid.UUID

	mu       sync.Mutex
	datasets map[string]*Dataset
	closed   bool
}

func Create(outputDir, prefix string, meta map[string]any) (*Container, error) {
	runID := uuid.New()
	rf, err := createRecordFile(outputDir, fmt.Sprintf("%s_%s", prefix, runID.String()[:8]), ContainerMagic)
	if err != nil {
		return nil, err
	}
	c := &Container{rf: rf, runID: runID, datasets: make(map[string]*Dataset)}
	header := record{
		Kind:    KindHeader,
		RunID:   runID.String(),
		Created: time.Now().UTC().Format(time.RFC3339Nano),
		Meta:    meta,
	}
	if err := c.append(header, true); err != nil {
		return nil, multierr.Append(err, rf.close())
	}
	return c, nil
}

func (c *Container) Path() string {
	return c.rf.path
}

func (c *Container) RunID() string {
	return c.runID.String()
}

func (c *Container) append(rec record, flush bool) error {
	payload, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", rec.Kind, err)
	}
	return c.rf.write(payload, flush)
}

// CreateDataset declares a dataset. shape is [z, y, x]; only uint16 data
// is stored.
func (c *Container) CreateDataset(key string, shape []int, dtype string, attrs map[string]any) (*Dataset, error) {
	if len(shape) != 3 || shape[0] < 1 || shape[1] < 1 || shape[2] < 1 {
		return nil, fmt.Errorf("dataset %s: invalid shape %v", key, shape)
	}
	if dtype != DTypeUint16 {
		return nil, fmt.Errorf("dataset %s: unsupported dtype %q", key, dtype)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("dataset %s: container closed", key)
	}
	if _, ok := c.datasets[key]; ok {
		return nil, fmt.Errorf("dataset %s already exists", key)
	}
	rec := record{Kind: KindDataset, Key: key, Shape: append([]int(nil), shape...), DType: dtype, Attrs: attrs}
	if err := c.append(rec, false); err != nil {
		return nil, err
	}
	ds := &Dataset{c: c, key: key, shape: rec.Shape}
	c.datasets[key] = ds
	return ds, nil
}

// Flush pushes buffered records to disk.
func (c *Container) Flush() error {
	return c.rf.flush()
}

// Close writes the trailer and closes the file. It is safe to call more
// than once.
func (c *Container) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	n := len(c.datasets)
	c.mu.Unlock()

	err := c.append(record{Kind: KindClose, Index: n}, false)
	return multierr.Append(err, c.rf.close())
}

type Dataset struct {
	c     *Container
	key   string
	shape []int
}

func (d *Dataset) Key() string {
	return d.key
}

func (d *Dataset) Shape() []int {
	return append([]int(nil), d.shape...)
}

// Write stores plane p as z slice index.
func (d *Dataset) Write(index int, p frame.Plane) error {
	if index < 0 || index >= d.shape[0] {
		return fmt.Errorf("dataset %s: slice %d out of range [0, %d)", d.key, index, d.shape[0])
	}
	if p.Height != d.shape[1] || p.Width != d.shape[2] || len(p.Pix) != p.Width*p.Height {
		return fmt.Errorf("%w: dataset %s expects %dx%d, got %dx%d", frame.ErrShapeMismatch, d.key, d.shape[2], d.shape[1], p.Width, p.Height)
	}
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	if d.c.closed {
		return fmt.Errorf("dataset %s: container closed", d.key)
	}
	return d.c.append(record{Kind: KindSlice, Key: d.key, Index: index, Data: cborarray.Encode(p)}, false)
}
