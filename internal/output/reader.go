package output

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"

	"particle-roi-go/internal/cborarray"
	"particle-roi-go/internal/frame"
)

type DatasetData struct {
	Key     string
	Shape   []int
	DType   string
	Attrs   map[string]any
	Slices  []frame.Plane // zero Plane where a slice was never written
	Written []bool
}

type File struct {
	RunID    string
	Created  time.Time
	Meta     map[string]any
	Datasets []*DatasetData // declaration order
	Closed   bool           // false when the writer never finished
}

func (f *File) Dataset(key string) *DatasetData {
	for _, ds := range f.Datasets {
		if ds.Key == key {
			return ds
		}
	}
	return nil
}

// ReadContainer loads a whole container. A file cut off inside a record
// returns what was read so far together with ErrTruncated.
func ReadContainer(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	rr, err := NewRecordReader(fh)
	if err != nil {
		return nil, err
	}
	if rr.Magic() != ContainerMagic {
		return nil, fmt.Errorf("%s is not a container (magic %q)", path, rr.Magic())
	}

	out := &File{}
	byKey := make(map[string]*DatasetData)
	for n := 0; ; n++ {
		r, err := rr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		var rec record
		if err := cbor.Unmarshal(r.Payload, &rec); err != nil {
			return out, fmt.Errorf("record %d: %w", n, err)
		}
		switch rec.Kind {
		case KindHeader:
			out.RunID = rec.RunID
			out.Meta = normalizeMap(rec.Meta)
			if ts, err := time.Parse(time.RFC3339Nano, rec.Created); err == nil {
				out.Created = ts
			}
		case KindDataset:
			if len(rec.Shape) != 3 {
				return out, fmt.Errorf("record %d: dataset %s has shape %v", n, rec.Key, rec.Shape)
			}
			ds := &DatasetData{
				Key:     rec.Key,
				Shape:   rec.Shape,
				DType:   rec.DType,
				Attrs:   normalizeMap(rec.Attrs),
				Slices:  make([]frame.Plane, rec.Shape[0]),
				Written: make([]bool, rec.Shape[0]),
			}
			byKey[rec.Key] = ds
			out.Datasets = append(out.Datasets, ds)
		case KindSlice:
			ds, ok := byKey[rec.Key]
			if !ok {
				return out, fmt.Errorf("record %d: slice for undeclared dataset %s", n, rec.Key)
			}
			if rec.Index < 0 || rec.Index >= len(ds.Slices) {
				return out, fmt.Errorf("record %d: slice %d out of range for %s", n, rec.Index, rec.Key)
			}
			p, err := cborarray.Decode(rec.Data)
			if err != nil {
				return out, fmt.Errorf("record %d: %w", n, err)
			}
			ds.Slices[rec.Index] = p
			ds.Written[rec.Index] = true
		case KindClose:
			out.Closed = true
		default:
			return out, fmt.Errorf("record %d: unknown kind %q", n, rec.Kind)
		}
	}
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := NormalizeJSONValue(m).(map[string]any)
	return out
}
