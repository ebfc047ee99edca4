// Package cborarray converts between frame planes and RFC 8746 CBOR typed
// arrays: a tag 40 multi-dimensional array of [[rows, cols], typed array].
package cborarray

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"

	"particle-roi-go/internal/frame"
)

const (
	TagMultiDimArray = 40
	TagUint8         = 64
	TagUint16LE      = 69
	TagUint32LE      = 70
	TagFloat32LE     = 85
)

var ErrCompressed = errors.New("compressed typed arrays are not supported")

// Encode wraps the plane as a row-major uint16 little-endian typed array.
func Encode(p frame.Plane) cbor.Tag {
	data := make([]byte, len(p.Pix)*2)
	for i, v := range p.Pix {
		binary.LittleEndian.PutUint16(data[i*2:], v)
	}
	return cbor.Tag{
		Number: TagMultiDimArray,
		Content: []any{
			[]any{p.Height, p.Width},
			cbor.Tag{Number: TagUint16LE, Content: data},
		},
	}
}

// Decode reads a tag 40 two-dimensional array into a plane. uint32 and
// float32 samples are clamped to the uint16 range.
func Decode(value any) (frame.Plane, error) {
	tag, ok := value.(cbor.Tag)
	if !ok || tag.Number != TagMultiDimArray {
		return frame.Plane{}, fmt.Errorf("expected multidim tag 40")
	}

	items, ok := tag.Content.([]any)
	if !ok || len(items) != 2 {
		return frame.Plane{}, fmt.Errorf("invalid multidim array content")
	}

	dimsRaw, ok := items[0].([]any)
	if !ok || len(dimsRaw) != 2 {
		return frame.Plane{}, fmt.Errorf("invalid multidim dimensions")
	}

	rows, err := toInt(dimsRaw[0])
	if err != nil {
		return frame.Plane{}, err
	}
	cols, err := toInt(dimsRaw[1])
	if err != nil {
		return frame.Plane{}, err
	}
	if rows < 1 || cols < 1 {
		return frame.Plane{}, fmt.Errorf("invalid dimensions %dx%d", rows, cols)
	}

	flat, err := decodeTypedArray(items[1])
	if err != nil {
		return frame.Plane{}, err
	}

	if cols > math.MaxInt/rows {
		return frame.Plane{}, fmt.Errorf("dimensions %dx%d too large", rows, cols)
	}
	if n := flatLen(flat); n != rows*cols {
		return frame.Plane{}, fmt.Errorf("dimension mismatch: %dx%d with %d samples", rows, cols, n)
	}

	p := frame.NewPlane(cols, rows)
	switch v := flat.(type) {
	case []uint8:
		for i, x := range v {
			p.Pix[i] = uint16(x)
		}
	case []uint16:
		copy(p.Pix, v)
	case []uint32:
		for i, x := range v {
			if x > math.MaxUint16 {
				x = math.MaxUint16
			}
			p.Pix[i] = uint16(x)
		}
	case []float32:
		for i, x := range v {
			switch {
			case math.IsNaN(float64(x)) || x <= 0:
			case x >= math.MaxUint16:
				p.Pix[i] = math.MaxUint16
			default:
				p.Pix[i] = uint16(x)
			}
		}
	default:
		return frame.Plane{}, errors.New("unsupported typed array type")
	}
	return p, nil
}

func flatLen(flat any) int {
	switch v := flat.(type) {
	case []uint8:
		return len(v)
	case []uint16:
		return len(v)
	case []uint32:
		return len(v)
	case []float32:
		return len(v)
	}
	return -1
}

func decodeTypedArray(value any) (any, error) {
	tag, ok := value.(cbor.Tag)
	if !ok {
		return nil, fmt.Errorf("expected typed array tag")
	}

	dataBytes, err := extractBytes(tag)
	if err != nil {
		return nil, err
	}

	switch tag.Number {
	case TagUint8:
		return dataBytes, nil
	case TagUint16LE:
		return bytesToUint16(dataBytes), nil
	case TagUint32LE:
		return bytesToUint32(dataBytes), nil
	case TagFloat32LE:
		return bytesToFloat32(dataBytes), nil
	default:
		return nil, fmt.Errorf("unsupported typed array tag %d", tag.Number)
	}
}

func extractBytes(tag cbor.Tag) ([]byte, error) {
	switch v := tag.Content.(type) {
	case []byte:
		return v, nil
	case cbor.Tag:
		return nil, fmt.Errorf("%w: nested tag %d", ErrCompressed, v.Number)
	default:
		return nil, fmt.Errorf("unsupported typed array content %T", v)
	}
}

func bytesToUint16(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := 0; i < len(out); i++ {
		out[i] = binary.LittleEndian.Uint16(data[i*2 : i*2+2])
	}
	return out
}

func bytesToUint32(data []byte) []uint32 {
	out := make([]uint32, len(data)/4)
	for i := 0; i < len(out); i++ {
		out[i] = binary.LittleEndian.Uint32(data[i*4 : i*4+4])
	}
	return out
}

func bytesToFloat32(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := 0; i < len(out); i++ {
		bits := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case uint32:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported int type %T", v)
	}
}
